package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AttemptRecord is one provisioning attempt. Keep it compact and
// schema-stable.
type AttemptRecord struct {
	At         time.Time `json:"at"`
	AccountID  string    `json:"account_id"`
	Domain     string    `json:"domain,omitempty"`
	Attempt    int       `json:"attempt"`
	Class      string    `json:"class"`
	ResourceID string    `json:"resource_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// WorkerState is the last observed state of one account's worker, persisted
// so status survives a restart.
type WorkerState struct {
	AccountID  string        `json:"account_id"`
	State      string        `json:"state"`
	Attempts   int           `json:"attempts"`
	Interval   time.Duration `json:"interval"`
	LastError  string        `json:"last_error,omitempty"`
	ResourceID string        `json:"resource_id,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
