// Package storage persists the provisioning attempt trail and the last
// known worker state per account.
package storage

import (
	"context"
	"errors"
	"strings"

	"ocibot/pkg/logx"
)

// Store is the persistence API used by the supervisor's state hook.
type Store interface {
	AppendAttempt(ctx context.Context, r AttemptRecord) error
	PutWorkerState(ctx context.Context, s WorkerState) error
	WorkerStates(ctx context.Context) ([]WorkerState, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
