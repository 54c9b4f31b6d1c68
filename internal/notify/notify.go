// Package notify implements the best-effort notification sink: a bounded
// queue feeding a small worker pool with rate limiting, retry and dedup.
//
// Nothing here may ever propagate a failure back into a worker: a full
// queue drops, a failed send is retried then logged, and that is the end
// of it.
package notify

import (
	"fmt"
	"hash/fnv"
	"time"
)

type EventKind string

const (
	EventStarted   EventKind = "started"
	EventSucceeded EventKind = "succeeded"
	EventFailed    EventKind = "failed"
	EventSummary   EventKind = "summary"
)

// Event is one notification request from a worker (or the report service).
type Event struct {
	AccountID   string
	AccountName string
	ChatID      int64
	Kind        EventKind
	Message     string
}

// Sink accepts events fire-and-forget. Implementations swallow all errors.
type Sink interface {
	Notify(e Event)
}

// NopSink discards everything (tests, disabled notifier).
type NopSink struct{}

func (NopSink) Notify(Event) {}

// Func adapts a function to Sink.
type Func func(e Event)

func (f Func) Notify(e Event) { f(e) }

func (e Event) dedupKey(window time.Duration) string {
	if window <= 0 {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s", e.AccountID, e.Kind, e.Message)
	return fmt.Sprintf("%x", h.Sum64())
}
