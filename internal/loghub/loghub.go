// Package loghub collects per-account worker log entries into bounded
// in-memory buffers and fans them out to live subscribers.
//
// Contract:
//   - Append MUST be non-blocking regardless of subscriber behavior.
//   - Entries from the same account keep strict insertion order.
//   - A slow subscriber loses entries, marked by a synthesized warn entry,
//     never by blocking a producer.
package loghub

import (
	"fmt"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one immutable log line from one account's worker.
type Entry struct {
	AccountID string    `json:"account_id"`
	Time      time.Time `json:"time"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
}

// All selects the cross-account stream/buffer in Subscribe and Recent.
const All = ""

type Config struct {
	PerAccountCap    int // default 500
	GlobalCap        int // default 2000
	SubscriberBuffer int // default buffer when Subscribe gets <= 0
}

func (c Config) withDefaults() Config {
	if c.PerAccountCap <= 0 {
		c.PerAccountCap = 500
	}
	if c.GlobalCap <= 0 {
		c.GlobalCap = 2000
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 64
	}
	return c
}

type subscriber struct {
	accountID string // All means every account
	ch        chan Entry
	dropped   uint64
}

type Hub struct {
	cfg Config

	mu      sync.Mutex
	buffers map[string][]Entry
	global  []Entry

	// subsMu guards the subscriber map and ensures Append never sends on a
	// channel that Unsubscribe is concurrently closing.
	subsMu sync.Mutex
	subs   map[uint64]*subscriber
	seq    uint64
}

func New(cfg Config) *Hub {
	return &Hub{
		cfg:     cfg.withDefaults(),
		buffers: map[string][]Entry{},
		subs:    map[uint64]*subscriber{},
	}
}

// Append records an entry and delivers it to matching subscribers.
// Safe for concurrent use from any number of workers.
func (h *Hub) Append(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	h.mu.Lock()
	buf := append(h.buffers[e.AccountID], e)
	if len(buf) > h.cfg.PerAccountCap {
		buf = buf[len(buf)-h.cfg.PerAccountCap:]
	}
	h.buffers[e.AccountID] = buf

	h.global = append(h.global, e)
	if len(h.global) > h.cfg.GlobalCap {
		h.global = h.global[len(h.global)-h.cfg.GlobalCap:]
	}
	h.mu.Unlock()

	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	for _, s := range h.subs {
		if s.accountID != All && s.accountID != e.AccountID {
			continue
		}
		s.deliver(e)
	}
}

// deliver sends non-blocking. If the subscriber previously overflowed, a
// drop marker is flushed first so the reader knows its stream has a gap.
func (s *subscriber) deliver(e Entry) {
	if s.dropped > 0 {
		marker := Entry{
			AccountID: e.AccountID,
			Time:      e.Time,
			Level:     LevelWarn,
			Message:   fmt.Sprintf("log stream dropped %d entries (subscriber too slow)", s.dropped),
		}
		select {
		case s.ch <- marker:
			s.dropped = 0
		default:
			s.dropped++
			return
		}
	}
	select {
	case s.ch <- e:
	default:
		s.dropped++
	}
}

// Subscribe returns a live stream of entries appended after this call.
// accountID may be All. The returned cancel func closes the channel; it is
// safe to call more than once.
func (h *Hub) Subscribe(accountID string, buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = h.cfg.SubscriberBuffer
	}
	sub := &subscriber{accountID: accountID, ch: make(chan Entry, buffer)}

	h.subsMu.Lock()
	h.seq++
	id := h.seq
	h.subs[id] = sub
	h.subsMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.subsMu.Lock()
			delete(h.subs, id)
			h.subsMu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Recent returns up to limit most-recent entries, oldest first. accountID
// may be All for the cross-account buffer. limit <= 0 means everything
// retained.
func (h *Hub) Recent(accountID string, limit int) []Entry {
	h.mu.Lock()
	src := h.global
	if accountID != All {
		src = h.buffers[accountID]
	}
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	out := make([]Entry, len(src))
	copy(out, src)
	h.mu.Unlock()
	return out
}

// Forget drops an account's buffer (called when an account is removed).
// Global buffer entries are left to age out.
func (h *Hub) Forget(accountID string) {
	h.mu.Lock()
	delete(h.buffers, accountID)
	h.mu.Unlock()
}
