package loghub

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestPerAccountOrderAndEviction(t *testing.T) {
	t.Parallel()
	h := New(Config{PerAccountCap: 5, GlobalCap: 100})

	for i := 0; i < 12; i++ {
		h.Append(Entry{AccountID: "a", Level: LevelInfo, Message: fmt.Sprintf("m%d", i)})
	}

	got := h.Recent("a", 0)
	if len(got) != 5 {
		t.Fatalf("retained %d entries, want cap 5", len(got))
	}
	for i, e := range got {
		want := fmt.Sprintf("m%d", 7+i)
		if e.Message != want {
			t.Fatalf("entry %d = %q, want %q (oldest must be evicted first)", i, e.Message, want)
		}
	}
}

func TestGlobalBufferBounded(t *testing.T) {
	t.Parallel()
	h := New(Config{PerAccountCap: 100, GlobalCap: 10})
	for i := 0; i < 50; i++ {
		h.Append(Entry{AccountID: "a", Message: "x"})
	}
	if n := len(h.Recent(All, 0)); n != 10 {
		t.Fatalf("global buffer holds %d, want 10", n)
	}
}

func TestConcurrentAppendKeepsPerAccountOrder(t *testing.T) {
	t.Parallel()
	h := New(Config{PerAccountCap: 1000, GlobalCap: 5000})

	const perWorker = 200
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("acct-%d", w)
			for i := 0; i < perWorker; i++ {
				h.Append(Entry{AccountID: id, Message: fmt.Sprintf("%d", i)})
			}
		}()
	}
	wg.Wait()

	for w := 0; w < 4; w++ {
		id := fmt.Sprintf("acct-%d", w)
		entries := h.Recent(id, 0)
		if len(entries) != perWorker {
			t.Fatalf("%s: got %d entries, want %d", id, len(entries), perWorker)
		}
		for i, e := range entries {
			if e.Message != fmt.Sprintf("%d", i) {
				t.Fatalf("%s: entry %d out of order: %q", id, i, e.Message)
			}
		}
	}
}

func TestSubscribeReceivesOnlyNewEntries(t *testing.T) {
	t.Parallel()
	h := New(Config{})
	h.Append(Entry{AccountID: "a", Message: "before"})

	ch, cancel := h.Subscribe("a", 4)
	defer cancel()

	h.Append(Entry{AccountID: "a", Message: "after"})
	h.Append(Entry{AccountID: "b", Message: "other account"})

	select {
	case e := <-ch:
		if e.Message != "after" {
			t.Fatalf("first streamed entry = %q, want %q", e.Message, "after")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the new entry")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected extra entry %+v (account filter broken?)", e)
	default:
	}
}

func TestSlowSubscriberDropsWithMarker(t *testing.T) {
	t.Parallel()
	h := New(Config{})

	ch, cancel := h.Subscribe(All, 2)
	defer cancel()

	// Fill the buffer, then overflow it without draining.
	for i := 0; i < 6; i++ {
		h.Append(Entry{AccountID: "a", Message: fmt.Sprintf("m%d", i)})
	}

	// Producer side must have stayed unblocked: the full history is intact.
	if n := len(h.Recent("a", 0)); n != 6 {
		t.Fatalf("append blocked or lost entries: recent = %d", n)
	}

	// Drain the two buffered entries.
	if e := <-ch; e.Message != "m0" {
		t.Fatalf("first = %q", e.Message)
	}
	if e := <-ch; e.Message != "m1" {
		t.Fatalf("second = %q", e.Message)
	}

	// The next append must surface a drop marker before new data.
	h.Append(Entry{AccountID: "a", Message: "fresh"})
	e := <-ch
	if e.Level != LevelWarn || !strings.Contains(e.Message, "dropped 4 entries") {
		t.Fatalf("expected drop marker for 4 entries, got %+v", e)
	}
	if e := <-ch; e.Message != "fresh" {
		t.Fatalf("after marker = %q, want fresh entry", e.Message)
	}
}

func TestUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	t.Parallel()
	h := New(Config{})
	ch, cancel := h.Subscribe(All, 1)
	cancel()
	cancel() // second call must not panic

	h.Append(Entry{AccountID: "a", Message: "x"}) // must not panic on closed chan

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}
}

func TestForgetClearsAccountBuffer(t *testing.T) {
	t.Parallel()
	h := New(Config{})
	h.Append(Entry{AccountID: "a", Message: "x"})
	h.Forget("a")
	if n := len(h.Recent("a", 0)); n != 0 {
		t.Fatalf("buffer survived Forget: %d entries", n)
	}
}
