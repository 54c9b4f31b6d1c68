package worker

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ocibot/internal/account"
	"ocibot/internal/loghub"
	"ocibot/internal/notify"
	"ocibot/internal/provider"
)

func testProfile() *account.Profile {
	return &account.Profile{
		ID:     "acct1",
		Name:   "Test Account",
		Region: "eu-frankfurt-1",
		Shape:  "VM.Standard.A1.Flex",
		OCPUs:  4, MemoryGBs: 24,
		ChatID:              42,
		AvailabilityDomains: []string{"AD-1", "AD-2"},
		Tuning: account.Tuning{
			InitialInterval: 20 * time.Millisecond,
			MinInterval:     10 * time.Millisecond,
			MaxInterval:     40 * time.Millisecond,
		},
	}
}

func newTestWorker(t *testing.T, client provider.Client) (*Worker, *loghub.Hub) {
	t.Helper()
	hub := loghub.New(loghub.Config{})
	w, err := New(testProfile(), Deps{Provider: client, Logs: hub})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, hub
}

// drain consumes transitions until the channel closes, returning them all.
func drain(ch <-chan Transition) []Transition {
	var out []Transition
	for t := range ch {
		out = append(out, t)
	}
	return out
}

func TestNewRejectsInvalidTuning(t *testing.T) {
	t.Parallel()
	p := testProfile()
	p.Tuning.MinInterval = p.Tuning.MaxInterval + time.Second
	if _, err := New(p, Deps{Provider: provider.Func(nil), Logs: loghub.New(loghub.Config{})}); err == nil {
		t.Fatal("expected error for min > max tuning")
	}
}

func TestRunSuccess(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	client := provider.Func(func(ctx context.Context, p *account.Profile, ad string) provider.Outcome {
		if calls.Add(1) < 3 {
			return provider.RateLimited("out of host capacity")
		}
		return provider.Success("ocid1.instance.oc1..abc")
	})
	w, hub := newTestWorker(t, client)

	out := make(chan Transition, 16)
	final := w.Run(context.Background(), make(chan struct{}), out)
	close(out)

	if final.State != StateSucceeded {
		t.Fatalf("final state = %s, want %s", final.State, StateSucceeded)
	}
	if final.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", final.Attempts)
	}
	if final.ResourceID != "ocid1.instance.oc1..abc" {
		t.Fatalf("resource id = %q", final.ResourceID)
	}

	trs := drain(out)
	if trs[0].State != StateRunning {
		t.Fatalf("first transition = %s, want %s", trs[0].State, StateRunning)
	}
	if last := trs[len(trs)-1]; last.State != StateSucceeded {
		t.Fatalf("last transition = %s, want %s", last.State, StateSucceeded)
	}

	entries := hub.Recent("acct1", 0)
	if len(entries) == 0 {
		t.Fatal("expected log entries")
	}
	if !strings.Contains(entries[len(entries)-1].Message, "instance launched") {
		t.Fatalf("last entry = %q", entries[len(entries)-1].Message)
	}
}

func TestRunFatalStopsImmediately(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	client := provider.Func(func(ctx context.Context, p *account.Profile, ad string) provider.Outcome {
		calls.Add(1)
		return provider.Fatal("NotAuthenticated: invalid signing key")
	})
	w, hub := newTestWorker(t, client)

	out := make(chan Transition, 16)
	final := w.Run(context.Background(), make(chan struct{}), out)

	if final.State != StateFailedFatal {
		t.Fatalf("final state = %s, want %s", final.State, StateFailedFatal)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("provider called %d times, want 1", got)
	}
	if !strings.Contains(final.LastError, "NotAuthenticated") {
		t.Fatalf("last error = %q", final.LastError)
	}

	before := len(hub.Recent("acct1", 0))
	time.Sleep(50 * time.Millisecond)
	if after := len(hub.Recent("acct1", 0)); after != before {
		t.Fatalf("log entries grew after fatal: %d -> %d", before, after)
	}
}

func TestRunStopInterruptsSleep(t *testing.T) {
	t.Parallel()
	p := testProfile()
	p.Tuning = account.Tuning{
		InitialInterval: 10 * time.Second,
		MinInterval:     10 * time.Second,
		MaxInterval:     20 * time.Second,
	}
	var calls atomic.Int32
	client := provider.Func(func(ctx context.Context, pr *account.Profile, ad string) provider.Outcome {
		calls.Add(1)
		return provider.RateLimited("out of host capacity")
	})
	hub := loghub.New(loghub.Config{})
	w, err := New(p, Deps{Provider: client, Logs: hub})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out := make(chan Transition, 16)
	stop := make(chan struct{})
	done := make(chan Transition, 1)
	go func() { done <- w.Run(context.Background(), stop, out) }()

	// Let the worker make its first attempt and enter the long sleep.
	deadline := time.After(2 * time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("provider never called")
		case <-time.After(time.Millisecond):
		}
	}
	close(stop)

	select {
	case final := <-done:
		if final.State != StateStopped {
			t.Fatalf("final state = %s, want %s", final.State, StateStopped)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop promptly")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("provider called %d times after stop, want 1", got)
	}
}

func TestRunContextCancelStops(t *testing.T) {
	t.Parallel()
	client := provider.Func(func(ctx context.Context, p *account.Profile, ad string) provider.Outcome {
		return provider.Transient("connection reset")
	})
	w, _ := newTestWorker(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Transition, 256)
	done := make(chan Transition, 1)
	go func() { done <- w.Run(ctx, make(chan struct{}), out) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case final := <-done:
		if final.State != StateStopped {
			t.Fatalf("final state = %s, want %s", final.State, StateStopped)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

func TestRunDomainsRotate(t *testing.T) {
	t.Parallel()
	var seen []string
	client := provider.Func(func(ctx context.Context, p *account.Profile, ad string) provider.Outcome {
		seen = append(seen, ad)
		if len(seen) >= 4 {
			return provider.Success("ocid1.instance.oc1..rot")
		}
		return provider.Transient("internal error")
	})
	w, _ := newTestWorker(t, client)

	out := make(chan Transition, 64)
	final := w.Run(context.Background(), make(chan struct{}), out)
	if final.State != StateSucceeded {
		t.Fatalf("final state = %s", final.State)
	}
	want := []string{"AD-1", "AD-2", "AD-1", "AD-2"}
	if len(seen) != len(want) {
		t.Fatalf("domains = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("domains = %v, want %v", seen, want)
		}
	}
}

func TestRunNotifications(t *testing.T) {
	t.Parallel()
	client := provider.Func(func(ctx context.Context, p *account.Profile, ad string) provider.Outcome {
		return provider.Outcome{Class: provider.ClassSuccess, ResourceID: "ocid1.instance.oc1..n", PublicIP: "203.0.113.7"}
	})
	hub := loghub.New(loghub.Config{})
	var events []notify.Event
	sink := notify.Func(func(e notify.Event) { events = append(events, e) })
	w, err := New(testProfile(), Deps{Provider: client, Logs: hub, Notify: sink})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out := make(chan Transition, 16)
	w.Run(context.Background(), make(chan struct{}), out)

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != notify.EventStarted || events[1].Kind != notify.EventSucceeded {
		t.Fatalf("event kinds = %s, %s", events[0].Kind, events[1].Kind)
	}
	if events[1].ChatID != 42 {
		t.Fatalf("chat id = %d, want 42", events[1].ChatID)
	}
	if !strings.Contains(events[1].Message, "IP: 203.0.113.7") {
		t.Fatalf("success message without address: %q", events[1].Message)
	}
}

// listerClient pairs a scripted Attempt with availability domain discovery.
type listerClient struct {
	attempt   provider.Func
	domains   []string
	listFails int32 // fail the first N ListDomains calls
	listCalls atomic.Int32
}

func (c *listerClient) Attempt(ctx context.Context, p *account.Profile, ad string) provider.Outcome {
	return c.attempt(ctx, p, ad)
}

func (c *listerClient) ListDomains(ctx context.Context, p *account.Profile) ([]string, error) {
	if c.listCalls.Add(1) <= c.listFails {
		return nil, errors.New("identity service unavailable")
	}
	return c.domains, nil
}

func TestRunDiscoversDomains(t *testing.T) {
	t.Parallel()
	var seen []string
	client := &listerClient{
		domains: []string{"xxxx:EU-FRANKFURT-1-AD-1", "xxxx:EU-FRANKFURT-1-AD-2"},
		attempt: func(ctx context.Context, p *account.Profile, ad string) provider.Outcome {
			seen = append(seen, ad)
			if len(seen) >= 3 {
				return provider.Success("ocid1.instance.oc1..disc")
			}
			return provider.RateLimited("out of host capacity")
		},
	}
	p := testProfile()
	p.AvailabilityDomains = nil
	hub := loghub.New(loghub.Config{})
	w, err := New(p, Deps{Provider: client, Logs: hub})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out := make(chan Transition, 64)
	final := w.Run(context.Background(), make(chan struct{}), out)
	if final.State != StateSucceeded {
		t.Fatalf("final state = %s (%s)", final.State, final.LastError)
	}
	if got := client.listCalls.Load(); got != 1 {
		t.Fatalf("ListDomains called %d times, want 1", got)
	}
	want := []string{"xxxx:EU-FRANKFURT-1-AD-1", "xxxx:EU-FRANKFURT-1-AD-2", "xxxx:EU-FRANKFURT-1-AD-1"}
	if len(seen) != len(want) {
		t.Fatalf("domains = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("domains = %v, want %v", seen, want)
		}
	}
}

func TestRunDiscoveryFailureRetries(t *testing.T) {
	t.Parallel()
	client := &listerClient{
		domains:   []string{"AD-1"},
		listFails: 1,
		attempt: func(ctx context.Context, p *account.Profile, ad string) provider.Outcome {
			return provider.Success("ocid1.instance.oc1..recovered")
		},
	}
	p := testProfile()
	p.AvailabilityDomains = nil
	hub := loghub.New(loghub.Config{})
	w, err := New(p, Deps{Provider: client, Logs: hub})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out := make(chan Transition, 64)
	final := w.Run(context.Background(), make(chan struct{}), out)
	if final.State != StateSucceeded {
		t.Fatalf("final state = %s (%s)", final.State, final.LastError)
	}
	if got := client.listCalls.Load(); got != 2 {
		t.Fatalf("ListDomains called %d times, want 2", got)
	}
	var warned bool
	for _, e := range hub.Recent("acct1", 0) {
		if strings.Contains(e.Message, "domain discovery failed") {
			warned = true
		}
	}
	if !warned {
		t.Fatal("expected a discovery failure log entry")
	}
}

func TestRunNoDomainsWithoutListerIsFatal(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	client := provider.Func(func(ctx context.Context, p *account.Profile, ad string) provider.Outcome {
		calls.Add(1)
		return provider.Success("unreachable")
	})
	p := testProfile()
	p.AvailabilityDomains = nil
	hub := loghub.New(loghub.Config{})
	w, err := New(p, Deps{Provider: client, Logs: hub})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out := make(chan Transition, 16)
	final := w.Run(context.Background(), make(chan struct{}), out)
	if final.State != StateFailedFatal {
		t.Fatalf("final state = %s, want %s", final.State, StateFailedFatal)
	}
	if !strings.Contains(final.LastError, "no availability domain") {
		t.Fatalf("last error = %q", final.LastError)
	}
	if got := calls.Load(); got != 0 {
		t.Fatalf("provider called %d times, want 0", got)
	}
}
