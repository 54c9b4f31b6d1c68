package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ocibot/internal/account"
	"ocibot/internal/loghub"
	"ocibot/internal/provider"
	"ocibot/internal/worker"
)

func testProfile(id string) *account.Profile {
	return &account.Profile{
		ID:     id,
		Name:   "Account " + id,
		Region: "eu-frankfurt-1",
		Shape:  "VM.Standard.A1.Flex",
		OCPUs:  2, MemoryGBs: 12,
		AvailabilityDomains: []string{"AD-1"},
		Tuning: account.Tuning{
			InitialInterval: 20 * time.Millisecond,
			MinInterval:     10 * time.Millisecond,
			MaxInterval:     40 * time.Millisecond,
		},
	}
}

// blockingClient keeps workers retrying until released or stopped.
type blockingClient struct {
	mu       sync.Mutex
	outcomes map[string]provider.Outcome
}

func (c *blockingClient) set(id string, o provider.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes == nil {
		c.outcomes = map[string]provider.Outcome{}
	}
	c.outcomes[id] = o
}

func (c *blockingClient) Attempt(ctx context.Context, p *account.Profile, ad string) provider.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.outcomes[p.ID]; ok {
		return o
	}
	return provider.RateLimited("out of host capacity")
}

func newTestSupervisor(t *testing.T, client provider.Client, opts ...Option) *Supervisor {
	t.Helper()
	if client == nil {
		client = &blockingClient{}
	}
	s := New(context.Background(), worker.Deps{
		Provider: client,
		Logs:     loghub.New(loghub.Config{}),
	}, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func waitForState(t *testing.T, s *Supervisor, id string, want worker.State) AccountStatus {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st, err := s.Status(id)
		if err != nil {
			t.Fatalf("Status(%s): %v", id, err)
		}
		if st.State == want {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	st, _ := s.Status(id)
	t.Fatalf("account %s never reached %s, stuck at %s", id, want, st.State)
	return AccountStatus{}
}

func TestStartUnknownAccount(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(t, nil)
	if err := s.StartAccount("nope"); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("err = %v, want ErrUnknownAccount", err)
	}
}

func TestDoubleStartRejected(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(t, nil)
	if err := s.Add(testProfile("a1")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.StartAccount("a1"); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}
	if err := s.StartAccount("a1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start err = %v, want ErrAlreadyRunning", err)
	}
}

func TestStopNotRunning(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(t, nil)
	if err := s.Add(testProfile("a1")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.StopAccount("a1"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(t, nil)
	if err := s.Add(testProfile("a1")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.StartAccount("a1"); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}
	waitForState(t, s, "a1", worker.StateRunning)

	if err := s.StopAccount("a1"); err != nil {
		t.Fatalf("StopAccount: %v", err)
	}
	waitForState(t, s, "a1", worker.StateStopped)

	// Restart after stop is allowed and resets the counters.
	if err := s.StartAccount("a1"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	st := waitForState(t, s, "a1", worker.StateRunning)
	if st.Attempts != 0 {
		t.Fatalf("attempts after restart = %d, want 0", st.Attempts)
	}
}

func TestSuccessIsTerminal(t *testing.T) {
	t.Parallel()
	client := &blockingClient{}
	client.set("a1", provider.Success("ocid1.instance.oc1..win"))
	s := newTestSupervisor(t, client)
	if err := s.Add(testProfile("a1")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.StartAccount("a1"); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}
	st := waitForState(t, s, "a1", worker.StateSucceeded)
	if st.ResourceID != "ocid1.instance.oc1..win" {
		t.Fatalf("resource id = %q", st.ResourceID)
	}
	if err := s.StopAccount("a1"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("stop after success err = %v, want ErrNotRunning", err)
	}
}

func TestFatalIsTerminal(t *testing.T) {
	t.Parallel()
	client := &blockingClient{}
	client.set("a1", provider.Fatal("NotAuthenticated"))
	s := newTestSupervisor(t, client)
	if err := s.Add(testProfile("a1")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.StartAccount("a1"); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}
	st := waitForState(t, s, "a1", worker.StateFailedFatal)
	if st.LastError == "" {
		t.Fatal("expected last error to be recorded")
	}
}

func TestStartAllStopAll(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(t, nil)
	for _, id := range []string{"a1", "a2", "a3"} {
		if err := s.Add(testProfile(id)); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}
	if errs := s.StartAll(); len(errs) != 0 {
		t.Fatalf("StartAll errors: %v", errs)
	}
	for _, id := range []string{"a1", "a2", "a3"} {
		waitForState(t, s, id, worker.StateRunning)
	}

	// Already-running accounts are skipped, not errors.
	if errs := s.StartAll(); len(errs) != 0 {
		t.Fatalf("second StartAll errors: %v", errs)
	}

	if errs := s.StopAll(); len(errs) != 0 {
		t.Fatalf("StopAll errors: %v", errs)
	}
	for _, id := range []string{"a1", "a2", "a3"} {
		waitForState(t, s, id, worker.StateStopped)
	}

	all := s.StatusAll()
	if len(all) != 3 {
		t.Fatalf("StatusAll len = %d, want 3", len(all))
	}
	if all[0].ID != "a1" || all[2].ID != "a3" {
		t.Fatalf("StatusAll not sorted: %v", all)
	}
}

func TestRemoveRunningRejected(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(t, nil)
	if err := s.Add(testProfile("a1")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.StartAccount("a1"); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}
	if err := s.Remove("a1"); !errors.Is(err, ErrAccountRunning) {
		t.Fatalf("remove running err = %v, want ErrAccountRunning", err)
	}
	if err := s.StopAccount("a1"); err != nil {
		t.Fatalf("StopAccount: %v", err)
	}
	waitForState(t, s, "a1", worker.StateStopped)
	if err := s.Remove("a1"); err != nil {
		t.Fatalf("Remove after stop: %v", err)
	}
	if _, err := s.Status("a1"); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("status after remove err = %v, want ErrUnknownAccount", err)
	}
}

func TestInvalidTuningRejectedAtStart(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(t, nil)
	p := testProfile("bad")
	p.Tuning.MinInterval = p.Tuning.MaxInterval + time.Second
	if err := s.Add(p); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.StartAccount("bad"); err == nil {
		t.Fatal("expected start to fail on invalid tuning")
	}
	st, err := s.Status("bad")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != worker.StateIdle {
		t.Fatalf("state = %s, want %s", st.State, worker.StateIdle)
	}
}

func TestStateHookObservesTransitions(t *testing.T) {
	t.Parallel()
	client := &blockingClient{}
	client.set("a1", provider.Success("ocid1.instance.oc1..h"))

	var mu sync.Mutex
	var states []worker.State
	hook := func(tr worker.Transition) {
		mu.Lock()
		states = append(states, tr.State)
		mu.Unlock()
	}

	s := newTestSupervisor(t, client, WithStateHook(hook))
	if err := s.Add(testProfile("a1")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.StartAccount("a1"); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}
	waitForState(t, s, "a1", worker.StateSucceeded)

	mu.Lock()
	defer mu.Unlock()
	if len(states) == 0 {
		t.Fatal("hook never called")
	}
	if states[len(states)-1] != worker.StateSucceeded {
		t.Fatalf("last hooked state = %s, want %s", states[len(states)-1], worker.StateSucceeded)
	}
}

func TestCloseStopsEverything(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), worker.Deps{
		Provider: &blockingClient{},
		Logs:     loghub.New(loghub.Config{}),
	})
	for _, id := range []string{"a1", "a2"} {
		if err := s.Add(testProfile(id)); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
		if err := s.StartAccount(id); err != nil {
			t.Fatalf("StartAccount(%s): %v", id, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.StartAccount("a1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("start after close err = %v, want ErrClosed", err)
	}
}

// stallClient blocks inside Attempt, ignoring ctx, until released. It
// simulates a provider call that outlives the Close deadline.
type stallClient struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *stallClient) Attempt(ctx context.Context, p *account.Profile, ad string) provider.Outcome {
	c.once.Do(func() { close(c.started) })
	<-c.release
	return provider.RateLimited("released late")
}

func TestCloseTimeoutStillDrainsLateWorker(t *testing.T) {
	t.Parallel()
	client := &stallClient{started: make(chan struct{}), release: make(chan struct{})}

	var mu sync.Mutex
	var last worker.Transition
	s := New(context.Background(), worker.Deps{
		Provider: client,
		Logs:     loghub.New(loghub.Config{}),
	}, WithStateHook(func(tr worker.Transition) {
		mu.Lock()
		last = tr
		mu.Unlock()
	}))
	if err := s.Add(testProfile("a1")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.StartAccount("a1"); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}
	<-client.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close err = %v, want deadline exceeded", err)
	}

	// The worker is still inside the provider call. Once it returns, its
	// final transition must still be taken by the dispatch loop.
	close(client.release)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		st := last.State
		mu.Unlock()
		if st == worker.StateStopped {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	t.Fatalf("last hooked state = %s, want stopped", last.State)
}
