// Package supervisor owns the account registry and the lifecycle of the
// per-account workers. All registry mutation funnels through one dispatch
// goroutine consuming worker transitions, so status reads never observe a
// half-applied update.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"ocibot/internal/account"
	"ocibot/internal/loghub"
	"ocibot/internal/worker"
	"ocibot/pkg/logx"
)

var (
	ErrAlreadyRunning = errors.New("account worker already running")
	ErrNotRunning     = errors.New("account worker not running")
	ErrUnknownAccount = errors.New("unknown account")
	ErrAccountRunning = errors.New("account worker is running")
	ErrClosed         = errors.New("supervisor closed")
)

// AccountStatus is a point-in-time view of one account's worker.
type AccountStatus struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	State      worker.State  `json:"state"`
	Attempts   int           `json:"attempts"`
	Interval   time.Duration `json:"interval"`
	Domain     string        `json:"domain,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	ResourceID string        `json:"resource_id,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitzero"`
	UpdatedAt  time.Time     `json:"updated_at,omitzero"`
}

type entry struct {
	profile *account.Profile
	status  AccountStatus
	stopCh  chan struct{} // non-nil while a worker goroutine is alive
}

func (e *entry) running() bool { return e.stopCh != nil }

// StateHook observes every applied transition. Used to persist worker
// state; it runs on the dispatch goroutine and must not block for long.
type StateHook func(worker.Transition)

type Option func(*Supervisor)

func WithStateHook(h StateHook) Option {
	return func(s *Supervisor) { s.hook = h }
}

// Supervisor tracks accounts and their workers.
type Supervisor struct {
	deps worker.Deps
	log  logx.Logger
	hook StateHook

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	accounts map[string]*entry
	closed   bool

	transitions chan worker.Transition
	workerWG    sync.WaitGroup
	loopWG      sync.WaitGroup
}

// New builds a supervisor and starts its dispatch loop. deps are shared by
// every worker it spawns; parent cancellation stops all workers.
func New(parent context.Context, deps worker.Deps, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Supervisor{
		deps:        deps,
		log:         log.With(logx.String("component", "supervisor")),
		ctx:         ctx,
		cancel:      cancel,
		accounts:    map[string]*entry{},
		transitions: make(chan worker.Transition, 64),
	}
	for _, o := range opts {
		o(s)
	}
	s.loopWG.Add(1)
	go s.dispatch()
	return s
}

// Add registers an account. Replacing an existing profile is allowed only
// while its worker is not running.
func (s *Supervisor) Add(p *account.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e, ok := s.accounts[p.ID]; ok && e.running() {
		return fmt.Errorf("add %s: %w", p.ID, ErrAccountRunning)
	}
	s.accounts[p.ID] = &entry{
		profile: p,
		status:  AccountStatus{ID: p.ID, Name: p.Name, State: worker.StateIdle},
	}
	s.log.Info("account registered", logx.String("account", p.ID), logx.String("name", p.Name))
	return nil
}

// Remove deregisters an account and drops its log history. The worker must
// be stopped first.
func (s *Supervisor) Remove(id string) error {
	s.mu.Lock()
	e, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("remove %s: %w", id, ErrUnknownAccount)
	}
	if e.running() {
		s.mu.Unlock()
		return fmt.Errorf("remove %s: %w", id, ErrAccountRunning)
	}
	delete(s.accounts, id)
	s.mu.Unlock()

	if s.deps.Logs != nil {
		s.deps.Logs.Forget(id)
	}
	s.log.Info("account removed", logx.String("account", id))
	return nil
}

// StartAccount launches a fresh worker for the account. Restarting after a
// terminal state resets the retry interval to the account's initial tuning.
func (s *Supervisor) StartAccount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(id)
}

func (s *Supervisor) startLocked(id string) error {
	if s.closed {
		return ErrClosed
	}
	e, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("start %s: %w", id, ErrUnknownAccount)
	}
	// Stopping counts as running: the old goroutine has been signaled but
	// has not published its Stopped transition yet.
	if e.running() || e.status.State == worker.StateStopping {
		return fmt.Errorf("start %s: %w", id, ErrAlreadyRunning)
	}

	w, err := worker.New(e.profile, s.deps)
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	e.stopCh = stop
	now := time.Now()
	e.status.State = worker.StateRunning
	e.status.StartedAt = now
	e.status.UpdatedAt = now
	e.status.Attempts = 0
	e.status.LastError = ""
	e.status.ResourceID = ""

	s.workerWG.Add(1)
	go s.runWorker(w, e.profile.ID, stop)
	return nil
}

func (s *Supervisor) runWorker(w *worker.Worker, id string, stop <-chan struct{}) {
	defer s.workerWG.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("worker panicked",
				logx.String("account", id),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			if s.deps.Logs != nil {
				s.deps.Logs.Append(loghub.Entry{
					AccountID: id,
					Level:     loghub.LevelError,
					Message:   fmt.Sprintf("worker crashed: %v", r),
				})
			}
			s.transitions <- worker.Transition{
				AccountID: id,
				State:     worker.StateFailedFatal,
				At:        time.Now(),
				LastError: fmt.Sprintf("panic: %v", r),
			}
		}
	}()
	w.Run(s.ctx, stop, s.transitions)
}

// StopAccount signals the account's worker to stop. The state flips to
// Stopping immediately; Stopped arrives through the dispatch loop once the
// worker goroutine exits.
func (s *Supervisor) StopAccount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(id)
}

func (s *Supervisor) stopLocked(id string) error {
	e, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("stop %s: %w", id, ErrUnknownAccount)
	}
	if !e.running() {
		return fmt.Errorf("stop %s: %w", id, ErrNotRunning)
	}
	close(e.stopCh)
	e.stopCh = nil
	e.status.State = worker.StateStopping
	e.status.UpdatedAt = time.Now()
	return nil
}

// StartAll starts every registered account that is not already running.
// Accounts that fail to start are reported per-account; the rest still start.
func (s *Supervisor) StartAll() map[string]error {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := map[string]error{}
	for id, e := range s.accounts {
		if e.running() || e.status.State == worker.StateStopping {
			continue
		}
		if err := s.startLocked(id); err != nil {
			errs[id] = err
		}
	}
	return errs
}

// StopAll signals every running worker to stop, collecting per-account
// failures like StartAll. It does not wait for the workers to exit.
func (s *Supervisor) StopAll() map[string]error {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := map[string]error{}
	for id, e := range s.accounts {
		if !e.running() {
			continue
		}
		if err := s.stopLocked(id); err != nil {
			errs[id] = err
		}
	}
	return errs
}

// Status returns the current view of one account.
func (s *Supervisor) Status(id string) (AccountStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.accounts[id]
	if !ok {
		return AccountStatus{}, fmt.Errorf("status %s: %w", id, ErrUnknownAccount)
	}
	return e.status, nil
}

// StatusAll returns every account's status sorted by account ID.
func (s *Supervisor) StatusAll() []AccountStatus {
	s.mu.Lock()
	out := make([]AccountStatus, 0, len(s.accounts))
	for _, e := range s.accounts {
		out = append(out, e.status)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Profile returns the registered profile for an account.
func (s *Supervisor) Profile(id string) (*account.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", id, ErrUnknownAccount)
	}
	return e.profile, nil
}

// Close stops all workers and shuts the dispatch loop down. It waits for
// workers to exit, bounded by ctx.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.StopAll()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		// Some worker is still winding down. It may yet send a final
		// transition, so the channel must stay open until the last worker
		// exits; hand the close-off to a background goroutine so the
		// dispatch loop terminates instead of leaking.
		go func() {
			<-done
			close(s.transitions)
		}()
		return ctx.Err()
	case <-done:
	}

	// All worker goroutines have exited, so nothing sends anymore.
	close(s.transitions)
	s.loopWG.Wait()
	return nil
}

// dispatch serializes transitions into the registry. It runs until the
// transitions channel is closed by Close.
func (s *Supervisor) dispatch() {
	defer s.loopWG.Done()
	for t := range s.transitions {
		s.apply(t)
		if s.hook != nil {
			s.hook(t)
		}
	}
}

func (s *Supervisor) apply(t worker.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.accounts[t.AccountID]
	if !ok {
		// Account was removed while its final transition was in flight.
		return
	}

	st := &e.status
	st.State = t.State
	st.UpdatedAt = t.At
	if t.Attempts > 0 {
		st.Attempts = t.Attempts
	}
	if t.Interval > 0 {
		st.Interval = t.Interval
	}
	if t.Domain != "" {
		st.Domain = t.Domain
	}
	st.LastError = t.LastError
	if t.ResourceID != "" {
		st.ResourceID = t.ResourceID
	}
	if t.State.Terminal() {
		e.stopCh = nil
	}
}
