// Package worker implements the per-account retry state machine: one
// provisioning attempt per iteration, adaptive randomized backoff between
// iterations, and a cooperative stop that interrupts the sleep promptly.
package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"ocibot/internal/account"
	"ocibot/internal/backoff"
	"ocibot/internal/loghub"
	"ocibot/internal/notify"
	"ocibot/internal/provider"
	"ocibot/pkg/logx"
)

// AttemptRecorder persists one attempt outcome. Implementations are
// best-effort; errors are theirs to swallow.
type AttemptRecorder interface {
	RecordAttempt(accountID, domain string, attempt int, outcome provider.Outcome)
}

// Deps are the collaborators a worker reacts through. Provider and Logs are
// required; Notify and Audit may be nil.
type Deps struct {
	Provider provider.Client
	Logs     *loghub.Hub
	Notify   notify.Sink
	Audit    AttemptRecorder
	Log      logx.Logger
}

// Worker runs the retry loop for exactly one account. A Worker is created
// per run: restarting an account after a terminal state builds a fresh one,
// which is what re-initializes the backoff state.
type Worker struct {
	profile *account.Profile
	deps    Deps
	bo      *backoff.Controller
	log     logx.Logger
}

// New validates the profile's retry tuning and binds the worker to its
// profile. Invalid tuning is a configuration error and fails here, before
// anything starts running.
func New(p *account.Profile, deps Deps) (*Worker, error) {
	bo, err := backoff.New(p.Tuning)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", p.ID, err)
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker{
		profile: p,
		deps:    deps,
		bo:      bo,
		log:     log.With(logx.String("account", p.ID)),
	}, nil
}

// Run executes the loop until success, fatal failure or stop. It publishes
// every state change on out and returns the terminal transition. stop is
// the per-account cancellation signal; ctx is process-wide shutdown.
func (w *Worker) Run(ctx context.Context, stop <-chan struct{}, out chan<- Transition) Transition {
	p := w.profile
	w.bo.Reset()

	w.publish(out, Transition{AccountID: p.ID, State: StateRunning, Interval: w.bo.Interval()})
	w.logEntry(loghub.LevelInfo, fmt.Sprintf("worker started: shape=%s ocpus=%d memory=%dGB domains=%s",
		p.Shape, p.OCPUs, p.MemoryGBs, domainsLabel(p.Domains())))
	w.notify(notify.EventStarted, fmt.Sprintf("🚀 [%s] provisioning started\nShape: %s, %d OCPUs, %d GB", p.Name, p.Shape, p.OCPUs, p.MemoryGBs))

	domains := p.Domains()
	attempts := 0

	for i := 0; ; i++ {
		if w.stopped(ctx, stop) {
			return w.finishStopped(out, attempts)
		}

		// Profiles that pin no domain rotate over the tenancy's full list,
		// discovered from the provider on the first pass.
		if len(domains) == 0 {
			lister, ok := w.deps.Provider.(provider.DomainLister)
			if !ok {
				reason := "no availability domain configured"
				w.logEntry(loghub.LevelError, reason+", giving up")
				w.notify(notify.EventFailed, fmt.Sprintf("⛔ [%s] provisioning failed permanently:\n%s", p.Name, reason))
				t := Transition{AccountID: p.ID, State: StateFailedFatal, LastError: reason}
				w.publish(out, t)
				return t
			}
			found, err := lister.ListDomains(ctx, p)
			if err != nil {
				w.bo.Transient()
				if w.stopped(ctx, stop) {
					return w.finishStopped(out, attempts)
				}
				wait := w.bo.Wait()
				w.logEntry(loghub.LevelWarn, fmt.Sprintf("availability domain discovery failed: %s | retry_in=%s",
					err, wait.Round(time.Second)))
				w.publish(out, Transition{
					AccountID: p.ID, State: StateRunning,
					Attempts: attempts, Interval: w.bo.Interval(), LastError: err.Error(),
				})
				if !w.sleep(ctx, stop, wait) {
					return w.finishStopped(out, attempts)
				}
				continue
			}
			domains = found
			w.logEntry(loghub.LevelInfo, fmt.Sprintf("discovered %d availability domains", len(domains)))
		}

		domain := domains[i%len(domains)]
		outcome := w.deps.Provider.Attempt(ctx, p, domain)
		attempts++

		if w.deps.Audit != nil {
			w.deps.Audit.RecordAttempt(p.ID, domain, attempts, outcome)
		}

		switch outcome.Class {
		case provider.ClassSuccess:
			launched := fmt.Sprintf("instance launched: id=%s attempts=%d", outcome.ResourceID, attempts)
			msg := fmt.Sprintf("🎉 [%s] instance created!\nID: %s\nRetries: %d", p.Name, outcome.ResourceID, attempts-1)
			if outcome.PublicIP != "" {
				launched += " ip=" + outcome.PublicIP
				msg += "\nIP: " + outcome.PublicIP
			}
			w.logEntry(loghub.LevelInfo, launched)
			w.notify(notify.EventSucceeded, msg)
			t := Transition{AccountID: p.ID, State: StateSucceeded, Attempts: attempts, Domain: domain, ResourceID: outcome.ResourceID}
			w.publish(out, t)
			return t

		case provider.ClassFatal:
			w.logEntry(loghub.LevelError, fmt.Sprintf("fatal provider error, giving up: %s", outcome.Reason))
			w.notify(notify.EventFailed, fmt.Sprintf("⛔ [%s] provisioning failed permanently:\n%s", p.Name, outcome.Reason))
			t := Transition{AccountID: p.ID, State: StateFailedFatal, Attempts: attempts, Domain: domain, LastError: outcome.Reason}
			w.publish(out, t)
			return t

		case provider.ClassRateLimited:
			w.bo.RateLimited()
		default: // transient
			w.bo.Transient()
		}

		// A stop observed during the provider call must win before we sleep.
		if w.stopped(ctx, stop) {
			return w.finishStopped(out, attempts)
		}

		wait := w.bo.Wait()
		w.logEntry(loghub.LevelWarn, fmt.Sprintf("%s: %s | domain=%s attempt=%d retry_in=%s",
			outcome.Class, outcome.Reason, shortDomain(domain), attempts, wait.Round(time.Second)))
		w.publish(out, Transition{
			AccountID: p.ID, State: StateRunning,
			Attempts: attempts, Interval: w.bo.Interval(), Domain: domain, LastError: outcome.Reason,
		})

		if !w.sleep(ctx, stop, wait) {
			return w.finishStopped(out, attempts)
		}
	}
}

// sleep waits for d, interruptible by either cancellation signal. Returns
// false when interrupted.
func (w *Worker) sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-tmr.C:
		return true
	}
}

func (w *Worker) stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func (w *Worker) finishStopped(out chan<- Transition, attempts int) Transition {
	w.logEntry(loghub.LevelInfo, "worker stopped")
	t := Transition{AccountID: w.profile.ID, State: StateStopped, Attempts: attempts, Interval: w.bo.Interval()}
	w.publish(out, t)
	return t
}

// publish blocks until the supervisor takes the transition. The supervisor
// keeps draining the channel for as long as any worker goroutine is alive,
// so this cannot deadlock.
func (w *Worker) publish(out chan<- Transition, t Transition) {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	out <- t
}

func (w *Worker) logEntry(level loghub.Level, msg string) {
	w.deps.Logs.Append(loghub.Entry{AccountID: w.profile.ID, Level: level, Message: msg})
	switch level {
	case loghub.LevelError:
		w.log.Error(msg)
	case loghub.LevelWarn:
		w.log.Warn(msg)
	default:
		w.log.Info(msg)
	}
}

func (w *Worker) notify(kind notify.EventKind, msg string) {
	if w.deps.Notify == nil {
		return
	}
	w.deps.Notify.Notify(notify.Event{
		AccountID:   w.profile.ID,
		AccountName: w.profile.Name,
		ChatID:      w.profile.ChatID,
		Kind:        kind,
		Message:     msg,
	})
}

// shortDomain trims the tenancy prefix ("xxxx:EU-FRANKFURT-1-AD-2" -> "EU-FRANKFURT-1-AD-2").
func shortDomain(d string) string {
	for i := len(d) - 1; i >= 0; i-- {
		if d[i] == ':' {
			return d[i+1:]
		}
	}
	return d
}

func domainsLabel(domains []string) string {
	if len(domains) == 0 {
		return "auto"
	}
	return strconv.Itoa(len(domains))
}
