package account

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"ocibot/pkg/logx"
)

// Watcher rescans the profiles directory when .env files change and hands
// the full profile set to the callback. The callback owns diffing against
// its registry.
type Watcher struct {
	dir string
	log logx.Logger
	fn  func(profiles []*Profile)
}

func NewWatcher(dir string, log logx.Logger, fn func(profiles []*Profile)) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{dir: dir, log: log.With(logx.String("component", "accounts")), fn: fn}
}

// Watch runs until ctx is done. The fsnotify watcher is recreated with a
// jittered backoff when it breaks.
func (w *Watcher) Watch(ctx context.Context) error {
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase

	// debounce: editors and scp produce bursts of events per file
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	rescan := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(300*time.Millisecond, func() {
			profiles, errs := LoadDir(w.dir)
			for _, err := range errs {
				w.log.Warn("profile skipped", logx.Err(err))
			}
			w.fn(profiles)
		})
	}

	sleep := func(d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}
	nextBackoff := func() time.Duration {
		wait := backoff + rand.N(backoff/2+1)
		if backoff < restartBackoffMax {
			backoff = min(backoff*2, restartBackoffMax)
		}
		return wait
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err == nil {
			err = fw.Add(w.dir)
			if err != nil {
				_ = fw.Close()
			}
		}
		if err != nil {
			w.log.Warn("accounts watch init failed", logx.Err(err), logx.String("dir", w.dir))
			if !sleep(nextBackoff()) {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if isProfileFile(ev.Name) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					rescan()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					rescan()
					continue
				}
				w.log.Warn("accounts watch error", logx.Err(err), logx.String("dir", w.dir))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
					break
				}
			}
		}

		_ = fw.Close()
		if ctx.Err() != nil {
			return nil
		}
		wait := nextBackoff()
		w.log.Warn("accounts watcher stopped; restarting",
			logx.String("dir", w.dir), logx.Duration("backoff", wait))
		if !sleep(wait) {
			return nil
		}
	}
}

func isProfileFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".env")
}
