package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"ocibot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.attempts.jsonl      (append-only JSON Lines)
//   - <prefix>.state.snapshot.json (periodic snapshot)
//   - <prefix>.state.journal.jsonl (append-only journal)
//
// The state journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	attemptsFile *os.File

	stateSnapshotPath string
	stateJournalFile  *os.File
	states            map[string]WorkerState

	stateWrites int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	attemptsPath := prefix + ".attempts.jsonl"
	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"

	af, err := os.OpenFile(attemptsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load worker states from snapshot + journal.
	states := map[string]WorkerState{}
	_ = loadStateSnapshot(snapPath, states)
	_ = replayStateJournal(journalPath, states)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:               log,
		attemptsFile:      af,
		stateSnapshotPath: snapPath,
		stateJournalFile:  jf,
		states:            states,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.attemptsFile != nil {
		err1 = s.attemptsFile.Close()
		s.attemptsFile = nil
	}
	if s.stateJournalFile != nil {
		err2 = s.stateJournalFile.Close()
		s.stateJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendAttempt(ctx context.Context, r AttemptRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attemptsFile == nil {
		return errors.New("attempts file closed")
	}
	return json.NewEncoder(s.attemptsFile).Encode(r)
}

func (s *fileStore) PutWorkerState(ctx context.Context, ws WorkerState) error {
	_ = ctx
	if strings.TrimSpace(ws.AccountID) == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stateJournalFile == nil {
		return errors.New("state journal closed")
	}
	s.states[ws.AccountID] = ws

	if err := json.NewEncoder(s.stateJournalFile).Encode(ws); err != nil {
		return err
	}
	s.stateWrites++
	if s.stateWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) WorkerStates(ctx context.Context) ([]WorkerState, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerState, 0, len(s.states))
	for _, ws := range s.states {
		out = append(out, ws)
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.stateSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.states); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.stateSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.stateJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.stateJournalFile.Seek(0, 2)
	return err
}

func loadStateSnapshot(path string, out map[string]WorkerState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]WorkerState
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayStateJournal(path string, out map[string]WorkerState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ws WorkerState
		if err := json.Unmarshal(sc.Bytes(), &ws); err != nil {
			continue
		}
		if ws.AccountID == "" {
			continue
		}
		out[ws.AccountID] = ws
	}
	return sc.Err()
}
