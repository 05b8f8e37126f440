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

	"planbot/internal/model"
	"planbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.runs.jsonl     (append-only JSON Lines run log)
//   - <prefix>.snapshot.json  (latest snapshot, replaced atomically)
//   - <prefix>.plan.json      (latest approved plan, replaced atomically)
//
// Reads are served from an in-memory index rebuilt on open.
type fileStore struct {
	log logx.Logger

	// wmu serializes writers; readers only take the index lock.
	wmu   sync.Mutex
	index *memStore

	runsFile     *os.File
	snapshotPath string
	planPath     string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		index:        &memStore{},
		snapshotPath: prefix + ".snapshot.json",
		planPath:     prefix + ".plan.json",
	}
	runsPath := prefix + ".runs.jsonl"
	if err := replayRuns(runsPath, s.index); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run log replay incomplete", logx.Err(err))
	}
	var snap model.DataSnapshot
	if err := readJSON(s.snapshotPath, &snap); err == nil {
		s.index.snapshot = &snap
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unreadable", logx.Err(err))
	}
	var plan model.ApprovedPlan
	if err := readJSON(s.planPath, &plan); err == nil {
		s.index.plan = &plan
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warn("plan unreadable", logx.Err(err))
	}

	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.runsFile = rf
	return s, nil
}

func (s *fileStore) Close() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.runsFile == nil {
		return nil
	}
	err := s.runsFile.Close()
	s.runsFile = nil
	return err
}

func (s *fileStore) AppendRecord(ctx context.Context, r model.StageRunRecord) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.runsFile == nil {
		return errors.New("run log closed")
	}
	if err := json.NewEncoder(s.runsFile).Encode(r); err != nil {
		return err
	}
	return s.index.AppendRecord(ctx, r)
}

func (s *fileStore) Records(ctx context.Context, q RecordQuery) ([]model.StageRunRecord, error) {
	return s.index.Records(ctx, q)
}

func (s *fileStore) PutSnapshot(ctx context.Context, snap model.DataSnapshot) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := writeJSONAtomic(s.snapshotPath, snap); err != nil {
		return err
	}
	return s.index.PutSnapshot(ctx, snap)
}

func (s *fileStore) LatestSnapshot(ctx context.Context) (model.DataSnapshot, bool, error) {
	return s.index.LatestSnapshot(ctx)
}

func (s *fileStore) PutPlan(ctx context.Context, p *model.ApprovedPlan) error {
	if p == nil {
		return errors.New("nil plan")
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := writeJSONAtomic(s.planPath, p); err != nil {
		return err
	}
	return s.index.PutPlan(ctx, p)
}

func (s *fileStore) LatestPlan(ctx context.Context) (*model.ApprovedPlan, bool, error) {
	return s.index.LatestPlan(ctx)
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func replayRuns(path string, into *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var r model.StageRunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Torn tail after a crash; skip the line.
			continue
		}
		if r.RunID == "" {
			continue
		}
		into.records = append(into.records, r)
	}
	return sc.Err()
}
