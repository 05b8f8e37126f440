package storage

import (
	"context"
	"sync"

	"planbot/internal/model"
)

// memStore keeps everything in process memory. The file backend uses it as
// its read index.
type memStore struct {
	mu       sync.RWMutex
	records  []model.StageRunRecord
	snapshot *model.DataSnapshot
	plan     *model.ApprovedPlan
}

// NewMemory returns a process-local Store.
func NewMemory() Store { return &memStore{} }

func (s *memStore) AppendRecord(ctx context.Context, r model.StageRunRecord) error {
	_ = ctx
	s.mu.Lock()
	s.records = append(s.records, cloneRecord(r))
	s.mu.Unlock()
	return nil
}

func (s *memStore) Records(ctx context.Context, q RecordQuery) ([]model.StageRunRecord, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.StageRunRecord
	for _, r := range s.records {
		if q.match(r) {
			out = append(out, cloneRecord(r))
		}
	}
	return tail(out, q.Limit), nil
}

func (s *memStore) PutSnapshot(ctx context.Context, snap model.DataSnapshot) error {
	_ = ctx
	cp := snap.Clone()
	s.mu.Lock()
	s.snapshot = &cp
	s.mu.Unlock()
	return nil
}

func (s *memStore) LatestSnapshot(ctx context.Context) (model.DataSnapshot, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return model.DataSnapshot{}, false, nil
	}
	return s.snapshot.Clone(), true, nil
}

func (s *memStore) PutPlan(ctx context.Context, p *model.ApprovedPlan) error {
	_ = ctx
	s.mu.Lock()
	s.plan = p
	s.mu.Unlock()
	return nil
}

func (s *memStore) LatestPlan(ctx context.Context) (*model.ApprovedPlan, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plan, s.plan != nil, nil
}

func (s *memStore) Close() error { return nil }

func cloneRecord(r model.StageRunRecord) model.StageRunRecord {
	cp := r
	cp.Degraded = append([]string(nil), r.Degraded...)
	cp.RuleIDs = append([]string(nil), r.RuleIDs...)
	cp.Deferred = append([]string(nil), r.Deferred...)
	if r.Report != nil {
		rep := *r.Report
		rep.SubOps = append([]model.SubOp(nil), r.Report.SubOps...)
		if r.Report.Applied != nil {
			rep.Applied = make(map[string]string, len(r.Report.Applied))
			for k, v := range r.Report.Applied {
				rep.Applied[k] = v
			}
		}
		cp.Report = &rep
	}
	return cp
}
