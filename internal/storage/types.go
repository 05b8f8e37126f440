package storage

import (
	"errors"
	"time"

	"planbot/internal/model"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines run log + latest snapshot/plan files
//   - "sqlite": SQLite database file
//   - "memory": process-local, for tests and one-shot dry runs
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// KeepSnapshots bounds stored snapshots/plans (sqlite). 0 means 50.
	KeepSnapshots int
}

// RecordQuery selects run records. Zero fields match everything. Results are
// oldest first; Limit keeps the newest Limit matches.
type RecordQuery struct {
	Stage   model.StageKind
	PlanID  string
	Outcome model.Outcome
	Since   time.Time
	Limit   int
}

func (q RecordQuery) match(r model.StageRunRecord) bool {
	if q.Stage != "" && r.Stage != q.Stage {
		return false
	}
	if q.PlanID != "" && r.PlanID != q.PlanID {
		return false
	}
	if q.Outcome != "" && r.Outcome != q.Outcome {
		return false
	}
	if !q.Since.IsZero() && r.StartedAt.Before(q.Since) {
		return false
	}
	return true
}

func tail(recs []model.StageRunRecord, limit int) []model.StageRunRecord {
	if limit > 0 && len(recs) > limit {
		return recs[len(recs)-limit:]
	}
	return recs
}
