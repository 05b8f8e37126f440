package storage

import (
	"context"
	"errors"
	"strings"

	"planbot/internal/model"
	"planbot/pkg/logx"
)

// Store is the run log plus the latest pipeline artifacts.
type Store interface {
	// AppendRecord adds to the append-only run log.
	AppendRecord(ctx context.Context, r model.StageRunRecord) error
	Records(ctx context.Context, q RecordQuery) ([]model.StageRunRecord, error)

	PutSnapshot(ctx context.Context, s model.DataSnapshot) error
	LatestSnapshot(ctx context.Context) (model.DataSnapshot, bool, error)

	PutPlan(ctx context.Context, p *model.ApprovedPlan) error
	LatestPlan(ctx context.Context) (*model.ApprovedPlan, bool, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, ErrDisabled) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
