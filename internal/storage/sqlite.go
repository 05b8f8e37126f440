package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"planbot/internal/model"
	"planbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	keep       int
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; WAL keeps readers unblocked.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	keep := cfg.KeepSnapshots
	if keep <= 0 {
		keep = 50
	}
	st := &sqliteStore{db: db, log: log, keep: keep, pruneEvery: 20}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRecord(ctx context.Context, r model.StageRunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, stage, started_at, ended_at, outcome, err, snapshot_id, plan_id, body)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.RunID, string(r.Stage), r.StartedAt.UTC().Format(time.RFC3339Nano), r.EndedAt.UTC().Format(time.RFC3339Nano),
		string(r.Outcome), nullStr(r.Error), nullStr(r.SnapshotID), nullStr(r.PlanID), string(body),
	)
	return err
}

func (s *sqliteStore) Records(ctx context.Context, q RecordQuery) ([]model.StageRunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		where []string
		args  []any
	)
	if q.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, string(q.Stage))
	}
	if q.PlanID != "" {
		where = append(where, "plan_id = ?")
		args = append(args, q.PlanID)
	}
	if q.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(q.Outcome))
	}
	if !q.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, q.Since.UTC().Format(time.RFC3339Nano))
	}
	query := "SELECT body FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StageRunRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r model.StageRunRecord
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			s.log.Warn("skipping corrupt run record", logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest first from SQL; callers expect oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *sqliteStore) PutSnapshot(ctx context.Context, snap model.DataSnapshot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots(id, captured_at, body) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET captured_at=excluded.captured_at, body=excluded.body`,
		snap.ID, snap.CapturedAt.UTC().Format(time.RFC3339Nano), string(body),
	)
	s.maybePrune(err)
	return err
}

func (s *sqliteStore) LatestSnapshot(ctx context.Context) (model.DataSnapshot, bool, error) {
	if s == nil || s.db == nil {
		return model.DataSnapshot{}, false, ErrDisabled
	}
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM snapshots ORDER BY seq DESC LIMIT 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DataSnapshot{}, false, nil
	}
	if err != nil {
		return model.DataSnapshot{}, false, err
	}
	var snap model.DataSnapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return model.DataSnapshot{}, false, err
	}
	return snap, true, nil
}

func (s *sqliteStore) PutPlan(ctx context.Context, p *model.ApprovedPlan) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if p == nil {
		return errors.New("nil plan")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plans(id, snapshot_id, approved_at, body) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		p.ID(), nullStr(p.SnapshotID()), p.ApprovedAt().UTC().Format(time.RFC3339Nano), string(body),
	)
	s.maybePrune(err)
	return err
}

func (s *sqliteStore) LatestPlan(ctx context.Context) (*model.ApprovedPlan, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrDisabled
	}
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM plans ORDER BY seq DESC LIMIT 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var p model.ApprovedPlan
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, false, err
	}
	return &p, true, nil
}

func (s *sqliteStore) maybePrune(err error) {
	if err != nil || s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if perr := s.pruneArtifacts(pctx); perr != nil {
		s.log.Debug("artifact prune failed", logx.Err(perr))
	}
}

// pruneArtifacts keeps the newest snapshots and plans. The run log is never pruned.
func (s *sqliteStore) pruneArtifacts(ctx context.Context) error {
	for _, table := range []string{"snapshots", "plans"} {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE seq <= (SELECT seq FROM `+table+` ORDER BY seq DESC LIMIT 1 OFFSET ?)`,
			s.keep,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
