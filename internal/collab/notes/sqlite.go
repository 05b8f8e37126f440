// Package notes is the local notes database: tasks and learned rules kept in
// a sqlite file.
package notes

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"planbot/internal/collab"
	"planbot/internal/model"
	"planbot/pkg/logx"
)

//go:embed schema.sql
var schemaFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

type Store struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("notes: path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")

	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(string(schema)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("notes: schema: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{db: db, log: log.With(logx.String("comp", "notes")), now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

// PutTask inserts or replaces a task. It is how tasks enter the database; the
// planner itself only changes status.
func (s *Store) PutTask(ctx context.Context, t model.Task) error {
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	if t.Status == "" {
		t.Status = model.StatusPending
	}
	if err := t.Validate(); err != nil {
		return err
	}
	meta := []byte("{}")
	if len(t.Metadata) > 0 {
		b, err := json.Marshal(t.Metadata)
		if err != nil {
			return err
		}
		meta = b
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks(id, title, description, priority, deadline, status, created_at, updated_at,
                  metadata, duration_ms, requested_start, location, resource)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  title=excluded.title, description=excluded.description, priority=excluded.priority,
  deadline=excluded.deadline, status=excluded.status, updated_at=excluded.updated_at,
  metadata=excluded.metadata, duration_ms=excluded.duration_ms,
  requested_start=excluded.requested_start, location=excluded.location, resource=excluded.resource`,
		t.ID, t.Title, t.Description, int(t.Priority), toMillis(t.Deadline), string(t.Status),
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(), string(meta), t.Duration.Milliseconds(),
		toMillis(t.RequestedStart), t.Location, t.Resource)
	return err
}

const taskColumns = `id, title, description, priority, deadline, status, created_at, updated_at,
  metadata, duration_ms, requested_start, location, resource`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (model.Task, error) {
	var (
		t                 model.Task
		prio              int
		status, meta      string
		deadline, reqStrt sql.NullInt64
		created, updated  int64
		durMS             int64
	)
	if err := sc.Scan(&t.ID, &t.Title, &t.Description, &prio, &deadline, &status, &created, &updated,
		&meta, &durMS, &reqStrt, &t.Location, &t.Resource); err != nil {
		return model.Task{}, err
	}
	t.Priority = model.Priority(prio)
	t.Status = model.Status(status)
	t.Deadline = fromMillis(deadline)
	t.RequestedStart = fromMillis(reqStrt)
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	t.Duration = time.Duration(durMS) * time.Millisecond
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
			return model.Task{}, fmt.Errorf("task %s metadata: %w", t.ID, err)
		}
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, f collab.TaskFilter) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if !f.Match(t) {
			continue
		}
		out = append(out, t)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, rows.Err()
}

// UpdateTaskStatus applies a status transition inside a transaction so that
// concurrent writers cannot skip the monotonic check.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status model.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", id, collab.ErrNotFound)
	}
	if err != nil {
		return err
	}
	prev := t.Status
	if err := t.Transition(status, s.now()); err != nil {
		return err
	}
	if prev == t.Status {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(t.Status), t.UpdatedAt.UnixMilli(), id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Debug("task status", logx.String("task", id), logx.String("from", string(prev)), logx.String("to", string(t.Status)))
	return nil
}

func (s *Store) PutRules(ctx context.Context, rules []model.LearnedRule) error {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, r := range rules {
		body, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO rules(id, confidence, created_at, body) VALUES(?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET confidence=excluded.confidence, body=excluded.body`,
			r.ID, r.Confidence, r.CreatedAt.UnixMilli(), string(body)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetRules(ctx context.Context) ([]model.LearnedRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.LearnedRule
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r model.LearnedRule
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			s.log.Warn("skip unreadable rule", logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
