package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"postbot/internal/post"
	logx "postbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	loc *time.Location
	now func() time.Time
}

const postColumns = `id, content, platform, schedule_time, status, api_post_id, metrics, created_at, sent_at, last_updated, resubmitted_from`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: every transaction is serialized, which is what the
	// read-modify-write paths rely on.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, loc: cfg.Location, now: cfg.Now}
	if _, err := db.ExecContext(context.Background(), migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqliteStore) scanPost(row rowScanner) (post.Post, error) {
	var (
		p                        post.Post
		sched, created           int64
		status, metricsJSON      string
		apiID                    sql.NullString
		sentAt, lastUpd, resubID sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.Content, &p.Platform, &sched, &status, &apiID, &metricsJSON, &created, &sentAt, &lastUpd, &resubID); err != nil {
		return post.Post{}, err
	}
	st, err := post.ParseStatus(status)
	if err != nil {
		return post.Post{}, err
	}
	p.Status = st
	p.ScheduleTime = time.UnixMilli(sched).In(s.loc)
	p.CreatedAt = time.UnixMilli(created).In(s.loc)
	p.APIPostID = apiID.String
	var m post.Metrics
	if err := json.Unmarshal([]byte(metricsJSON), &m); err != nil {
		return post.Post{}, fmt.Errorf("post %d metrics: %w", p.ID, err)
	}
	p.Metrics = post.DefaultMetrics().Merge(m)
	if sentAt.Valid {
		t := time.UnixMilli(sentAt.Int64).In(s.loc)
		p.SentAt = &t
	}
	if lastUpd.Valid {
		t := time.UnixMilli(lastUpd.Int64).In(s.loc)
		p.LastUpdated = &t
	}
	if resubID.Valid {
		id := resubID.Int64
		p.ResubmittedFrom = &id
	}
	return p, nil
}

func (s *sqliteStore) query(ctx context.Context, where string, args ...any) ([]post.Post, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+postColumns+` FROM posts `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []post.Post
	for rows.Next() {
		p, err := s.scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListAll(ctx context.Context) ([]post.Post, error) {
	return s.query(ctx, "")
}

func (s *sqliteStore) ListPendingDue(ctx context.Context, now time.Time) ([]post.Post, error) {
	return s.query(ctx, `WHERE status = ? AND schedule_time <= ?`, string(post.StatusPending), now.UnixMilli())
}

func (s *sqliteStore) ListSentWithExternalID(ctx context.Context) ([]post.Post, error) {
	return s.query(ctx, `WHERE status = ? AND api_post_id IS NOT NULL AND api_post_id <> ''`, string(post.StatusSent))
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (post.Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	p, err := s.scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return post.Post{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return p, err
}

func (s *sqliteStore) Append(ctx context.Context, d post.Draft) (post.Post, error) {
	p := newPost(0, d, s.now())
	mj, err := json.Marshal(p.Metrics)
	if err != nil {
		return post.Post{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO posts(content, platform, schedule_time, status, metrics, created_at, resubmitted_from)
		 VALUES(?,?,?,?,?,?,?)`,
		p.Content, p.Platform, p.ScheduleTime.UnixMilli(), string(p.Status), string(mj), p.CreatedAt.UnixMilli(), nullInt(p.ResubmittedFrom),
	)
	if err != nil {
		return post.Post{}, err
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return post.Post{}, err
	}
	return p, nil
}

// mutate loads, changes and writes back one post inside a transaction.
func (s *sqliteStore) mutate(ctx context.Context, id int64, fn func(p *post.Post) error) (post.Post, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return post.Post{}, err
	}
	defer func() { _ = tx.Rollback() }()

	p, err := s.scanPost(tx.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return post.Post{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return post.Post{}, err
	}
	if err := fn(&p); err != nil {
		return post.Post{}, err
	}
	mj, err := json.Marshal(p.Metrics)
	if err != nil {
		return post.Post{}, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE posts SET status = ?, api_post_id = ?, metrics = ?, sent_at = ?, last_updated = ? WHERE id = ?`,
		string(p.Status), nullStr(p.APIPostID), string(mj), nullTime(p.SentAt), nullTime(p.LastUpdated), p.ID,
	)
	if err != nil {
		return post.Post{}, err
	}
	if err := tx.Commit(); err != nil {
		return post.Post{}, err
	}
	return p, nil
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id int64, status post.Status, externalID string, at time.Time) (post.Post, error) {
	return s.mutate(ctx, id, func(p *post.Post) error { return p.ApplyStatus(status, externalID, at) })
}

func (s *sqliteStore) MergeMetrics(ctx context.Context, id int64, delta post.Metrics, at time.Time) (post.Post, error) {
	return s.mutate(ctx, id, func(p *post.Post) error {
		p.ApplyMetrics(delta, at)
		return nil
	})
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, kind, post_id, platform, external_id, attempt, message) VALUES(?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), string(e.Kind), e.PostID, e.Platform, nullStr(e.ExternalID), e.Attempt, nullStr(e.Message),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
