package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"postbot/internal/post"
	logx "postbot/pkg/logx"
)

// fileStore keeps all posts in one JSON document.
//
// Files:
//   - <path>                (array of post records, rewritten via tmp + rename)
//   - <prefix>.audit.jsonl  (append-only JSON Lines)
//
// The document is re-read on every operation so hand edits made while the
// process runs are picked up; mu serializes all read-modify-write cycles.
type fileStore struct {
	log logx.Logger
	loc *time.Location
	now func() time.Time

	mu        sync.Mutex
	path      string
	auditFile *os.File
}

// record is the persisted shape of a post.
type record struct {
	ID              int64            `json:"id"`
	Content         string           `json:"content"`
	Platform        string           `json:"platform"`
	ScheduleTime    string           `json:"schedule_time"`
	Status          string           `json:"status"`
	APIPostID       *string          `json:"api_post_id"`
	CreatedAt       string           `json:"created_at"`
	SentAt          *string          `json:"sent_at,omitempty"`
	LastUpdated     *string          `json:"last_updated,omitempty"`
	Metrics         map[string]int64 `json:"metrics"`
	ResubmittedFrom *int64           `json:"resubmitted_from,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./posts.json"
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	auditPath := filepath.Join(dir, base+".audit.jsonl")

	s := &fileStore{log: log, loc: cfg.Location, now: cfg.Now, path: path}

	// Fail fast on a corrupt document rather than on the first tick.
	if _, err := s.load(); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.auditFile = af
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

// load reads the document. A missing or empty file is an empty store.
func (s *fileStore) load() ([]post.Post, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	var recs []record
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	out := make([]post.Post, 0, len(recs))
	for i, r := range recs {
		p, err := r.toPost(s.loc)
		if err != nil {
			return nil, fmt.Errorf("decode %s: record %d: %w", s.path, i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *fileStore) save(posts []post.Post) error {
	recs := make([]record, 0, len(posts))
	for _, p := range posts {
		recs = append(recs, fromPost(p, s.loc))
	}
	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
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
	return os.Rename(tmp, s.path)
}

func (s *fileStore) list(ctx context.Context, keep func(post.Post) bool) ([]post.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return nil, err
	}
	if keep == nil {
		return all, nil
	}
	return filterPosts(all, keep), nil
}

func (s *fileStore) ListAll(ctx context.Context) ([]post.Post, error) {
	return s.list(ctx, nil)
}

func (s *fileStore) ListPendingDue(ctx context.Context, now time.Time) ([]post.Post, error) {
	return s.list(ctx, func(p post.Post) bool { return p.Due(now) })
}

func (s *fileStore) ListSentWithExternalID(ctx context.Context) ([]post.Post, error) {
	return s.list(ctx, func(p post.Post) bool { return p.Status == post.StatusSent && p.APIPostID != "" })
}

func (s *fileStore) Get(ctx context.Context, id int64) (post.Post, error) {
	ps, err := s.list(ctx, func(p post.Post) bool { return p.ID == id })
	if err != nil {
		return post.Post{}, err
	}
	if len(ps) == 0 {
		return post.Post{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return ps[0], nil
}

func (s *fileStore) Append(ctx context.Context, d post.Draft) (post.Post, error) {
	if err := ctx.Err(); err != nil {
		return post.Post{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return post.Post{}, err
	}
	var maxID int64
	for _, p := range all {
		if p.ID > maxID {
			maxID = p.ID
		}
	}
	p := newPost(maxID+1, d, s.now())
	if err := s.save(append(all, p)); err != nil {
		return post.Post{}, err
	}
	return p, nil
}

// mutate applies fn to the post with id and persists the result.
func (s *fileStore) mutate(ctx context.Context, id int64, fn func(p *post.Post) error) (post.Post, error) {
	if err := ctx.Err(); err != nil {
		return post.Post{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return post.Post{}, err
	}
	for i := range all {
		if all[i].ID != id {
			continue
		}
		if err := fn(&all[i]); err != nil {
			return post.Post{}, err
		}
		if err := s.save(all); err != nil {
			return post.Post{}, err
		}
		return all[i], nil
	}
	return post.Post{}, fmt.Errorf("%w: %d", ErrNotFound, id)
}

func (s *fileStore) UpdateStatus(ctx context.Context, id int64, status post.Status, externalID string, at time.Time) (post.Post, error) {
	return s.mutate(ctx, id, func(p *post.Post) error { return p.ApplyStatus(status, externalID, at) })
}

func (s *fileStore) MergeMetrics(ctx context.Context, id int64, delta post.Metrics, at time.Time) (post.Post, error) {
	return s.mutate(ctx, id, func(p *post.Post) error {
		p.ApplyMetrics(delta, at)
		return nil
	})
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// ---- record mapping ----

var timestampLayouts = []string{
	post.TimestampLayout,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	post.ScheduleLayout,
}

func parseStamp(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

func parseOptStamp(raw *string, loc *time.Location) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	t, err := parseStamp(*raw, loc)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r record) toPost(loc *time.Location) (post.Post, error) {
	st, err := post.ParseStatus(r.Status)
	if err != nil {
		return post.Post{}, err
	}
	sched, err := post.ParseScheduleTime(r.ScheduleTime, loc)
	if err != nil {
		return post.Post{}, fmt.Errorf("schedule_time: %w", err)
	}
	p := post.Post{
		ID:              r.ID,
		Content:         r.Content,
		Platform:        r.Platform,
		ScheduleTime:    sched,
		Status:          st,
		Metrics:         post.DefaultMetrics().Merge(r.Metrics),
		ResubmittedFrom: r.ResubmittedFrom,
	}
	if r.APIPostID != nil {
		p.APIPostID = *r.APIPostID
	}
	if strings.TrimSpace(r.CreatedAt) != "" {
		if p.CreatedAt, err = parseStamp(r.CreatedAt, loc); err != nil {
			return post.Post{}, fmt.Errorf("created_at: %w", err)
		}
	}
	if p.SentAt, err = parseOptStamp(r.SentAt, loc); err != nil {
		return post.Post{}, fmt.Errorf("sent_at: %w", err)
	}
	if p.LastUpdated, err = parseOptStamp(r.LastUpdated, loc); err != nil {
		return post.Post{}, fmt.Errorf("last_updated: %w", err)
	}
	return p, nil
}

func fromPost(p post.Post, loc *time.Location) record {
	r := record{
		ID:              p.ID,
		Content:         p.Content,
		Platform:        p.Platform,
		ScheduleTime:    post.FormatScheduleTime(p.ScheduleTime, loc),
		Status:          string(p.Status),
		CreatedAt:       p.CreatedAt.In(loc).Format(post.TimestampLayout),
		Metrics:         p.Metrics,
		ResubmittedFrom: p.ResubmittedFrom,
	}
	if p.APIPostID != "" {
		id := p.APIPostID
		r.APIPostID = &id
	}
	if p.SentAt != nil {
		s := p.SentAt.In(loc).Format(post.TimestampLayout)
		r.SentAt = &s
	}
	if p.LastUpdated != nil {
		s := p.LastUpdated.In(loc).Format(post.TimestampLayout)
		r.LastUpdated = &s
	}
	return r
}
