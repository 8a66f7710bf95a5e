// Package post defines the scheduled post record and its lifecycle rules.
package post

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

var ErrInvalidTransition = errors.New("invalid status transition")

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusSent, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusSent || s == StatusFailed }

// Post is the unit of scheduled work.
type Post struct {
	ID           int64     `json:"id"`
	Content      string    `json:"content"`
	Platform     string    `json:"platform"`
	ScheduleTime time.Time `json:"schedule_time"`
	Status       Status    `json:"status"`
	// APIPostID is set iff Status == StatusSent.
	APIPostID   string     `json:"api_post_id,omitempty"`
	Metrics     Metrics    `json:"metrics"`
	CreatedAt   time.Time  `json:"created_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`

	// ResubmittedFrom links a copy back to the failed post it replaces.
	ResubmittedFrom *int64 `json:"resubmitted_from,omitempty"`
}

// Draft is what callers supply to create a post. The store assigns the rest.
type Draft struct {
	Content         string
	Platform        string
	ScheduleTime    time.Time
	ResubmittedFrom *int64
}

// Due reports whether p is pending and its schedule time has passed.
func (p Post) Due(now time.Time) bool {
	return p.Status == StatusPending && !p.ScheduleTime.After(now)
}

// ApplyStatus performs the pending -> sent|failed transition on p.
// sent requires a non-empty externalID; failed clears it.
func (p *Post) ApplyStatus(status Status, externalID string, at time.Time) error {
	if p.Status != StatusPending || !status.Terminal() {
		return fmt.Errorf("%w: %s -> %s (post %d)", ErrInvalidTransition, p.Status, status, p.ID)
	}
	switch status {
	case StatusSent:
		if strings.TrimSpace(externalID) == "" {
			return fmt.Errorf("%w: sent requires an external id (post %d)", ErrInvalidTransition, p.ID)
		}
		p.APIPostID = externalID
		t := at
		p.SentAt = &t
	case StatusFailed:
		p.APIPostID = ""
	}
	p.Status = status
	return nil
}

// ApplyMetrics merges delta into p.Metrics and stamps LastUpdated.
func (p *Post) ApplyMetrics(delta Metrics, at time.Time) {
	p.Metrics = p.Metrics.Merge(delta)
	t := at
	p.LastUpdated = &t
}

// Clone returns a deep copy.
func (p Post) Clone() Post {
	cp := p
	cp.Metrics = p.Metrics.Merge(nil)
	if p.SentAt != nil {
		t := *p.SentAt
		cp.SentAt = &t
	}
	if p.LastUpdated != nil {
		t := *p.LastUpdated
		cp.LastUpdated = &t
	}
	if p.ResubmittedFrom != nil {
		id := *p.ResubmittedFrom
		cp.ResubmittedFrom = &id
	}
	return cp
}
