package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"postbot/internal/eventbus"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// auditEntry turns a bus event into a dispatch-log entry.
func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	switch d := e.Data.(type) {
	case eventbus.PostEvent:
		entry := storage.AuditEntry{At: at, PostID: d.PostID, Platform: d.Platform, ExternalID: d.ExternalID, Attempt: d.Attempt, Message: d.Error}
		switch e.Type {
		case eventbus.PostSent:
			entry.Kind = storage.AuditSuccess
		case eventbus.PostFailed:
			entry.Kind = storage.AuditError
		case eventbus.PostRetry:
			entry.Kind = storage.AuditRetry
			if d.Wait > 0 {
				entry.Message = fmt.Sprintf("waiting %s: %s", d.Wait, d.Error)
			}
		case eventbus.PostUnsaved:
			entry.Kind = storage.AuditError
			entry.Message = fmt.Sprintf("published as %s but not saved: %s", d.ExternalID, d.Error)
		case eventbus.PostBlocked:
			entry.Kind = storage.AuditBlocked
			entry.Message = "platform not configured"
		default:
			return storage.AuditEntry{}, false
		}
		return entry, true
	case eventbus.MetricsEvent:
		if e.Type != eventbus.MetricsUpdated {
			return storage.AuditEntry{}, false
		}
		return storage.AuditEntry{At: at, Kind: storage.AuditMetrics, PostID: d.PostID, Platform: d.Platform, Message: formatMetrics(d.Metrics)}, true
	}
	return storage.AuditEntry{}, false
}

func formatMetrics(m map[string]int64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, " ")
}

// auditLoop persists bus events until ctx ends or the subscription closes.
func auditLoop(ctx context.Context, events <-chan eventbus.Event, store storage.Store, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			entry, ok := auditEntry(e)
			if !ok {
				continue
			}
			if err := store.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
				log.Warn("audit write failed", logx.String("kind", string(entry.Kind)), logx.Int64("post_id", entry.PostID), logx.Err(err))
			}
		}
	}
}
