// Package telegram publishes posts to a Telegram channel and sends alert
// messages through the Bot API.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"postbot/internal/platform"
	"postbot/internal/post"
	logx "postbot/pkg/logx"
)

const (
	Name      = "Telegram"
	MaxLength = 4096
)

type Config struct {
	ChatID   int64
	ThreadID int
	Retrier  platform.Retrier
}

// Adapter posts text messages to one chat.
type Adapter struct {
	client  *Client
	chatID  int64
	thread  int
	retrier platform.Retrier
	log     logx.Logger
}

func New(client *Client, cfg Config, log logx.Logger) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("telegram: client is nil")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram: chat_id is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := cfg.Retrier
	if r.Log.IsZero() {
		r.Log = log
	}
	return &Adapter{client: client, chatID: cfg.ChatID, thread: cfg.ThreadID, retrier: r, log: log}, nil
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Publish(ctx context.Context, content string, postID int64) (string, error) {
	if n := platform.CountRunes(content); n > MaxLength {
		return "", platform.Rejected(Name, "%d characters exceeds the %d limit", n, MaxLength)
	}
	if strings.TrimSpace(content) == "" {
		return "", platform.Rejected(Name, "empty content")
	}
	var msgID int
	err := a.retrier.Do(ctx, Name, postID, func(ctx context.Context, attempt int) error {
		id, err := a.client.SendText(ctx, a.chatID, a.thread, content)
		if err != nil {
			return err
		}
		msgID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	a.log.Info("channel message sent", logx.Int64("post_id", postID), logx.Int("message_id", msgID))
	return strconv.Itoa(msgID), nil
}

// FetchMetrics reports no data; the Bot API does not expose view counts.
func (a *Adapter) FetchMetrics(ctx context.Context, externalID string) (post.Metrics, error) {
	return nil, nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx)
}
