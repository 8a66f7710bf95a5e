package telegram

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"postbot/internal/platform"
	"postbot/internal/task/retry"
)

const DefaultAPIURL = "https://api.telegram.org"

// ClientConfig configures the Bot API client shared by the channel adapter
// and alert notifications.
type ClientConfig struct {
	Token string
	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL  string
	Timeout time.Duration
}

// Client is a send-only Bot API client. It never polls for updates.
type Client struct {
	bot *tele.Bot
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	url := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if url == "" {
		url = DefaultAPIURL
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     url,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Client{bot: b}, nil
}

// SendText sends text to chatID (and forum thread when threadID > 0) and
// returns the message id.
func (c *Client) SendText(ctx context.Context, chatID int64, threadID int, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg, err := c.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		ThreadID:              threadID,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return 0, classifyError(err)
	}
	return msg.ID, nil
}

// Ping calls getMe.
func (c *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.bot.Raw("getMe", map[string]string{})
	if err != nil {
		return classifyError(err)
	}
	return nil
}

// classifyError maps telebot errors onto the platform taxonomy so the
// shared retry policy can act on them.
func classifyError(err error) error {
	var fv tele.FloodError
	if errors.As(err, &fv) {
		return floodError(err, fv.RetryAfter)
	}
	var fp *tele.FloodError
	if errors.As(err, &fp) && fp != nil {
		return floodError(err, fp.RetryAfter)
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code != 0 {
		return &platform.StatusError{Platform: Name, Code: te.Code, Body: te.Description}
	}
	// Descriptions telebot does not know come back as "telegram: <desc> (<code>)".
	if m := codeSuffix.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return &platform.StatusError{Platform: Name, Code: code, Body: err.Error()}
	}
	return err
}

var codeSuffix = regexp.MustCompile(`\((\d{3})\)$`)

func floodError(err error, secs int) error {
	wait := time.Duration(secs) * time.Second
	se := &platform.StatusError{Platform: Name, Code: http.StatusTooManyRequests, Body: err.Error(), RetryAfter: wait}
	if wait > 0 {
		return retry.RetryAfter(se, wait)
	}
	return se
}
