// Package twitter publishes to X (Twitter) through the v2 REST API.
package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"postbot/internal/platform"
	"postbot/internal/post"
	"postbot/internal/task/retry"
	logx "postbot/pkg/logx"
)

const (
	Name           = "Twitter"
	MaxLength      = 280
	DefaultBaseURL = "https://api.twitter.com"
	defaultTimeout = 30 * time.Second
)

// Config holds the adapter settings.
type Config struct {
	BaseURL string
	// AccessToken is an OAuth 2.0 user-context token with tweet.write.
	AccessToken string
	// BearerToken is the app-only token used to read metrics. AccessToken
	// is used when empty.
	BearerToken string
	// Timeout bounds one HTTP request.
	Timeout time.Duration
	Retrier platform.Retrier
}

// Adapter implements platform.Adapter for X.
type Adapter struct {
	base    string
	write   *http.Client
	read    *http.Client
	retrier platform.Retrier
	log     logx.Logger
}

// New validates cfg and builds the adapter.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errors.New("twitter: access token is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	bearer := strings.TrimSpace(cfg.BearerToken)
	if bearer == "" {
		bearer = cfg.AccessToken
	}
	r := cfg.Retrier
	if r.Log.IsZero() {
		r.Log = log
	}
	return &Adapter{
		base:    base,
		write:   platform.NewBearerClient(ctx, cfg.AccessToken, timeout),
		read:    platform.NewBearerClient(ctx, bearer, timeout),
		retrier: r,
		log:     log,
	}, nil
}

func (a *Adapter) Name() string { return Name }

type createRequest struct {
	Text string `json:"text"`
}

type createResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// Publish creates a tweet and returns its id.
func (a *Adapter) Publish(ctx context.Context, content string, postID int64) (string, error) {
	if n := platform.CountRunes(content); n > MaxLength {
		return "", platform.Rejected(Name, "%d characters exceeds the %d limit", n, MaxLength)
	}
	if strings.TrimSpace(content) == "" {
		return "", platform.Rejected(Name, "empty content")
	}
	body, err := json.Marshal(createRequest{Text: content})
	if err != nil {
		return "", err
	}

	var id string
	err = a.retrier.Do(ctx, Name, postID, func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/2/tweets", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := a.write.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := platform.CheckResponse(Name, resp); err != nil {
			return err
		}
		var out createResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			// A 2xx status means the tweet exists; it must not be posted again.
			return retry.NoRetry(fmt.Errorf("twitter: decode create response: %w", err))
		}
		id = strings.TrimSpace(out.Data.ID)
		return nil
	})
	if err != nil {
		return "", err
	}
	a.log.Info("tweet created", logx.Int64("post_id", postID), logx.String("tweet_id", id))
	return id, nil
}

type tweetResponse struct {
	Data *struct {
		PublicMetrics map[string]int64 `json:"public_metrics"`
	} `json:"data"`
}

var metricNames = map[string]string{
	"like_count":       post.MetricLikes,
	"retweet_count":    post.MetricShares,
	"reply_count":      post.MetricReplies,
	"impression_count": post.MetricImpressions,
}

// FetchMetrics reads public_metrics. Access tiers without metrics (401/403)
// report no data.
func (a *Adapter) FetchMetrics(ctx context.Context, externalID string) (post.Metrics, error) {
	u := a.base + "/2/tweets/" + url.PathEscape(externalID) + "?tweet.fields=public_metrics"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.read.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		a.log.Debug("metrics not available for this access tier", logx.Int("status", resp.StatusCode))
		return nil, nil
	}
	if err := platform.CheckResponse(Name, resp); err != nil {
		return nil, err
	}
	var out tweetResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("twitter: decode tweet: %w", err)
	}
	if out.Data == nil || out.Data.PublicMetrics == nil {
		return nil, nil
	}
	m := post.Metrics{}
	for src, dst := range metricNames {
		m[dst] = out.Data.PublicMetrics[src]
	}
	return m, nil
}

// Ping checks the write credentials with GET /2/users/me.
func (a *Adapter) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/2/users/me", nil)
	if err != nil {
		return err
	}
	resp, err := a.write.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return platform.CheckResponse(Name, resp)
}
