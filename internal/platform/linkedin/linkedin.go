// Package linkedin publishes member or organization shares through the
// UGC Posts API.
package linkedin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"postbot/internal/platform"
	"postbot/internal/post"
	logx "postbot/pkg/logx"
)

const (
	Name            = "LinkedIn"
	MaxLength       = 3000
	DefaultBaseURL  = "https://api.linkedin.com"
	restliVersion   = "2.0.0"
	defaultTimeout  = 30 * time.Second
	personURNPrefix = "urn:li:person:"
)

type Config struct {
	BaseURL     string
	AccessToken string
	// AuthorURN is used as the share author. When empty it is resolved once
	// from /v2/userinfo.
	AuthorURN string
	Timeout   time.Duration
	Retrier   platform.Retrier
}

type Adapter struct {
	base    string
	client  *http.Client
	retrier platform.Retrier
	log     logx.Logger

	mu     sync.Mutex
	author string
}

func New(ctx context.Context, cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errors.New("linkedin: access token is required")
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
	r := cfg.Retrier
	if r.Log.IsZero() {
		r.Log = log
	}
	return &Adapter{
		base:    base,
		client:  platform.NewBearerClient(ctx, cfg.AccessToken, timeout),
		retrier: r,
		log:     log,
		author:  strings.TrimSpace(cfg.AuthorURN),
	}, nil
}

func (a *Adapter) Name() string { return Name }

type userInfo struct {
	Sub string `json:"sub"`
}

func (a *Adapter) userInfo(ctx context.Context) (userInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/v2/userinfo", nil)
	if err != nil {
		return userInfo{}, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return userInfo{}, err
	}
	defer resp.Body.Close()
	if err := platform.CheckResponse(Name, resp); err != nil {
		return userInfo{}, err
	}
	var ui userInfo
	if err := json.NewDecoder(resp.Body).Decode(&ui); err != nil {
		return userInfo{}, fmt.Errorf("linkedin: decode userinfo: %w", err)
	}
	return ui, nil
}

func (a *Adapter) authorURN(ctx context.Context) (string, error) {
	a.mu.Lock()
	author := a.author
	a.mu.Unlock()
	if author != "" {
		return author, nil
	}
	ui, err := a.userInfo(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(ui.Sub) == "" {
		return "", errors.New("linkedin: userinfo has no subject")
	}
	author = personURNPrefix + ui.Sub
	a.mu.Lock()
	a.author = author
	a.mu.Unlock()
	return author, nil
}

type shareCommentary struct {
	Text string `json:"text"`
}

type shareContent struct {
	ShareCommentary    shareCommentary `json:"shareCommentary"`
	ShareMediaCategory string          `json:"shareMediaCategory"`
}

type ugcPost struct {
	Author          string                  `json:"author"`
	LifecycleState  string                  `json:"lifecycleState"`
	SpecificContent map[string]shareContent `json:"specificContent"`
	Visibility      map[string]string       `json:"visibility"`
}

// Publish creates a public text share. The returned id is the x-restli-id
// header (or body id); when LinkedIn returns neither, a local LI-<postID>
// reference is used.
func (a *Adapter) Publish(ctx context.Context, content string, postID int64) (string, error) {
	if n := platform.CountRunes(content); n > MaxLength {
		return "", platform.Rejected(Name, "%d characters exceeds the %d limit", n, MaxLength)
	}
	if strings.TrimSpace(content) == "" {
		return "", platform.Rejected(Name, "empty content")
	}

	var id string
	err := a.retrier.Do(ctx, Name, postID, func(ctx context.Context, attempt int) error {
		author, err := a.authorURN(ctx)
		if err != nil {
			return err
		}
		body, err := json.Marshal(ugcPost{
			Author:         author,
			LifecycleState: "PUBLISHED",
			SpecificContent: map[string]shareContent{
				"com.linkedin.ugc.ShareContent": {
					ShareCommentary:    shareCommentary{Text: content},
					ShareMediaCategory: "NONE",
				},
			},
			Visibility: map[string]string{"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC"},
		})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/v2/ugcPosts", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Restli-Protocol-Version", restliVersion)
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := platform.CheckResponse(Name, resp); err != nil {
			return err
		}
		id = strings.TrimSpace(resp.Header.Get("X-Restli-Id"))
		if id == "" {
			var out struct {
				ID string `json:"id"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&out)
			id = strings.TrimSpace(out.ID)
		}
		if id == "" {
			id = fmt.Sprintf("LI-%d", postID)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	a.log.Info("share created", logx.Int64("post_id", postID), logx.String("share_id", id))
	return id, nil
}

// FetchMetrics reports no data: share statistics need the organization
// API, which member tokens cannot reach.
func (a *Adapter) FetchMetrics(ctx context.Context, externalID string) (post.Metrics, error) {
	return nil, nil
}

// Ping checks the token with /v2/userinfo.
func (a *Adapter) Ping(ctx context.Context) error {
	_, err := a.userInfo(ctx)
	return err
}
