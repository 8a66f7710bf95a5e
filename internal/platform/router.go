package platform

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"postbot/internal/post"
	logx "postbot/pkg/logx"
)

const (
	DefaultCallTimeout = 5 * time.Minute
	breakerTrip        = 5
	breakerCooldown    = 2 * time.Minute
	quotaWindow        = 24 * time.Hour
)

// Settings are the static per-platform router settings.
type Settings struct {
	// RateLimit is the number of publishes per 24h. Zero disables the quota.
	RateLimit int
	// Timeout bounds one Publish or FetchMetrics call, retries included.
	Timeout time.Duration
}

type route struct {
	adapter Adapter
	set     Settings
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// Router maps platform names to adapters. It is built once at startup and
// never changes afterwards, so reads need no locking.
type Router struct {
	log    logx.Logger
	routes map[string]*route
}

// PlatformInfo describes one configured platform.
type PlatformInfo struct {
	Name      string  `json:"name"`
	Breaker   string  `json:"breaker"`
	RateLimit int     `json:"rate_limit"`
	Quota     float64 `json:"quota_remaining"`
}

// NewRouter builds a router from adapters. settings is keyed by
// lower-cased platform name; missing entries use defaults.
func NewRouter(adapters []Adapter, settings map[string]Settings, log logx.Logger) (*Router, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{log: log, routes: make(map[string]*route, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		key := normalize(a.Name())
		if key == "" {
			return nil, errors.New("adapter with empty name")
		}
		if _, dup := r.routes[key]; dup {
			return nil, fmt.Errorf("duplicate adapter for platform %q", a.Name())
		}
		set := settings[key]
		if set.Timeout <= 0 {
			set.Timeout = DefaultCallTimeout
		}
		rt := &route{adapter: a, set: set}
		if set.RateLimit > 0 {
			rt.limiter = rate.NewLimiter(rate.Every(quotaWindow/time.Duration(set.RateLimit)), set.RateLimit)
		}
		name := a.Name()
		rt.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     breakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= breakerTrip
			},
			IsSuccessful: func(err error) bool {
				return err == nil || IsPermanent(err) || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				log.Warn("platform breaker state changed",
					logx.String("platform", name),
					logx.String("from", from.String()),
					logx.String("to", to.String()),
				)
			},
		})
		r.routes[key] = rt
	}
	return r, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Router) lookup(platform string) *route {
	if r == nil {
		return nil
	}
	return r.routes[normalize(platform)]
}

// IsAvailable reports whether an adapter is configured for platform.
func (r *Router) IsAvailable(platform string) bool {
	return r.lookup(platform) != nil
}

// ListAvailable returns the configured platform names, sorted.
func (r *Router) ListAvailable() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, rt.adapter.Name())
	}
	sort.Strings(out)
	return out
}

// Publish dispatches content to platform.
//
// It returns (false, "", ErrUnavailable) when no adapter is configured,
// ErrThrottled or ErrCircuitOpen when the call was not attempted, and the
// adapter's error otherwise. An empty id from the adapter counts as failure.
func (r *Router) Publish(ctx context.Context, platform, content string, postID int64) (ok bool, externalID string, err error) {
	rt := r.lookup(platform)
	if rt == nil {
		return false, "", fmt.Errorf("%w: %s", ErrUnavailable, platform)
	}
	name := rt.adapter.Name()
	if rt.breaker.State() == gobreaker.StateOpen {
		return false, "", fmt.Errorf("%w: %s", ErrCircuitOpen, name)
	}
	if rt.limiter != nil && !rt.limiter.Allow() {
		return false, "", fmt.Errorf("%w: %s", ErrThrottled, name)
	}

	cctx, cancel := context.WithTimeout(ctx, rt.set.Timeout)
	defer cancel()

	res, err := rt.breaker.Execute(func() (interface{}, error) {
		id, err := r.safePublish(cctx, rt.adapter, content, postID)
		if err == nil && strings.TrimSpace(id) == "" {
			err = fmt.Errorf("%s: %w", name, ErrEmptyID)
		}
		return id, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false, "", fmt.Errorf("%w: %s", ErrCircuitOpen, name)
	}
	if err != nil {
		return false, "", err
	}
	return true, res.(string), nil
}

func (r *Router) safePublish(ctx context.Context, a Adapter, content string, postID int64) (id string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s: adapter panic: %v", a.Name(), rec)
			r.log.Error("adapter panic",
				logx.String("platform", a.Name()),
				logx.Int64("post_id", postID),
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	return a.Publish(ctx, content, postID)
}

// FetchMetrics returns the latest counters for externalID, or nil when the
// platform is unconfigured, unhealthy, has no data, or the call failed.
func (r *Router) FetchMetrics(ctx context.Context, platform, externalID string) (m post.Metrics) {
	rt := r.lookup(platform)
	if rt == nil {
		return nil
	}
	name := rt.adapter.Name()
	if rt.breaker.State() == gobreaker.StateOpen {
		r.log.Debug("metrics skipped: breaker open", logx.String("platform", name))
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, rt.set.Timeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			m = nil
			r.log.Error("adapter panic", logx.String("platform", name), logx.String("external_id", externalID), logx.Any("panic", rec))
		}
	}()

	got, err := rt.adapter.FetchMetrics(cctx, externalID)
	if err != nil {
		r.log.Warn("fetch metrics failed", logx.String("platform", name), logx.String("external_id", externalID), logx.Err(err))
		return nil
	}
	if len(got) == 0 {
		return nil
	}
	return got
}

// TestConnection probes every configured adapter. Adapters without a
// Ping method report true.
func (r *Router) TestConnection(ctx context.Context) map[string]bool {
	out := map[string]bool{}
	if r == nil {
		return out
	}
	for _, rt := range r.routes {
		name := rt.adapter.Name()
		p, ok := rt.adapter.(Pinger)
		if !ok {
			out[name] = true
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, rt.set.Timeout)
		err := func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("panic: %v", rec)
				}
			}()
			return p.Ping(cctx)
		}()
		cancel()
		if err != nil {
			r.log.Warn("connection test failed", logx.String("platform", name), logx.Err(err))
		}
		out[name] = err == nil
	}
	return out
}

// Snapshot returns breaker and quota state per platform, sorted by name.
func (r *Router) Snapshot() []PlatformInfo {
	if r == nil {
		return nil
	}
	out := make([]PlatformInfo, 0, len(r.routes))
	for _, rt := range r.routes {
		info := PlatformInfo{
			Name:      rt.adapter.Name(),
			Breaker:   rt.breaker.State().String(),
			RateLimit: rt.set.RateLimit,
		}
		if rt.limiter != nil {
			info.Quota = rt.limiter.Tokens()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
