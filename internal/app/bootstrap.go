package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"postbot/internal/config"
	"postbot/internal/notify"
	"postbot/internal/platform"
	"postbot/internal/platform/linkedin"
	"postbot/internal/platform/telegram"
	"postbot/internal/platform/twitter"
	"postbot/internal/task/retry"
	logx "postbot/pkg/logx"
)

const (
	platformTwitter  = "twitter"
	platformLinkedIn = "linkedin"
	platformTelegram = "telegram"

	defaultPlatformTimeout = 30 * time.Second
)

var knownPlatforms = map[string]bool{platformTwitter: true, platformLinkedIn: true, platformTelegram: true}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapRetryPolicy(cfg *config.Config) (retry.Policy, error) {
	p := retry.Default()
	rc := cfg.Retry
	if rc.Attempts < 0 {
		return retry.Policy{}, fmt.Errorf("retry.attempts must be >= 0")
	}
	if rc.Attempts > 0 {
		p.Attempts = rc.Attempts
	}
	rl, err := config.ParseDurationOrDefault("retry.rate_limit_wait", rc.RateLimitWait, retry.DefaultRateLimitWait)
	if err != nil {
		return retry.Policy{}, err
	}
	sw, err := config.ParseDurationOrDefault("retry.server_wait", rc.ServerWait, retry.DefaultServerWait)
	if err != nil {
		return retry.Policy{}, err
	}
	mw, err := config.ParseDurationOrDefault("retry.max_wait", rc.MaxWait, retry.DefaultMaxWait)
	if err != nil {
		return retry.Policy{}, err
	}
	p.Waits = map[retry.Class]time.Duration{retry.ClassRateLimit: rl, retry.ClassServer: sw}
	p.MaxWait = mw
	return p, nil
}

// callTimeout bounds one router call: every attempt plus every wait between
// attempts at the longest class wait.
func callTimeout(p retry.Policy, perRequest time.Duration) time.Duration {
	longest := time.Duration(0)
	for _, w := range p.Waits {
		longest = max(longest, w)
	}
	n := time.Duration(max(p.Attempts, 1))
	return n*perRequest + (n-1)*longest + 5*time.Second
}

func mapNotifyConfig(cfg *config.Config) notify.Config {
	if cfg.Notify == nil {
		return notify.Config{}
	}
	return notify.Config{
		Enabled:     cfg.Notify.Enabled,
		ChatID:      cfg.Notify.ChatID,
		ThreadID:    cfg.Notify.ThreadID,
		RatePerMin:  cfg.Notify.RatePerMin,
		DedupWindow: 10 * time.Minute,
	}
}

// platformSet is the outcome of building adapters from config and secrets.
type platformSet struct {
	adapters []platform.Adapter
	settings map[string]platform.Settings
	// bot is the Telegram client, shared with alerts. Nil without a token.
	bot *telegram.Client
}

type platformDeps struct {
	secrets config.Secrets
	policy  retry.Policy
	observe platform.RetryObserver
	log     logx.Logger
}

func buildPlatforms(ctx context.Context, cfg *config.Config, d platformDeps) (platformSet, error) {
	out := platformSet{settings: map[string]platform.Settings{}}

	if tok := strings.TrimSpace(d.secrets.TelegramBotToken); tok != "" {
		tc := cfg.Platforms[platformTelegram]
		timeout, err := config.ParseDurationOrDefault("platforms.telegram.timeout", tc.Timeout, defaultPlatformTimeout)
		if err != nil {
			return platformSet{}, err
		}
		bot, err := telegram.NewClient(telegram.ClientConfig{Token: tok, APIURL: tc.BaseURL, Timeout: timeout})
		if err != nil {
			return platformSet{}, fmt.Errorf("telegram client: %w", err)
		}
		out.bot = bot
	}

	names := make([]string, 0, len(cfg.Platforms))
	for name := range cfg.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pc := cfg.Platforms[name]
		key := strings.ToLower(strings.TrimSpace(name))
		if !pc.Enabled {
			continue
		}
		timeout, err := config.ParseDurationOrDefault("platforms."+key+".timeout", pc.Timeout, defaultPlatformTimeout)
		if err != nil {
			return platformSet{}, err
		}
		log := d.log.With(logx.String("platform", key))
		retrier := platform.Retrier{Policy: d.policy, Log: log, Observe: d.observe}

		var a platform.Adapter
		switch key {
		case platformTwitter:
			if d.secrets.TwitterAccessToken == "" && d.secrets.TwitterBearerToken == "" {
				d.log.Warn("twitter enabled but no token set; posts will stay pending", logx.String("env", "TWITTER_ACCESS_TOKEN"))
				continue
			}
			access := d.secrets.TwitterAccessToken
			if access == "" {
				access = d.secrets.TwitterBearerToken
			}
			a, err = twitter.New(ctx, twitter.Config{
				BaseURL:     pc.BaseURL,
				AccessToken: access,
				BearerToken: d.secrets.TwitterBearerToken,
				Timeout:     timeout,
				Retrier:     retrier,
			}, log)
		case platformLinkedIn:
			if d.secrets.LinkedInAccessToken == "" {
				d.log.Warn("linkedin enabled but no token set; posts will stay pending", logx.String("env", "LINKEDIN_ACCESS_TOKEN"))
				continue
			}
			author := pc.AuthorURN
			if author == "" {
				author = d.secrets.LinkedInAuthorURN
			}
			a, err = linkedin.New(ctx, linkedin.Config{
				BaseURL:     pc.BaseURL,
				AccessToken: d.secrets.LinkedInAccessToken,
				AuthorURN:   author,
				Timeout:     timeout,
				Retrier:     retrier,
			}, log)
		case platformTelegram:
			if out.bot == nil {
				d.log.Warn("telegram enabled but no token set; posts will stay pending", logx.String("env", "TELEGRAM_BOT_TOKEN"))
				continue
			}
			a, err = telegram.New(out.bot, telegram.Config{ChatID: pc.ChatID, Retrier: retrier}, log)
		default:
			return platformSet{}, fmt.Errorf("platforms.%s: unknown platform", name)
		}
		if err != nil {
			return platformSet{}, fmt.Errorf("platforms.%s: %w", key, err)
		}
		out.adapters = append(out.adapters, a)
		out.settings[strings.ToLower(a.Name())] = platform.Settings{
			RateLimit: pc.RateLimit,
			Timeout:   callTimeout(d.policy, timeout),
		}
	}
	return out, nil
}

// validateConfig checks a candidate config before it is committed.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		return fmt.Errorf("logging.level: invalid %q", lvl)
	}
	loc, err := config.ParseLocation("scheduler.timezone", cfg.Scheduler.Timezone)
	if err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg, loc); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("scheduler.interval", cfg.Scheduler.Interval); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("metrics.initial_delay", cfg.Metrics.InitialDelay); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("metrics.interval", cfg.Metrics.Interval); err != nil {
		return err
	}
	if _, err := mapRetryPolicy(cfg); err != nil {
		return err
	}
	for name, pc := range cfg.Platforms {
		key := strings.ToLower(strings.TrimSpace(name))
		if !knownPlatforms[key] {
			return fmt.Errorf("platforms.%s: unknown platform", name)
		}
		if pc.RateLimit < 0 {
			return fmt.Errorf("platforms.%s.rate_limit must be >= 0", key)
		}
		if _, err := config.ParseDurationField("platforms."+key+".timeout", pc.Timeout); err != nil {
			return err
		}
		if key == platformTelegram && pc.Enabled && pc.ChatID == 0 {
			return fmt.Errorf("platforms.telegram.chat_id is required when enabled")
		}
	}
	if n := cfg.Notify; n != nil {
		if n.RatePerMin < 0 {
			return fmt.Errorf("notify.rate_per_min must be >= 0")
		}
		if n.Enabled && n.ChatID == 0 {
			return fmt.Errorf("notify.chat_id is required when enabled")
		}
	}
	return nil
}
