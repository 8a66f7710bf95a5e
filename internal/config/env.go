package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

// Secrets holds credentials read from the environment.
// They are kept out of the config file so it can be committed.
type Secrets struct {
	ConfigPath string `env:"POSTBOT_CONFIG,default=./config.yaml"`

	TwitterBearerToken string `env:"TWITTER_BEARER_TOKEN"`
	// TwitterAccessToken is a user-context OAuth2 token (tweet.write).
	// If empty, the bearer token is used for both publish and metrics.
	TwitterAccessToken string `env:"TWITTER_ACCESS_TOKEN"`

	LinkedInAccessToken string `env:"LINKEDIN_ACCESS_TOKEN"`
	LinkedInAuthorURN   string `env:"LINKEDIN_AUTHOR_URN"`

	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`

	APIToken string `env:"API_TOKEN"`
}

func LoadSecrets(ctx context.Context) (Secrets, error) {
	return loadSecrets(ctx, nil)
}

func loadSecrets(ctx context.Context, lookuper envconfig.Lookuper) (Secrets, error) {
	var s Secrets
	cfg := &envconfig.Config{Target: &s}
	if lookuper != nil {
		cfg.Lookuper = lookuper
	}
	if err := envconfig.ProcessWith(ctx, cfg); err != nil {
		return Secrets{}, fmt.Errorf("parsing env vars: %w", err)
	}
	return s, nil
}
