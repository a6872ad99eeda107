// Package config loads reqcast settings from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ambitiousfew/reqcast"
	"github.com/joho/godotenv"
	"golang.org/x/exp/slog"
	"golang.org/x/oauth2/clientcredentials"
)

// EnvFilePath names a dotenv file loaded before the environment is read.
const EnvFilePath = "ENV_FILE_PATH"

type Config struct {
	BaseURL        string
	LogLevel       string
	ChannelExpiry  time.Duration
	SettleDelay    time.Duration
	ReplayDelay    time.Duration
	RequestTimeout time.Duration
	TokenFile      string

	// OAuth2 client credentials used to refresh the access token, refresh is
	// disabled when TokenURL is empty.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Load reads the configuration from the environment. When ENV_FILE_PATH is set the
// file it names is loaded first, variables already set in the environment win.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(EnvFilePath))
}

// LoadFile loads envFile (when not empty) and reads the configuration from the environment.
func LoadFile(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	r := &configReader{}
	c := &Config{
		BaseURL:        r.readOptionalString("REQCAST_BASE_URL", ""),
		LogLevel:       r.readOptionalString("REQCAST_LOG_LEVEL", "INFO"),
		ChannelExpiry:  r.readOptionalDuration("REQCAST_CHANNEL_EXPIRY", reqcast.DefaultChannelExpiry),
		SettleDelay:    r.readOptionalDuration("REQCAST_REFRESH_SETTLE_DELAY", reqcast.DefaultSettleDelay),
		ReplayDelay:    r.readOptionalDuration("REQCAST_REPLAY_DELAY", reqcast.DefaultReplayDelay),
		RequestTimeout: r.readOptionalDuration("REQCAST_REQUEST_TIMEOUT", 30*time.Second),
		TokenFile:      r.readOptionalString("REQCAST_TOKEN_FILE", defaultTokenFile()),
		TokenURL:       r.readOptionalString("REQCAST_TOKEN_URL", ""),
		ClientID:       r.readOptionalString("REQCAST_CLIENT_ID", ""),
		ClientSecret:   r.readOptionalString("REQCAST_CLIENT_SECRET", ""),
		Scopes:         r.readOptionalList("REQCAST_SCOPES"),
	}

	if c.TokenURL != "" {
		c.ClientID = r.readRequiredString("REQCAST_CLIENT_ID")
	}

	validate(c, r)
	if err := r.err(); err != nil {
		return nil, err
	}
	return c, nil
}

func validate(c *Config, r *configReader) {
	if c.BaseURL != "" {
		if err := validateURL(c.BaseURL); err != nil {
			r.errors = append(r.errors, fmt.Errorf("REQCAST_BASE_URL: %w", err))
		}
	}
	if c.TokenURL != "" {
		if err := validateURL(c.TokenURL); err != nil {
			r.errors = append(r.errors, fmt.Errorf("REQCAST_TOKEN_URL: %w", err))
		}
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		r.errors = append(r.errors, fmt.Errorf("REQCAST_LOG_LEVEL: %w", err))
	}
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("URL must be absolute, got: %s", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}
	return nil
}

func defaultTokenFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".reqcast-token.json"
	}
	return filepath.Join(home, ".reqcast", "token.json")
}

// Level returns the slog level named by LogLevel.
func (c *Config) Level() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}

// ClientOptions returns the reqcast options matching the configured delays.
func (c *Config) ClientOptions() []reqcast.Option {
	return []reqcast.Option{
		reqcast.WithChannelExpiry(c.ChannelExpiry),
		reqcast.WithRefreshDelays(c.SettleDelay, c.ReplayDelay),
	}
}

// OAuth2 returns the client credentials flow used to refresh tokens, nil when
// no token URL is configured.
func (c *Config) OAuth2() *clientcredentials.Config {
	if c.TokenURL == "" {
		return nil
	}
	return &clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL,
		Scopes:       c.Scopes,
	}
}
