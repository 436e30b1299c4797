package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"whatsnew/internal/match"
)

const DefaultFeedURL = "https://aws.amazon.com/about-aws/whats-new/recent/feed/"

// Options are the command line and environment settings. Flags given here
// override the matching fields of the YAML files.
type Options struct {
	FeedsPath     string `long:"feeds" env:"WHATSNEW_FEEDS" default:"config/feeds.yaml" description:"Path to feeds configuration file"`
	WebhooksPath  string `long:"webhooks" env:"WHATSNEW_WEBHOOKS" default:"config/webhooks.yaml" description:"Path to webhooks configuration file"`
	Once          bool   `long:"once" env:"WHATSNEW_ONCE" description:"Run the pipeline once and exit"`
	Prune         bool   `long:"prune" env:"WHATSNEW_PRUNE" description:"Delete entries older than the retention window after each run"`
	LookbackDays  int    `long:"lookback-days" env:"WHATSNEW_LOOKBACK_DAYS" description:"Days of history scanned for matches"`
	RetentionDays int    `long:"retention-days" env:"WHATSNEW_RETENTION_DAYS" description:"Days of history kept when pruning"`
	MetricsAddr   string `long:"metrics-addr" env:"WHATSNEW_METRICS_ADDR" default:":9090" description:"Metrics listen address, empty disables"`
	Debug         bool   `long:"debug" env:"WHATSNEW_DEBUG" description:"Enable debug logging"`
}

type FeedsConfig struct {
	Feeds         []string      `yaml:"feeds"`
	Interval      time.Duration `yaml:"interval"`
	Timezone      string        `yaml:"timezone"`
	LookbackDays  int           `yaml:"lookback_days"`
	RetentionDays int           `yaml:"retention_days"`
	Prune         bool          `yaml:"prune"`
	UserAgent     string        `yaml:"user_agent"`
	Services      []string      `yaml:"services"`
	Store         StoreConfig   `yaml:"store"`
}

type StoreConfig struct {
	Type         string        `yaml:"type"` // "sqlite" (default), "valkey", or "memory"
	Path         string        `yaml:"path"`
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Table        string        `yaml:"table"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxItemBytes int           `yaml:"max_item_bytes"`
	Concurrency  int           `yaml:"concurrency"`
}

type WebhooksConfig struct {
	Webhooks []Webhook `yaml:"webhooks"`
}

type Webhook struct {
	Name          string        `yaml:"name"`
	URL           string        `yaml:"url"`
	Provider      string        `yaml:"provider"` // "generic" (default), "discord", or "line"
	PostInterval  time.Duration `yaml:"post_interval"`
	APIToken      string        `yaml:"api_token"`     // Required for line
	APITokenEnv   string        `yaml:"api_token_env"` // Read when api_token is empty
	MessageFormat string        `yaml:"message_format"`
}

type AppConfig struct {
	Feeds    *FeedsConfig
	Webhooks *WebhooksConfig
	Location *time.Location
}

func Load(opts Options) (*AppConfig, error) {
	// Defaults
	c := &AppConfig{
		Feeds: &FeedsConfig{
			Interval:      10 * time.Minute,
			Timezone:      "UTC",
			LookbackDays:  8,
			RetentionDays: 30,
			UserAgent:     "whatsnew/1.0",
			Store: StoreConfig{
				Type:    "sqlite",
				Path:    "data/whatsnew.db",
				Table:   "aws_whatsnew_feed",
				Timeout: 5 * time.Second,
			},
		},
		Webhooks: &WebhooksConfig{},
	}

	if err := loadYaml(opts.FeedsPath, c.Feeds); err != nil {
		return nil, fmt.Errorf("failed to load feeds config: %w", err)
	}

	if err := loadYaml(opts.WebhooksPath, c.Webhooks); err != nil {
		return nil, fmt.Errorf("failed to load webhooks config: %w", err)
	}

	c.applyOptions(opts)

	if len(c.Feeds.Feeds) == 0 {
		c.Feeds.Feeds = []string{DefaultFeedURL}
	}
	if len(c.Feeds.Services) == 0 {
		c.Feeds.Services = slices.Clone(match.DefaultServices)
	}

	loc, err := time.LoadLocation(c.Feeds.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Feeds.Timezone, err)
	}
	c.Location = loc

	for i := range c.Webhooks.Webhooks {
		wh := &c.Webhooks.Webhooks[i]
		if wh.Provider == "" {
			wh.Provider = "generic"
		}
		if wh.MessageFormat == "" {
			wh.MessageFormat = "full"
		}
		if wh.APIToken == "" && wh.APITokenEnv != "" {
			wh.APIToken = os.Getenv(wh.APITokenEnv)
		}
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *AppConfig) applyOptions(opts Options) {
	if opts.Prune {
		c.Feeds.Prune = true
	}
	if opts.LookbackDays > 0 {
		c.Feeds.LookbackDays = opts.LookbackDays
	}
	if opts.RetentionDays > 0 {
		c.Feeds.RetentionDays = opts.RetentionDays
	}
}

func (c *AppConfig) validate() error {
	var errs []error

	if c.Feeds.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %s", c.Feeds.Interval))
	}
	if c.Feeds.LookbackDays < 0 {
		errs = append(errs, fmt.Errorf("lookback_days must not be negative, got %d", c.Feeds.LookbackDays))
	}
	if c.Feeds.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("retention_days must not be negative, got %d", c.Feeds.RetentionDays))
	}

	switch c.Feeds.Store.Type {
	case "sqlite":
		if c.Feeds.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case "valkey":
		if c.Feeds.Store.Address == "" {
			errs = append(errs, errors.New("store.address is required for valkey"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store type %q", c.Feeds.Store.Type))
	}

	if len(c.Webhooks.Webhooks) == 0 {
		errs = append(errs, errors.New("no webhooks configured"))
	}
	for _, wh := range c.Webhooks.Webhooks {
		if wh.URL == "" {
			errs = append(errs, fmt.Errorf("webhook %q: url is required", wh.Name))
		}
		switch wh.Provider {
		case "generic", "discord":
		case "line":
			if wh.APIToken == "" {
				errs = append(errs, fmt.Errorf("webhook %q: api_token or api_token_env is required for line", wh.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("webhook %q: unknown provider %q", wh.Name, wh.Provider))
		}
		if wh.MessageFormat != "full" && wh.MessageFormat != "short" {
			errs = append(errs, fmt.Errorf("webhook %q: unknown message_format %q", wh.Name, wh.MessageFormat))
		}
	}

	return errors.Join(errs...)
}

func loadYaml(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
