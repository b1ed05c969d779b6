// Package config loads service settings: defaults, then an optional YAML file (CONFIG_FILE),
// then environment variables.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v8"
	"gopkg.in/yaml.v3"

	"fleetsync/internal/geo"
	"fleetsync/internal/platform"
)

type Config struct {
	Port        string `yaml:"port" env:"PORT"`
	LogLevel    string `yaml:"logLevel" env:"LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"LOG_FORMAT"` // text | json
	DatabaseURL string `yaml:"databaseUrl" env:"DATABASE_URL"`
	RedisURL    string `yaml:"redisUrl" env:"REDIS_URL"`
	CatalogFile string `yaml:"catalogFile" env:"CATALOG_FILE"`

	Store     Store     `yaml:"store" envPrefix:"STORE_"`
	Platform  Platform  `yaml:"platform" envPrefix:"PLATFORM_"`
	Overrides Overrides `yaml:"overrides" envPrefix:"OVERRIDE_"`
	Geometry  Geometry  `yaml:"geometry" envPrefix:"GEOMETRY_"`
	Naming    Naming    `yaml:"naming" envPrefix:"NAMING_"`
	Deploy    Deploy    `yaml:"deploy" envPrefix:"DEPLOY_"`
	Webhook   Webhook   `yaml:"webhook" envPrefix:"WEBHOOK_"`
}

type Store struct {
	Driver string `yaml:"driver" env:"DRIVER"` // memory | sqlite | postgres; empty picks postgres when DATABASE_URL is set
	Path   string `yaml:"path" env:"PATH"`     // sqlite file
}

type Platform struct {
	BaseURL        string        `yaml:"baseUrl" env:"BASE_URL"`
	TokenURL       string        `yaml:"tokenUrl" env:"TOKEN_URL"`
	ClientID       string        `yaml:"clientId" env:"CLIENT_ID"`
	ClientSecret   string        `yaml:"clientSecret" env:"CLIENT_SECRET"`
	AuthMode       string        `yaml:"authMode" env:"AUTH_MODE"`
	Scopes         []string      `yaml:"scopes" env:"SCOPES" envSeparator:","`
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxAttempts    int           `yaml:"maxAttempts" env:"MAX_ATTEMPTS"`
	RetryBase      time.Duration `yaml:"retryBase" env:"RETRY_BASE"`
	RateLimitRPS   float64       `yaml:"rateLimitRps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `yaml:"rateLimitBurst" env:"RATE_LIMIT_BURST"`
}

type Overrides struct {
	DealerID           string `yaml:"dealerId" env:"DEALER_ID"`
	TemplateName       string `yaml:"templateName" env:"TEMPLATE_NAME"`
	TemplateID         int64  `yaml:"templateId" env:"TEMPLATE_ID"`
	ItinerarySlotID    int64  `yaml:"itinerarySlotId" env:"ITINERARY_SLOT_ID"`
	TargetsSlotID      int64  `yaml:"targetsSlotId" env:"TARGETS_SLOT_ID"`
	EntrySlotID        int64  `yaml:"entrySlotId" env:"ENTRY_SLOT_ID"`
	LegacySlotID       int64  `yaml:"legacySlotId" env:"LEGACY_SLOT_ID"`
	ItineraryKey       string `yaml:"itineraryKey" env:"ITINERARY_KEY"`
	TargetsKey         string `yaml:"targetsKey" env:"TARGETS_KEY"`
	EntryKey           string `yaml:"entryKey" env:"ENTRY_KEY"`
	SignatureSlotID    int64  `yaml:"signatureSlotId" env:"SIGNATURE_SLOT_ID"`
	SignatureKey       string `yaml:"signatureKey" env:"SIGNATURE_KEY"`
	PositionalFallback bool   `yaml:"positionalFallback" env:"POSITIONAL_FALLBACK"`
	CacheSize          int    `yaml:"cacheSize" env:"CACHE_SIZE"`
}

type Geometry struct {
	BufferM        float64 `yaml:"bufferM" env:"BUFFER_M"`
	SimplifyM      float64 `yaml:"simplifyM" env:"SIMPLIFY_M"`
	SegmentM       float64 `yaml:"segmentM" env:"SEGMENT_M"`
	MinSegmentM    float64 `yaml:"minSegmentM" env:"MIN_SEGMENT_M"`
	CapSegments    int     `yaml:"capSegments" env:"CAP_SEGMENTS"`
	CircleSegments int     `yaml:"circleSegments" env:"CIRCLE_SEGMENTS"`
	MaxPoints      int     `yaml:"maxPoints" env:"MAX_POINTS"`
}

type Naming struct {
	Friendly  bool   `yaml:"friendly" env:"FRIENDLY"`
	Prefix    string `yaml:"prefix" env:"PREFIX"`
	MaxLength int    `yaml:"maxLength" env:"MAX_LENGTH"`
}

type Deploy struct {
	Workers        int           `yaml:"workers" env:"WORKERS"`
	QueueSize      int           `yaml:"queueSize" env:"QUEUE_SIZE"`
	RolloutEnabled bool          `yaml:"rolloutEnabled" env:"ROLLOUT_ENABLED"`
	PollInterval   time.Duration `yaml:"pollInterval" env:"POLL_INTERVAL"`
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	LockTTL        time.Duration `yaml:"lockTtl" env:"LOCK_TTL"`
}

// Webhook delivers deployment events to an external endpoint when URL is set.
type Webhook struct {
	URL         string `yaml:"url" env:"URL"`
	Secret      string `yaml:"secret" env:"SECRET"`
	MaxAttempts int    `yaml:"maxAttempts" env:"MAX_ATTEMPTS"`
}

func Default() Config {
	return Config{
		Port:      "8080",
		LogLevel:  "info",
		LogFormat: "text",
		Store:     Store{Path: "data/fleetsync.db"},
		Platform: Platform{
			AuthMode:    platform.AuthModeForm,
			Timeout:     30 * time.Second,
			MaxAttempts: 4,
			RetryBase:   500 * time.Millisecond,
		},
		Overrides: Overrides{
			ItineraryKey: "GeozoneGroup1",
			TargetsKey:   "GeozoneGroup2",
			EntryKey:     "GeozoneGroup3",
			SignatureKey: "ItinerarySignature",
			CacheSize:    256,
		},
		Geometry: Geometry{
			BufferM:        50,
			SimplifyM:      5,
			MinSegmentM:    geo.DefaultMinSegmentM,
			CapSegments:    geo.DefaultCapSegments,
			CircleSegments: geo.DefaultCircleSegments,
			MaxPoints:      1500,
		},
		Naming: Naming{Friendly: true, Prefix: "FS", MaxLength: 64},
		Deploy: Deploy{
			Workers:      4,
			QueueSize:    256,
			PollInterval: 30 * time.Second,
			Timeout:      15 * time.Minute,
			LockTTL:      30 * time.Second,
		},
		Webhook: Webhook{MaxAttempts: 10},
	}
}

// Load reads CONFIG_FILE (if set) and the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv("CONFIG_FILE"), nil)
}

// LoadFrom applies the YAML file at path (if non-empty) and then environ;
// a nil environ means the process environment.
func LoadFrom(path string, environ map[string]string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("config env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks ranges; override slot ids are validated again per deployment.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Store.Driver) {
	case "", "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want memory, sqlite or postgres", c.Store.Driver))
	}
	if strings.EqualFold(c.Store.Driver, "postgres") && c.DatabaseURL == "" {
		errs = append(errs, errors.New("store.driver postgres requires DATABASE_URL"))
	}
	switch c.Platform.AuthMode {
	case platform.AuthModeForm, platform.AuthModeBasic:
	default:
		errs = append(errs, fmt.Errorf("platform.authMode %q: want form or basic", c.Platform.AuthMode))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logFormat %q: want text or json", c.LogFormat))
	}
	if c.Platform.BaseURL != "" && (c.Platform.ClientID == "" || c.Platform.ClientSecret == "") {
		errs = append(errs, errors.New("platform client id and secret are required when a base URL is set"))
	}
	if c.Geometry.BufferM <= 0 {
		errs = append(errs, errors.New("geometry.bufferM must be positive"))
	}
	if c.Geometry.MaxPoints < 0 || c.Geometry.CapSegments < 0 || c.Geometry.CircleSegments < 0 {
		errs = append(errs, errors.New("geometry counts must not be negative"))
	}
	for name, id := range map[string]int64{
		"itinerarySlotId": c.Overrides.ItinerarySlotID, "targetsSlotId": c.Overrides.TargetsSlotID,
		"entrySlotId": c.Overrides.EntrySlotID, "legacySlotId": c.Overrides.LegacySlotID,
		"signatureSlotId": c.Overrides.SignatureSlotID,
	} {
		if id < 0 || id > math.MaxInt32 {
			errs = append(errs, fmt.Errorf("overrides.%s %d out of range", name, id))
		}
	}
	if c.Deploy.Workers <= 0 || c.Deploy.QueueSize <= 0 {
		errs = append(errs, errors.New("deploy.workers and deploy.queueSize must be positive"))
	}
	if c.Deploy.PollInterval <= 0 || c.Deploy.Timeout <= 0 {
		errs = append(errs, errors.New("deploy.pollInterval and deploy.timeout must be positive"))
	}
	if c.Webhook.URL != "" && c.Webhook.MaxAttempts <= 0 {
		errs = append(errs, errors.New("webhook.maxAttempts must be positive"))
	}
	if c.Naming.MaxLength < 8 {
		errs = append(errs, errors.New("naming.maxLength must be at least 8"))
	}
	return errors.Join(errs...)
}

// PlatformClient maps the platform section onto the client settings.
func (c Config) PlatformClient() platform.Config {
	p := c.Platform
	return platform.Config{
		BaseURL: p.BaseURL, TokenURL: p.TokenURL, ClientID: p.ClientID, ClientSecret: p.ClientSecret,
		AuthMode: p.AuthMode, Scopes: p.Scopes, Timeout: p.Timeout, MaxAttempts: p.MaxAttempts,
		RetryBase: p.RetryBase, RateLimitRPS: p.RateLimitRPS, RateLimitBurst: p.RateLimitBurst,
	}
}

// Budget is the default corridor configuration for routes.
func (c Config) Budget() geo.BudgetConfig {
	g := c.Geometry
	return geo.BudgetConfig{BufferM: g.BufferM, SimplifyM: g.SimplifyM, SegmentM: g.SegmentM, MinSegmentM: g.MinSegmentM, CapSegments: g.CapSegments}
}
