package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type HTTPConfig struct {
	Port            int           `yaml:"port"`
	PublicBaseURL   string        `yaml:"public_base_url"` // used to build provider callback URLs
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // postgres | memory
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"` // status cache ttl
}

type ReliabilityConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	SelectionTTL     time.Duration `yaml:"selection_ttl"`
}

// ProviderConfig declares one adapter instance. Type selects the implementation.
type ProviderConfig struct {
	Name            string   `yaml:"name"`
	Type            string   `yaml:"type"` // openai_image | gemini_video | http | noop
	APIKey          string   `yaml:"api_key"`
	BaseURL         string   `yaml:"base_url"`
	Model           string   `yaml:"model"`
	Capabilities    []string `yaml:"capabilities"`
	CallbackSecret  string   `yaml:"callback_secret"`
	ConcurrentLimit int      `yaml:"concurrent_limit"`
	Pollable        bool     `yaml:"pollable"`
}

type PricingConfig struct {
	// BaseMicros is the flat price per job kind, in micro-credits.
	BaseMicros map[string]int64 `yaml:"base_micros"`
	// PromptTokenMicros is added per prompt token when > 0.
	PromptTokenMicros int64  `yaml:"prompt_token_micros"`
	Encoding          string `yaml:"encoding"`
}

type ReconcilerConfig struct {
	DedupWindow      time.Duration `yaml:"dedup_window"`
	ClaimLease       time.Duration `yaml:"claim_lease"`
	DeliveryAttempts int           `yaml:"delivery_attempts"`
	// MaxDeliveryAttempts is the total across sweeper retries before a refund.
	MaxDeliveryAttempts int           `yaml:"max_delivery_attempts"`
	DeliveryTimeout     time.Duration `yaml:"delivery_timeout"`
	SettleLockTTL       time.Duration `yaml:"settle_lock_ttl"`
}

type SchedulerConfig struct {
	SettlementInterval time.Duration `yaml:"settlement_interval"`
	SettlementGrace    time.Duration `yaml:"settlement_grace"`
	AbandonInterval    time.Duration `yaml:"abandon_interval"`
	AbandonAfter       time.Duration `yaml:"abandon_after"`
	AbandonMaxAge      time.Duration `yaml:"abandon_max_age"`
	PurgeInterval      time.Duration `yaml:"purge_interval"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	Workers            int           `yaml:"workers"`
}

type BotConfig struct {
	Token string `yaml:"token"`
}

type DeliveryConfig struct {
	Language string `yaml:"language"`
	// Timeout bounds one Bot API request.
	Timeout time.Duration `yaml:"timeout"`
	// APIEndpoint overrides the Bot API URL format, "https://host/bot%s/%s".
	APIEndpoint string `yaml:"api_endpoint"`
	// Channels maps a job's channel_name to a bot.
	Channels map[string]BotConfig `yaml:"channels"`
}

type SubmitLimitConfig struct {
	PerOwner int           `yaml:"per_owner"`
	Window   time.Duration `yaml:"window"`
}

type Config struct {
	Log         LogConfig         `yaml:"log"`
	HTTP        HTTPConfig        `yaml:"http"`
	Auth        AuthConfig        `yaml:"auth"`
	Storage     StorageConfig     `yaml:"storage"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Providers   []ProviderConfig  `yaml:"providers"`
	Pricing     PricingConfig     `yaml:"pricing"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	SubmitLimit SubmitLimitConfig `yaml:"submit_limit"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path, overlays secrets from the
// environment (and a .env file when present), applies defaults and validates.
func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	// A missing .env is fine; real deployments inject env directly.
	_ = godotenv.Load()
	return Parse(b, dev)
}

// Parse builds a Config from YAML bytes. Exposed for tests.
func Parse(b []byte, dev bool) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Runtime.Dev = dev
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	setIfEnv(&cfg.Database.URL, "DATABASE_URL")
	setIfEnv(&cfg.Redis.URL, "REDIS_URL")
	setIfEnv(&cfg.Redis.Password, "REDIS_PASSWORD")
	setIfEnv(&cfg.Auth.JWTSecret, "JWT_SECRET")
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		prefix := "PROVIDER_" + envName(p.Name) + "_"
		setIfEnv(&p.APIKey, prefix+"API_KEY")
		setIfEnv(&p.CallbackSecret, prefix+"CALLBACK_SECRET")
	}
	for name, bot := range cfg.Delivery.Channels {
		if v := os.Getenv("BOT_" + envName(name) + "_TOKEN"); v != "" {
			bot.Token = v
			cfg.Delivery.Channels[name] = bot
		}
	}
}

func setIfEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envName(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(s))
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.RequestTimeout <= 0 {
		cfg.HTTP.RequestTimeout = 15 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout <= 0 {
		cfg.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Auth.TokenTTL <= 0 {
		cfg.Auth.TokenTTL = 24 * time.Hour
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "postgres"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL, time.Hour)

	r := &cfg.Reliability
	if r.FailureThreshold <= 0 {
		r.FailureThreshold = 5
	}
	r.Cooldown = normalizeTTL(r.Cooldown, 30*time.Second)
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	r.BaseDelay = normalizeTTL(r.BaseDelay, 200*time.Millisecond)
	r.MaxDelay = normalizeTTL(r.MaxDelay, 5*time.Second)
	r.CallTimeout = normalizeTTL(r.CallTimeout, 30*time.Second)
	r.SelectionTTL = normalizeTTL(r.SelectionTTL, 5*time.Second)

	if cfg.Pricing.Encoding == "" {
		cfg.Pricing.Encoding = "cl100k_base"
	}

	rc := &cfg.Reconciler
	rc.DedupWindow = normalizeTTL(rc.DedupWindow, 24*time.Hour)
	rc.ClaimLease = normalizeTTL(rc.ClaimLease, 2*time.Minute)
	if rc.DeliveryAttempts <= 0 {
		rc.DeliveryAttempts = 3
	}
	if rc.MaxDeliveryAttempts < rc.DeliveryAttempts {
		rc.MaxDeliveryAttempts = 4 * rc.DeliveryAttempts
	}
	rc.DeliveryTimeout = normalizeTTL(rc.DeliveryTimeout, 20*time.Second)
	rc.SettleLockTTL = normalizeTTL(rc.SettleLockTTL, time.Minute)

	s := &cfg.Scheduler
	s.SettlementInterval = normalizeTTL(s.SettlementInterval, time.Minute)
	s.SettlementGrace = normalizeTTL(s.SettlementGrace, 2*time.Minute)
	s.AbandonInterval = normalizeTTL(s.AbandonInterval, 5*time.Minute)
	s.AbandonAfter = normalizeTTL(s.AbandonAfter, 6*time.Hour)
	s.AbandonMaxAge = normalizeTTL(s.AbandonMaxAge, 24*time.Hour)
	s.PurgeInterval = normalizeTTL(s.PurgeInterval, time.Hour)
	s.PollInterval = normalizeTTL(s.PollInterval, 15*time.Second)
	if s.Workers <= 0 {
		s.Workers = 4
	}

	if cfg.Delivery.Language == "" {
		cfg.Delivery.Language = "en"
	}
	cfg.Delivery.Timeout = normalizeTTL(cfg.Delivery.Timeout, 15*time.Second)
	if cfg.SubmitLimit.Window <= 0 {
		cfg.SubmitLimit.Window = time.Minute
	}
}

func validate(cfg *Config) error {
	switch cfg.Storage.Driver {
	case "memory":
	case "postgres":
		if cfg.Database.URL == "" {
			return errors.New("database.url is required for storage.driver=postgres")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", cfg.Storage.Driver)
	}
	if cfg.Auth.JWTSecret == "" && !cfg.Runtime.Dev {
		return errors.New("auth.jwt_secret is required")
	}
	if len(cfg.Providers) == 0 {
		return errors.New("at least one provider is required")
	}
	seen := map[string]bool{}
	for _, p := range cfg.Providers {
		if p.Name == "" {
			return errors.New("provider name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		if len(p.Capabilities) == 0 {
			return fmt.Errorf("provider %q declares no capabilities", p.Name)
		}
	}
	return nil
}

func normalizeTTL(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
