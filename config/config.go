// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/comparellm/domain/account"
	"github.com/artpar/comparellm/domain/billing"
	"github.com/artpar/comparellm/domain/model"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "COMPARELLM_"

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Identity  IdentityConfig  `yaml:"identity"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Models    []ModelConfig   `yaml:"models"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Synthesis SynthesisConfig `yaml:"synthesis"`
	Billing   BillingConfig   `yaml:"billing"`
	Admin     AdminConfig     `yaml:"admin"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // streaming responses clear it per request
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig configures automatic certificates.
type TLSConfig struct {
	Autocert AutocertConfig `yaml:"autocert"`
}

// AutocertConfig configures ACME certificates. Empty Domains disables TLS.
type AutocertConfig struct {
	Domains  []string `yaml:"domains"`
	Email    string   `yaml:"email"`
	CacheDir string   `yaml:"cache_dir"`
	Staging  bool     `yaml:"staging"` // Let's Encrypt staging directory
}

// Enabled reports whether autocert should serve TLS.
func (c AutocertConfig) Enabled() bool {
	return len(c.Domains) > 0
}

// DatabaseConfig configures the database.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	DSN    string `yaml:"dsn"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default: /metrics
}

// IdentityConfig configures the external identity provider.
type IdentityConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	Leeway    time.Duration `yaml:"leeway"`

	// AdminURL and ServiceKey enable the user directory used to resolve
	// billing events by email. Both are optional.
	AdminURL   string `yaml:"admin_url"`
	ServiceKey string `yaml:"service_key"`
}

// DirectoryEnabled reports whether the identity directory is configured.
func (c IdentityConfig) DirectoryEnabled() bool {
	return c.AdminURL != "" && c.ServiceKey != ""
}

// GatewayConfig configures the OpenAI-compatible model gateway.
type GatewayConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"` // per model call
	Referer string        `yaml:"referer"`
	Title   string        `yaml:"title"`
}

// ModelConfig overrides one catalog entry.
type ModelConfig struct {
	ID                   string `yaml:"id"`
	Name                 string `yaml:"name"`
	Bucket               string `yaml:"bucket"`
	InputCostPerMillion  string `yaml:"input_cost_per_million"`
	OutputCostPerMillion string `yaml:"output_cost_per_million"`
	BackendRef           string `yaml:"backend_ref"`
}

// LedgerConfig configures credit accounting.
type LedgerConfig struct {
	// TestAccounts bypass credit checks and debits. Entries are account ids or emails.
	TestAccounts       []string      `yaml:"test_accounts"`
	UsageBatchSize     int           `yaml:"usage_batch_size"`
	UsageFlushInterval time.Duration `yaml:"usage_flush_interval"`
}

// SynthesisConfig configures the synthesis step.
type SynthesisConfig struct {
	DefaultModel string `yaml:"default_model"`
}

// BillingConfig configures Stripe.
type BillingConfig struct {
	StripeKey string `yaml:"stripe_key"`

	// WebhookSecrets are tried in order, conventionally [test, live].
	WebhookSecrets []string `yaml:"webhook_secrets"`

	// Plans maps tier names (plus, pro) to Stripe price ids.
	Plans map[string]string `yaml:"plans"`

	SuccessURL      string `yaml:"success_url"`
	CancelURL       string `yaml:"cancel_url"`
	PortalReturnURL string `yaml:"portal_return_url"`

	// DedupRetention is how long processed event ids are remembered.
	DedupRetention time.Duration `yaml:"dedup_retention"`
	SweepSchedule  string        `yaml:"sweep_schedule"`

	APIURL string `yaml:"api_url,omitempty"`
}

// Enabled reports whether Stripe is configured.
func (c BillingConfig) Enabled() bool {
	return c.StripeKey != ""
}

// TierPrices returns the configured price id per tier.
func (c BillingConfig) TierPrices() map[account.Tier]string {
	out := make(map[account.Tier]string, len(c.Plans))
	for tier, price := range c.Plans {
		out[account.Tier(strings.ToLower(tier))] = price
	}
	return out
}

// PlanPrices returns the reverse mapping used to derive tiers from price ids.
func (c BillingConfig) PlanPrices() billing.PlanPrices {
	out := make(billing.PlanPrices, len(c.Plans))
	for tier, price := range c.Plans {
		if price != "" {
			out[price] = account.Tier(strings.ToLower(tier))
		}
	}
	return out
}

// AdminConfig configures the admin API.
type AdminConfig struct {
	// TokenHash is the bcrypt hash of the admin bearer token. Empty disables /admin.
	TokenHash string `yaml:"token_hash"`
}

// Catalog returns the configured model catalog, or the built-in one when
// no models are configured.
func (c *Config) Catalog() ([]model.Descriptor, error) {
	if len(c.Models) == 0 {
		return model.DefaultCatalog(), nil
	}
	out := make([]model.Descriptor, 0, len(c.Models))
	for i, m := range c.Models {
		in, err := parseCost(m.InputCostPerMillion)
		if err != nil {
			return nil, fmt.Errorf("models[%d].input_cost_per_million: %w", i, err)
		}
		outCost, err := parseCost(m.OutputCostPerMillion)
		if err != nil {
			return nil, fmt.Errorf("models[%d].output_cost_per_million: %w", i, err)
		}
		name := m.Name
		if name == "" {
			name = m.ID
		}
		out = append(out, model.Descriptor{
			ID:                   m.ID,
			DisplayName:          name,
			Bucket:               model.Bucket(m.Bucket),
			InputCostPerMillion:  in,
			OutputCostPerMillion: outCost,
			BackendRef:           m.BackendRef,
		})
	}
	return out, nil
}

func parseCost(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative cost %s", s)
	}
	return d, nil
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	data = expandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// envRef matches ${NAME} references. Bare $ is left alone so bcrypt hashes
// survive in the file.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		return []byte(os.Getenv(string(m[2 : len(m)-1])))
	})
}

// LoadFromEnv creates configuration entirely from environment variables.
//
// Environment variables:
//
//	COMPARELLM_SERVER_HOST                 - Server host (default: 0.0.0.0)
//	COMPARELLM_SERVER_PORT                 - Server port (default: 8080)
//	COMPARELLM_DATABASE_DRIVER             - sqlite or memory (default: sqlite)
//	COMPARELLM_DATABASE_DSN                - Database path (default: comparellm.db)
//	COMPARELLM_LOG_LEVEL                   - debug, info, warn, error (default: info)
//	COMPARELLM_LOG_FORMAT                  - json or console (default: json)
//	COMPARELLM_IDENTITY_JWT_SECRET         - Identity provider JWT secret (required)
//	COMPARELLM_IDENTITY_ADMIN_URL          - Identity provider admin API
//	COMPARELLM_IDENTITY_SERVICE_KEY        - Identity provider service key
//	COMPARELLM_GATEWAY_BASE_URL            - Model gateway URL
//	COMPARELLM_GATEWAY_API_KEY             - Model gateway key
//	COMPARELLM_STRIPE_KEY                  - Stripe secret key
//	COMPARELLM_STRIPE_WEBHOOK_SECRET_TEST  - Test-mode webhook secret
//	COMPARELLM_STRIPE_WEBHOOK_SECRET_LIVE  - Live-mode webhook secret
//	COMPARELLM_STRIPE_PRICE_PLUS           - Price id of the plus tier
//	COMPARELLM_STRIPE_PRICE_PRO            - Price id of the pro tier
//	COMPARELLM_TEST_ACCOUNTS               - Comma-separated ids or emails
//	COMPARELLM_ADMIN_TOKEN_HASH            - bcrypt hash of the admin token
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback tries to load from file, falls back to environment variables.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	if HasEnvConfig() {
		return LoadFromEnv()
	}
	return nil, fmt.Errorf("no configuration found: provide config file or set %sIDENTITY_JWT_SECRET", EnvPrefix)
}

// HasEnvConfig returns true if essential environment variables are set.
func HasEnvConfig() bool {
	return os.Getenv(EnvPrefix+"IDENTITY_JWT_SECRET") != ""
}

func env(name string) string {
	return os.Getenv(EnvPrefix + name)
}

func envDuration(name string, dst *time.Duration) {
	if v := env(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// applyEnvOverrides applies COMPARELLM_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := env("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := env("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	envDuration("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	if v := env("TLS_DOMAINS"); v != "" {
		cfg.Server.TLS.Autocert.Domains = splitList(v)
	}

	// Database configuration
	if v := env("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := env("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	// Logging configuration
	if v := env("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := env("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics configuration
	if v := env("METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := env("METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}

	// Identity configuration
	if v := env("IDENTITY_JWT_SECRET"); v != "" {
		cfg.Identity.JWTSecret = v
	}
	if v := env("IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := env("IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := env("IDENTITY_ADMIN_URL"); v != "" {
		cfg.Identity.AdminURL = v
	}
	if v := env("IDENTITY_SERVICE_KEY"); v != "" {
		cfg.Identity.ServiceKey = v
	}

	// Gateway configuration
	if v := env("GATEWAY_BASE_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
	if v := env("GATEWAY_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	envDuration("GATEWAY_TIMEOUT", &cfg.Gateway.Timeout)

	// Ledger configuration
	if v := env("TEST_ACCOUNTS"); v != "" {
		cfg.Ledger.TestAccounts = splitList(v)
	}
	if v := env("SYNTHESIS_MODEL"); v != "" {
		cfg.Synthesis.DefaultModel = v
	}

	// Billing configuration
	if v := env("STRIPE_KEY"); v != "" {
		cfg.Billing.StripeKey = v
	}
	testSecret, liveSecret := env("STRIPE_WEBHOOK_SECRET_TEST"), env("STRIPE_WEBHOOK_SECRET_LIVE")
	if testSecret != "" || liveSecret != "" {
		cfg.Billing.WebhookSecrets = nil
		for _, s := range []string{testSecret, liveSecret} {
			if s != "" {
				cfg.Billing.WebhookSecrets = append(cfg.Billing.WebhookSecrets, s)
			}
		}
	}
	for _, tier := range []account.Tier{account.TierPlus, account.TierPro} {
		if v := env("STRIPE_PRICE_" + strings.ToUpper(string(tier))); v != "" {
			if cfg.Billing.Plans == nil {
				cfg.Billing.Plans = map[string]string{}
			}
			cfg.Billing.Plans[string(tier)] = v
		}
	}
	if v := env("STRIPE_SUCCESS_URL"); v != "" {
		cfg.Billing.SuccessURL = v
	}
	if v := env("STRIPE_CANCEL_URL"); v != "" {
		cfg.Billing.CancelURL = v
	}
	if v := env("STRIPE_PORTAL_RETURN_URL"); v != "" {
		cfg.Billing.PortalReturnURL = v
	}

	// Admin configuration
	if v := env("ADMIN_TOKEN_HASH"); v != "" {
		cfg.Admin.TokenHash = v
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 5 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.TLS.Autocert.CacheDir == "" {
		cfg.Server.TLS.Autocert.CacheDir = "certs"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "comparellm.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = 60 * time.Second
	}

	if cfg.Ledger.UsageBatchSize == 0 {
		cfg.Ledger.UsageBatchSize = 100
	}
	if cfg.Ledger.UsageFlushInterval == 0 {
		cfg.Ledger.UsageFlushInterval = 5 * time.Second
	}

	if cfg.Billing.DedupRetention == 0 {
		cfg.Billing.DedupRetention = 30 * 24 * time.Hour
	}
	if cfg.Billing.SweepSchedule == "" {
		cfg.Billing.SweepSchedule = "@daily"
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be 'sqlite' or 'memory', got %q", cfg.Database.Driver)
	}

	if _, err := zerolog.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	if cfg.Identity.JWTSecret == "" {
		return fmt.Errorf("identity.jwt_secret is required")
	}
	if (cfg.Identity.AdminURL == "") != (cfg.Identity.ServiceKey == "") {
		return fmt.Errorf("identity.admin_url and identity.service_key must be set together")
	}

	if cfg.Gateway.Timeout < 0 {
		return fmt.Errorf("gateway.timeout must be positive")
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}
	registry, err := model.NewRegistry(catalog)
	if err != nil {
		return fmt.Errorf("models: %w", err)
	}
	if m := cfg.Synthesis.DefaultModel; m != "" {
		if _, err := registry.Lookup(m); err != nil {
			return fmt.Errorf("synthesis.default_model: %w", err)
		}
	}

	for tier := range cfg.Billing.Plans {
		t := account.Tier(strings.ToLower(tier))
		if t != account.TierPlus && t != account.TierPro {
			return fmt.Errorf("billing.plans: unknown tier %q, must be plus or pro", tier)
		}
	}
	if cfg.Billing.Enabled() && len(nonEmpty(cfg.Billing.WebhookSecrets)) == 0 {
		return fmt.Errorf("billing.webhook_secrets is required when billing.stripe_key is set")
	}
	if _, err := cron.ParseStandard(cfg.Billing.SweepSchedule); err != nil {
		return fmt.Errorf("billing.sweep_schedule: %w", err)
	}
	if cfg.Billing.DedupRetention < time.Hour {
		return fmt.Errorf("billing.dedup_retention must be at least 1h")
	}

	return nil
}

func nonEmpty(list []string) []string {
	var out []string
	for _, s := range list {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
