package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stabilitypool/crypto"
)

// Scopes accepted on API tokens.
const (
	ScopeWrite     = "pool:write"
	ScopeLiquidate = "pool:liquidate"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for stabilityd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"environment"`
	LogLevel      string          `yaml:"log_level"`
	Liquidator    string          `yaml:"liquidator"`
	Paused        bool            `yaml:"paused"`
	State         StateConfig     `yaml:"state"`
	Journal       JournalConfig   `yaml:"journal"`
	Schedule      ScheduleConfig  `yaml:"schedule"`
	Positions     PositionsConfig `yaml:"positions"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	TLS           TLSConfig       `yaml:"tls"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
	History       HistoryConfig   `yaml:"history"`
}

// StateConfig selects the ledger backend.
type StateConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// JournalConfig selects the event journal database.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ScheduleConfig points at an issuance schedule file. Without a path the
// default halving schedule starting at DeployedAt is used.
type ScheduleConfig struct {
	Path       string    `yaml:"path"`
	DeployedAt time.Time `yaml:"deployed_at"`
}

// PositionsConfig locates the position service.
type PositionsConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Timeout  Duration `yaml:"timeout"`
}

// AuthConfig lists the credentials accepted by the write API.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens"`
	JWT    JWTConfig     `yaml:"jwt"`
}

// TokenConfig is a static API token. The secret may be inlined or read from
// the named environment variable.
type TokenConfig struct {
	Name     string   `yaml:"name"`
	Token    string   `yaml:"token"`
	TokenEnv string   `yaml:"token_env"`
	Scopes   []string `yaml:"scopes"`
}

// JWTConfig enables HS256 bearer tokens carrying a scope claim.
type JWTConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Secret    string   `yaml:"secret"`
	SecretEnv string   `yaml:"secret_env"`
	Issuer    string   `yaml:"issuer"`
	Audience  string   `yaml:"audience"`
	Leeway    Duration `yaml:"leeway"`
}

// RateLimitConfig bounds requests per client.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

// TLSConfig describes the listener certificate.
type TLSConfig struct {
	Disable  bool   `yaml:"disable"`
	CertPath string `yaml:"cert"`
	KeyPath  string `yaml:"key"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Metrics     bool    `yaml:"metrics"`
	Traces      bool    `yaml:"traces"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// HistoryConfig enables periodic pool snapshots.
type HistoryConfig struct {
	Schedule string       `yaml:"schedule"`
	Influx   InfluxConfig `yaml:"influx"`
}

// InfluxConfig points at an InfluxDB v2 bucket.
type InfluxConfig struct {
	URL      string            `yaml:"url"`
	Token    string            `yaml:"token"`
	TokenEnv string            `yaml:"token_env"`
	Org      string            `yaml:"org"`
	Bucket   string            `yaml:"bucket"`
	Tags     map[string]string `yaml:"tags"`
}

// LiquidatorAddress returns the decoded liquidation collaborator address.
func (cfg Config) LiquidatorAddress() crypto.Address {
	addr, _ := crypto.DecodeAddress(cfg.Liquidator)
	return addr
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document. Unknown keys are
// rejected.
func Parse(data []byte) (Config, error) {
	cfg := Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.normalise(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":7090"
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.State.Backend) == "" {
		cfg.State.Backend = "leveldb"
	}
	if cfg.State.Backend == "leveldb" && strings.TrimSpace(cfg.State.Path) == "" {
		cfg.State.Path = "/var/data/stabilityd/state"
	}
	if strings.TrimSpace(cfg.Journal.Driver) == "" {
		cfg.Journal.Driver = "sqlite"
	}
	if cfg.Journal.Driver == "sqlite" && strings.TrimSpace(cfg.Journal.DSN) == "" {
		cfg.Journal.DSN = "/var/data/stabilityd/events.sqlite"
	}
	if cfg.Positions.Timeout.Duration == 0 {
		cfg.Positions.Timeout.Duration = 5 * time.Second
	}
	if cfg.RateLimit.PerMinute == 0 {
		cfg.RateLimit.PerMinute = 600
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 60
	}
	if cfg.Auth.JWT.Leeway.Duration == 0 {
		cfg.Auth.JWT.Leeway.Duration = 30 * time.Second
	}
	if strings.TrimSpace(cfg.History.Schedule) == "" {
		cfg.History.Schedule = "@every 1m"
	}
}

func (cfg *Config) normalise(getenv func(string) string) error {
	cfg.State.Backend = strings.ToLower(strings.TrimSpace(cfg.State.Backend))
	switch cfg.State.Backend {
	case "leveldb", "memory":
	default:
		return fmt.Errorf("state.backend %q must be leveldb or memory", cfg.State.Backend)
	}
	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	switch cfg.Journal.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("journal.driver %q must be sqlite or postgres", cfg.Journal.Driver)
	}
	if strings.TrimSpace(cfg.Journal.DSN) == "" {
		return fmt.Errorf("journal.dsn must be configured for %s", cfg.Journal.Driver)
	}
	liquidator, err := crypto.DecodeAddress(cfg.Liquidator)
	if err != nil {
		return fmt.Errorf("liquidator: %w", err)
	}
	if liquidator.IsZero() {
		return fmt.Errorf("liquidator address must be configured")
	}
	if strings.TrimSpace(cfg.Schedule.Path) == "" && cfg.Schedule.DeployedAt.IsZero() {
		return fmt.Errorf("schedule.path or schedule.deployed_at must be configured")
	}
	if cfg.RateLimit.PerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	if !cfg.TLS.Disable && (strings.TrimSpace(cfg.TLS.CertPath) == "" || strings.TrimSpace(cfg.TLS.KeyPath) == "") {
		return fmt.Errorf("tls.cert and tls.key must be configured unless tls.disable is set")
	}
	if err := cfg.Auth.normalise(getenv); err != nil {
		return err
	}
	if cfg.History.Influx.TokenEnv != "" && cfg.History.Influx.Token == "" {
		cfg.History.Influx.Token = strings.TrimSpace(getenv(cfg.History.Influx.TokenEnv))
	}
	if (cfg.History.Influx.URL == "") != (cfg.History.Influx.Bucket == "") {
		return fmt.Errorf("history.influx.url and history.influx.bucket must be set together")
	}
	return nil
}

func (a *AuthConfig) normalise(getenv func(string) string) error {
	seen := make(map[string]struct{}, len(a.Tokens))
	for i := range a.Tokens {
		tok := &a.Tokens[i]
		tok.Name = strings.TrimSpace(tok.Name)
		if tok.Name == "" {
			return fmt.Errorf("auth.tokens[%d].name must be configured", i)
		}
		if _, dup := seen[tok.Name]; dup {
			return fmt.Errorf("auth.tokens name %q is duplicated", tok.Name)
		}
		seen[tok.Name] = struct{}{}
		tok.Token = strings.TrimSpace(tok.Token)
		if tok.Token == "" && tok.TokenEnv != "" {
			tok.Token = strings.TrimSpace(getenv(tok.TokenEnv))
		}
		if tok.Token == "" {
			return fmt.Errorf("auth.tokens %q has no secret", tok.Name)
		}
		scopes, err := normaliseScopes(tok.Scopes)
		if err != nil {
			return fmt.Errorf("auth.tokens %q: %w", tok.Name, err)
		}
		tok.Scopes = scopes
	}
	if !a.JWT.Enabled {
		if len(a.Tokens) == 0 {
			return fmt.Errorf("at least one authentication mechanism must be configured")
		}
		return nil
	}
	a.JWT.Secret = strings.TrimSpace(a.JWT.Secret)
	if a.JWT.Secret == "" && a.JWT.SecretEnv != "" {
		a.JWT.Secret = strings.TrimSpace(getenv(a.JWT.SecretEnv))
	}
	if a.JWT.Secret == "" {
		return fmt.Errorf("auth.jwt secret must be configured when jwt is enabled")
	}
	if strings.TrimSpace(a.JWT.Issuer) == "" {
		return fmt.Errorf("auth.jwt.issuer must be configured when jwt is enabled")
	}
	return nil
}

func normaliseScopes(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("at least one scope required")
	}
	out := make([]string, 0, len(raw))
	for _, scope := range raw {
		scope = strings.ToLower(strings.TrimSpace(scope))
		switch scope {
		case ScopeWrite, ScopeLiquidate:
			out = append(out, scope)
		default:
			return nil, fmt.Errorf("unknown scope %q", scope)
		}
	}
	return out, nil
}
