// Package config assembles the boardsync configuration from defaults, an
// optional file and BOARDSYNC_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"boardsync/internal/coordinator"
	"boardsync/internal/features"
	"boardsync/internal/logging"
	"boardsync/internal/monitor"
	"boardsync/internal/router"
	"boardsync/internal/security"
	"boardsync/internal/statesync"
	"boardsync/internal/websocket"
	dbconfig "boardsync/pkg/database"
	"boardsync/pkg/types"
)

// EnvPrefix prefixes every environment override, e.g. BOARDSYNC_HTTP_PORT.
const EnvPrefix = "BOARDSYNC"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator.
// Each section is owned by the package that consumes it; this package only
// composes them and decides precedence.
type Config struct {
	HTTP        HTTPConfig             `mapstructure:"http" json:"http"`
	WebSocket   websocket.Config       `mapstructure:"websocket" json:"websocket"`
	Security    SecurityConfig         `mapstructure:"security" json:"security"`
	Router      router.Config          `mapstructure:"router" json:"router"`
	Sync        SyncConfig             `mapstructure:"sync" json:"sync"`
	Coordinator coordinator.Config     `mapstructure:"coordinator" json:"coordinator"`
	Monitor     monitor.Config         `mapstructure:"monitor" json:"monitor"`
	Features    features.Config        `mapstructure:"features" json:"features"`
	Database    *dbconfig.Config       `mapstructure:"database" json:"database"`
	Logging     logging.Config         `mapstructure:"logging" json:"logging"`
	Rules       []router.RuleConfig    `mapstructure:"rules" json:"rules"`
	LoadTest    monitor.LoadTestConfig `mapstructure:"loadtest" json:"loadtest"`
}

// FUNCTIONAL DISCOVERY: HTTP configuration balances performance and reliability
type HTTPConfig struct {
	Host            string        `mapstructure:"host" json:"host"`
	Port            int           `mapstructure:"port" json:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

// Address is host:port for net.Listen.
func (h HTTPConfig) Address() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// SetAddress splits a host:port flag value into the section.
func (h *HTTPConfig) SetAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	h.Host, h.Port = host, p
	return nil
}

// TokenConfig is one static token accepted when no introspection endpoint
// is configured.
type TokenConfig struct {
	Token          string   `mapstructure:"token" json:"token"`
	UserID         string   `mapstructure:"user_id" json:"user_id"`
	OrganizationID string   `mapstructure:"organization_id" json:"organization_id"`
	Roles          []string `mapstructure:"roles" json:"roles,omitempty"`
	Permissions    []string `mapstructure:"permissions" json:"permissions"`
}

// Identity converts the entry to the identity the gate binds.
func (t TokenConfig) Identity() types.Identity {
	return types.Identity{
		UserID:         t.UserID,
		OrganizationID: t.OrganizationID,
		Roles:          t.Roles,
		Permissions:    t.Permissions,
	}
}

// SecurityConfig is the gate configuration plus where tokens are verified.
type SecurityConfig struct {
	security.Config `mapstructure:",squash"`
	// IntrospectionURL, when set, verifies tokens against the auth service.
	IntrospectionURL     string        `mapstructure:"introspection_url" json:"introspection_url"`
	IntrospectionTimeout time.Duration `mapstructure:"introspection_timeout" json:"introspection_timeout"`
	Tokens               []TokenConfig `mapstructure:"tokens" json:"tokens"`
}

// StaticTokens returns the configured token table.
func (s SecurityConfig) StaticTokens() map[string]types.Identity {
	out := make(map[string]types.Identity, len(s.Tokens))
	for _, t := range s.Tokens {
		out[t.Token] = t.Identity()
	}
	return out
}

// SyncConfig picks a conflict resolver per entity type.
type SyncConfig struct {
	// Resolvers maps entity type to "last-write-wins" or "field-merge".
	Resolvers map[string]string `mapstructure:"resolvers" json:"resolvers"`
}

// Resolver returns the named strategy.
func Resolver(name string) (statesync.Resolver, error) {
	switch name {
	case statesync.LastWriteWins{}.Name():
		return statesync.LastWriteWins{}, nil
	case statesync.FieldMerge{}.Name():
		return statesync.FieldMerge{}, nil
	}
	return nil, fmt.Errorf("unknown resolver %q", name)
}

// FUNCTIONAL DISCOVERY: Production-ready defaults
// HTTP on the standard port, replay persistence on local disk, field merge
// for documents where concurrent edits touch different fields.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		WebSocket: websocket.DefaultConfig(),
		Security: SecurityConfig{
			Config:               security.DefaultConfig(),
			IntrospectionTimeout: 5 * time.Second,
		},
		Router: router.DefaultConfig(),
		Sync: SyncConfig{
			Resolvers: map[string]string{"document": statesync.FieldMerge{}.Name()},
		},
		Coordinator: coordinator.DefaultConfig(),
		Monitor:     monitor.DefaultConfig(),
		Features:    features.DefaultConfig(),
		Database:    dbconfig.DefaultConfig(),
		Logging:     logging.DefaultConfig(),
		LoadTest:    monitor.DefaultLoadTestConfig(),
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
func (c *Config) Validate() error {
	// Port 0 binds an ephemeral port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP shutdown timeout must be positive")
	}
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}

	sections := []struct {
		name     string
		validate func() error
	}{
		{"websocket", c.WebSocket.Validate},
		{"security", c.Security.validate},
		{"router", c.Router.Validate},
		{"sync", c.Sync.validate},
		{"coordinator", c.Coordinator.Validate},
		{"monitor", c.Monitor.Validate},
		{"database", c.Database.Validate},
		{"logging", c.Logging.Validate},
		{"loadtest", c.LoadTest.Validate},
	}
	for _, s := range sections {
		if err := s.validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	if c.Features.QueueSize <= 0 {
		return errors.New("features: queue_size must be positive")
	}
	if _, err := router.CompileRules(c.Rules); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	return nil
}

func (s SecurityConfig) validate() error {
	for class, b := range s.Buckets {
		if b.RatePerSecond <= 0 || b.Burst <= 0 {
			return fmt.Errorf("bucket %q: rate_per_second and burst must be positive", class)
		}
	}
	if s.Violations.Window <= 0 {
		return errors.New("violations.window must be positive")
	}
	seen := make(map[string]bool, len(s.Tokens))
	for i, t := range s.Tokens {
		if t.Token == "" || t.UserID == "" || t.OrganizationID == "" {
			return fmt.Errorf("tokens[%d]: token, user_id and organization_id are required", i)
		}
		if seen[t.Token] {
			return fmt.Errorf("tokens[%d]: duplicate token", i)
		}
		seen[t.Token] = true
	}
	return nil
}

func (s SyncConfig) validate() error {
	for entityType, name := range s.Resolvers {
		if _, err := Resolver(name); err != nil {
			return fmt.Errorf("resolvers.%s: %w", entityType, err)
		}
	}
	return nil
}

// NewViper returns a viper instance preconfigured for boardsync's
// environment overrides. Callers may bind flags to it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load resolves configuration with precedence defaults < file < environment
// < flags bound to v. path may be empty. A nil v gets NewViper.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}

	// Every key must be known to viper for AutomaticEnv to reach it, so the
	// defaults are seeded as a full settings tree.
	defaults, err := settings(DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := v.MergeConfigMap(defaults); err != nil {
		return nil, fmt.Errorf("seed defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(cfg, hooks); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Router.Rules = cfg.Rules

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// settings flattens a config into the nested map viper merges.
func settings(c *Config) (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode defaults: %w", err)
	}
	return out, nil
}
