// Package config provides configuration structures for the planlens server
// and command-line tools.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/TFMV/planlens/pkg/inference/costmodel"
	"github.com/TFMV/planlens/pkg/infrastructure/pool"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/repositories/postgres"
	"github.com/TFMV/planlens/pkg/scoring"
)

// Store drivers.
const (
	DriverDuckDB   = "duckdb"
	DriverPostgres = "postgres"
)

// Config represents the planlens configuration.
type Config struct {
	// Server settings
	Address              string        `mapstructure:"address" yaml:"address" json:"address"`
	LogLevel             string        `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	MaxMessageSize       int64         `mapstructure:"max_message_size" yaml:"max_message_size" json:"max_message_size"`
	MaxConcurrentStreams uint32        `mapstructure:"max_concurrent_streams" yaml:"max_concurrent_streams" json:"max_concurrent_streams"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	Reflection           bool          `mapstructure:"reflection" yaml:"reflection" json:"reflection"`

	TLS        TLSConfig          `mapstructure:"tls" yaml:"tls" json:"tls"`
	Store      StoreConfig        `mapstructure:"store" yaml:"store" json:"store"`
	Cache      CacheConfig        `mapstructure:"cache" yaml:"cache" json:"cache"`
	Inference  InferenceConfig    `mapstructure:"inference" yaml:"inference" json:"inference"`
	Evaluation EvaluationConfig   `mapstructure:"evaluation" yaml:"evaluation" json:"evaluation"`
	Models     []costmodel.Config `mapstructure:"models" yaml:"models" json:"models"`
	Auth       AuthConfig         `mapstructure:"auth" yaml:"auth" json:"auth"`
	Metrics    MetricsConfig      `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	Health     HealthConfig       `mapstructure:"health" yaml:"health" json:"health"`
}

// TLSConfig represents TLS configuration.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	CertFile string `mapstructure:"cert_file" yaml:"cert_file" json:"cert_file"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file" json:"key_file"`
}

// StoreConfig selects and configures the durable store.
type StoreConfig struct {
	Driver   string          `mapstructure:"driver" yaml:"driver" json:"driver"` // duckdb, postgres
	DuckDB   pool.Config     `mapstructure:"duckdb" yaml:"duckdb" json:"duckdb"`
	Postgres postgres.Config `mapstructure:"postgres" yaml:"postgres" json:"postgres"`
	// AutoMigrate creates missing tables on startup.
	AutoMigrate bool `mapstructure:"auto_migrate" yaml:"auto_migrate" json:"auto_migrate"`
}

// CacheConfig configures the plan graph cache.
type CacheConfig struct {
	MaxSize     int  `mapstructure:"max_size" yaml:"max_size" json:"max_size"`
	EnableStats bool `mapstructure:"enable_stats" yaml:"enable_stats" json:"enable_stats"`
}

// InferenceConfig configures the inference gate.
type InferenceConfig struct {
	// AcquireTimeout bounds the wait for the gate. Zero waits for the
	// request's context.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout" json:"acquire_timeout"`
}

// EvaluationConfig holds evaluation defaults and metric thresholds.
type EvaluationConfig struct {
	MaxTableCount         int      `mapstructure:"max_table_count" yaml:"max_table_count" json:"max_table_count"`
	MaxPlansPerTableCount int      `mapstructure:"max_plans_per_table_count" yaml:"max_plans_per_table_count" json:"max_plans_per_table_count"`
	Explainers            []string `mapstructure:"explainers" yaml:"explainers" json:"explainers"`
	Metrics               []string `mapstructure:"metrics" yaml:"metrics" json:"metrics"`

	RelThreshold        float64 `mapstructure:"rel_threshold" yaml:"rel_threshold" json:"rel_threshold"`
	AbsThreshold        float64 `mapstructure:"abs_threshold" yaml:"abs_threshold" json:"abs_threshold"`
	CumulativeThreshold float64 `mapstructure:"cumulative_threshold" yaml:"cumulative_threshold" json:"cumulative_threshold"`
}

// ExplainerVariants parses Explainers.
func (e EvaluationConfig) ExplainerVariants() ([]models.ExplainerVariant, error) {
	out := make([]models.ExplainerVariant, 0, len(e.Explainers))
	for _, name := range e.Explainers {
		v, err := models.ParseExplainerVariant(name)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// MetricKinds parses Metrics.
func (e EvaluationConfig) MetricKinds() ([]models.MetricKind, error) {
	out := make([]models.MetricKind, 0, len(e.Metrics))
	for _, name := range e.Metrics {
		k, err := models.ParseMetricKind(name)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// AuthConfig represents authentication configuration.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Type    string `mapstructure:"type" yaml:"type" json:"type"` // basic, bearer, jwt

	BasicAuth  BasicAuthConfig  `mapstructure:"basic_auth" yaml:"basic_auth" json:"basic_auth"`
	BearerAuth BearerAuthConfig `mapstructure:"bearer_auth" yaml:"bearer_auth" json:"bearer_auth"`
	JWTAuth    JWTAuthConfig    `mapstructure:"jwt_auth" yaml:"jwt_auth" json:"jwt_auth"`
}

// BasicAuthConfig represents basic authentication configuration.
type BasicAuthConfig struct {
	Users map[string]UserInfo `mapstructure:"users" yaml:"users" json:"users"`
}

// UserInfo represents user information.
type UserInfo struct {
	Password string   `mapstructure:"password" yaml:"password" json:"password"`
	Roles    []string `mapstructure:"roles" yaml:"roles" json:"roles"`
}

// BearerAuthConfig represents bearer token authentication configuration.
type BearerAuthConfig struct {
	Tokens map[string]string `mapstructure:"tokens" yaml:"tokens" json:"tokens"` // token -> username
}

// JWTAuthConfig represents JWT authentication configuration. Secret verifies
// HMAC tokens; PublicKeyFile holds a PEM RSA or ECDSA key.
type JWTAuthConfig struct {
	Secret        string `mapstructure:"secret" yaml:"secret" json:"secret"`
	PublicKeyFile string `mapstructure:"public_key_file" yaml:"public_key_file" json:"public_key_file"`
	Issuer        string `mapstructure:"issuer" yaml:"issuer" json:"issuer"`
	Audience      string `mapstructure:"audience" yaml:"audience" json:"audience"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Address   string `mapstructure:"address" yaml:"address" json:"address"`
	Path      string `mapstructure:"path" yaml:"path" json:"path"`
	Namespace string `mapstructure:"namespace" yaml:"namespace" json:"namespace"`
}

// HealthConfig represents health check configuration.
type HealthConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
}

// Validate validates the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 16 * 1024 * 1024 // 16MB
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 100
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}

	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("TLS cert and key files are required when TLS is enabled")
	}

	c.Store.Driver = strings.ToLower(c.Store.Driver)
	switch c.Store.Driver {
	case "", DriverDuckDB:
		c.Store.Driver = DriverDuckDB
	case DriverPostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("postgres store requires a dsn")
		}
	default:
		return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
	}

	if c.Cache.MaxSize <= 0 {
		c.Cache.MaxSize = 256
	}
	if c.Inference.AcquireTimeout < 0 {
		return fmt.Errorf("inference acquire timeout must not be negative")
	}

	if err := c.validateEvaluation(); err != nil {
		return err
	}
	if err := c.validateModels(); err != nil {
		return err
	}
	if err := c.validateAuth(); err != nil {
		return err
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Health.Interval <= 0 {
		c.Health.Interval = 10 * time.Second
	}
	return nil
}

func (c *Config) validateEvaluation() error {
	e := &c.Evaluation
	if e.MaxTableCount < 0 || e.MaxPlansPerTableCount < 0 {
		return fmt.Errorf("evaluation limits must not be negative")
	}
	if _, err := e.ExplainerVariants(); err != nil {
		return fmt.Errorf("evaluation explainers: %w", err)
	}
	if _, err := e.MetricKinds(); err != nil {
		return fmt.Errorf("evaluation metrics: %w", err)
	}
	if e.RelThreshold <= 0 {
		e.RelThreshold = scoring.DefaultRelThreshold
	}
	if e.AbsThreshold <= 0 {
		e.AbsThreshold = scoring.DefaultAbsThreshold
	}
	if e.CumulativeThreshold <= 0 {
		e.CumulativeThreshold = scoring.DefaultCumulativeThreshold
	}
	if e.CumulativeThreshold > 1 {
		return fmt.Errorf("cumulative threshold must be in (0, 1], got %v", e.CumulativeThreshold)
	}
	return nil
}

func (c *Config) validateModels() error {
	if len(c.Models) == 0 {
		c.Models = []costmodel.Config{costmodel.DefaultConfig()}
	}
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("model name is required")
		}
		if seen[m.Name] {
			return fmt.Errorf("model %s configured twice", m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

func (c *Config) validateAuth() error {
	if !c.Auth.Enabled {
		return nil
	}
	switch c.Auth.Type {
	case "basic":
		if len(c.Auth.BasicAuth.Users) == 0 {
			return fmt.Errorf("basic auth requires users")
		}
	case "bearer":
		if len(c.Auth.BearerAuth.Tokens) == 0 {
			return fmt.Errorf("bearer auth requires tokens")
		}
	case "jwt":
		if c.Auth.JWTAuth.Secret == "" && c.Auth.JWTAuth.PublicKeyFile == "" {
			return fmt.Errorf("JWT auth requires a secret or public key file")
		}
	default:
		return fmt.Errorf("unsupported auth type: %s", c.Auth.Type)
	}
	return nil
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:              "0.0.0.0:8815",
		LogLevel:             "info",
		MaxMessageSize:       16 * 1024 * 1024,
		MaxConcurrentStreams: 100,
		ShutdownTimeout:      30 * time.Second,
		Reflection:           true,
		Store: StoreConfig{
			Driver: DriverDuckDB,
			DuckDB: pool.Config{
				DSN:                "planlens.duckdb",
				MaxOpenConnections: 8,
				MaxIdleConnections: 4,
				ConnMaxLifetime:    30 * time.Minute,
				ConnMaxIdleTime:    10 * time.Minute,
				HealthCheckPeriod:  time.Minute,
				ConnectionTimeout:  30 * time.Second,
			},
			Postgres: postgres.Config{
				MaxConns:          10,
				HealthCheckPeriod: time.Minute,
				ConnectTimeout:    30 * time.Second,
			},
			AutoMigrate: true,
		},
		Cache: CacheConfig{
			MaxSize:     256,
			EnableStats: true,
		},
		Evaluation: EvaluationConfig{
			MaxTableCount:         5,
			MaxPlansPerTableCount: 100,
			Explainers:            []string{string(models.ExplainerGradient)},
			RelThreshold:          scoring.DefaultRelThreshold,
			AbsThreshold:          scoring.DefaultAbsThreshold,
			CumulativeThreshold:   scoring.DefaultCumulativeThreshold,
		},
		Models: []costmodel.Config{costmodel.DefaultConfig()},
		Auth: AuthConfig{
			Enabled: false,
			Type:    "basic",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Address:   ":9090",
			Path:      "/metrics",
			Namespace: "planlens",
		},
		Health: HealthConfig{
			Enabled:  true,
			Interval: 10 * time.Second,
		},
	}
}

// EnvKeyReplacer maps nested keys such as "store.driver" to environment
// variable suffixes such as STORE_DRIVER.
var EnvKeyReplacer = strings.NewReplacer(".", "_", "-", "_")

// SetDefaults registers the scalar defaults with v so that environment
// variables override them.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	defaults := map[string]any{
		"address":                              d.Address,
		"log_level":                            d.LogLevel,
		"max_message_size":                     d.MaxMessageSize,
		"max_concurrent_streams":               d.MaxConcurrentStreams,
		"shutdown_timeout":                     d.ShutdownTimeout,
		"reflection":                           d.Reflection,
		"tls.enabled":                          d.TLS.Enabled,
		"tls.cert_file":                        d.TLS.CertFile,
		"tls.key_file":                         d.TLS.KeyFile,
		"store.driver":                         d.Store.Driver,
		"store.auto_migrate":                   d.Store.AutoMigrate,
		"store.duckdb.dsn":                     d.Store.DuckDB.DSN,
		"store.duckdb.motherduck_token":        d.Store.DuckDB.MotherDuckToken,
		"store.duckdb.max_open_connections":    d.Store.DuckDB.MaxOpenConnections,
		"store.duckdb.max_idle_connections":    d.Store.DuckDB.MaxIdleConnections,
		"store.duckdb.conn_max_lifetime":       d.Store.DuckDB.ConnMaxLifetime,
		"store.duckdb.conn_max_idle_time":      d.Store.DuckDB.ConnMaxIdleTime,
		"store.duckdb.health_check_period":     d.Store.DuckDB.HealthCheckPeriod,
		"store.duckdb.connection_timeout":      d.Store.DuckDB.ConnectionTimeout,
		"store.postgres.dsn":                   d.Store.Postgres.DSN,
		"store.postgres.max_conns":             d.Store.Postgres.MaxConns,
		"store.postgres.health_check_period":   d.Store.Postgres.HealthCheckPeriod,
		"store.postgres.connect_timeout":       d.Store.Postgres.ConnectTimeout,
		"cache.max_size":                       d.Cache.MaxSize,
		"cache.enable_stats":                   d.Cache.EnableStats,
		"inference.acquire_timeout":            d.Inference.AcquireTimeout,
		"evaluation.max_table_count":           d.Evaluation.MaxTableCount,
		"evaluation.max_plans_per_table_count": d.Evaluation.MaxPlansPerTableCount,
		"evaluation.explainers":                d.Evaluation.Explainers,
		"evaluation.rel_threshold":             d.Evaluation.RelThreshold,
		"evaluation.abs_threshold":             d.Evaluation.AbsThreshold,
		"evaluation.cumulative_threshold":      d.Evaluation.CumulativeThreshold,
		"auth.enabled":                         d.Auth.Enabled,
		"auth.type":                            d.Auth.Type,
		"auth.jwt_auth.secret":                 d.Auth.JWTAuth.Secret,
		"auth.jwt_auth.public_key_file":        d.Auth.JWTAuth.PublicKeyFile,
		"auth.jwt_auth.issuer":                 d.Auth.JWTAuth.Issuer,
		"auth.jwt_auth.audience":               d.Auth.JWTAuth.Audience,
		"metrics.enabled":                      d.Metrics.Enabled,
		"metrics.address":                      d.Metrics.Address,
		"metrics.path":                         d.Metrics.Path,
		"metrics.namespace":                    d.Metrics.Namespace,
		"health.enabled":                       d.Health.Enabled,
		"health.interval":                      d.Health.Interval,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load reads the config file named by the "config" key, if any, and decodes
// every source v knows about into a validated Config.
func Load(v *viper.Viper) (*Config, error) {
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	cfg.Models = nil
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
