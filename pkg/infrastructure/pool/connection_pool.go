// Package pool manages the database/sql handle behind the DuckDB store.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/rs/zerolog"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
)

// Config represents pool configuration.
type Config struct {
	DSN                string        `json:"dsn" mapstructure:"dsn"`
	MotherDuckToken    string        `json:"-" mapstructure:"motherduck_token"`
	MaxOpenConnections int           `json:"max_open_connections" mapstructure:"max_open_connections"`
	MaxIdleConnections int           `json:"max_idle_connections" mapstructure:"max_idle_connections"`
	ConnMaxLifetime    time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime    time.Duration `json:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
	HealthCheckPeriod  time.Duration `json:"health_check_period" mapstructure:"health_check_period"`
	ConnectionTimeout  time.Duration `json:"connection_timeout" mapstructure:"connection_timeout"`

	EnableCircuitBreaker    bool          `json:"enable_circuit_breaker" mapstructure:"enable_circuit_breaker"`
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold" mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `json:"circuit_breaker_timeout" mapstructure:"circuit_breaker_timeout"`
}

// ConnectionPool manages database connections.
type ConnectionPool interface {
	// Get returns the database handle after checking it is reachable.
	Get(ctx context.Context) (*sql.DB, error)
	// Stats returns pool statistics.
	Stats() PoolStats
	// HealthCheck performs a health check on the pool.
	HealthCheck(ctx context.Context) error
	// Close closes the connection pool.
	Close() error
}

// PoolStats represents connection pool statistics.
type PoolStats struct {
	OpenConnections     int           `json:"open_connections"`
	InUse               int           `json:"in_use"`
	Idle                int           `json:"idle"`
	WaitCount           int64         `json:"wait_count"`
	WaitDuration        time.Duration `json:"wait_duration"`
	LastHealthCheck     time.Time     `json:"last_health_check"`
	HealthCheckStatus   string        `json:"health_check_status"`
	CircuitBreakerState string        `json:"circuit_breaker_state,omitempty"`
}

type connectionPool struct {
	db     *sql.DB
	config Config
	logger zerolog.Logger

	closed atomic.Bool

	lastHealthCheck atomic.Int64
	healthStatus    atomic.Value // string

	cancel context.CancelFunc

	waitCount    atomic.Int64
	waitDuration atomic.Int64

	circuitBreaker *CircuitBreaker
}

func (cfg *Config) setDefaults() {
	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = 8
	}
	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = 4
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = 10 * time.Minute
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = 5
	}
	if cfg.CircuitBreakerTimeout <= 0 {
		cfg.CircuitBreakerTimeout = 60 * time.Second
	}
}

// New opens a DuckDB database and verifies it with an initial health check.
// An empty or ":memory:" DSN opens an in-memory database; "md:" and
// "motherduck://" DSNs open a hosted MotherDuck database.
func New(cfg Config, logger zerolog.Logger) (ConnectionPool, error) {
	cfg.setDefaults()

	logger.Info().
		Str("dsn", maskDSN(cfg.DSN)).
		Int("max_open", cfg.MaxOpenConnections).
		Int("max_idle", cfg.MaxIdleConnections).
		Bool("circuit_breaker", cfg.EnableCircuitBreaker).
		Msg("Opening DuckDB connection pool")

	db, err := sql.Open("duckdb", resolveDSN(cfg.DSN, cfg.MotherDuckToken))
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "failed to open database")
	}

	p := newPool(db, cfg, logger)

	connCtx, connCancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout)
	defer connCancel()
	if err := p.HealthCheck(connCtx); err != nil {
		p.Close()
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "initial health check failed")
	}

	p.startHealthChecks()
	return p, nil
}

// NewFromDB wraps an already opened handle. No initial health check runs.
func NewFromDB(db *sql.DB, cfg Config, logger zerolog.Logger) ConnectionPool {
	cfg.setDefaults()
	p := newPool(db, cfg, logger)
	p.startHealthChecks()
	return p
}

func newPool(db *sql.DB, cfg Config, logger zerolog.Logger) *connectionPool {
	db.SetMaxOpenConns(cfg.MaxOpenConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	p := &connectionPool{
		db:     db,
		config: cfg,
		logger: logger.With().Str("component", "pool").Logger(),
		cancel: func() {},
	}
	if cfg.EnableCircuitBreaker {
		p.circuitBreaker = NewCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout)
	}
	p.healthStatus.Store("unknown")
	return p
}

func (p *connectionPool) startHealthChecks() {
	if p.config.HealthCheckPeriod <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.healthCheckRoutine(ctx)
}

// Get returns a database connection.
func (p *connectionPool) Get(ctx context.Context) (*sql.DB, error) {
	if p.closed.Load() {
		return nil, pkgerrors.New(pkgerrors.CodeUnavailable, "connection pool is closed")
	}
	if p.circuitBreaker != nil && !p.circuitBreaker.CanExecute() {
		return nil, pkgerrors.New(pkgerrors.CodeUnavailable, "circuit breaker is open")
	}

	start := time.Now()
	p.waitCount.Add(1)
	defer func() {
		p.waitDuration.Add(int64(time.Since(start)))
	}()

	if err := p.db.PingContext(ctx); err != nil {
		p.logger.Error().Err(err).Msg("Database ping failed")
		if p.circuitBreaker != nil {
			p.circuitBreaker.RecordFailure()
		}
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "database connection failed")
	}
	if p.circuitBreaker != nil {
		p.circuitBreaker.RecordSuccess()
	}
	return p.db, nil
}

// Stats returns pool statistics.
func (p *connectionPool) Stats() PoolStats {
	dbStats := p.db.Stats()
	stats := PoolStats{
		OpenConnections:   dbStats.OpenConnections,
		InUse:             dbStats.InUse,
		Idle:              dbStats.Idle,
		WaitCount:         p.waitCount.Load(),
		WaitDuration:      time.Duration(p.waitDuration.Load()),
		LastHealthCheck:   time.Unix(p.lastHealthCheck.Load(), 0),
		HealthCheckStatus: p.getHealthStatus(),
	}
	if p.circuitBreaker != nil {
		stats.CircuitBreakerState = p.circuitBreaker.GetState().String()
	}
	return stats
}

// HealthCheck performs a health check on the pool.
func (p *connectionPool) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return pkgerrors.New(pkgerrors.CodeUnavailable, "connection pool is closed")
	}

	if err := p.db.PingContext(ctx); err != nil {
		p.updateHealthStatus("unhealthy", err.Error())
		return pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "health check ping failed")
	}

	var result int
	if err := p.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		p.updateHealthStatus("unhealthy", "query test failed")
		return pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "health check query failed")
	}

	p.updateHealthStatus("healthy", "")
	return nil
}

// Close closes the connection pool.
func (p *connectionPool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.logger.Info().Msg("Closing DuckDB connection pool")
	p.cancel()

	if err := p.db.Close(); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "failed to close database")
	}
	return nil
}

func (p *connectionPool) healthCheckRoutine(ctx context.Context) {
	ticker := time.NewTicker(p.config.HealthCheckPeriod)
	defer ticker.Stop()

	p.logger.Debug().Dur("period", p.config.HealthCheckPeriod).Msg("Health check routine started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := p.HealthCheck(checkCtx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error().Err(err).Msg("Periodic health check failed")
			}
			cancel()
		}
	}
}

func (p *connectionPool) updateHealthStatus(status, detail string) {
	p.lastHealthCheck.Store(time.Now().Unix())
	previous := p.getHealthStatus()
	p.healthStatus.Store(status)

	if status != previous && detail != "" {
		p.logger.Warn().
			Str("status", status).
			Str("detail", detail).
			Msg("Connection pool health status changed")
	}
}

func (p *connectionPool) getHealthStatus() string {
	if v := p.healthStatus.Load(); v != nil {
		return v.(string)
	}
	return "unknown"
}
