package cache

// Config holds the configuration for the plan cache.
type Config struct {
	// MaxSize is the maximum number of cached plan graphs.
	MaxSize int
	// EnableStats enables cache statistics collection.
	EnableStats bool
	// Metrics receives hit, miss and eviction counters. Optional.
	Metrics Counter
}

// DefaultConfig returns a default cache configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxSize:     256,
		EnableStats: true,
	}
}

// WithMaxSize sets the maximum number of entries.
func (c *Config) WithMaxSize(size int) *Config {
	c.MaxSize = size
	return c
}

// WithStats enables or disables cache statistics.
func (c *Config) WithStats(enable bool) *Config {
	c.EnableStats = enable
	return c
}

// WithMetrics sets the metrics sink.
func (c *Config) WithMetrics(m Counter) *Config {
	c.Metrics = m
	return c
}
