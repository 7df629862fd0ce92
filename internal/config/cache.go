package config

import (
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// CacheConfig defines settings for the response cache middleware. It is
// applied to the public card gallery only; when Enabled is false or no
// Redis client is available, caching is a no-op. KeyStrategy determines
// which parts of the request contribute to the cache key.
type CacheConfig struct {
	Enabled      bool          `envconfig:"ENABLED" default:"true"`
	MethodsRaw   string        `envconfig:"METHODS" default:"GET"`
	TTL          time.Duration `envconfig:"TTL" default:"15s"`
	KeyStrategy  string        `envconfig:"KEY_STRATEGY" default:"route_query"`
	Prefix       string        `envconfig:"PREFIX" default:"cache"`
	MaxBodyBytes int           `envconfig:"MAX_BODY_BYTES" default:"1048576"`

	Methods map[string]bool `envconfig:"-"`
}

// LoadCacheConfig reads CACHE_* environment variables into a CacheConfig.
func LoadCacheConfig() CacheConfig {
	var cfg CacheConfig
	if err := envconfig.Process("CACHE", &cfg); err != nil {
		cfg = CacheConfig{Enabled: false}
	}
	cfg.Methods = parseMethods(cfg.MethodsRaw)
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Second
	}
	return cfg
}

func parseMethods(s string) map[string]bool {
	m := map[string]bool{}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(strings.ToUpper(p))
		if p != "" {
			m[p] = true
		}
	}
	return m
}
