package config

import (
	"strings"
	"time"
)

// CacheConfig defines settings for the response cache middleware.  Only
// event metadata is served through the cache; claim and lock reads always
// hit the database.  When Enabled is false or no Redis client is
// configured, caching is disabled.
type CacheConfig struct {
	Enabled      bool
	Methods      map[string]bool
	TTL          time.Duration
	KeyStrategy  string
	Prefix       string
	MaxBodyBytes int
}

// LoadCacheConfig reads environment variables to build a CacheConfig.
func LoadCacheConfig() CacheConfig {
	ensureEnvLoaded()
	c := CacheConfig{
		Enabled:      envBool("CACHE_ENABLED", true),
		Methods:      parseMethods(envStr("CACHE_METHODS", "GET")),
		TTL:          envDur("CACHE_TTL", 5*time.Minute),
		KeyStrategy:  envStr("CACHE_KEY_STRATEGY", "route_query"),
		Prefix:       envStr("CACHE_PREFIX", "claim:cache"),
		MaxBodyBytes: envInt("CACHE_MAX_BODY_BYTES", 64*1024),
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	return c
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
