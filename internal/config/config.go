package config

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config holds proxy + cache + fallback settings.
// Load from env; call LoadEnvFile(".env") first to use a .env file.
type Config struct {
	// Paths
	CacheDir  string // downloaded audio/cover artifacts, e.g. ./cache_audio
	ScriptDir string // downloaded external scripts + runtime host
	KVDir     string // KV namespace snapshot files
	LocalDir  string // optional local music library root ("" = disabled)

	// Remote cache
	CacheEnable bool // opt-out of audio materialization (default true)

	// External script fallback
	ScriptURLs        []string // ordered candidate script URLs
	ScriptInterpreter string   // e.g. "node"
	ScriptTimeout     time.Duration

	// KV cache
	KVFlushInterval time.Duration

	// HTTP surface
	Listen          string // e.g. :9763
	MaxConns        int    // accepted-connection cap; 0 = unlimited
	RateGlobal      float64
	RateGlobalBurst int
	RatePerIP       float64
	RatePerIPBurst  int

	// Upstreams maps a source tag (kw, kg, ...) to the base URL of an
	// upstream API speaking the same response envelope.
	Upstreams map[string]string

	// UpstreamRPS paces requests per upstream; 0 = unpaced.
	UpstreamRPS float64

	// Materializer retry shape
	DownloadAttempts int
	DownloadBackoff  time.Duration
}

// Load reads config from environment. Upstreams are collected from every
// TUNECACHE_UPSTREAM_<SRC> variable, with <SRC> lowercased to the source tag.
func Load() *Config {
	c := &Config{
		CacheDir:          getEnv("TUNECACHE_CACHE_DIR", "./cache_audio"),
		ScriptDir:         getEnv("TUNECACHE_SCRIPT_DIR", "./external_scripts"),
		KVDir:             getEnv("TUNECACHE_KV_DIR", "./cache_kv"),
		LocalDir:          os.Getenv("TUNECACHE_LOCAL_DIR"),
		CacheEnable:       getEnvBool("TUNECACHE_CACHE_ENABLE", true),
		ScriptURLs:        getEnvList("TUNECACHE_SCRIPT_URLS"),
		ScriptInterpreter: getEnv("TUNECACHE_SCRIPT_INTERPRETER", "node"),
		ScriptTimeout:     getEnvDuration("TUNECACHE_SCRIPT_TIMEOUT", 30*time.Second),
		KVFlushInterval:   getEnvDuration("TUNECACHE_KV_FLUSH", 60*time.Second),
		Listen:            getEnv("TUNECACHE_LISTEN", ":9763"),
		MaxConns:          getEnvInt("TUNECACHE_MAX_CONNS", 256),
		RateGlobal:        getEnvFloat("TUNECACHE_RATE_GLOBAL", 0),
		RateGlobalBurst:   getEnvInt("TUNECACHE_RATE_GLOBAL_BURST", 1),
		RatePerIP:         getEnvFloat("TUNECACHE_RATE_PER_IP", 0),
		RatePerIPBurst:    getEnvInt("TUNECACHE_RATE_PER_IP_BURST", 1),
		DownloadAttempts:  getEnvInt("TUNECACHE_DOWNLOAD_ATTEMPTS", 3),
		DownloadBackoff:   getEnvDuration("TUNECACHE_DOWNLOAD_BACKOFF", 500*time.Millisecond),
		Upstreams:         upstreamsFromEnv(),
		UpstreamRPS:       getEnvFloat("TUNECACHE_UPSTREAM_RPS", 0),
	}
	c.CacheDir = filepath.Clean(c.CacheDir)
	c.ScriptDir = filepath.Clean(c.ScriptDir)
	c.KVDir = filepath.Clean(c.KVDir)
	return c
}

const upstreamPrefix = "TUNECACHE_UPSTREAM_"

func upstreamsFromEnv() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		idx := strings.Index(kv, "=")
		if idx <= 0 {
			continue
		}
		key, val := kv[:idx], kv[idx+1:]
		if !strings.HasPrefix(key, upstreamPrefix) || val == "" {
			continue
		}
		if key == "TUNECACHE_UPSTREAM_RPS" {
			continue
		}
		src := strings.ToLower(strings.TrimPrefix(key, upstreamPrefix))
		if src == "" {
			continue
		}
		out[src] = strings.TrimSuffix(val, "/")
	}
	return out
}

// Sources returns the configured upstream source tags, sorted.
func (c *Config) Sources() []string {
	out := make([]string, 0, len(c.Upstreams))
	for s := range c.Upstreams {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// a plain integer means seconds
		if n, err2 := strconv.Atoi(v); err2 == nil && n >= 0 {
			return time.Duration(n) * time.Second
		}
		return def
	}
	return d
}

// getEnvList splits a comma-separated env value, trimming blanks.
func getEnvList(key string) []string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
