package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_defaults(t *testing.T) {
	os.Clearenv()
	c := Load()
	if c.CacheDir != "cache_audio" {
		t.Errorf("CacheDir = %q", c.CacheDir)
	}
	if !c.CacheEnable {
		t.Error("CacheEnable should default to true")
	}
	if c.ScriptInterpreter != "node" {
		t.Errorf("ScriptInterpreter = %q", c.ScriptInterpreter)
	}
	if c.DownloadAttempts != 3 {
		t.Errorf("DownloadAttempts = %d, want 3", c.DownloadAttempts)
	}
	if c.KVFlushInterval != 60*time.Second {
		t.Errorf("KVFlushInterval = %s", c.KVFlushInterval)
	}
	if len(c.Upstreams) != 0 {
		t.Errorf("Upstreams should be empty, got %v", c.Upstreams)
	}
}

func TestLoad_upstreams(t *testing.T) {
	os.Clearenv()
	os.Setenv("TUNECACHE_UPSTREAM_KW", "http://kw-api:3000/")
	os.Setenv("TUNECACHE_UPSTREAM_WY", "http://wy-api:3000")
	c := Load()
	if got := c.Upstreams["kw"]; got != "http://kw-api:3000" {
		t.Errorf("kw upstream = %q (trailing slash should be trimmed)", got)
	}
	if got := c.Upstreams["wy"]; got != "http://wy-api:3000" {
		t.Errorf("wy upstream = %q", got)
	}
	srcs := c.Sources()
	if len(srcs) != 2 || srcs[0] != "kw" || srcs[1] != "wy" {
		t.Errorf("Sources() = %v, want [kw wy]", srcs)
	}
}

func TestLoad_scriptURLList(t *testing.T) {
	os.Clearenv()
	os.Setenv("TUNECACHE_SCRIPT_URLS", "http://a/s.js, http://b/s.js ,,")
	c := Load()
	if len(c.ScriptURLs) != 2 {
		t.Fatalf("ScriptURLs = %v, want 2 entries", c.ScriptURLs)
	}
	if c.ScriptURLs[0] != "http://a/s.js" || c.ScriptURLs[1] != "http://b/s.js" {
		t.Errorf("ScriptURLs = %v", c.ScriptURLs)
	}
}

func TestGetEnvDuration_plainSeconds(t *testing.T) {
	os.Clearenv()
	os.Setenv("TUNECACHE_SCRIPT_TIMEOUT", "45")
	c := Load()
	if c.ScriptTimeout != 45*time.Second {
		t.Errorf("ScriptTimeout = %s, want 45s", c.ScriptTimeout)
	}
}

func TestGetEnvBool_variants(t *testing.T) {
	for _, tc := range []struct {
		val  string
		want bool
	}{
		{"1", true}, {"true", true}, {"on", true},
		{"0", false}, {"no", false}, {"junk", true},
	} {
		os.Clearenv()
		os.Setenv("TUNECACHE_CACHE_ENABLE", tc.val)
		if got := Load().CacheEnable; got != tc.want {
			t.Errorf("CacheEnable(%q) = %v, want %v", tc.val, got, tc.want)
		}
	}
}
