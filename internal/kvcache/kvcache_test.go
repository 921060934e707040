package kvcache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestGetPut_roundTrip(t *testing.T) {
	c := testCache(t)
	c.Put(NSURLs, "kw_abc_128k", Entry{URL: "http://up/a.mp3", ExpireAt: time.Now().Unix() + 100, CanExpire: true})
	e, ok := c.Get(NSURLs, "kw_abc_128k")
	if !ok {
		t.Fatal("expected hit")
	}
	if e.URL != "http://up/a.mp3" {
		t.Errorf("URL = %q", e.URL)
	}
}

func TestGet_expiredDropped(t *testing.T) {
	c := testCache(t)
	c.Put(NSLyric, "kw_abc", StringEntry("[00:00]hi", time.Now().Unix()+50, true))
	c.now = func() time.Time { return time.Now().Add(60 * time.Second) }
	if _, ok := c.Get(NSLyric, "kw_abc"); ok {
		t.Error("expired entry should miss")
	}
	if n := c.Len(NSLyric); n != 0 {
		t.Errorf("Len = %d after expiry", n)
	}
}

func TestPut_nonExpiringClearsDeadline(t *testing.T) {
	c := testCache(t)
	c.Put(NSInfo, "mg_1", Entry{Data: json.RawMessage(`{"name":"S"}`), ExpireAt: 12345, CanExpire: false})
	e, ok := c.Get(NSInfo, "mg_1")
	if !ok {
		t.Fatal("expected hit")
	}
	if e.ExpireAt != 0 {
		t.Errorf("non-expiring entry kept ExpireAt = %d", e.ExpireAt)
	}
}

func TestFlushAndReopen_persists(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	c.Put(NSInfo, "kw_abc", Entry{Data: json.RawMessage(`{"name":"S","singer":"A"}`)})
	c.Put(NSURLs, "kw_abc_128k", Entry{URL: "http://up/a.mp3", ExpireAt: time.Now().Unix() - 10, CanExpire: true})
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}

	c2, err := Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c2.Get(NSInfo, "kw_abc"); !ok {
		t.Error("info entry should survive restart")
	}
	if _, ok := c2.Get(NSURLs, "kw_abc_128k"); ok {
		t.Error("expired urls entry should be discarded")
	}
}

func TestOpen_corruptSnapshotResetsOnlyThatNamespace(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	c.Put(NSInfo, "k", Entry{Data: json.RawMessage(`{}`)})
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "urls.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	c2, err := Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("corrupt namespace must not fail Open: %v", err)
	}
	if n := c2.Len(NSURLs); n != 0 {
		t.Errorf("urls should be reset, Len = %d", n)
	}
	if _, ok := c2.Get(NSInfo, "k"); !ok {
		t.Error("info namespace should be untouched")
	}
}

func TestStringEntry_dataString(t *testing.T) {
	e := StringEntry("喜欢你", 0, false)
	if got := e.DataString(); got != "喜欢你" {
		t.Errorf("DataString = %q", got)
	}
}
