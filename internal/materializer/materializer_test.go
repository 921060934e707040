package materializer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunecache/tunecache/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestExtFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"http://up/audio.flac", ".flac"},
		{"http://up/audio.mp3?sig=x", ".mp3"},
		{"http://up/audio", ".mp3"},
		{"http://up/a/b/c.ogg", ".ogg"},
		{"::bad::", ".mp3"},
	}
	for _, tt := range tests {
		if got := ExtFromURL(tt.url); got != tt.want {
			t.Errorf("ExtFromURL(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestMaterialize_writesAndIndexes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("audio-bytes"))
	}))
	defer srv.Close()

	st := testStore(t)
	d := New(st, DefaultRetryPolicy, zerolog.Nop())
	k := store.Key{Source: "kw", SongID: "abc", Quality: "128k"}
	path, err := d.Materialize(context.Background(), k, srv.URL+"/a.mp3")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "kw_abc_128k.mp3" {
		t.Errorf("path = %q", path)
	}
	raw, err := os.ReadFile(path)
	if err != nil || string(raw) != "audio-bytes" {
		t.Errorf("content = %q, %v", raw, err)
	}
	if _, q, ok := st.Lookup(k); !ok || q != "128k" {
		t.Errorf("index not updated: ok=%v q=%q", ok, q)
	}
	// no partials left behind
	entries, _ := os.ReadDir(st.Dir())
	for _, e := range entries {
		if strings.Contains(e.Name(), "partial") {
			t.Errorf("leftover partial %q", e.Name())
		}
	}
}

func TestMaterialize_existingTargetShortCircuits(t *testing.T) {
	st := testStore(t)
	dest := filepath.Join(st.Dir(), "kw_abc_128k.mp3")
	if err := os.WriteFile(dest, []byte("already here"), 0o644); err != nil {
		t.Fatal(err)
	}
	d := New(st, DefaultRetryPolicy, zerolog.Nop())
	// URL is unreachable; must not matter
	path, err := d.Materialize(context.Background(), store.Key{Source: "kw", SongID: "abc", Quality: "128k"}, "http://127.0.0.1:1/a.mp3")
	if err != nil {
		t.Fatal(err)
	}
	if path != dest {
		t.Errorf("path = %q", path)
	}
	raw, _ := os.ReadFile(dest)
	if string(raw) != "already here" {
		t.Error("existing file was overwritten")
	}
}

func TestMaterialize_retriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	st := testStore(t)
	d := New(st, RetryPolicy{Attempts: 3, BaseDelay: 10 * time.Millisecond}, zerolog.Nop())
	_, err := d.Materialize(context.Background(), store.Key{Source: "kw", SongID: "retry", Quality: "128k"}, srv.URL+"/a.mp3")
	if err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestMaterialize_exhaustedRetriesFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := testStore(t)
	d := New(st, RetryPolicy{Attempts: 2, BaseDelay: 5 * time.Millisecond}, zerolog.Nop())
	k := store.Key{Source: "kw", SongID: "bad", Quality: "128k"}
	if _, err := d.Materialize(context.Background(), k, srv.URL+"/a.mp3"); err == nil {
		t.Fatal("want error after exhausted retries")
	}
	if _, _, ok := st.Lookup(k); ok {
		t.Error("failed download must not be indexed")
	}
}

func TestMaterialize_concurrentSameTargetCoalesces(t *testing.T) {
	var downloads int32
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&downloads, 1)
		<-block
		w.Write([]byte("audio"))
	}))
	defer srv.Close()

	st := testStore(t)
	d := New(st, DefaultRetryPolicy, zerolog.Nop())
	k := store.Key{Source: "kw", SongID: "dup", Quality: "128k"}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Materialize(context.Background(), k, srv.URL+"/a.mp3")
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(block)
	wg.Wait()
	if n := atomic.LoadInt32(&downloads); n != 1 {
		t.Errorf("downloads = %d, want 1 (coalesced)", n)
	}
}

func TestFetch_rejectsNonHTTP(t *testing.T) {
	st := testStore(t)
	d := New(st, DefaultRetryPolicy, zerolog.Nop())
	if err := d.Fetch(context.Background(), "file:///etc/passwd", filepath.Join(st.Dir(), "x.jpg")); err == nil {
		t.Fatal("file:// must be rejected")
	}
}
