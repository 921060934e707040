// Package resolver defines the per-source adapter contract. A resolver maps
// (songId, quality) to a playable URL; optional capabilities add lyric, song
// info, search, and generic method dispatch. Upstream-specific retry and
// rate-limit behavior lives inside each adapter.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
)

// Result is a successful resolution. Quality may differ from the request
// when the upstream substitutes a different stream variant.
type Result struct {
	URL     string
	Quality string
}

// SongInfo is the canonical metadata shape embedded into artifacts.
// Cover is a remote URL until the cover is materialized, then a /cache path.
type SongInfo struct {
	Name   string `json:"name,omitempty"`
	Singer string `json:"singer,omitempty"`
	Album  string `json:"album,omitempty"`
	Cover  string `json:"cover,omitempty"`
}

// ParseInfo extracts the known fields from a raw info payload.
func ParseInfo(raw json.RawMessage) SongInfo {
	var si SongInfo
	_ = json.Unmarshal(raw, &si)
	return si
}

// Resolver is the mandatory capability.
type Resolver interface {
	Resolve(ctx context.Context, songID, quality string) (Result, error)
}

// LyricProvider returns lyric text (LRC or plain).
type LyricProvider interface {
	Lyric(ctx context.Context, songID string) (string, error)
}

// InfoProvider returns the raw song info document.
type InfoProvider interface {
	Info(ctx context.Context, songID string) (json.RawMessage, error)
}

// Searcher runs a keyword search and returns the raw result list.
type Searcher interface {
	Search(ctx context.Context, keyword string) (json.RawMessage, error)
}

// MethodCaller handles any further source-specific methods.
type MethodCaller interface {
	Call(ctx context.Context, method, songID string) (json.RawMessage, error)
}

// FailedError means the upstream answered but produced no usable result
// (region lock, VIP-only track, missing song). It is terminal for the
// primary resolution and triggers the fallback chain.
type FailedError struct {
	Reason string
}

func (e *FailedError) Error() string { return e.Reason }

// Failed builds a FailedError.
func Failed(reason string) error { return &FailedError{Reason: reason} }

// IsFailed reports whether err is a resolution failure (as opposed to an
// unknown source/method or an internal error).
func IsFailed(err error) bool {
	var fe *FailedError
	return errors.As(err, &fe)
}

var (
	ErrUnknownSource = errors.New("unknown source")
	ErrUnknownMethod = errors.New("unsupported method")
)

// Registry is the name -> adapter table. Registration happens at boot;
// lookups are concurrent.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Resolver
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]Resolver{}}
}

func (r *Registry) Register(source string, res Resolver) {
	r.mu.Lock()
	r.m[source] = res
	r.mu.Unlock()
}

// Get returns the adapter for source, or ErrUnknownSource.
func (r *Registry) Get(source string) (Resolver, error) {
	r.mu.RLock()
	res, ok := r.m[source]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownSource
	}
	return res, nil
}

// Sources lists registered source tags, sorted.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for s := range r.m {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
