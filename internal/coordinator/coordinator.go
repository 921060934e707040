// Package coordinator is the single entry point for playback requests. It
// layers the artifact store, the KV cache, the primary resolvers, and the
// external-script fallback into one resolution pipeline, and schedules the
// background jobs (audio materialization, metadata embedding) that keep the
// cache warm for the next request.
package coordinator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunecache/tunecache/internal/fallback"
	"github.com/tunecache/tunecache/internal/kvcache"
	"github.com/tunecache/tunecache/internal/materializer"
	"github.com/tunecache/tunecache/internal/metrics"
	"github.com/tunecache/tunecache/internal/resolver"
	"github.com/tunecache/tunecache/internal/safeurl"
	"github.com/tunecache/tunecache/internal/store"
	"github.com/tunecache/tunecache/internal/tagembed"
)

// Envelope codes shared with the HTTP surface.
const (
	CodeOK            = 0
	CodeUnknownMethod = 1
	CodeFailed        = 2
	CodeServerError   = 4
	CodeRateLimited   = 5
	CodeNotFound      = 6
)

const lyricTTLSeconds = 3 * 86400

// Response is the wire envelope every operation produces.
type Response struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	Data  any    `json:"data"`
	Extra any    `json:"extra,omitempty"`
}

type qualityExtra struct {
	Target string `json:"target"`
	Result string `json:"result"`
}

// expireExtra surfaces the client-visible expiry. Time is null for
// non-expiring URLs.
type expireExtra struct {
	Time      *int64 `json:"time"`
	CanExpire bool   `json:"canExpire"`
}

type urlExtra struct {
	Cache     bool         `json:"cache"`
	Quality   qualityExtra `json:"quality"`
	Expire    *expireExtra `json:"expire,omitempty"`
	Localfile *bool        `json:"localfile,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
}

type ttlPolicy struct {
	CanExpire bool
	TTL       int64 // seconds
}

// sourceTTL captures how long each upstream's playback URLs stay valid.
var sourceTTL = map[string]ttlPolicy{
	"kg": {CanExpire: true, TTL: 86400},
	"kw": {CanExpire: true, TTL: 3600},
	"wy": {CanExpire: true, TTL: 1200},
	"tx": {CanExpire: true, TTL: 80400},
	"mg": {CanExpire: false, TTL: 0},
}

// policyFor returns the TTL policy for a source. Sources outside the table
// get the conservative one-hour window.
func policyFor(source string) ttlPolicy {
	if p, ok := sourceTTL[source]; ok {
		return p
	}
	return ttlPolicy{CanExpire: true, TTL: 3600}
}

// Coordinator wires the caches, resolvers and background jobs together.
type Coordinator struct {
	store   *store.Store
	kv      *kvcache.Cache
	reg     *resolver.Registry
	fb      *fallback.Runner
	dl      *materializer.Downloader
	cacheOn bool
	bg      context.Context // process lifetime, never a request context
	log     zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	jobs     sync.WaitGroup

	now func() time.Time
}

// New builds a Coordinator. bg is the process-wide context: background jobs
// spawned on behalf of a request outlive that request and stop only when bg
// is cancelled.
func New(st *store.Store, kv *kvcache.Cache, reg *resolver.Registry, fb *fallback.Runner, dl *materializer.Downloader, cacheEnable bool, bg context.Context, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:    st,
		kv:       kv,
		reg:      reg,
		fb:       fb,
		dl:       dl,
		cacheOn:  cacheEnable,
		bg:       bg,
		log:      log.With().Str("component", "coordinator").Logger(),
		inFlight: map[string]struct{}{},
		now:      time.Now,
	}
}

// Wait blocks until every scheduled metadata job has finished. Called during
// shutdown so embed work is not cut off mid-file.
func (c *Coordinator) Wait() { c.jobs.Wait() }

func ok(data, extra any) Response {
	return Response{Code: CodeOK, Msg: "success", Data: data, Extra: extra}
}

func fail(code int, msg string) Response {
	return Response{Code: code, Msg: msg}
}

func boolPtr(b bool) *bool { return &b }

// normalizeID applies per-source ID canonicalization. kg IDs are hashes the
// upstream treats case-insensitively, so they are lowercased before any
// cache key or resolver sees them.
func normalizeID(source, songID string) string {
	if source == "kg" {
		return strings.ToLower(songID)
	}
	return songID
}

func songKey(source, songID string) string { return source + "_" + songID }

// URL resolves a playable URL for (source, songID, quality). infoBlob and
// lyricBlob are optional base64url JSON payloads the client already knows;
// they pre-populate the KV cache before resolution.
func (c *Coordinator) URL(ctx context.Context, source, songID, quality, infoBlob, lyricBlob string) Response {
	if quality == "" {
		return fail(CodeFailed, `parameter "quality" is required`)
	}
	songID = normalizeID(source, songID)
	c.seed(source, songID, infoBlob, lyricBlob)

	key := store.Key{Source: source, SongID: songID, Quality: quality}
	if rec, served, hit := c.store.Lookup(key); hit {
		metrics.CacheHits.WithLabelValues("artifact").Inc()
		c.scheduleMetadata(source, songID)
		return ok("/cache/"+filepath.Base(rec.Path), urlExtra{
			Cache:     true,
			Quality:   qualityExtra{Target: quality, Result: served},
			Localfile: boolPtr(true),
		})
	}

	cacheKey := cacheKeyURL(source, songID, quality)
	if e, hit := c.kv.Get(kvcache.NSURLs, cacheKey); hit {
		metrics.CacheHits.WithLabelValues("kv").Inc()
		c.scheduleMetadata(source, songID)
		pol := policyFor(source)
		var t *int64
		if e.CanExpire {
			// stored deadline is 75% of the upstream window; give the
			// client back the full one
			v := e.ExpireAt + int64(0.25*float64(pol.TTL))
			t = &v
		}
		return ok(e.URL, urlExtra{
			Cache:   true,
			Quality: qualityExtra{Target: quality, Result: quality},
			Expire:  &expireExtra{Time: t, CanExpire: e.CanExpire},
		})
	}

	r, err := c.reg.Get(source)
	if err != nil {
		return fail(CodeUnknownMethod, "unknown source or unsupported method")
	}
	res, err := r.Resolve(ctx, songID, quality)
	switch {
	case err == nil:
		metrics.CacheHits.WithLabelValues("resolver").Inc()
		return c.urlResolved(source, songID, quality, res, cacheKey)
	case resolver.IsFailed(err):
		c.log.Info().Str("key", cacheKey).Err(err).Msg("primary resolution failed")
		if resp, handled := c.urlFallback(ctx, source, songID, quality, cacheKey); handled {
			return resp
		}
		return fail(CodeFailed, err.Error())
	case ctx.Err() != nil:
		return fail(CodeServerError, "request cancelled")
	default:
		c.log.Error().Str("key", cacheKey).Err(err).Msg("resolver error")
		return fail(CodeServerError, "internal error")
	}
}

func (c *Coordinator) urlResolved(source, songID, quality string, res resolver.Result, cacheKey string) Response {
	pol := policyFor(source)
	var expireAt int64
	if pol.CanExpire {
		expireAt = c.now().Unix() + int64(0.75*float64(pol.TTL))
	}
	c.kv.Put(kvcache.NSURLs, cacheKey, kvcache.Entry{
		URL:       res.URL,
		ExpireAt:  expireAt,
		CanExpire: pol.CanExpire,
	})
	if c.cacheOn {
		c.dl.MaterializeAsync(c.bg, store.Key{Source: source, SongID: songID, Quality: res.Quality}, res.URL)
	}
	c.scheduleMetadata(source, songID)
	c.log.Info().Str("key", cacheKey).Str("quality", res.Quality).Msg("resolved")

	var t *int64
	if pol.CanExpire {
		t = &expireAt
	}
	return ok(res.URL, urlExtra{
		Cache:     false,
		Quality:   qualityExtra{Target: quality, Result: res.Quality},
		Expire:    &expireExtra{Time: t, CanExpire: pol.CanExpire},
		Localfile: boolPtr(false),
	})
}

// urlFallback runs the external-script chain. handled=false means the chain
// produced nothing and the caller should surface the primary failure.
func (c *Coordinator) urlFallback(ctx context.Context, source, songID, quality, cacheKey string) (Response, bool) {
	infoJSON := "{}"
	if e, hit := c.kv.Get(kvcache.NSInfo, songKey(source, songID)); hit && len(e.Data) > 0 {
		infoJSON = string(e.Data)
	}
	res, hit := c.fb.Try(ctx, source, songID, quality, infoJSON)
	if !hit {
		metrics.FallbackRuns.WithLabelValues("miss").Inc()
		return Response{}, false
	}
	metrics.FallbackRuns.WithLabelValues("hit").Inc()
	metrics.CacheHits.WithLabelValues("fallback").Inc()

	// synchronous materialization: the script URL may be single-use, so the
	// cache has to be warm before the client ever plays it
	if c.cacheOn {
		k := store.Key{Source: source, SongID: songID, Quality: res.Quality}
		if _, err := c.dl.Materialize(ctx, k, res.URL); err != nil {
			c.log.Warn().Str("key", cacheKey).Err(err).Msg("fallback materialization failed")
		}
	}
	c.kv.Put(kvcache.NSURLs, cacheKey, kvcache.Entry{URL: res.URL, CanExpire: false})
	c.scheduleMetadata(source, songID)
	return ok(res.URL, urlExtra{
		Cache:     false,
		Quality:   qualityExtra{Target: quality, Result: res.Quality},
		Expire:    &expireExtra{Time: nil, CanExpire: false},
		Localfile: boolPtr(false),
		Fallback:  "externalScript",
	}), true
}

// Lyric returns lyric text, cached for three days.
func (c *Coordinator) Lyric(ctx context.Context, source, songID string) Response {
	songID = normalizeID(source, songID)
	key := songKey(source, songID)
	if e, hit := c.kv.Get(kvcache.NSLyric, key); hit {
		return Response{Code: CodeOK, Msg: "success", Data: json.RawMessage(e.Data)}
	}
	r, err := c.reg.Get(source)
	if err != nil {
		return fail(CodeUnknownMethod, "unknown source or unsupported method")
	}
	lp, okCap := r.(resolver.LyricProvider)
	if !okCap {
		return fail(CodeUnknownMethod, "unknown source or unsupported method")
	}
	text, err := lp.Lyric(ctx, songID)
	switch {
	case err == nil:
		c.kv.Put(kvcache.NSLyric, key, kvcache.StringEntry(text, c.now().Unix()+lyricTTLSeconds, true))
		return Response{Code: CodeOK, Msg: "success", Data: text}
	case resolver.IsFailed(err):
		return fail(CodeFailed, err.Error())
	default:
		c.log.Error().Str("key", key).Err(err).Msg("lyric error")
		return fail(CodeServerError, "internal error")
	}
}

// Search delegates a keyword search to the source. Results are not cached.
func (c *Coordinator) Search(ctx context.Context, source, keyword string) Response {
	r, err := c.reg.Get(source)
	if err != nil {
		return fail(CodeUnknownMethod, "unknown source or unsupported method")
	}
	sr, okCap := r.(resolver.Searcher)
	if !okCap {
		return fail(CodeUnknownMethod, "unknown source or unsupported method")
	}
	raw, err := sr.Search(ctx, keyword)
	switch {
	case err == nil:
		return Response{Code: CodeOK, Msg: "success", Data: raw}
	case resolver.IsFailed(err):
		return fail(CodeFailed, err.Error())
	default:
		c.log.Error().Str("source", source).Err(err).Msg("search error")
		return fail(CodeServerError, "internal error")
	}
}

// Other fans a named method out to the source adapter. Only "info"
// participates in the KV cache, where it never expires.
func (c *Coordinator) Other(ctx context.Context, method, source, songID string) Response {
	songID = normalizeID(source, songID)
	key := songKey(source, songID)
	if method == "info" {
		if e, hit := c.kv.Get(kvcache.NSInfo, key); hit {
			return Response{Code: CodeOK, Msg: "success", Data: json.RawMessage(e.Data)}
		}
	}
	r, err := c.reg.Get(source)
	if err != nil {
		return fail(CodeUnknownMethod, "unknown source or unsupported method")
	}

	var raw json.RawMessage
	if method == "info" {
		ip, okCap := r.(resolver.InfoProvider)
		if !okCap {
			return fail(CodeUnknownMethod, "unknown source or unsupported method")
		}
		raw, err = ip.Info(ctx, songID)
	} else {
		mc, okCap := r.(resolver.MethodCaller)
		if !okCap {
			return fail(CodeUnknownMethod, "unknown source or unsupported method")
		}
		raw, err = mc.Call(ctx, method, songID)
	}
	switch {
	case err == nil:
		if method == "info" {
			c.kv.Put(kvcache.NSInfo, key, kvcache.Entry{Data: raw, CanExpire: false})
		}
		return Response{Code: CodeOK, Msg: "success", Data: raw}
	case resolver.IsFailed(err):
		return fail(CodeFailed, err.Error())
	default:
		c.log.Error().Str("key", key).Str("method", method).Err(err).Msg("method error")
		return fail(CodeServerError, "internal error")
	}
}

func cacheKeyURL(source, songID, quality string) string {
	return source + "_" + songID + "_" + quality
}

// seed writes client-supplied info/lyric payloads into the KV cache, but
// never overwrites what the server already knows.
func (c *Coordinator) seed(source, songID, infoBlob, lyricBlob string) {
	key := songKey(source, songID)
	if raw := decodeBlob(infoBlob); json.Valid(raw) {
		if _, hit := c.kv.Get(kvcache.NSInfo, key); !hit {
			c.kv.Put(kvcache.NSInfo, key, kvcache.Entry{Data: raw, CanExpire: false})
		}
	}
	if raw := lyricPayload(decodeBlob(lyricBlob)); raw != nil {
		if _, hit := c.kv.Get(kvcache.NSLyric, key); !hit {
			c.kv.Put(kvcache.NSLyric, key, kvcache.Entry{
				Data:      raw,
				ExpireAt:  c.now().Unix() + lyricTTLSeconds,
				CanExpire: true,
			})
		}
	}
}

// lyricPayload normalizes a client lyric blob for the cache: JSON strings
// pass through, plain text is wrapped into one, and any other JSON shape is
// dropped. The lyric namespace holds JSON strings only; anything else would
// come back as empty lyrics at embed time.
func lyricPayload(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return raw
	}
	if json.Valid(raw) {
		return nil
	}
	wrapped, _ := json.Marshal(string(raw))
	return wrapped
}

// decodeBlob accepts both padded and unpadded base64url.
func decodeBlob(blob string) []byte {
	if blob == "" {
		return nil
	}
	if raw, err := base64.URLEncoding.DecodeString(blob); err == nil {
		return raw
	}
	if raw, err := base64.RawURLEncoding.DecodeString(blob); err == nil {
		return raw
	}
	return nil
}

// scheduleMetadata starts the info/lyric/cover/embed job for a song unless
// one is already running.
func (c *Coordinator) scheduleMetadata(source, songID string) {
	key := songKey(source, songID)
	c.mu.Lock()
	if _, busy := c.inFlight[key]; busy {
		c.mu.Unlock()
		return
	}
	c.inFlight[key] = struct{}{}
	c.mu.Unlock()

	c.jobs.Add(1)
	go func() {
		defer c.jobs.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inFlight, key)
			c.mu.Unlock()
		}()
		c.runMetadataJob(c.bg, source, songID)
	}()
}

// runMetadataJob fills in everything the audio bytes alone lack: song info,
// lyric text, a local cover copy, and embedded tags on every cached audio
// file of the song. Each step logs its own failure and the next step still
// runs.
func (c *Coordinator) runMetadataJob(ctx context.Context, source, songID string) {
	key := songKey(source, songID)
	log := c.log.With().Str("song", key).Logger()

	infoRaw := c.ensureInfo(ctx, source, songID, log)
	c.ensureLyric(ctx, source, songID, log)

	if len(infoRaw) == 0 {
		return
	}
	info := resolver.ParseInfo(infoRaw)

	if c.cacheOn && safeurl.IsHTTPOrHTTPS(info.Cover) {
		if _, hit := c.store.CoverPath(source, songID); !hit {
			name := store.CoverFilename(source, songID, coverExt(info.Cover))
			dest := filepath.Join(c.store.Dir(), name)
			if err := c.dl.Fetch(ctx, info.Cover, dest); err != nil {
				metrics.Downloads.WithLabelValues("cover", "error").Inc()
				log.Debug().Err(err).Msg("cover download failed")
			} else {
				metrics.Downloads.WithLabelValues("cover", "ok").Inc()
				c.store.PutCover(source, songID, dest)
				if raw, err := rewriteCover(infoRaw, "/cache/"+name); err == nil {
					infoRaw = raw
					c.kv.Put(kvcache.NSInfo, key, kvcache.Entry{Data: raw, CanExpire: false})
				}
				log.Info().Str("path", dest).Msg("cover cached")
			}
		}
	}

	tags := tagembed.Tags{Title: info.Name, Artist: info.Singer, Album: info.Album}
	if e, hit := c.kv.Get(kvcache.NSLyric, key); hit {
		tags.Lyrics = e.DataString()
	}
	if p, hit := c.store.CoverPath(source, songID); hit {
		if b, err := os.ReadFile(p); err == nil {
			tags.Cover = b
		}
	}
	for _, path := range c.store.AudioFiles(source, songID) {
		if err := tagembed.Apply(path, tags); err != nil {
			log.Debug().Str("path", path).Err(err).Msg("tag embed failed")
		}
	}
}

// ensureInfo returns the cached info payload, fetching and caching it first
// if the source can provide one.
func (c *Coordinator) ensureInfo(ctx context.Context, source, songID string, log zerolog.Logger) json.RawMessage {
	key := songKey(source, songID)
	if e, hit := c.kv.Get(kvcache.NSInfo, key); hit {
		return e.Data
	}
	r, err := c.reg.Get(source)
	if err != nil {
		return nil
	}
	ip, okCap := r.(resolver.InfoProvider)
	if !okCap {
		return nil
	}
	raw, err := ip.Info(ctx, songID)
	if err != nil {
		log.Debug().Err(err).Msg("info fetch failed")
		return nil
	}
	c.kv.Put(kvcache.NSInfo, key, kvcache.Entry{Data: raw, CanExpire: false})
	return raw
}

func (c *Coordinator) ensureLyric(ctx context.Context, source, songID string, log zerolog.Logger) {
	key := songKey(source, songID)
	if _, hit := c.kv.Get(kvcache.NSLyric, key); hit {
		return
	}
	r, err := c.reg.Get(source)
	if err != nil {
		return
	}
	lp, okCap := r.(resolver.LyricProvider)
	if !okCap {
		return
	}
	text, err := lp.Lyric(ctx, songID)
	if err != nil {
		log.Debug().Err(err).Msg("lyric fetch failed")
		return
	}
	c.kv.Put(kvcache.NSLyric, key, kvcache.StringEntry(text, c.now().Unix()+lyricTTLSeconds, true))
}

// coverExt takes the extension from the cover URL path, default .jpg.
func coverExt(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ".jpg"
	}
	if ext := filepath.Ext(u.Path); ext != "" {
		return ext
	}
	return ".jpg"
}

// rewriteCover repoints the cover field of a raw info document at the local
// cache path, preserving every other field.
func rewriteCover(raw json.RawMessage, local string) (json.RawMessage, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	m["cover"] = local
	return json.Marshal(m)
}
