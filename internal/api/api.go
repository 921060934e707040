// Package api is the HTTP surface over the coordinator and the local
// library. Responses are the JSON envelope {code, msg, data, extra},
// pretty-printed with two-space indent and non-ASCII preserved, because
// clients diff these bodies byte for byte.
package api

import (
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tunecache/tunecache/internal/coordinator"
	"github.com/tunecache/tunecache/internal/library"
	"github.com/tunecache/tunecache/internal/metrics"
	"github.com/tunecache/tunecache/internal/store"
)

// Limits configures request pacing. Zero rates disable the corresponding
// limiter.
type Limits struct {
	GlobalRate  float64
	GlobalBurst int
	PerIPRate   float64
	PerIPBurst  int
}

// Server handles the public routes.
type Server struct {
	co  *coordinator.Coordinator
	st  *store.Store
	lib *library.Library
	log zerolog.Logger

	global *rate.Limiter
	perIP  struct {
		sync.Mutex
		m     map[string]*rate.Limiter
		rate  rate.Limit
		burst int
	}
}

func New(co *coordinator.Coordinator, st *store.Store, lib *library.Library, lim Limits, log zerolog.Logger) *Server {
	s := &Server{
		co:  co,
		st:  st,
		lib: lib,
		log: log.With().Str("component", "api").Logger(),
	}
	if lim.GlobalRate > 0 {
		if lim.GlobalBurst <= 0 {
			lim.GlobalBurst = 1
		}
		s.global = rate.NewLimiter(rate.Limit(lim.GlobalRate), lim.GlobalBurst)
	}
	if lim.PerIPRate > 0 {
		if lim.PerIPBurst <= 0 {
			lim.PerIPBurst = 1
		}
		s.perIP.m = map[string]*rate.Limiter{}
		s.perIP.rate = rate.Limit(lim.PerIPRate)
		s.perIP.burst = lim.PerIPBurst
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.logRequests)
	r.Use(s.rateLimit)

	r.Get("/", s.handleRoot)
	r.Get("/url/{source}/{songId}/{quality}", s.handleURL)
	r.Get("/lyric/{source}/{songId}", s.handleLyric)
	r.Get("/local/{type}", s.handleLocal)
	r.Get("/cache/{basename}", s.handleCacheFile)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/{method}/{source}/{songId}", s.handleMethod)
	r.Get("/{method}/{source}/{songId}/{quality}", s.handleMethod)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeEnvelope(w, coordinator.Response{Code: coordinator.CodeNotFound, Msg: "resource not found"})
	})
	return r
}

// statusFor maps envelope codes to HTTP statuses. Resolution failures stay
// 200: the envelope code is the protocol, the status is transport detail.
func statusFor(code int) int {
	switch code {
	case coordinator.CodeOK, coordinator.CodeFailed:
		return http.StatusOK
	case coordinator.CodeUnknownMethod, coordinator.CodeNotFound:
		return http.StatusNotFound
	case coordinator.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEnvelope(w http.ResponseWriter, resp coordinator.Response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusFor(resp.Code))
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(resp); err != nil {
		s.log.Debug().Err(err).Msg("response write failed")
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeEnvelope(w, coordinator.Response{Code: coordinator.CodeOK, Msg: "success"})
}

func (s *Server) handleURL(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	resp := s.co.URL(r.Context(),
		source,
		chi.URLParam(r, "songId"),
		chi.URLParam(r, "quality"),
		r.URL.Query().Get("info"),
		r.URL.Query().Get("lyric"),
	)
	metrics.RequestsTotal.WithLabelValues("url", source, strconv.Itoa(resp.Code)).Inc()
	s.writeEnvelope(w, resp)
}

func (s *Server) handleLyric(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	resp := s.co.Lyric(r.Context(), source, chi.URLParam(r, "songId"))
	metrics.RequestsTotal.WithLabelValues("lyric", source, strconv.Itoa(resp.Code)).Inc()
	s.writeEnvelope(w, resp)
}

// handleMethod is the generic dispatch: /{method}/{source}/{songId}. The
// songId position carries the keyword for search.
func (s *Server) handleMethod(w http.ResponseWriter, r *http.Request) {
	method := chi.URLParam(r, "method")
	source := chi.URLParam(r, "source")
	songID := chi.URLParam(r, "songId")

	var resp coordinator.Response
	switch method {
	case "url":
		resp = s.co.URL(r.Context(), source, songID, chi.URLParam(r, "quality"),
			r.URL.Query().Get("info"), r.URL.Query().Get("lyric"))
	case "lyric":
		resp = s.co.Lyric(r.Context(), source, songID)
	case "search":
		resp = s.co.Search(r.Context(), source, songID)
	default:
		resp = s.co.Other(r.Context(), method, source, songID)
	}
	metrics.RequestsTotal.WithLabelValues(method, source, strconv.Itoa(resp.Code)).Inc()
	s.writeEnvelope(w, resp)
}

// localQuery is the client payload of /local/{type}: q is base64url JSON.
type localQuery struct {
	Path string `json:"p"`
}

func (s *Server) handleLocal(w http.ResponseWriter, r *http.Request) {
	resp := s.localResponse(w, r)
	if resp != nil {
		s.writeEnvelope(w, *resp)
	}
}

// localResponse returns nil when the handler already streamed a file body.
func (s *Server) localResponse(w http.ResponseWriter, r *http.Request) *coordinator.Response {
	notFound := &coordinator.Response{Code: coordinator.CodeNotFound, Msg: "resource not found"}
	if s.lib == nil {
		return notFound
	}
	raw := decodeBase64URL(r.URL.Query().Get("q"))
	var q localQuery
	if raw == nil || json.Unmarshal(raw, &q) != nil || q.Path == "" {
		return notFound
	}

	switch chi.URLParam(r, "type") {
	case "u":
		path, ok := s.lib.Audio(q.Path)
		if !ok {
			return notFound
		}
		http.ServeFile(w, r, path)
		return nil
	case "l":
		text, ok := s.lib.Lyric(q.Path)
		if !ok {
			return &coordinator.Response{Code: coordinator.CodeFailed, Msg: "no lyric found"}
		}
		return &coordinator.Response{Code: coordinator.CodeOK, Msg: "success", Data: string(text)}
	case "p":
		img, ok := s.lib.Cover(q.Path)
		if !ok {
			return notFound
		}
		w.Header().Set("Content-Type", http.DetectContentType(img))
		w.Write(img)
		return nil
	case "c":
		return &coordinator.Response{Code: coordinator.CodeOK, Msg: "success", Data: s.lib.Check(q.Path)}
	default:
		return notFound
	}
}

func (s *Server) handleCacheFile(w http.ResponseWriter, r *http.Request) {
	path := s.st.Resolve(chi.URLParam(r, "basename"))
	if path == "" {
		s.writeEnvelope(w, coordinator.Response{Code: coordinator.CodeNotFound, Msg: "resource not found"})
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("remote", clientIP(r)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.global != nil && !s.global.Allow() {
			s.writeEnvelope(w, coordinator.Response{Code: coordinator.CodeRateLimited, Msg: "rate limited"})
			return
		}
		if s.perIP.m != nil && !s.allowIP(clientIP(r)) {
			s.writeEnvelope(w, coordinator.Response{Code: coordinator.CodeRateLimited, Msg: "rate limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowIP(ip string) bool {
	s.perIP.Lock()
	lim, ok := s.perIP.m[ip]
	if !ok {
		// bound the map; a reset just forgets pacing history
		if len(s.perIP.m) > 4096 {
			s.perIP.m = map[string]*rate.Limiter{}
		}
		lim = rate.NewLimiter(s.perIP.rate, s.perIP.burst)
		s.perIP.m[ip] = lim
	}
	s.perIP.Unlock()
	return lim.Allow()
}

// clientIP honors a proxy-set real IP header, else the connection address.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// decodeBase64URL accepts padded and unpadded base64url.
func decodeBase64URL(s string) []byte {
	if s == "" {
		return nil
	}
	if raw, err := base64.URLEncoding.DecodeString(s); err == nil {
		return raw
	}
	if raw, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return raw
	}
	return nil
}
