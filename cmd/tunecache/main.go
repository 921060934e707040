// Command tunecache serves the caching aggregation proxy for music
// streaming metadata: playable URL resolution with a disk-backed audio
// cache, lyric and song-info KV caches, external-script fallback, and an
// optional local music library.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/tunecache/tunecache/internal/api"
	"github.com/tunecache/tunecache/internal/config"
	"github.com/tunecache/tunecache/internal/coordinator"
	"github.com/tunecache/tunecache/internal/fallback"
	"github.com/tunecache/tunecache/internal/kvcache"
	"github.com/tunecache/tunecache/internal/library"
	"github.com/tunecache/tunecache/internal/materializer"
	"github.com/tunecache/tunecache/internal/resolver"
	"github.com/tunecache/tunecache/internal/store"
	"github.com/tunecache/tunecache/internal/upstream"
)

func main() {
	envFile := flag.String("env", ".env", "env file loaded before reading configuration")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	_ = config.LoadEnvFile(*envFile)
	cfg := config.Load()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("tunecache exited")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := kvcache.Open(cfg.KVDir, log)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.CacheDir, log)
	if err != nil {
		return err
	}

	reg := resolver.NewRegistry()
	for source, base := range cfg.Upstreams {
		reg.Register(source, upstream.New(source, base, cfg.UpstreamRPS, log))
	}
	log.Info().Strs("sources", reg.Sources()).Bool("cache", cfg.CacheEnable).Msg("resolvers registered")

	fb := fallback.New(cfg.ScriptDir, cfg.ScriptInterpreter, cfg.ScriptURLs, cfg.ScriptTimeout, log)
	dl := materializer.New(st, materializer.RetryPolicy{
		Attempts:  cfg.DownloadAttempts,
		BaseDelay: cfg.DownloadBackoff,
	}, log)
	co := coordinator.New(st, kv, reg, fb, dl, cfg.CacheEnable, ctx, log)

	var lib *library.Library
	if cfg.LocalDir != "" {
		lib, err = library.Open(cfg.LocalDir, filepath.Join(cfg.KVDir, "library.db"), log)
		if err != nil {
			return err
		}
		defer lib.Close()
	}

	srv := api.New(co, st, lib, api.Limits{
		GlobalRate:  cfg.RateGlobal,
		GlobalBurst: cfg.RateGlobalBurst,
		PerIPRate:   cfg.RatePerIP,
		PerIPBurst:  cfg.RatePerIPBurst,
	}, log)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	if cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConns)
	}
	httpSrv := &http.Server{
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("listen", ln.Addr().String()).Msg("serving")
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		kv.Run(gctx.Done(), cfg.KVFlushInterval)
		return nil
	})
	g.Go(func() error {
		// fresh script copies at every boot; cached copies stay usable on
		// download failure
		fb.RefreshAll(gctx)
		return nil
	})
	if lib != nil {
		g.Go(func() error {
			return lib.Watch(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			log.Warn().Err(err).Msg("shutdown incomplete")
		}
		return nil
	})

	err = g.Wait()
	// let in-flight metadata embeds finish before the final KV flush
	co.Wait()
	if ferr := kv.Flush(); ferr != nil {
		log.Error().Err(ferr).Msg("final flush failed")
	}
	log.Info().Msg("stopped")
	return err
}
