// Package materializer downloads resolved audio (and cover) URLs into the
// artifact cache. Writes go to a unique dotfile temp path and are renamed
// into place only when complete, so the store index and the /cache handler
// never observe a partial file. Concurrent materializations of the same
// target coalesce; the first writer wins.
package materializer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tunecache/tunecache/internal/httpclient"
	"github.com/tunecache/tunecache/internal/metrics"
	"github.com/tunecache/tunecache/internal/safeurl"
	"github.com/tunecache/tunecache/internal/store"
)

const copyChunkBytes = 64 << 10

// RetryPolicy shapes the download retry loop: Attempts total tries with a
// doubling delay starting at BaseDelay.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryPolicy matches the historical 3-attempt behavior.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 500 * time.Millisecond}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	return p
}

// Downloader materializes remote URLs into the artifact store.
type Downloader struct {
	store  *store.Store
	client *http.Client
	retry  RetryPolicy
	sf     singleflight.Group
	log    zerolog.Logger
}

func New(st *store.Store, retry RetryPolicy, log zerolog.Logger) *Downloader {
	return &Downloader{
		store:  st,
		client: httpclient.WithTimeout(2 * time.Minute),
		retry:  retry.normalized(),
		log:    log.With().Str("component", "materializer").Logger(),
	}
}

// ExtFromURL returns the file extension of the URL path, default ".mp3".
func ExtFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ".mp3"
	}
	if ext := filepath.Ext(u.Path); ext != "" {
		return ext
	}
	return ".mp3"
}

// Materialize downloads remoteURL into the cache file for k and updates the
// index. Returns the final path. Idempotent: an existing target returns
// immediately, and concurrent calls for the same target share one download.
func (d *Downloader) Materialize(ctx context.Context, k store.Key, remoteURL string) (string, error) {
	name := store.Filename(k, ExtFromURL(remoteURL))
	dest := filepath.Join(d.store.Dir(), name)

	v, err, _ := d.sf.Do(dest, func() (any, error) {
		if _, err := os.Stat(dest); err == nil {
			return dest, nil
		}
		start := time.Now()
		if err := d.fetch(ctx, remoteURL, dest); err != nil {
			metrics.Downloads.WithLabelValues("audio", "error").Inc()
			return "", err
		}
		metrics.Downloads.WithLabelValues("audio", "ok").Inc()
		metrics.DownloadSeconds.Observe(time.Since(start).Seconds())
		d.store.Put(k, dest)
		d.log.Info().Str("path", dest).Msg("audio materialized")
		return dest, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// MaterializeAsync runs Materialize in the background and swallows the
// outcome. ctx should be the process-wide shutdown context, never a
// request context.
func (d *Downloader) MaterializeAsync(ctx context.Context, k store.Key, remoteURL string) {
	go func() {
		if _, err := d.Materialize(ctx, k, remoteURL); err != nil {
			d.log.Warn().Str("url", safeurl.Redact(remoteURL)).Err(err).Msg("background materialization failed")
		}
	}()
}

// Fetch downloads rawURL to destPath with the retry policy and the
// temp-and-rename discipline, without touching the audio index. Used for
// cover images.
func (d *Downloader) Fetch(ctx context.Context, rawURL, destPath string) error {
	return d.fetch(ctx, rawURL, destPath)
}

func (d *Downloader) fetch(ctx context.Context, rawURL, destPath string) error {
	if !safeurl.IsHTTPOrHTTPS(rawURL) {
		return fmt.Errorf("materialize %q: scheme not allowed", rawURL)
	}
	var lastErr error
	for attempt := 0; attempt < d.retry.Attempts; attempt++ {
		if attempt > 0 {
			delay := d.retry.BaseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := d.downloadOnce(ctx, rawURL, destPath); err != nil {
			lastErr = err
			d.log.Debug().Str("url", safeurl.Redact(rawURL)).Int("attempt", attempt+1).Err(err).Msg("download attempt failed")
			continue
		}
		return nil
	}
	return fmt.Errorf("download %s: %w", safeurl.Redact(rawURL), lastErr)
}

// downloadOnce performs a single transfer into a fresh dotfile temp path.
// The leading dot keeps half-written files out of the startup scan.
func (d *Downloader) downloadOnce(ctx context.Context, rawURL, destPath string) (err error) {
	release := httpclient.PerHost.Acquire(rawURL)
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %s", resp.Status)
	}

	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(destPath)+".partial-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	buf := make([]byte, copyChunkBytes)
	if _, err = io.CopyBuffer(tmp, resp.Body, buf); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), destPath)
}
