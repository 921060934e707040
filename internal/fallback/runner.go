// Package fallback downloads external adapter scripts and runs them as
// short-lived interpreter subprocesses when every primary resolver has
// failed. Scripts are cached under a content-hash filename; the subprocess
// speaks a fixed JSON protocol on its last non-empty stdout line.
package fallback

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/tunecache/tunecache/internal/httpclient"
	"github.com/tunecache/tunecache/internal/resolver"
	"github.com/tunecache/tunecache/internal/safeurl"
)

const (
	maxScriptBytes  = 8 << 20
	downloadTimeout = 20 * time.Second
)

// Runner tries each configured script URL in order.
type Runner struct {
	Dir         string        // script cache dir
	Interpreter string        // e.g. "node"
	URLs        []string      // ordered candidates
	Timeout     time.Duration // per-subprocess deadline
	Client      *http.Client

	log zerolog.Logger
}

// New builds a Runner. The directory is created lazily on first use.
func New(dir, interpreter string, urls []string, timeout time.Duration, log zerolog.Logger) *Runner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Runner{
		Dir:         dir,
		Interpreter: interpreter,
		URLs:        urls,
		Timeout:     timeout,
		Client:      httpclient.WithTimeout(downloadTimeout),
		log:         log.With().Str("component", "fallback").Logger(),
	}
}

// scriptPath is the content-hash cache name for a script URL.
func (r *Runner) scriptPath(url string) string {
	sum := md5.Sum([]byte(url))
	return filepath.Join(r.Dir, hex.EncodeToString(sum[:])+".js")
}

// ensureScript downloads url into the cache unless already present.
// force re-downloads and overwrites (startup refresh).
func (r *Runner) ensureScript(ctx context.Context, url string, force bool) (string, error) {
	if !safeurl.IsHTTPOrHTTPS(url) {
		return "", fmt.Errorf("script url %q: scheme not allowed", url)
	}
	path := r.scriptPath(url)
	if !force {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download script %s: %s", safeurl.Redact(url), resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptBytes))
	if err != nil {
		return "", err
	}
	if err := renameio.WriteFile(path, body, 0o644); err != nil {
		return "", err
	}
	r.log.Info().Str("url", safeurl.Redact(url)).Str("path", path).Msg("script downloaded")
	return path, nil
}

// hostPath writes the embedded runtime host on first use and returns it.
func (r *Runner) hostPath() (string, error) {
	path := filepath.Join(r.Dir, hostScriptName)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return "", err
	}
	if err := renameio.WriteFile(path, []byte(hostScript), 0o644); err != nil {
		return "", err
	}
	r.log.Info().Str("path", path).Msg("runtime host written")
	return path, nil
}

// RefreshAll force-redownloads every configured script. Called at startup;
// failures are logged, the old cached copy (if any) stays usable.
func (r *Runner) RefreshAll(ctx context.Context) {
	for _, url := range r.URLs {
		if _, err := r.ensureScript(ctx, url, true); err != nil {
			r.log.Warn().Str("url", safeurl.Redact(url)).Err(err).Msg("script refresh failed")
		}
	}
}

// scriptResult is the subprocess envelope: the last non-empty stdout line.
type scriptResult struct {
	Code    int    `json:"code"`
	Data    string `json:"data"`
	Msg     string `json:"msg"`
	Quality string `json:"quality"`
}

// runScript invokes the interpreter on one cached script. The subprocess is
// killed when the deadline passes or ctx is cancelled.
func (r *Runner) runScript(ctx context.Context, scriptPath, source, songID, quality, infoJSON string) (*scriptResult, error) {
	host, err := r.hostPath()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.Interpreter, host, scriptPath, source, songID, quality, infoJSON)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 3 * time.Second

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("interpreter %q not found: %w", r.Interpreter, err)
		}
		if stderr.Len() > 0 {
			r.log.Debug().Str("stderr", truncate(stderr.String(), 512)).Msg("script stderr")
		}
		return nil, fmt.Errorf("script exited: %w", err)
	}
	if stderr.Len() > 0 {
		r.log.Debug().Str("stderr", truncate(stderr.String(), 512)).Msg("script stderr")
	}
	line := lastNonEmptyLine(stdout.String())
	if line == "" {
		return nil, errors.New("script produced no output")
	}
	var res scriptResult
	if err := json.Unmarshal([]byte(line), &res); err != nil {
		return nil, fmt.Errorf("parse script output: %w", err)
	}
	return &res, nil
}

// Try walks the configured scripts in order and returns the first usable
// result. ok=false means every candidate failed (or none is configured).
func (r *Runner) Try(ctx context.Context, source, songID, quality, infoJSON string) (resolver.Result, bool) {
	if len(r.URLs) == 0 {
		return resolver.Result{}, false
	}
	for _, url := range r.URLs {
		log := r.log.With().Str("url", safeurl.Redact(url)).Str("song", source+"_"+songID).Logger()
		path, err := r.ensureScript(ctx, url, false)
		if err != nil {
			log.Warn().Err(err).Msg("script unavailable, skipping")
			continue
		}
		res, err := r.runScript(ctx, path, source, songID, quality, infoJSON)
		if err != nil {
			log.Warn().Err(err).Msg("script run failed")
			continue
		}
		if res.Code != 0 || res.Data == "" {
			log.Info().Int("code", res.Code).Str("msg", res.Msg).Msg("script returned no result")
			continue
		}
		q := res.Quality
		if q == "" {
			q = quality
		}
		log.Info().Str("quality", q).Msg("fallback hit")
		return resolver.Result{URL: res.Data, Quality: q}, true
	}
	r.log.Info().Str("song", source+"_"+songID).Msg("all fallback scripts failed")
	return resolver.Result{}, false
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
