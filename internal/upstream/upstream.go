// Package upstream adapts a remote API speaking the standard response
// envelope into a resolver. The per-source scrapers live out of process;
// a deployment points each source tag at one of them (or at another
// instance of this proxy) and chains.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tunecache/tunecache/internal/httpclient"
	"github.com/tunecache/tunecache/internal/resolver"
	"github.com/tunecache/tunecache/internal/safeurl"
)

const maxBodyBytes = 4 << 20 // upstream envelopes are small; cap defensively

// Client resolves against one upstream base URL.
type Client struct {
	source  string
	base    string
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// New builds a client for source at base. rps <= 0 disables pacing.
func New(source, base string, rps float64, log zerolog.Logger) *Client {
	var lim *rate.Limiter
	if rps > 0 {
		lim = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &Client{
		source:  source,
		base:    base,
		http:    httpclient.WithTimeout(20 * time.Second),
		limiter: lim,
		log:     log.With().Str("component", "upstream").Str("source", source).Logger(),
	}
}

type envelope struct {
	Code  int             `json:"code"`
	Msg   string          `json:"msg"`
	Data  json.RawMessage `json:"data"`
	Extra struct {
		Quality struct {
			Result string `json:"result"`
		} `json:"quality"`
	} `json:"extra"`
}

func (c *Client) get(ctx context.Context, parts ...string) (*envelope, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	u := c.base
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpclient.DoWithRetry(ctx, c.http, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return nil, fmt.Errorf("upstream %s: %s", safeurl.Redact(u), resp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("upstream %s: bad envelope: %w", safeurl.Redact(u), err)
	}
	return &env, nil
}

// call runs a request and converts both transport errors and non-zero
// envelope codes into a typed resolution failure. Retry and pacing already
// happened by this point; an unreachable upstream is terminal for this
// source and the caller moves on to the fallback chain.
func (c *Client) call(ctx context.Context, parts ...string) (*envelope, error) {
	env, err := c.get(ctx, parts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Warn().Err(err).Msg("upstream request failed")
		return nil, resolver.Failed("upstream request failed")
	}
	if env.Code != 0 {
		msg := env.Msg
		if msg == "" {
			msg = fmt.Sprintf("upstream code %d", env.Code)
		}
		return nil, resolver.Failed(msg)
	}
	return env, nil
}

func (c *Client) Resolve(ctx context.Context, songID, quality string) (resolver.Result, error) {
	env, err := c.call(ctx, "url", c.source, songID, quality)
	if err != nil {
		return resolver.Result{}, err
	}
	var u string
	if err := json.Unmarshal(env.Data, &u); err != nil || u == "" {
		return resolver.Result{}, resolver.Failed("upstream returned no url")
	}
	if !safeurl.IsHTTPOrHTTPS(u) {
		return resolver.Result{}, resolver.Failed("upstream returned non-http url")
	}
	res := resolver.Result{URL: u, Quality: quality}
	if env.Extra.Quality.Result != "" {
		res.Quality = env.Extra.Quality.Result
	}
	c.log.Debug().Str("song", songID).Str("quality", res.Quality).Msg("resolved")
	return res, nil
}

func (c *Client) Lyric(ctx context.Context, songID string) (string, error) {
	env, err := c.call(ctx, "lyric", c.source, songID)
	if err != nil {
		return "", err
	}
	var text string
	if err := json.Unmarshal(env.Data, &text); err != nil {
		return "", resolver.Failed("upstream returned no lyric")
	}
	return text, nil
}

func (c *Client) Info(ctx context.Context, songID string) (json.RawMessage, error) {
	env, err := c.call(ctx, "info", c.source, songID)
	if err != nil {
		return nil, err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, resolver.Failed("upstream returned no info")
	}
	return env.Data, nil
}

func (c *Client) Search(ctx context.Context, keyword string) (json.RawMessage, error) {
	env, err := c.call(ctx, "search", c.source, keyword)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

// Call fans any further method out to the upstream unchanged.
func (c *Client) Call(ctx context.Context, method, songID string) (json.RawMessage, error) {
	env, err := c.call(ctx, method, c.source, songID)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}
