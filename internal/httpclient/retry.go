package httpclient

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy says which upstream answers earn a second attempt. The music
// upstreams throttle hard (429 with Retry-After) and flap briefly during
// their nightly catalog rotations (5xx); one polite resend rescues most of
// those without hammering a host that is genuinely down.
type RetryPolicy struct {
	OnThrottle  bool          // 429: wait out Retry-After before resending
	ThrottleCap time.Duration // upper bound on the advertised wait

	OnServerError    bool // 5xx: pause and resend once
	ServerErrorPause time.Duration
}

// DefaultRetryPolicy suits envelope-sized GET requests: honor throttling up
// to a minute, give a flapping upstream one second.
var DefaultRetryPolicy = RetryPolicy{
	OnThrottle:       true,
	ThrottleCap:      60 * time.Second,
	OnServerError:    true,
	ServerErrorPause: time.Second,
}

// DoWithRetry sends req and, when the policy allows, waits and resends it
// once. Client errors other than 429 come back untouched; turning them into
// resolution failures is the caller's business. The response body is open
// when err is nil.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, policy RetryPolicy) (*http.Response, error) {
	if client == nil {
		client = Default()
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	wait, retry := retryWait(resp, policy)
	if !retry {
		return resp, nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(wait):
	}
	// resolver requests are bodiless GETs, so a fresh request is safe
	again, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), nil)
	if err != nil {
		return nil, err
	}
	again.Header = req.Header.Clone()
	return client.Do(again)
}

func retryWait(resp *http.Response, policy RetryPolicy) (time.Duration, bool) {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests && policy.OnThrottle:
		return throttleWait(resp.Header.Get("Retry-After"), policy.ThrottleCap), true
	case resp.StatusCode >= 500 && policy.OnServerError:
		return policy.ServerErrorPause, true
	}
	return 0, false
}

// throttleWait reads Retry-After in either of its shapes, delta-seconds or
// an HTTP date, clamped to limit. An absent or garbled header costs one
// second; upstreams that throttle rarely say for how long.
func throttleWait(header string, limit time.Duration) time.Duration {
	header = strings.TrimSpace(header)
	if sec, err := strconv.Atoi(header); err == nil && sec >= 0 {
		return clampWait(time.Duration(sec)*time.Second, limit)
	}
	if at, err := time.Parse(time.RFC1123, header); err == nil {
		return clampWait(time.Until(at), limit)
	}
	return time.Second
}

func clampWait(d, limit time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > limit {
		return limit
	}
	return d
}
