package httpclient

import (
	"compress/gzip"
	"io"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16

	UserAgent = "TuneCache/1.0"
)

var defaultClient *http.Client

func init() {
	defaultClient = &http.Client{
		Timeout: DefaultTimeout,
		Transport: &decodingTransport{
			next: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: MaxIdleConnsPerHost,
				IdleConnTimeout:     DefaultIdleConnTimeout,
			},
		},
	}
}

// Default returns the shared tuned HTTP client for upstream, fallback, and materializer.
func Default() *http.Client {
	return defaultClient
}

// WithTimeout returns a client with the given timeout and the same transport as Default.
func WithTimeout(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: defaultClient.Transport,
	}
}

// decodingTransport advertises gzip+brotli and transparently decodes the
// response body. Go's transport only auto-handles gzip, and only when it set
// the header itself; some music CDNs answer br regardless of what was asked.
type decodingTransport struct {
	next http.RoundTripper
}

func (t *decodingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "gzip, br")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", UserAgent)
	}
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	switch resp.Header.Get("Content-Encoding") {
	case "br":
		resp.Body = &decodedBody{r: brotli.NewReader(resp.Body), c: resp.Body}
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		resp.Body = &decodedBody{r: gz, c: resp.Body}
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
	}
	return resp, nil
}

type decodedBody struct {
	r io.Reader
	c io.Closer
}

func (b *decodedBody) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *decodedBody) Close() error {
	if rc, ok := b.r.(io.Closer); ok {
		rc.Close()
	}
	return b.c.Close()
}
