package httpclient

import (
	"net/url"
	"sync"
)

// HostGate caps concurrent requests per remote host. A popular song tends to
// resolve every quality to the same CDN host, so a burst of materializer and
// cover downloads would otherwise open a pile of connections to one place.
// Everything in the process that downloads shares PerHost.
type HostGate struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	width int
}

// PerHost is the shared gate: at most 4 in-flight downloads per host.
var PerHost = NewHostGate(4)

func NewHostGate(width int) *HostGate {
	if width < 1 {
		width = 1
	}
	return &HostGate{slots: make(map[string]chan struct{}), width: width}
}

// Acquire blocks until the host named by rawURL has a free slot and returns
// the release func. Path and query are ignored; only scheme and host key the
// gate, so all files on one CDN share a budget.
func (g *HostGate) Acquire(rawURL string) (release func()) {
	slot := g.slotFor(rawURL)
	slot <- struct{}{}
	return func() { <-slot }
}

func (g *HostGate) slotFor(rawURL string) chan struct{} {
	key := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		key = u.Scheme + "://" + u.Host
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[key]
	if !ok {
		s = make(chan struct{}, g.width)
		g.slots[key] = s
	}
	return s
}
