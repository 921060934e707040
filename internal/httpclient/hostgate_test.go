package httpclient

import (
	"testing"
	"time"
)

func TestHostGate_capsPerHost(t *testing.T) {
	g := NewHostGate(2)
	r1 := g.Acquire("http://cdn.example/a.mp3")
	r2 := g.Acquire("http://cdn.example/b.mp3?sig=x")

	third := make(chan struct{})
	go func() {
		release := g.Acquire("http://cdn.example/c.flac")
		release()
		close(third)
	}()

	select {
	case <-third:
		t.Fatal("third acquire went through with both slots held")
	case <-time.After(50 * time.Millisecond):
	}

	r1()
	select {
	case <-third:
	case <-time.After(time.Second):
		t.Fatal("third acquire still blocked after a release")
	}
	r2()
}

func TestHostGate_hostsAreIndependent(t *testing.T) {
	g := NewHostGate(1)
	release := g.Acquire("http://cdn-a.example/x.mp3")
	defer release()

	done := make(chan struct{})
	go func() {
		r := g.Acquire("http://cdn-b.example/y.mp3")
		r()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unrelated host blocked by a held slot")
	}
}
