package router

import (
	"io"
	"log/slog"
	"sync"
	"testing"
)

// recordingHandler collects every topic it handles.
type recordingHandler struct {
	patterns []string

	mu     sync.Mutex
	topics []string
}

func (h *recordingHandler) Handle(topic string, payload []byte) {
	h.mu.Lock()
	h.topics = append(h.topics, topic)
	h.mu.Unlock()
}

func (h *recordingHandler) CanHandle(topic string) bool {
	for _, p := range h.patterns {
		if Matches(p, topic) {
			return true
		}
	}
	return false
}

func (h *recordingHandler) SupportedTopics() []string { return h.patterns }

func (h *recordingHandler) handled() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.topics...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMatches(t *testing.T) {
	tests := []struct {
		pattern, topic string
		want           bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b/d", false},
		{"a/b/c", "a/b", false},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
		{"a/+/c", "a/b/x/c", false},
		{"+/b/c", "a/b/c", true},
		{"a/b/+", "a/b/c", true},
		{"a/b/+", "a/b", false},
		{"a/#", "a/b/c", true},
		{"a/#", "a/b", true},
		{"a/#", "a", false},
		{"#", "a/b", true},
		{"a/+/#", "a/b/c/d", true},
		{"a/#/c", "a/b/c", false}, // # not final: never matches
		{"ios/v1/+/grating/trigger", "ios/v1/sensor/grating/trigger", true},
	}
	for _, tt := range tests {
		if got := Matches(tt.pattern, tt.topic); got != tt.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
		}
	}
}

func TestExactMatchWins(t *testing.T) {
	exact := &recordingHandler{patterns: []string{"ios/v1/sensor/grating/trigger"}}
	wild := &recordingHandler{patterns: []string{"ios/v1/sensor/#"}}
	fallback := &recordingHandler{}

	r := New(testLogger(), fallback)
	r.Register(exact)
	r.Register(wild)

	r.RouteSync("ios/v1/sensor/grating/trigger", nil)

	if len(exact.handled()) != 1 {
		t.Errorf("exact handler invoked %d times, want 1", len(exact.handled()))
	}
	if len(wild.handled()) != 0 {
		t.Error("wildcard handler invoked despite exact match")
	}
	if len(fallback.handled()) != 0 {
		t.Error("fallback invoked despite exact match")
	}
}

func TestWildcardFallthrough(t *testing.T) {
	wild := &recordingHandler{patterns: []string{"ios/v1/motion/#"}}
	r := New(testLogger(), nil)
	r.Register(wild)

	r.RouteSync("ios/v1/motion/control/complete", nil)

	if got := wild.handled(); len(got) != 1 || got[0] != "ios/v1/motion/control/complete" {
		t.Errorf("wildcard handled = %v", got)
	}
}

func TestDefaultHandler(t *testing.T) {
	fallback := &recordingHandler{}
	r := New(testLogger(), fallback)

	r.RouteSync("foo/bar/baz", []byte("x"))

	if got := fallback.handled(); len(got) != 1 || got[0] != "foo/bar/baz" {
		t.Errorf("fallback handled = %v", got)
	}
	if s := r.Stats(); s.Defaulted != 1 {
		t.Errorf("Defaulted = %d, want 1", s.Defaulted)
	}
}

func TestMultipleHandlersSameTopic(t *testing.T) {
	a := &recordingHandler{patterns: []string{"t/1"}}
	b := &recordingHandler{patterns: []string{"t/1"}}
	r := New(testLogger(), nil)
	r.Register(a)
	r.Register(b)

	r.RouteSync("t/1", nil)

	if len(a.handled()) != 1 || len(b.handled()) != 1 {
		t.Errorf("handlers invoked %d/%d times, want 1/1", len(a.handled()), len(b.handled()))
	}
}

type panicky struct{}

func (panicky) Handle(string, []byte)     { panic("boom") }
func (panicky) CanHandle(string) bool     { return true }
func (panicky) SupportedTopics() []string { return []string{"p/1"} }

func TestPanicRecovered(t *testing.T) {
	r := New(testLogger(), nil)
	r.Register(panicky{})

	// Must not crash the test binary.
	r.RouteSync("p/1", nil)

	if s := r.Stats(); s.Panics != 1 {
		t.Errorf("Panics = %d, want 1", s.Panics)
	}
}

// Concurrent dispatch bumps the counters from many goroutines at once;
// every route must be counted and the race detector must stay quiet.
func TestStatsCountedUnderConcurrentRoutes(t *testing.T) {
	exact := &recordingHandler{patterns: []string{"c/exact"}}
	wild := &recordingHandler{patterns: []string{"c/wild/#"}}
	fallback := &recordingHandler{}
	r := New(testLogger(), fallback)
	r.Register(exact)
	r.Register(wild)

	const perKind = 50
	var wg sync.WaitGroup
	for i := 0; i < perKind; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			r.RouteSync("c/exact", nil)
		}()
		go func() {
			defer wg.Done()
			r.RouteSync("c/wild/x", nil)
		}()
		go func() {
			defer wg.Done()
			r.RouteSync("c/none", nil)
		}()
	}
	wg.Wait()

	s := r.Stats()
	if s.Routed != 2*perKind {
		t.Errorf("Routed = %d, want %d", s.Routed, 2*perKind)
	}
	if s.Wildcard != perKind {
		t.Errorf("Wildcard = %d, want %d", s.Wildcard, perKind)
	}
	if s.Defaulted != perKind {
		t.Errorf("Defaulted = %d, want %d", s.Defaulted, perKind)
	}
}

func TestUnregister(t *testing.T) {
	h := &recordingHandler{patterns: []string{"t/2"}}
	r := New(testLogger(), nil)
	r.Register(h)

	if !r.Unregister("t/2") {
		t.Error("Unregister(existing) = false")
	}
	if r.Unregister("t/2") {
		t.Error("Unregister(missing) = true")
	}

	r.RouteSync("t/2", nil)
	if len(h.handled()) != 0 {
		t.Error("handler invoked after Unregister")
	}
}
