// Package router demultiplexes inbound MQTT topics to registered
// handlers. Selection is exact-match first, then MQTT wildcard match,
// then a default handler. Dispatch never tears down a subscription:
// handler errors and panics are logged and swallowed.
package router

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Handler processes messages for one or more topic patterns.
// Implementations must be safe for concurrent use and must not panic;
// the router recovers and logs panics as a last line of defense.
type Handler interface {
	// Handle processes one message. Errors are the handler's own
	// business: log, publish an error topic, or both.
	Handle(topic string, payload []byte)
	// CanHandle reports whether the handler accepts the topic.
	CanHandle(topic string) bool
	// SupportedTopics lists the patterns the handler serves,
	// for registration and introspection.
	SupportedTopics() []string
}

// Stats is a snapshot of routing counters.
type Stats struct {
	Routed    int64 `json:"routed"`
	Wildcard  int64 `json:"wildcard"`
	Defaulted int64 `json:"defaulted"`
	Panics    int64 `json:"panics"`
}

// Router owns the topic → handler table. Reads (dispatch) take the
// read lock so they do not contend with each other; the table is only
// written via Register/Unregister. Counters are atomic so dispatch
// paths holding the read lock may bump them concurrently.
type Router struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	fallback Handler

	routed    atomic.Int64
	wildcard  atomic.Int64
	defaulted atomic.Int64
	panics    atomic.Int64
}

// New creates a router with an optional default handler. A nil
// defaultHandler means unmatched topics are logged and dropped.
func New(logger *slog.Logger, defaultHandler Handler) *Router {
	return &Router{
		logger:   logger,
		handlers: make(map[string][]Handler),
		fallback: defaultHandler,
	}
}

// SetFallback replaces the default handler. The daemon uses this when
// the fallback needs collaborators constructed after the router.
func (r *Router) SetFallback(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// Register binds a handler to every pattern it supports.
func (r *Router) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pattern := range h.SupportedTopics() {
		r.handlers[pattern] = append(r.handlers[pattern], h)
	}
}

// RegisterPattern binds a handler to a single explicit pattern.
func (r *Router) RegisterPattern(pattern string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[pattern] = append(r.handlers[pattern], h)
}

// Unregister removes all handlers for a pattern and reports whether
// any were registered.
func (r *Router) Unregister(pattern string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[pattern]
	delete(r.handlers, pattern)
	return ok
}

// Patterns returns the registered patterns.
func (r *Router) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for p := range r.handlers {
		out = append(out, p)
	}
	return out
}

// Route dispatches one message. Exact-match handlers win; otherwise
// every wildcard pattern is tested; otherwise the default handler
// runs. All matched handlers are invoked concurrently and Route
// returns without waiting for them.
func (r *Router) Route(topic string, payload []byte) {
	r.mu.RLock()
	matched := r.handlers[topic]
	if len(matched) == 0 {
		for pattern, hs := range r.handlers {
			if strings.ContainsAny(pattern, "+#") && Matches(pattern, topic) {
				matched = append(matched, hs...)
			}
		}
		if len(matched) > 0 {
			r.wildcard.Add(1)
		}
	}
	fallback := r.fallback
	r.mu.RUnlock()

	if len(matched) > 0 {
		r.routed.Add(1)
	} else {
		r.defaulted.Add(1)
	}

	if len(matched) == 0 {
		if fallback != nil {
			go r.invoke(fallback, topic, payload)
			return
		}
		r.logger.Debug("no handler for topic", "topic", topic, "payload_size", len(payload))
		return
	}

	for _, h := range matched {
		go r.invoke(h, topic, payload)
	}
}

// RouteSync dispatches like Route but waits for all handlers to
// finish. Used by tests and by callers that need completion ordering.
func (r *Router) RouteSync(topic string, payload []byte) {
	var wg sync.WaitGroup
	r.routeWith(topic, payload, func(h Handler) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.invoke(h, topic, payload)
		}()
	})
	wg.Wait()
}

func (r *Router) routeWith(topic string, payload []byte, launch func(Handler)) {
	r.mu.RLock()
	matched := r.handlers[topic]
	if len(matched) == 0 {
		for pattern, hs := range r.handlers {
			if strings.ContainsAny(pattern, "+#") && Matches(pattern, topic) {
				matched = append(matched, hs...)
			}
		}
		if len(matched) > 0 {
			r.wildcard.Add(1)
		}
	}
	fallback := r.fallback
	r.mu.RUnlock()

	if len(matched) > 0 {
		r.routed.Add(1)
	} else {
		r.defaulted.Add(1)
	}

	if len(matched) == 0 {
		if fallback != nil {
			launch(fallback)
		}
		return
	}
	for _, h := range matched {
		launch(h)
	}
}

// invoke runs a handler with panic recovery. A panicking handler is a
// bug in the handler, not a reason to drop the subscription.
func (r *Router) invoke(h Handler, topic string, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.panics.Add(1)
			r.logger.Error("handler panicked",
				"topic", topic,
				"panic", rec,
			)
		}
	}()

	start := time.Now()
	h.Handle(topic, payload)
	r.logger.Debug("message handled",
		"topic", topic,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
}

// Stats returns a snapshot of the routing counters.
func (r *Router) Stats() Stats {
	return Stats{
		Routed:    r.routed.Load(),
		Wildcard:  r.wildcard.Load(),
		Defaulted: r.defaulted.Load(),
		Panics:    r.panics.Load(),
	}
}

// Matches tests an MQTT topic filter against a concrete topic.
// `+` matches exactly one path segment; `#` matches one or more
// trailing segments and is only allowed as the final segment.
// Non-wildcard patterns match only by string equality.
func Matches(pattern, topic string) bool {
	if !strings.ContainsAny(pattern, "+#") {
		return pattern == topic
	}

	pSegs := strings.Split(pattern, "/")
	tSegs := strings.Split(topic, "/")

	for i, p := range pSegs {
		switch p {
		case "#":
			// Only valid as the last pattern segment, and it must
			// cover at least one topic segment.
			return i == len(pSegs)-1 && i < len(tSegs)
		case "+":
			if i >= len(tSegs) {
				return false
			}
		default:
			if i >= len(tSegs) || p != tSegs[i] {
				return false
			}
		}
	}
	return len(pSegs) == len(tSegs)
}
