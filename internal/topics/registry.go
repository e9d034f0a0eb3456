// Package topics maps symbolic topic keys to MQTT topic patterns.
// Services publish and subscribe by key; the registry owns the actual
// topic strings so that the hierarchy can evolve without touching
// every call site.
package topics

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/envelope"
)

var (
	// ErrNotRegistered is returned when resolving a key that was
	// never registered.
	ErrNotRegistered = errors.New("topic key not registered")
	// ErrUnderParameterised is returned when a pattern still contains
	// placeholders after substitution.
	ErrUnderParameterised = errors.New("topic pattern under-parameterised")
)

// Definition describes one registered topic.
type Definition struct {
	Key          string
	Pattern      string
	MessageType  envelope.MessageType
	PayloadType  string
	RegisteredAt time.Time
	Description  string
}

// Registry is a mutex-guarded key → pattern table. The zero value is
// not usable; call New or NewDefaultRegistry.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds or replaces a topic definition. Registration is
// last-write-wins per key. An empty key is rejected.
func (r *Registry) Register(key, pattern string, msgType envelope.MessageType, payloadType string) error {
	if key == "" {
		return errors.New("register topic: empty key")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[key] = Definition{
		Key:          key,
		Pattern:      pattern,
		MessageType:  msgType,
		PayloadType:  payloadType,
		RegisteredAt: time.Now().UTC(),
	}
	return nil
}

// Resolve substitutes {version} and then positional {0}, {1}, ...
// placeholders into the key's pattern. version defaults to the
// protocol version when empty. Fails when the key is unknown or when
// placeholders remain unresolved.
func (r *Registry) Resolve(key, version string, params ...string) (string, error) {
	r.mu.RLock()
	def, ok := r.defs[key]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("resolve %q: %w", key, ErrNotRegistered)
	}

	if version == "" {
		version = envelope.ProtocolVersion
	}
	topic := strings.ReplaceAll(def.Pattern, "{version}", version)
	for i, p := range params {
		topic = strings.ReplaceAll(topic, fmt.Sprintf("{%d}", i), p)
	}

	if strings.Contains(topic, "{") {
		return "", fmt.Errorf("resolve %q with %d params left %q: %w",
			key, len(params), topic, ErrUnderParameterised)
	}
	return topic, nil
}

// Unregister removes a key. Returns whether it existed.
func (r *Registry) Unregister(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.defs[key]
	delete(r.defs, key)
	return ok
}

// Get returns the definition for a key.
func (r *Registry) Get(key string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[key]
	return d, ok
}

// Exists reports whether a key is registered.
func (r *Registry) Exists(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[key]
	return ok
}

// List returns all definitions sorted by key.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Clear removes every registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = make(map[string]Definition)
}

// Well-known topic keys used by the outbound workflow.
const (
	KeySensorTrigger   = "sensor.trigger"
	KeyOrderNew        = "order.new"
	KeyOrderRequest    = "order.request"
	KeyVisionStart     = "vision.start"
	KeyVisionResult    = "vision.result"
	KeyVisionHeightReq = "vision.height.request"
	KeyVisionHeightRes = "vision.height.result"
	KeyMotionMove      = "motion.move"
	KeyMotionComplete  = "motion.complete"
	KeyMotionStop      = "motion.stop"
	KeyVisionStop      = "vision.stop"
	KeyCoderStart      = "coder.start"
	KeyCoderComplete   = "coder.complete"
	KeyCoderOdoo       = "coder.odoo"
	KeyMotionPosition  = "motion.position"
	KeyCoderResult     = "coder.result"
	KeyCoderValidation = "coder.validation"
	KeyVisionDetection = "vision.detection"
	KeyStatusHeartbeat = "status.heartbeat"
	KeySystemStatusReq = "system.status.request"
	KeySystemStatusRes = "system.status.response"
	KeySystemConfig    = "system.config.update"
	KeySystemConfigAck = "system.config.confirm"
	KeySystemError     = "system.error"
	KeyTaskError       = "outbound.task.error"
	KeyUnknownTopic    = "system.unknown_topic"
)

// NewDefaultRegistry returns a registry pre-loaded with the workcell's
// standard topic set.
func NewDefaultRegistry() *Registry {
	r := New()
	defaults := []struct {
		key     string
		pattern string
		msgType envelope.MessageType
		payload string
	}{
		{KeySensorTrigger, "ios/{version}/sensor/grating/trigger", envelope.TypeEvent, "SensorTrigger"},
		{KeyOrderNew, "ios/{version}/order/system/new", envelope.TypeCommand, "OrderNew"},
		{KeyOrderRequest, "ios/{version}/order/system/request", envelope.TypeRequest, "OrderRequest"},
		{KeyVisionStart, "ios/{version}/vision/camera/start", envelope.TypeCommand, ""},
		{KeyVisionResult, "ios/{version}/vision/camera/result", envelope.TypeEvent, "DetectionResult"},
		{KeyVisionHeightReq, "ios/{version}/vision/height/request", envelope.TypeRequest, "HeightRequest"},
		{KeyVisionHeightRes, "ios/{version}/vision/height/result", envelope.TypeEvent, "HeightResult"},
		{KeyVisionStop, "ios/{version}/vision/camera/stop", envelope.TypeCommand, ""},
		{KeyMotionMove, "ios/{version}/motion/control/move", envelope.TypeCommand, "MotionMove"},
		{KeyMotionComplete, "ios/{version}/motion/control/complete", envelope.TypeEvent, "MotionComplete"},
		{KeyMotionStop, "ios/{version}/motion/control/stop", envelope.TypeCommand, ""},
		{KeyCoderStart, "ios/{version}/coder/service/start", envelope.TypeCommand, "CoderStart"},
		{KeyCoderComplete, "ios/{version}/coder/service/complete", envelope.TypeEvent, "CoderComplete"},
		{KeyCoderOdoo, "ios/{version}/coder/service/odoo", envelope.TypeEvent, "OdooEvent"},
		{KeyMotionPosition, "ios/{version}/motion/control/position", envelope.TypeEvent, "MotionPosition"},
		{KeyCoderResult, "ios/{version}/coder/service/result", envelope.TypeEvent, "CoderResult"},
		{KeyCoderValidation, "ios/{version}/coder/validation/{0}", envelope.TypeEvent, ""},
		{KeyVisionDetection, "ios/{version}/vision/camera/detection", envelope.TypeEvent, "DetectionResult"},
		{KeyStatusHeartbeat, "ios/{version}/status/{0}/heartbeat", envelope.TypeHeartbeat, "Heartbeat"},
		{KeySystemStatusReq, "ios/{version}/system/status/request", envelope.TypeQuery, ""},
		{KeySystemStatusRes, "ios/{version}/system/status/response", envelope.TypeResponse, ""},
		{KeySystemConfig, "ios/{version}/system/config/update", envelope.TypeCommand, ""},
		{KeySystemConfigAck, "ios/{version}/system/config/confirm", envelope.TypeResponse, ""},
		{KeySystemError, "ios/{version}/system/error/{0}", envelope.TypeEvent, ""},
		{KeyTaskError, "ios/{version}/outbound/task/error", envelope.TypeEvent, ""},
		{KeyUnknownTopic, "ios/{version}/system/events/unknown_topic", envelope.TypeNotification, ""},
	}
	for _, d := range defaults {
		// key is never empty here, Register cannot fail.
		_ = r.Register(d.key, d.pattern, d.msgType, d.payload)
	}
	return r
}
