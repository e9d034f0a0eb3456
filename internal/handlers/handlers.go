// Package handlers binds inbound topics to domain semantics. Each
// handler decodes the envelope, updates the shared store, and either
// feeds the workflow engine or publishes a reaction. Handlers never
// propagate errors: they log, optionally publish an error topic, and
// return.
package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/coder"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/envelope"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/router"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/state"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/topics"
)

// Publisher is the outbound slice of the bus client handlers use.
type Publisher interface {
	Publish(ctx context.Context, topicKey string, data any, priority envelope.Priority, correlationID string) bool
	PublishWith(ctx context.Context, topicKey string, params []string, data any, priority envelope.Priority, correlationID string) bool
}

// Workflow is the slice of the workflow engine handlers feed events
// into. The engine owns all task-state writes.
type Workflow interface {
	Trigger(messageID, direction string) string
	HeightResult(messageID, correlationID string, minHeight float64)
	MotionComplete(messageID, taskID string, success bool, finalPosition int64)
	ScanComplete(messageID, correlationID string, codes []string, success bool, errMsg string)
	OrderNew(messageID, correlationID, orderID string)
}

// Scanner is the collect-window primitive of the coder gateway. Nil
// when this process does not host the gateway.
type Scanner interface {
	StartScan(ctx context.Context, direction string, stackHeight float64, window time.Duration) (coder.ScanResult, error)
}

// Deps carries the shared collaborators every handler needs.
type Deps struct {
	States   *state.Store
	Pub      Publisher
	Registry *topics.Registry
	Version  string
	Logger   *slog.Logger
}

// resolve maps a topic key to its concrete topic; registration-time
// only, so a failure is a programming error worth a loud log.
func (d Deps) resolve(key string, params ...string) string {
	topic, err := d.Registry.Resolve(key, d.Version, params...)
	if err != nil {
		d.Logger.Error("topic resolution failed at handler setup", "key", key, "error", err)
		return ""
	}
	return topic
}

// decode unmarshals an envelope, logging and dropping undecodable
// payloads per the protocol error policy.
func (d Deps) decode(topic string, payload []byte) (*envelope.Envelope, bool) {
	env, err := envelope.Unmarshal(payload)
	if err != nil {
		d.Logger.Warn("undecodable envelope dropped",
			"topic", topic, "payload_size", len(payload), "error", err)
		return nil, false
	}
	if env.Expired(time.Now().UTC()) {
		d.Logger.Debug("expired envelope dropped", "topic", topic, "message_id", env.MessageID)
		return nil, false
	}
	return env, true
}

// matchAny is the shared CanHandle implementation.
func matchAny(patterns []string, topic string) bool {
	for _, p := range patterns {
		if router.Matches(p, topic) {
			return true
		}
	}
	return false
}
