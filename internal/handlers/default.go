package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/envelope"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/topics"
)

// UnknownMessage is what the default handler retains for inspection.
type UnknownMessage struct {
	Topic      string    `json:"topic"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// DefaultHandler is the router's catch-all: it retains the message for
// later inspection and announces the unknown topic on the bus. Topics
// under test/, debug/, and log/ get lightweight category handling
// instead of the unknown-topic announcement.
type DefaultHandler struct {
	deps Deps
}

func NewDefaultHandler(deps Deps) *DefaultHandler {
	return &DefaultHandler{deps: deps}
}

func (h *DefaultHandler) SupportedTopics() []string { return nil }

func (h *DefaultHandler) CanHandle(string) bool { return true }

func (h *DefaultHandler) Handle(topic string, payload []byte) {
	switch {
	case strings.HasPrefix(topic, "test/"):
		h.deps.States.Set("test:last_message", UnknownMessage{
			Topic: topic, Payload: string(payload), ReceivedAt: time.Now().UTC(),
		})
		return
	case strings.HasPrefix(topic, "debug/"):
		h.deps.Logger.Debug("debug topic message", "topic", topic, "payload", string(payload))
		return
	case strings.HasPrefix(topic, "log/"):
		h.deps.Logger.Info("log topic message", "topic", topic, "payload", string(payload))
		return
	}

	now := time.Now().UTC()
	h.deps.Logger.Warn("message on unknown topic",
		"topic", topic, "payload_size", len(payload))

	key := fmt.Sprintf("unknown_messages:%s:%s", now.Format(time.RFC3339Nano), uuid.NewString())
	h.deps.States.Set(key, UnknownMessage{
		Topic:      topic,
		Payload:    string(payload),
		ReceivedAt: now,
	})

	h.deps.Pub.Publish(context.Background(), topics.KeyUnknownTopic,
		map[string]any{"topic": topic, "payload_size": len(payload), "timestamp": now},
		envelope.PriorityLow, "")
}
