package handlers

import (
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/envelope"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/topics"
)

// OrderHandler consumes order assignments from the order service.
type OrderHandler struct {
	deps     Deps
	wf       Workflow
	patterns []string
}

func NewOrderHandler(deps Deps, wf Workflow) *OrderHandler {
	return &OrderHandler{
		deps:     deps,
		wf:       wf,
		patterns: []string{deps.resolve(topics.KeyOrderNew)},
	}
}

func (h *OrderHandler) SupportedTopics() []string { return h.patterns }

func (h *OrderHandler) CanHandle(topic string) bool { return matchAny(h.patterns, topic) }

func (h *OrderHandler) Handle(topic string, payload []byte) {
	env, ok := h.deps.decode(topic, payload)
	if !ok {
		return
	}

	var on envelope.OrderNew
	if err := env.DecodeData(&on); err != nil {
		h.deps.Logger.Warn("order payload invalid", "topic", topic, "error", err)
		return
	}
	if on.OrderID == "" {
		h.deps.Logger.Warn("order without id", "message_id", env.MessageID)
		return
	}

	h.deps.States.Set("order:last_id", on.OrderID)
	h.wf.OrderNew(env.MessageID, env.CorrelationID, on.OrderID)
}
