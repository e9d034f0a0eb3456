package handlers

import (
	"strings"

	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/envelope"
)

// SensorHandler reacts to grating trigger events: it records the
// direction and starts a new outbound task.
type SensorHandler struct {
	deps     Deps
	wf       Workflow
	patterns []string
}

func NewSensorHandler(deps Deps, wf Workflow) *SensorHandler {
	return &SensorHandler{
		deps:     deps,
		wf:       wf,
		patterns: []string{deps.resolve("sensor.trigger")},
	}
}

func (h *SensorHandler) SupportedTopics() []string { return h.patterns }

func (h *SensorHandler) CanHandle(topic string) bool { return matchAny(h.patterns, topic) }

func (h *SensorHandler) Handle(topic string, payload []byte) {
	env, ok := h.deps.decode(topic, payload)
	if !ok {
		return
	}

	var trig envelope.SensorTrigger
	if err := env.DecodeData(&trig); err != nil {
		h.deps.Logger.Warn("sensor trigger payload invalid", "topic", topic, "error", err)
		return
	}

	direction := strings.TrimSpace(trig.Direction)
	if direction == "" {
		h.deps.Logger.Warn("sensor trigger without direction", "message_id", env.MessageID)
		return
	}

	h.deps.States.Set("sensor:grating", direction)

	taskID := h.wf.Trigger(env.MessageID, direction)
	if taskID != "" {
		h.deps.Logger.Info("outbound task started", "task_id", taskID, "direction", direction)
	}
}
