package handlers

import (
	"time"

	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/envelope"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/topics"
)

// MotionHandler consumes move-complete and position reports from the
// motion service.
type MotionHandler struct {
	deps          Deps
	wf            Workflow
	completeTopic string
	positionTopic string
	patterns      []string
}

func NewMotionHandler(deps Deps, wf Workflow) *MotionHandler {
	h := &MotionHandler{
		deps:          deps,
		wf:            wf,
		completeTopic: deps.resolve(topics.KeyMotionComplete),
		positionTopic: deps.resolve(topics.KeyMotionPosition),
	}
	h.patterns = []string{h.completeTopic, h.positionTopic}
	return h
}

func (h *MotionHandler) SupportedTopics() []string { return h.patterns }

func (h *MotionHandler) CanHandle(topic string) bool { return matchAny(h.patterns, topic) }

func (h *MotionHandler) Handle(topic string, payload []byte) {
	env, ok := h.deps.decode(topic, payload)
	if !ok {
		return
	}

	switch topic {
	case h.completeTopic:
		h.onComplete(env)
	case h.positionTopic:
		h.onPosition(env)
	}
}

func (h *MotionHandler) onComplete(env *envelope.Envelope) {
	var mc envelope.MotionComplete
	if err := env.DecodeData(&mc); err != nil {
		h.deps.Logger.Warn("motion complete payload invalid", "error", err)
		return
	}
	if mc.TaskID == "" {
		h.deps.Logger.Warn("motion complete without task id", "message_id", env.MessageID)
		return
	}

	h.deps.States.Set("task:"+mc.TaskID+":motion_status", "completed")
	h.deps.States.Set("task:"+mc.TaskID+":final_position", mc.FinalPosition)

	h.wf.MotionComplete(env.MessageID, mc.TaskID, mc.Success, mc.FinalPosition)
}

func (h *MotionHandler) onPosition(env *envelope.Envelope) {
	var pos envelope.MotionPosition
	if err := env.DecodeData(&pos); err != nil {
		h.deps.Logger.Warn("motion position payload invalid", "error", err)
		return
	}
	h.deps.States.Set("motion:current_position", pos)
	h.deps.States.Set("motion:last_update", time.Now().UTC())
}
