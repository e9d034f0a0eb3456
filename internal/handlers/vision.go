package handlers

import (
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/envelope"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/topics"
)

// VisionHandler consumes detection and height results from the vision
// service.
type VisionHandler struct {
	deps           Deps
	wf             Workflow
	detectionTopic string
	heightTopic    string
	resultTopic    string
	patterns       []string
}

func NewVisionHandler(deps Deps, wf Workflow) *VisionHandler {
	h := &VisionHandler{
		deps:           deps,
		wf:             wf,
		detectionTopic: deps.resolve(topics.KeyVisionDetection),
		heightTopic:    deps.resolve(topics.KeyVisionHeightRes),
		resultTopic:    deps.resolve(topics.KeyVisionResult),
	}
	h.patterns = []string{h.detectionTopic, h.heightTopic, h.resultTopic}
	return h
}

func (h *VisionHandler) SupportedTopics() []string { return h.patterns }

func (h *VisionHandler) CanHandle(topic string) bool { return matchAny(h.patterns, topic) }

func (h *VisionHandler) Handle(topic string, payload []byte) {
	env, ok := h.deps.decode(topic, payload)
	if !ok {
		return
	}

	switch topic {
	case h.detectionTopic:
		h.onDetection(env)
	case h.heightTopic:
		h.onHeight(env)
	case h.resultTopic:
		h.onResult(env)
	}
}

func (h *VisionHandler) onDetection(env *envelope.Envelope) {
	var det envelope.DetectionResult
	if err := env.DecodeData(&det); err != nil {
		h.deps.Logger.Warn("detection payload invalid", "error", err)
		return
	}
	if det.TaskID == "" {
		h.deps.Logger.Warn("detection without task id", "message_id", env.MessageID)
		return
	}

	h.deps.States.Set("task:"+det.TaskID+":detection", det)

	// Classification counts are the cheap summary status queries want.
	counts := map[string]int{}
	for _, obj := range det.DetectedObjects {
		switch obj.Type {
		case "package", "qrcode", "barcode":
			counts[obj.Type]++
		default:
			counts["other"]++
		}
	}
	h.deps.States.Set("task:"+det.TaskID+":detection_counts", counts)
}

func (h *VisionHandler) onHeight(env *envelope.Envelope) {
	var hr envelope.HeightResult
	if err := env.DecodeData(&hr); err != nil {
		h.deps.Logger.Warn("height result payload invalid", "error", err)
		return
	}

	h.deps.States.Set("min_height", hr.MinHeight)
	h.wf.HeightResult(env.MessageID, env.CorrelationID, hr.MinHeight)
}

func (h *VisionHandler) onResult(env *envelope.Envelope) {
	taskID := env.CorrelationID
	if taskID == "" {
		h.deps.Logger.Debug("vision result without correlation id", "message_id", env.MessageID)
		return
	}
	h.deps.States.Set("task:"+taskID+":result", env.Data)
}
