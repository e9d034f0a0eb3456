package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/envelope"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/topics"
)

// ValidateCode checks a scanned code against the format rules for its
// type.
func ValidateCode(code, codeType string) error {
	switch codeType {
	case "qrcode":
		if len(code) < 3 || len(code) > 1000 {
			return fmt.Errorf("qrcode length %d not in 3..1000", len(code))
		}
	case "barcode":
		if len(code) < 8 || len(code) > 20 {
			return fmt.Errorf("barcode length %d not in 8..20", len(code))
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				return fmt.Errorf("barcode contains non-digit %q", r)
			}
		}
	case "datamatrix":
		if len(code) < 3 {
			return fmt.Errorf("datamatrix length %d below 3", len(code))
		}
	default:
		return fmt.Errorf("unknown code type %q", codeType)
	}
	return nil
}

// CoderHandler consumes scan results, runs the collect window when
// this process hosts the gateway, and feeds closed windows into the
// workflow.
type CoderHandler struct {
	deps          Deps
	wf            Workflow
	scanner       Scanner // nil when the gateway runs elsewhere
	startTopic    string
	resultTopic   string
	completeTopic string
	patterns      []string
}

// NewCoderHandler wires the coder topics. scanner may be nil; then
// coder.start is left to the process that hosts the gateway.
func NewCoderHandler(deps Deps, wf Workflow, scanner Scanner) *CoderHandler {
	h := &CoderHandler{
		deps:          deps,
		wf:            wf,
		scanner:       scanner,
		startTopic:    deps.resolve(topics.KeyCoderStart),
		resultTopic:   deps.resolve(topics.KeyCoderResult),
		completeTopic: deps.resolve(topics.KeyCoderComplete),
	}
	h.patterns = []string{h.resultTopic, h.completeTopic}
	if scanner != nil {
		h.patterns = append(h.patterns, h.startTopic)
	}
	return h
}

func (h *CoderHandler) SupportedTopics() []string { return h.patterns }

func (h *CoderHandler) CanHandle(topic string) bool { return matchAny(h.patterns, topic) }

func (h *CoderHandler) Handle(topic string, payload []byte) {
	env, ok := h.deps.decode(topic, payload)
	if !ok {
		return
	}

	switch topic {
	case h.startTopic:
		h.onStart(env)
	case h.resultTopic:
		h.onResult(env)
	case h.completeTopic:
		h.onComplete(env)
	}
}

// onStart opens the collect window and publishes its outcome. The
// window blocks, so it runs on the handler's own goroutine without
// holding anything up; the router already dispatches concurrently.
func (h *CoderHandler) onStart(env *envelope.Envelope) {
	var cs envelope.CoderStart
	if err := env.DecodeData(&cs); err != nil {
		h.deps.Logger.Warn("coder start payload invalid", "error", err)
		return
	}

	res, err := h.scanner.StartScan(context.Background(), cs.Direction, cs.StackHeight, 0)
	if err == nil {
		h.deps.Logger.Debug("scan window closed",
			"direction", cs.Direction, "codes", res.Joined())
	}

	complete := envelope.CoderComplete{
		Direction:   cs.Direction,
		StackHeight: cs.StackHeight,
		Codes:       res.Codes,
		Timestamp:   time.Now().UTC(),
		Success:     err == nil,
	}
	if err != nil {
		complete.ErrorMessage = err.Error()
	}
	h.deps.Pub.Publish(context.Background(), topics.KeyCoderComplete, complete,
		envelope.PriorityNormal, env.CorrelationID)
}

// onResult validates a single scanned code and publishes the
// validation outcome.
func (h *CoderHandler) onResult(env *envelope.Envelope) {
	var cr envelope.CoderResult
	if err := env.DecodeData(&cr); err != nil {
		h.deps.Logger.Warn("coder result payload invalid", "error", err)
		h.deps.Pub.PublishWith(context.Background(), topics.KeyCoderValidation, []string{"error"},
			map[string]any{"error": err.Error()}, envelope.PriorityNormal, env.CorrelationID)
		return
	}

	outcome := "success"
	data := map[string]any{"code": cr.Code, "code_type": cr.CodeType, "task_id": cr.TaskID}
	if err := ValidateCode(cr.Code, cr.CodeType); err != nil {
		outcome = "failed"
		data["error"] = err.Error()
		h.deps.Logger.Warn("scanned code failed validation",
			"code_type", cr.CodeType, "task_id", cr.TaskID, "error", err)
	} else if cr.TaskID != "" {
		// Only validated codes reach the shared store; a rejected scan
		// must not overwrite the task's code.
		h.deps.States.Set("task:"+cr.TaskID+":code", cr.Code)
		h.deps.States.Set("task:"+cr.TaskID+":code_type", cr.CodeType)
	}
	h.deps.Pub.PublishWith(context.Background(), topics.KeyCoderValidation, []string{outcome},
		data, envelope.PriorityNormal, env.CorrelationID)
}

// onComplete records the closed window and advances the workflow.
func (h *CoderHandler) onComplete(env *envelope.Envelope) {
	var cc envelope.CoderComplete
	if err := env.DecodeData(&cc); err != nil {
		h.deps.Logger.Warn("coder complete payload invalid", "error", err)
		return
	}

	if env.CorrelationID != "" {
		h.deps.States.Set("task:"+env.CorrelationID+":coder_status", "completed")
	}
	h.wf.ScanComplete(env.MessageID, env.CorrelationID, cc.Codes, cc.Success, cc.ErrorMessage)
}
