package handlers

import (
	"context"
	"time"

	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/config"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/envelope"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/motion"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/topics"
)

// Mover is the axis adapter slice the in-process motion host drives.
// Nil when the axis belongs to another process; then move commands are
// left alone on the bus.
type Mover interface {
	MoveAbsolute(ctx context.Context, target int64, speed int) error
	Stop(ctx context.Context) error
	GetStatus(ctx context.Context) motion.Status
}

// AxisHandler hosts the axis: it consumes move and stop commands,
// drives the adapter, and reports the outcome on motion.complete. The
// router dispatches on its own goroutine, so the blocking move does
// not stall other topics.
type AxisHandler struct {
	deps      Deps
	cfg       config.MotionControl
	mover     Mover
	moveTopic string
	stopTopic string
	patterns  []string
}

// NewAxisHandler wires the motion command topics to an axis adapter.
func NewAxisHandler(deps Deps, cfg config.MotionControl, mover Mover) *AxisHandler {
	h := &AxisHandler{
		deps:      deps,
		cfg:       cfg,
		mover:     mover,
		moveTopic: deps.resolve(topics.KeyMotionMove),
		stopTopic: deps.resolve(topics.KeyMotionStop),
	}
	h.patterns = []string{h.moveTopic, h.stopTopic}
	return h
}

func (h *AxisHandler) SupportedTopics() []string { return h.patterns }

func (h *AxisHandler) CanHandle(topic string) bool { return matchAny(h.patterns, topic) }

func (h *AxisHandler) Handle(topic string, payload []byte) {
	env, ok := h.deps.decode(topic, payload)
	if !ok {
		return
	}

	switch topic {
	case h.moveTopic:
		h.onMove(env)
	case h.stopTopic:
		h.onStop(env)
	}
}

// onMove converts the millimetre target to pulses, runs the move, and
// publishes the completion event the workflow waits on. A rejected or
// failed move still completes, with success false, so the task fails
// instead of hanging.
func (h *AxisHandler) onMove(env *envelope.Envelope) {
	var mv envelope.MotionMove
	if err := env.DecodeData(&mv); err != nil {
		h.deps.Logger.Warn("motion move payload invalid", "error", err)
		return
	}

	target := motion.PulsesFromMM(mv.PositionMM, h.cfg.PulsesPerMM)
	err := h.mover.MoveAbsolute(context.Background(), target, mv.Speed)
	if err != nil {
		h.deps.Logger.Error("axis move failed",
			"task_id", mv.TaskID, "target_mm", mv.PositionMM, "error", err)
	}

	status := h.mover.GetStatus(context.Background())
	complete := envelope.MotionComplete{
		TaskID:        mv.TaskID,
		FinalPosition: status.Position,
		Success:       err == nil,
		Timestamp:     time.Now().UTC(),
	}

	corr := env.CorrelationID
	if corr == "" {
		corr = mv.TaskID
	}
	h.deps.Pub.Publish(context.Background(), topics.KeyMotionComplete, complete,
		envelope.PriorityNormal, corr)

	if h.cfg.PulsesPerMM > 0 {
		h.deps.Pub.Publish(context.Background(), topics.KeyMotionPosition,
			envelope.MotionPosition{
				Z:         float64(status.Position) / h.cfg.PulsesPerMM,
				Timestamp: time.Now().UTC(),
			}, envelope.PriorityLow, "")
	}
}

func (h *AxisHandler) onStop(env *envelope.Envelope) {
	if err := h.mover.Stop(context.Background()); err != nil {
		h.deps.Logger.Error("axis stop failed", "error", err)
	}
}
