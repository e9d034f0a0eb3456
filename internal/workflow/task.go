// Package workflow drives outbound tasks through their steps. The
// engine owns all task-state mutations; handlers only feed it decoded
// events. Events for one task are processed strictly in arrival order;
// different tasks progress independently.
package workflow

import (
	"time"

	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/config"
)

// Status is the lifecycle state of an outbound task.
type Status string

const (
	StatusCreated        Status = "Created"
	StatusHeightMeasured Status = "HeightMeasured"
	StatusMoving         Status = "Moving"
	StatusScanning       Status = "Scanning"
	StatusOrderPending   Status = "OrderPending"
	StatusCompleted      Status = "Completed"
	StatusFailed         Status = "Failed"
	StatusCancelled      Status = "Cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is one end-to-end outbound workflow instance.
type Task struct {
	TaskID         string    `json:"task_id"`
	Status         Status    `json:"status"`
	Direction      string    `json:"direction"`
	StackHeight    float64   `json:"stack_height"`
	MeasuredHeight float64   `json:"measured_height,omitempty"`
	TargetPosition float64   `json:"target_position,omitempty"`
	Codes          []string  `json:"codes,omitempty"`
	OrderID        string    `json:"order_id,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type eventKind string

const (
	evTrigger        eventKind = "trigger"
	evHeightResult   eventKind = "height_result"
	evMotionComplete eventKind = "motion_complete"
	evScanComplete   eventKind = "scan_complete"
	evOrderNew       eventKind = "order_new"
	evCancel         eventKind = "cancel"
	evFatal          eventKind = "fatal"
)

// transitions is the {state, event} → state table. Cancel and fatal
// apply from any non-terminal state and are handled separately.
var transitions = map[Status]map[eventKind]Status{
	StatusCreated:        {evTrigger: StatusHeightMeasured},
	StatusHeightMeasured: {evHeightResult: StatusMoving},
	StatusMoving:         {evMotionComplete: StatusScanning},
	StatusScanning:       {evScanComplete: StatusOrderPending},
	StatusOrderPending:   {evOrderNew: StatusCompleted},
}

// nextStatus resolves the transition table for one event.
func nextStatus(current Status, ev eventKind) (Status, bool) {
	if current.Terminal() {
		return current, false
	}
	switch ev {
	case evCancel:
		return StatusCancelled, true
	case evFatal:
		return StatusFailed, true
	}
	next, ok := transitions[current][ev]
	return next, ok
}

// ComputeTarget derives the stack height and the target axis position
// in millimetres from a measured minimum height and the workcell
// geometry. The camera looks down from CameraHeight; what it measures
// as the smallest distance is the top of the stack, so the stack
// itself is the camera height minus the measurement minus the tray.
//
// Outbound the axis carries the coder head to just above the stack;
// inbound it only clears the empty tray.
func ComputeTarget(direction string, minHeight float64, s config.Sample) (stackHeight, targetMM float64) {
	stackHeight = s.CameraHeight - minHeight - s.TrayHeight
	if stackHeight < 0 {
		stackHeight = 0
	}

	if direction == "in" {
		return stackHeight, s.HeightInit + s.TrayHeight
	}

	targetMM = s.HeightInit + stackHeight - s.CoderHeight
	if targetMM < 0 {
		targetMM = 0
	}
	return stackHeight, targetMM
}
