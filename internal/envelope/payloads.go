package envelope

import "time"

// Concrete payload shapes carried by the workflow topics. Field names
// match the wire contract; all timestamps are RFC3339 UTC.

// SensorTrigger starts an outbound task. Direction is "in" or "out".
type SensorTrigger struct {
	Direction string `json:"direction"`
}

// HeightRequest asks the vision service to measure the current stack.
type HeightRequest struct {
	TaskID    string `json:"task_id"`
	Direction string `json:"direction"`
}

// HeightResult is the vision service's measured minimum height.
type HeightResult struct {
	MinHeight float64   `json:"min_height"`
	Timestamp time.Time `json:"timestamp"`
}

// DetectedObject is one classified object in a vision detection.
type DetectedObject struct {
	Type       string  `json:"type"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
	Content    string  `json:"content,omitempty"`
}

// DetectionResult is a full vision detection for a task.
type DetectionResult struct {
	TaskID          string           `json:"task_id"`
	DetectedObjects []DetectedObject `json:"detected_objects"`
	Timestamp       time.Time        `json:"timestamp"`
}

// MotionMove commands an absolute move in millimetres.
type MotionMove struct {
	TaskID     string  `json:"task_id"`
	PositionMM float64 `json:"position_mm"`
	Speed      int     `json:"speed,omitempty"`
}

// MotionComplete reports a finished move.
type MotionComplete struct {
	TaskID        string    `json:"task_id"`
	FinalPosition int64     `json:"final_position"`
	Success       bool      `json:"success"`
	Timestamp     time.Time `json:"timestamp"`
}

// MotionPosition is a periodic axis position report.
type MotionPosition struct {
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Z         float64   `json:"z"`
	Timestamp time.Time `json:"timestamp"`
}

// CoderStart opens a scan window on the coder gateway.
type CoderStart struct {
	Direction   string  `json:"direction"`
	StackHeight float64 `json:"stack_height"`
}

// CoderResult is a single scanned code with its classification.
type CoderResult struct {
	TaskID     string    `json:"task_id"`
	Code       string    `json:"code"`
	CodeType   string    `json:"code_type"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// CoderComplete closes a scan window with the collected codes.
type CoderComplete struct {
	Direction    string    `json:"direction"`
	StackHeight  float64   `json:"stack_height"`
	Codes        []string  `json:"codes"`
	Timestamp    time.Time `json:"timestamp"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// OrderNew carries the order id assigned by the order service.
type OrderNew struct {
	OrderID string `json:"order_id"`
}

// OrderRequest asks the order service for an order covering the task.
type OrderRequest struct {
	TaskID      string   `json:"task_id"`
	Direction   string   `json:"direction"`
	Codes       []string `json:"codes"`
	StackHeight float64  `json:"stack_height"`
}

// OdooEvent is the terminal business event for a completed task.
type OdooEvent struct {
	OrderID     string    `json:"order_id"`
	Codes       []string  `json:"codes"`
	Direction   string    `json:"direction"`
	StackHeight float64   `json:"stack_height"`
	Timestamp   time.Time `json:"timestamp"`
}

// Heartbeat is the periodic liveness payload.
type Heartbeat struct {
	Source     string         `json:"source"`
	Timestamp  time.Time      `json:"timestamp"`
	Additional map[string]any `json:"additional,omitempty"`
}
