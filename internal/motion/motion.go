// Package motion wraps the single-axis fieldbus driver behind a small
// adapter that enforces initialization, position bounds, and move
// timeouts. The workflow engine talks millimetres; the axis talks
// pulses; PulsesFromMM is the only conversion point.
package motion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/config"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/events"
)

var (
	// ErrOutOfRange rejects a target outside [min_position, max_position].
	ErrOutOfRange = errors.New("target position out of range")
	// ErrNotInitialized rejects axis operations before Initialize.
	ErrNotInitialized = errors.New("axis not initialized")
	// ErrAlreadyInitialized rejects a second Initialize.
	ErrAlreadyInitialized = errors.New("axis already initialized")
	// ErrBusy rejects a move while another move is in progress.
	ErrBusy = errors.New("axis is moving")
)

// Axis is the vendor driver contract. MoveAbsolute blocks until the
// axis reports motion done or ctx is cancelled.
type Axis interface {
	Enable(ctx context.Context) error
	MoveAbsolute(ctx context.Context, positionPulses int64, speed, accel int) error
	Stop(ctx context.Context, decel int) error
	Position(ctx context.Context) (int64, error)
	Disable(ctx context.Context) error
}

// Status is a point-in-time axis snapshot. Position is in pulses.
type Status struct {
	Position  int64     `json:"position"`
	IsEnabled bool      `json:"is_enabled"`
	IsMoving  bool      `json:"is_moving"`
	HasError  bool      `json:"has_error"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PulsesFromMM converts millimetres to device pulses. The factor comes
// from configuration; the legacy wiring uses 100_000 pulses per mm and
// the position limits downstream assume it.
func PulsesFromMM(mm float64, pulsesPerMM float64) int64 {
	return int64(mm * pulsesPerMM)
}

// Adapter owns the axis session. All methods are safe for concurrent
// use; at most one move runs at a time.
type Adapter struct {
	cfg    config.MotionControl
	axis   Axis
	events *events.Bus
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool
	shutdown    bool
	moving      bool
	lastErr     string
}

// NewAdapter wires an axis driver to the configured limits.
func NewAdapter(cfg config.MotionControl, axis Axis, evBus *events.Bus, logger *slog.Logger) *Adapter {
	return &Adapter{cfg: cfg, axis: axis, events: evBus, logger: logger}
}

// Initialize brings the axis online. One-shot: a second call fails.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	if a.initialized {
		a.mu.Unlock()
		return ErrAlreadyInitialized
	}
	a.mu.Unlock()

	if err := a.axis.Enable(ctx); err != nil {
		return fmt.Errorf("enable axis: %w", err)
	}

	a.mu.Lock()
	a.initialized = true
	a.shutdown = false
	a.mu.Unlock()

	a.logger.Info("axis initialized",
		"min_position", a.cfg.MinPosition,
		"max_position", a.cfg.MaxPosition)
	return nil
}

// MoveAbsolute moves to a pulse position at the given speed (default
// from config). Rejected without side effects when uninitialized, when
// the target is out of bounds, or when a move is already in progress.
// A move exceeding the configured timeout is stopped and reported as
// an error.
func (a *Adapter) MoveAbsolute(ctx context.Context, target int64, speed int) error {
	if speed <= 0 {
		speed = a.cfg.DefaultSpeed
	}

	a.mu.Lock()
	if !a.initialized {
		a.mu.Unlock()
		return ErrNotInitialized
	}
	if a.moving {
		a.mu.Unlock()
		return ErrBusy
	}
	if target < a.cfg.MinPosition || target > a.cfg.MaxPosition {
		a.mu.Unlock()
		return fmt.Errorf("%w: %d not in [%d, %d]",
			ErrOutOfRange, target, a.cfg.MinPosition, a.cfg.MaxPosition)
	}
	a.moving = true
	a.lastErr = ""
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.moving = false
		a.mu.Unlock()
	}()

	moveCtx := ctx
	var cancel context.CancelFunc
	if a.cfg.MoveTimeoutS > 0 {
		moveCtx, cancel = context.WithTimeout(ctx, time.Duration(a.cfg.MoveTimeoutS)*time.Second)
		defer cancel()
	}

	start := time.Now()
	accel := speed * 10
	err := a.axis.MoveAbsolute(moveCtx, target, speed, accel)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Physical axis may still be in motion: command a stop
			// before reporting the timeout.
			if stopErr := a.axis.Stop(context.WithoutCancel(ctx), accel); stopErr != nil {
				a.logger.Error("stop after move timeout failed", "error", stopErr)
			}
			a.setError(fmt.Sprintf("move to %d timed out after %ds", target, a.cfg.MoveTimeoutS))
			return fmt.Errorf("move to %d: timeout after %ds", target, a.cfg.MoveTimeoutS)
		}
		a.setError(err.Error())
		return fmt.Errorf("move to %d: %w", target, err)
	}

	a.events.Emit(events.SourceMotion, events.KindMoveDone, map[string]any{
		"position":    target,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

// MoveRelative moves by delta pulses from the current position.
func (a *Adapter) MoveRelative(ctx context.Context, delta int64, speed int) error {
	a.mu.Lock()
	initialized := a.initialized
	a.mu.Unlock()
	if !initialized {
		return ErrNotInitialized
	}

	current, err := a.axis.Position(ctx)
	if err != nil {
		return fmt.Errorf("read position: %w", err)
	}
	return a.MoveAbsolute(ctx, current+delta, speed)
}

// Home moves the axis to position zero.
func (a *Adapter) Home(ctx context.Context, speed int) error {
	return a.MoveAbsolute(ctx, 0, speed)
}

// Stop commands a controlled stop at speed*10 deceleration.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.initialized {
		a.mu.Unlock()
		return ErrNotInitialized
	}
	a.mu.Unlock()

	decel := a.cfg.DefaultSpeed * 10
	if err := a.axis.Stop(ctx, decel); err != nil {
		a.setError(err.Error())
		return fmt.Errorf("stop axis: %w", err)
	}
	return nil
}

// GetStatus snapshots the axis. Before Initialize it reports position
// zero with has_error set.
func (a *Adapter) GetStatus(ctx context.Context) Status {
	now := time.Now().UTC()

	a.mu.Lock()
	initialized := a.initialized
	moving := a.moving
	lastErr := a.lastErr
	a.mu.Unlock()

	if !initialized {
		return Status{HasError: true, Error: "uninitialized", Timestamp: now}
	}

	pos, err := a.axis.Position(ctx)
	if err != nil {
		return Status{
			IsEnabled: true,
			IsMoving:  moving,
			HasError:  true,
			Error:     err.Error(),
			Timestamp: now,
		}
	}

	return Status{
		Position:  pos,
		IsEnabled: true,
		IsMoving:  moving,
		HasError:  lastErr != "",
		Error:     lastErr,
		Timestamp: now,
	}
}

// Shutdown homes the axis if it is away from zero, then powers it off.
// Idempotent.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if !a.initialized || a.shutdown {
		a.mu.Unlock()
		return nil
	}
	a.shutdown = true
	a.mu.Unlock()

	if pos, err := a.axis.Position(ctx); err == nil && pos != 0 {
		if err := a.Home(ctx, a.cfg.DefaultSpeed); err != nil {
			a.logger.Error("homing before shutdown failed", "position", pos, "error", err)
		}
	}

	a.mu.Lock()
	a.initialized = false
	a.mu.Unlock()

	if err := a.axis.Disable(ctx); err != nil {
		return fmt.Errorf("disable axis: %w", err)
	}
	a.logger.Info("axis shut down")
	return nil
}

func (a *Adapter) setError(msg string) {
	a.mu.Lock()
	a.lastErr = msg
	a.mu.Unlock()
}
