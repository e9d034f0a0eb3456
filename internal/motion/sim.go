package motion

import (
	"context"
	"sync"
	"time"
)

// SimAxis is an in-memory axis used by tests and by the check-config
// dry run when no fieldbus hardware is present. Moves complete after
// MoveDelay (instantly when zero).
type SimAxis struct {
	// MoveDelay stretches every move for timeout testing.
	MoveDelay time.Duration
	// EnableErr, MoveErr fail the corresponding operation when set.
	EnableErr error
	MoveErr   error

	mu       sync.Mutex
	enabled  bool
	position int64
	moves    []int64
	stops    int
}

func (s *SimAxis) Enable(context.Context) error {
	if s.EnableErr != nil {
		return s.EnableErr
	}
	s.mu.Lock()
	s.enabled = true
	s.mu.Unlock()
	return nil
}

func (s *SimAxis) MoveAbsolute(ctx context.Context, target int64, speed, accel int) error {
	if s.MoveErr != nil {
		return s.MoveErr
	}
	if s.MoveDelay > 0 {
		select {
		case <-time.After(s.MoveDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.position = target
	s.moves = append(s.moves, target)
	s.mu.Unlock()
	return nil
}

func (s *SimAxis) Stop(context.Context, int) error {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
	return nil
}

func (s *SimAxis) Position(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position, nil
}

func (s *SimAxis) Disable(context.Context) error {
	s.mu.Lock()
	s.enabled = false
	s.mu.Unlock()
	return nil
}

// Moves returns the completed move targets in order.
func (s *SimAxis) Moves() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.moves...)
}

// StopCount returns how many stop commands the axis received.
func (s *SimAxis) StopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// SetPosition overrides the current position, for test setup.
func (s *SimAxis) SetPosition(p int64) {
	s.mu.Lock()
	s.position = p
	s.mu.Unlock()
}
