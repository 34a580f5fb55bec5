// Package lifecycle is the per-task state machine:
//
//	queued -> running -> (paused <-> running) -> completed
//
// with cancelled reachable from any non-terminal state. Running tasks advance
// through their waypoints one confirmation at a time.
package lifecycle

import (
	"fmt"
	"time"

	"fleetsync/internal/domain"
)

type Event string

const (
	Start       Event = "start"
	Pause       Event = "pause"
	Resume      Event = "resume"
	ConfirmStep Event = "confirm_step"
	Cancel      Event = "cancel"
)

// Transition applies ev to t. On error t is left untouched.
func Transition(t *domain.Task, ev Event, now time.Time) error {
	if t.State.Terminal() {
		return invalid(t, ev)
	}
	switch ev {
	case Start:
		if t.State != domain.StateQueued {
			return invalid(t, ev)
		}
		t.State = domain.StateRunning
	case Pause:
		if t.State != domain.StateRunning {
			return invalid(t, ev)
		}
		p := now
		t.State = domain.StatePaused
		t.PausedAt = &p
	case Resume:
		if t.State != domain.StatePaused {
			return invalid(t, ev)
		}
		t.State = domain.StateRunning
		t.PausedAt = nil
	case ConfirmStep:
		if t.State != domain.StateRunning {
			return invalid(t, ev)
		}
		if t.CurrentStep < len(t.Waypoints)-1 {
			t.CurrentStep++
		} else {
			t.State = domain.StateCompleted
		}
	case Cancel:
		t.State = domain.StateCancelled
		t.PausedAt = nil
	default:
		return invalid(t, ev)
	}
	t.UpdatedAt = now
	return nil
}

// CanMove reports whether a task may be observed going from one state to
// another. It is used when an authoritative snapshot replaces a task wholesale,
// where intermediate step confirmations may have been coalesced.
func CanMove(from, to domain.State) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	switch to {
	case domain.StateCancelled:
		return true
	case domain.StateRunning:
		return from == domain.StateQueued || from == domain.StatePaused
	case domain.StatePaused:
		return from == domain.StateRunning
	case domain.StateCompleted:
		return from == domain.StateRunning
	}
	return false
}

// Allowed lists the events legal from s, in a stable order.
func Allowed(s domain.State) []Event {
	switch s {
	case domain.StateQueued:
		return []Event{Start, Cancel}
	case domain.StateRunning:
		return []Event{Pause, ConfirmStep, Cancel}
	case domain.StatePaused:
		return []Event{Resume, Cancel}
	}
	return nil
}

// Dispatch reports whether ev hands a task to a robot.
func (e Event) Dispatch() bool { return e == Start }

func invalid(t *domain.Task, ev Event) error {
	return fmt.Errorf("task %s: %s from %s: %w", t.ID, ev, t.State, domain.ErrInvalidTransition)
}
