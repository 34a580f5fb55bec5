package lifecycle

import (
	"errors"
	"testing"
	"time"

	"fleetsync/internal/domain"
)

var now = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func task(state domain.State, waypoints ...string) domain.Task {
	return domain.Task{ID: "T-1", Type: domain.TypeDelivery, State: state, Waypoints: waypoints}
}

func TestHappyPath(t *testing.T) {
	tk := task(domain.StateQueued, "Kitchen", "Station A", "Table 5")
	steps := []Event{Start, Pause, Resume, ConfirmStep, ConfirmStep}
	for _, ev := range steps {
		if err := Transition(&tk, ev, now); err != nil {
			t.Fatalf("%s: %v", ev, err)
		}
	}
	if tk.State != domain.StateRunning || tk.CurrentStep != 2 {
		t.Fatalf("expected running at step 2, got %s at %d", tk.State, tk.CurrentStep)
	}
	if err := Transition(&tk, ConfirmStep, now); err != nil {
		t.Fatal(err)
	}
	if tk.State != domain.StateCompleted {
		t.Fatalf("expected completed, got %s", tk.State)
	}
}

func TestPauseRecordsAndResumeClears(t *testing.T) {
	tk := task(domain.StateRunning, "A")
	if err := Transition(&tk, Pause, now); err != nil {
		t.Fatal(err)
	}
	if tk.PausedAt == nil || !tk.PausedAt.Equal(now) {
		t.Fatalf("expected pausedAt=%v, got %v", now, tk.PausedAt)
	}
	if err := Transition(&tk, Resume, now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if tk.PausedAt != nil {
		t.Fatal("expected pausedAt cleared on resume")
	}
}

func TestFromPausedOnlyResumeOrCancel(t *testing.T) {
	for _, ev := range []Event{Start, Pause, ConfirmStep, Event("bogus")} {
		tk := task(domain.StatePaused, "A", "B")
		before := tk.Clone()
		err := Transition(&tk, ev, now)
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("%s from paused: expected ErrInvalidTransition, got %v", ev, err)
		}
		if tk.State != before.State || tk.CurrentStep != before.CurrentStep {
			t.Errorf("%s from paused mutated the task", ev)
		}
	}
	for _, ev := range []Event{Resume, Cancel} {
		tk := task(domain.StatePaused, "A")
		if err := Transition(&tk, ev, now); err != nil {
			t.Errorf("%s from paused: %v", ev, err)
		}
	}
}

func TestPauseQueuedIsInvalid(t *testing.T) {
	tk := task(domain.StateQueued, "A")
	if err := Transition(&tk, Pause, now); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if tk.State != domain.StateQueued {
		t.Fatalf("state changed to %s", tk.State)
	}
}

func TestResumeRequiresPaused(t *testing.T) {
	tk := task(domain.StateRunning, "A")
	if err := Transition(&tk, Resume, now); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTerminalRejectsEverything(t *testing.T) {
	for _, s := range []domain.State{domain.StateCompleted, domain.StateCancelled} {
		for _, ev := range []Event{Start, Pause, Resume, ConfirmStep, Cancel} {
			tk := task(s, "A")
			if err := Transition(&tk, ev, now); !errors.Is(err, domain.ErrInvalidTransition) {
				t.Errorf("%s from %s: expected ErrInvalidTransition, got %v", ev, s, err)
			}
		}
	}
}

func TestCancelFromAnyNonTerminal(t *testing.T) {
	for _, s := range []domain.State{domain.StateQueued, domain.StateRunning, domain.StatePaused} {
		tk := task(s, "A")
		if err := Transition(&tk, Cancel, now); err != nil {
			t.Errorf("cancel from %s: %v", s, err)
		}
		if tk.State != domain.StateCancelled {
			t.Errorf("cancel from %s left %s", s, tk.State)
		}
	}
}

func TestConfirmWithoutWaypointsCompletes(t *testing.T) {
	tk := task(domain.StateRunning)
	if err := Transition(&tk, ConfirmStep, now); err != nil {
		t.Fatal(err)
	}
	if tk.State != domain.StateCompleted {
		t.Fatalf("expected completed, got %s", tk.State)
	}
}

func TestCanMove(t *testing.T) {
	cases := []struct {
		from, to domain.State
		ok       bool
	}{
		{domain.StateQueued, domain.StateQueued, true},
		{domain.StateQueued, domain.StateRunning, true},
		{domain.StateQueued, domain.StatePaused, false},
		{domain.StateQueued, domain.StateCompleted, false},
		{domain.StateRunning, domain.StateCompleted, true},
		{domain.StatePaused, domain.StateRunning, true},
		{domain.StatePaused, domain.StateCompleted, false},
		{domain.StateRunning, domain.StateQueued, false},
		{domain.StateCompleted, domain.StateRunning, false},
		{domain.StatePaused, domain.StateCancelled, true},
	}
	for _, c := range cases {
		if got := CanMove(c.from, c.to); got != c.ok {
			t.Errorf("CanMove(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}
