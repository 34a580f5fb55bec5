package queue

import (
	"errors"
	"reflect"
	"testing"

	"fleetsync/internal/assignlog"
	"fleetsync/internal/domain"
)

func TestUpsertIsIdempotent(t *testing.T) {
	q, l := newQueue()
	mustAdmit(t, q, domain.Task{ID: "A", Type: domain.TypeDelivery, CreatedAt: t0, Waypoints: []string{"K", "T1"}})
	mustAdmit(t, q, domain.Task{ID: "B", Type: domain.TypeCollection, CreatedAt: t0})

	update := domain.Task{ID: "A", Type: domain.TypeDelivery, BasePriority: 90, State: domain.StateRunning,
		Waypoints: []string{"K", "T1"}, CurrentStep: 1, AssignedRobot: "R-1", CreatedAt: t0}

	changed, err := q.Upsert(update, "sync")
	if err != nil || !changed {
		t.Fatalf("first upsert: changed=%v err=%v", changed, err)
	}
	once := q.List()
	logged := l.Len()

	changed, err = q.Upsert(update, "sync")
	if err != nil || changed {
		t.Fatalf("second upsert: changed=%v err=%v", changed, err)
	}
	if twice := q.List(); !reflect.DeepEqual(once, twice) {
		t.Fatalf("state differs after replay:\n%+v\n%+v", once, twice)
	}
	if l.Len() != logged {
		t.Fatalf("replay added log entries")
	}
	if es := entries(l); es[0].Action != assignlog.ActionAssigned {
		t.Fatalf("expected queued->running upsert to log assigned, got %+v", es)
	}
}

func TestUpsertInsertsUnknown(t *testing.T) {
	q, _ := newQueue()
	changed, err := q.Upsert(domain.Task{ID: "N", Type: domain.TypePayment, State: domain.StatePaused}, "sync")
	if err != nil || !changed {
		t.Fatalf("changed=%v err=%v", changed, err)
	}
	n, _ := q.Get("N")
	if n.State != domain.StatePaused || n.BasePriority != 50 {
		t.Fatalf("unexpected inserted task: %+v", n)
	}
	changed, err = q.Upsert(domain.Task{ID: "Z", State: domain.StateCompleted}, "sync")
	if err != nil || changed {
		t.Fatalf("terminal unknown should be ignored: changed=%v err=%v", changed, err)
	}
}

func TestUpsertRejectsIllegalMove(t *testing.T) {
	q, _ := newQueue()
	mustAdmit(t, q, domain.Task{ID: "A"})
	_, err := q.Upsert(domain.Task{ID: "A", State: domain.StatePaused}, "sync")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	a, _ := q.Get("A")
	if a.State != domain.StateQueued {
		t.Fatalf("state changed to %s", a.State)
	}
}

func TestSetOverridesReplaces(t *testing.T) {
	q, l := newQueue()
	mustAdmit(t, q, domain.Task{ID: "A", BasePriority: 50})
	list := []domain.Override{{Boost: 90, Reason: "critical"}}
	for i := 0; i < 2; i++ {
		if err := q.SetOverrides("A", list, "sync"); err != nil {
			t.Fatal(err)
		}
	}
	a, _ := q.Get("A")
	if len(a.Overrides) != 1 || a.Overrides[0].Boost != 50 {
		t.Fatalf("expected one clamped override, got %+v", a.Overrides)
	}
	if l.Len() != 1 {
		t.Fatalf("expected one log entry for replayed override, got %d", l.Len())
	}
	if err := q.SetOverrides("A", nil, "sync"); err != nil {
		t.Fatal(err)
	}
	es := entries(l)
	if es[len(es)-1].Action != assignlog.ActionOverrideRemoved {
		t.Fatalf("expected override-removed, got %+v", es[len(es)-1])
	}
}

func TestReprioritize(t *testing.T) {
	q, _ := newQueue()
	mustAdmit(t, q, domain.Task{ID: "A", BasePriority: 90, CreatedAt: t0})
	mustAdmit(t, q, domain.Task{ID: "B", BasePriority: 50, CreatedAt: t0})
	if err := q.Reprioritize("B", 95, nil, "sync"); err != nil {
		t.Fatal(err)
	}
	if got := q.ReadyOrdering(t0); !reflect.DeepEqual(got, []string{"B", "A"}) {
		t.Fatalf("expected [B A], got %v", got)
	}
	if err := q.Reprioritize("X", 10, nil, "sync"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResync(t *testing.T) {
	q, l := newQueue()
	mustAdmit(t, q, domain.Task{ID: "A", BasePriority: 90, CreatedAt: t0})
	mustAdmit(t, q, domain.Task{ID: "gone", BasePriority: 10, CreatedAt: t0})

	dropped, err := q.Resync([]domain.Task{
		{ID: "A", BasePriority: 90, State: domain.StateRunning},
		{ID: "C", Type: domain.TypeOrdering, State: domain.StateQueued},
		{ID: "done", State: domain.StateCompleted},
	}, "sync")
	if err != nil {
		t.Fatal(err)
	}
	if dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", dropped)
	}
	ids := []string{}
	for _, task := range q.List() {
		ids = append(ids, task.ID)
	}
	if !reflect.DeepEqual(ids, []string{"A", "C"}) {
		t.Fatalf("expected [A C], got %v", ids)
	}
	a, _ := q.Get("A")
	if !a.CreatedAt.Equal(t0) {
		t.Fatalf("expected createdAt preserved, got %v", a.CreatedAt)
	}
	if es := entries(l); len(es) != 1 || es[0].TaskID != "A" || es[0].Action != assignlog.ActionAssigned {
		t.Fatalf("expected assigned entry for A, got %+v", es)
	}
}
