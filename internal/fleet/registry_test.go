package fleet

import (
	"errors"
	"testing"

	"fleetsync/internal/domain"
)

func TestUpsertIsIdempotent(t *testing.T) {
	r := New()
	rb := domain.Robot{ID: "R-1", Status: domain.RobotIdle, Battery: 80}
	if changed, err := r.Upsert(rb); err != nil || !changed {
		t.Fatalf("first upsert: changed=%v err=%v", changed, err)
	}
	if changed, _ := r.Upsert(rb); changed {
		t.Fatal("replaying the same robot should not change anything")
	}
	rb.Battery = 70
	if changed, _ := r.Upsert(rb); !changed {
		t.Fatal("battery change not applied")
	}
	got, err := r.Get("R-1")
	if err != nil || got.Battery != 70 {
		t.Fatalf("Get: %+v %v", got, err)
	}
}

func TestGetMissing(t *testing.T) {
	if _, err := New().Get("nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetCharging(t *testing.T) {
	r := New()
	r.Upsert(domain.Robot{ID: "R-1", Status: domain.RobotIdle, Battery: 20})
	full := 100
	if changed, _ := r.SetCharging("R-1", true, &full); !changed {
		t.Fatal("charging not applied")
	}
	if changed, _ := r.SetCharging("R-1", true, &full); changed {
		t.Fatal("repeated charging report should be a no-op")
	}
	got, _ := r.Get("R-1")
	if !got.Charging || got.Battery != 100 || got.Status != domain.RobotIdle {
		t.Fatalf("unexpected robot %+v", got)
	}

	if changed, _ := r.SetCharging("R-2", false, nil); !changed {
		t.Fatal("unknown robot should be inserted")
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 robots, got %d", r.Len())
	}
}

func TestIdle(t *testing.T) {
	r := New()
	r.Upsert(domain.Robot{ID: "R-1", Status: domain.RobotIdle, Battery: 40})
	r.Upsert(domain.Robot{ID: "R-2", Status: domain.RobotIdle, Battery: 90})
	r.Upsert(domain.Robot{ID: "R-3", Status: "busy", Battery: 100})
	r.Upsert(domain.Robot{ID: "R-4", Status: domain.RobotIdle, Battery: 100, Charging: true})
	r.Upsert(domain.Robot{ID: "R-5", Status: domain.RobotIdle, Battery: 10})
	r.Upsert(domain.Robot{ID: "R-6", Status: domain.RobotIdle, Battery: 95, CurrentTaskID: "T-1"})

	idle := r.Idle(30)
	if len(idle) != 2 || idle[0].ID != "R-2" || idle[1].ID != "R-1" {
		t.Fatalf("unexpected idle robots %+v", idle)
	}
}
