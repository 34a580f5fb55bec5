package domain

import "time"

type TaskType string

const (
	TypeOrdering   TaskType = "ordering"
	TypeDelivery   TaskType = "delivery"
	TypeCollection TaskType = "collection"
	TypePayment    TaskType = "payment"
	TypeCharging   TaskType = "charging"
)

func (t TaskType) Valid() bool {
	switch t {
	case TypeOrdering, TypeDelivery, TypeCollection, TypePayment, TypeCharging:
		return true
	}
	return false
}

type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateCompleted || s == StateCancelled }

// Override is an operator boost applied on top of a task's base priority.
type Override struct {
	Boost     int       `json:"boost"`
	Reason    string    `json:"reason"`
	AppliedAt time.Time `json:"applied_at"`
}

type Task struct {
	ID            string     `json:"id"`
	Type          TaskType   `json:"type"`
	BasePriority  int        `json:"base_priority"`
	ManualRank    *int       `json:"manual_rank,omitempty"`
	Overrides     []Override `json:"overrides,omitempty"`
	State         State      `json:"state"`
	Waypoints     []string   `json:"waypoints"`
	CurrentStep   int        `json:"current_step"`
	AssignedRobot string     `json:"assigned_robot,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	PausedAt      *time.Time `json:"paused_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Clone returns a copy that shares no memory with t.
func (t Task) Clone() Task {
	c := t
	if t.ManualRank != nil {
		r := *t.ManualRank
		c.ManualRank = &r
	}
	if t.PausedAt != nil {
		p := *t.PausedAt
		c.PausedAt = &p
	}
	if t.Overrides != nil {
		c.Overrides = append([]Override(nil), t.Overrides...)
	}
	if t.Waypoints != nil {
		c.Waypoints = append([]string(nil), t.Waypoints...)
	}
	return c
}

// CurrentWaypoint is the task's current destination, empty when it has none.
func (t Task) CurrentWaypoint() string {
	if t.CurrentStep < 0 || t.CurrentStep >= len(t.Waypoints) {
		return ""
	}
	return t.Waypoints[t.CurrentStep]
}

type Robot struct {
	ID            string    `json:"id"`
	Location      string    `json:"current_location"`
	Battery       int       `json:"battery_level"`
	Status        string    `json:"status"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	Charging      bool      `json:"charging"`
	LastActive    time.Time `json:"last_active"`
}

const RobotIdle = "idle"
