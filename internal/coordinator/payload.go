package coordinator

import (
	"encoding/json"
	"fmt"
	"time"

	"fleetsync/internal/domain"
)

// The service sends task ids as either "id" or "task_id".
type idPayload struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
}

func (p idPayload) id() string {
	if p.ID != "" {
		return p.ID
	}
	return p.TaskID
}

type priorityPayload struct {
	idPayload
	BasePriority *int `json:"base_priority"`
	ManualRank   *int `json:"manual_rank"`
}

type overridePayload struct {
	idPayload
	Overrides []domain.Override `json:"overrides"`
	Boost     *int              `json:"boost"`
	Reason    string            `json:"reason"`
	AppliedAt time.Time         `json:"applied_at"`
}

type chargingPayload struct {
	ID       string `json:"id"`
	RobotID  string `json:"robot_id"`
	Charging bool   `json:"charging"`
	Battery  *int   `json:"battery_level"`
}

func (p chargingPayload) robotID() string {
	if p.RobotID != "" {
		return p.RobotID
	}
	return p.ID
}

// decodeTask accepts a bare task or one wrapped as {"task": {...}}.
func decodeTask(data json.RawMessage) (domain.Task, error) {
	var wrapped struct {
		Task *domain.Task `json:"task"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return domain.Task{}, err
	}
	if wrapped.Task != nil {
		return *wrapped.Task, nil
	}
	var t domain.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return domain.Task{}, err
	}
	if t.ID == "" {
		return domain.Task{}, fmt.Errorf("task payload without id")
	}
	return t, nil
}
