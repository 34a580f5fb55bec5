package channel

type Kind string

// Connection lifecycle kinds.
const (
	KindOpen         Kind = "open"
	KindClose        Kind = "close"
	KindError        Kind = "error"
	KindMessage      Kind = "message"
	KindMaxReconnect Kind = "maxReconnectAttemptsReached"
)

// Push kinds, matching the envelope type sent by the authoritative service.
const (
	TaskCreated         Kind = "task_created"
	TaskUpdated         Kind = "task_updated"
	TaskPriorityUpdated Kind = "task_priority_updated"
	TaskOverrideApplied Kind = "task_override_applied"
	TaskOverrideRemoved Kind = "task_override_removed"
	TaskPaused          Kind = "task_paused"
	TaskResumed         Kind = "task_resumed"
	TaskStepConfirmed   Kind = "task_step_confirmed"
	RobotUpdated        Kind = "robot_updated"
	ChargingUpdated     Kind = "charging_updated"
)

// PushKinds lists every recognised push type.
var PushKinds = []Kind{
	TaskCreated, TaskUpdated, TaskPriorityUpdated, TaskOverrideApplied, TaskOverrideRemoved,
	TaskPaused, TaskResumed, TaskStepConfirmed, RobotUpdated, ChargingUpdated,
}

func (k Kind) Push() bool {
	for _, p := range PushKinds {
		if p == k {
			return true
		}
	}
	return false
}
