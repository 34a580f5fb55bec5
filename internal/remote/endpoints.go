package remote

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"fleetsync/internal/domain"
)

type CreateTaskRequest struct {
	Type         domain.TaskType `json:"type"`
	Waypoints    []string        `json:"waypoints"`
	BasePriority int             `json:"base_priority,omitempty"`
	Priority     string          `json:"priority,omitempty"`
}

type StatusUpdate struct {
	State         domain.State `json:"state"`
	AssignedRobot string       `json:"assigned_robot,omitempty"`
}

type PriorityUpdate struct {
	Boost      int  `json:"boost"`
	ManualRank *int `json:"manual_rank,omitempty"`
}

type OverrideRequest struct {
	Boost  int    `json:"boost"`
	Reason string `json:"reason"`
}

type RobotCommand struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

type StepInfo struct {
	Step        int    `json:"step"`
	TotalSteps  int    `json:"total_steps"`
	Description string `json:"description"`
}

// LogRecord is one entry of the service's own assignment log.
type LogRecord struct {
	TaskID            string    `json:"task_id"`
	RobotID           string    `json:"robot_id"`
	AssignmentTime    time.Time `json:"assignment_time"`
	Score             float64   `json:"score"`
	Reason            string    `json:"reason"`
	EffectivePriority int       `json:"effective_priority"`
}

// TaskResult is the common mutation answer. Task is nil when the service did
// not echo the task back.
type TaskResult struct {
	Message string       `json:"message"`
	Task    *domain.Task `json:"task"`
}

func taskPath(id string) string  { return "/tasks/" + url.PathEscape(id) }
func queuePath(id string) string { return "/queue/tasks/" + url.PathEscape(id) }

func (c *Client) ListTasks(ctx context.Context) ([]domain.Task, error) {
	var out []domain.Task
	return out, c.do(ctx, "list_tasks", http.MethodGet, "/tasks", nil, &out)
}

func (c *Client) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var out domain.Task
	return out, c.do(ctx, "get_task", http.MethodGet, taskPath(id), nil, &out)
}

func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (domain.Task, error) {
	var out domain.Task
	return out, c.do(ctx, "create_task", http.MethodPost, "/tasks", req, &out)
}

func (c *Client) UpdateStatus(ctx context.Context, id string, req StatusUpdate) (TaskResult, error) {
	var out TaskResult
	return out, c.do(ctx, "update_status", http.MethodPut, taskPath(id)+"/status", req, &out)
}

func (c *Client) QueueTasks(ctx context.Context) ([]domain.Task, error) {
	var out []domain.Task
	return out, c.do(ctx, "queue_tasks", http.MethodGet, "/queue/tasks", nil, &out)
}

func (c *Client) ReadyTasks(ctx context.Context) ([]domain.Task, error) {
	var out []domain.Task
	return out, c.do(ctx, "ready_tasks", http.MethodGet, "/queue/tasks/ready", nil, &out)
}

func (c *Client) UpdatePriority(ctx context.Context, id string, req PriorityUpdate) (TaskResult, error) {
	var out TaskResult
	return out, c.do(ctx, "update_priority", http.MethodPut, queuePath(id)+"/priority", req, &out)
}

func (c *Client) ApplyOverride(ctx context.Context, id string, req OverrideRequest) (TaskResult, error) {
	var out TaskResult
	return out, c.do(ctx, "apply_override", http.MethodPost, queuePath(id)+"/override", req, &out)
}

func (c *Client) RemoveOverride(ctx context.Context, id string) (TaskResult, error) {
	var out TaskResult
	return out, c.do(ctx, "remove_override", http.MethodDelete, queuePath(id)+"/override", nil, &out)
}

func (c *Client) AssignmentLog(ctx context.Context) ([]LogRecord, error) {
	var out []LogRecord
	return out, c.do(ctx, "assignment_log", http.MethodGet, "/queue/assignment-log", nil, &out)
}

func (c *Client) ConfirmStep(ctx context.Context, id string) (TaskResult, error) {
	var out TaskResult
	return out, c.do(ctx, "confirm_step", http.MethodPost, taskPath(id)+"/confirm-step", nil, &out)
}

func (c *Client) CurrentStep(ctx context.Context, id string) (StepInfo, error) {
	var out StepInfo
	return out, c.do(ctx, "current_step", http.MethodGet, taskPath(id)+"/current-step", nil, &out)
}

func (c *Client) Pause(ctx context.Context, id string) (TaskResult, error) {
	var out TaskResult
	return out, c.do(ctx, "pause", http.MethodPut, taskPath(id)+"/pause", nil, &out)
}

func (c *Client) Resume(ctx context.Context, id string) (TaskResult, error) {
	var out TaskResult
	return out, c.do(ctx, "resume", http.MethodPut, taskPath(id)+"/resume", nil, &out)
}

func (c *Client) SendRobotCommand(ctx context.Context, robotID string, cmd RobotCommand) error {
	return c.do(ctx, "robot_command", http.MethodPost, "/robots/"+url.PathEscape(robotID)+"/command", cmd, nil)
}
