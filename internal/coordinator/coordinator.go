// Package coordinator keeps the local queue converged on the authoritative
// service. Push events are the only source of task mutations; operator
// commands are sent upstream and take effect once confirmed, either by the
// echoed task in the response or by the push event that follows.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fleetsync/internal/assignlog"
	"fleetsync/internal/channel"
	"fleetsync/internal/domain"
	"fleetsync/internal/fleet"
	"fleetsync/internal/lifecycle"
	"fleetsync/internal/metrics"
	"fleetsync/internal/priority"
	"fleetsync/internal/queue"
	"fleetsync/internal/remote"
)

// Remote is the subset of the service client the coordinator drives.
type Remote interface {
	QueueTasks(ctx context.Context) ([]domain.Task, error)
	ReadyTasks(ctx context.Context) ([]domain.Task, error)
	ListTasks(ctx context.Context) ([]domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	CreateTask(ctx context.Context, req remote.CreateTaskRequest) (domain.Task, error)
	UpdateStatus(ctx context.Context, id string, req remote.StatusUpdate) (remote.TaskResult, error)
	UpdatePriority(ctx context.Context, id string, req remote.PriorityUpdate) (remote.TaskResult, error)
	ApplyOverride(ctx context.Context, id string, req remote.OverrideRequest) (remote.TaskResult, error)
	RemoveOverride(ctx context.Context, id string) (remote.TaskResult, error)
	Pause(ctx context.Context, id string) (remote.TaskResult, error)
	Resume(ctx context.Context, id string) (remote.TaskResult, error)
	ConfirmStep(ctx context.Context, id string) (remote.TaskResult, error)
	CurrentStep(ctx context.Context, id string) (remote.StepInfo, error)
	AssignmentLog(ctx context.Context) ([]remote.LogRecord, error)
	SendRobotCommand(ctx context.Context, robotID string, cmd remote.RobotCommand) error
}

type Options struct {
	// Actor is recorded on assignment log entries caused by push events.
	Actor   string
	Metrics *metrics.Metrics
	// ResyncTimeout bounds the listing fetched after every reconnect.
	ResyncTimeout time.Duration
}

type Coordinator struct {
	// mu serialises every mutation so events apply in arrival order.
	mu sync.Mutex
	// gen counts applied mutations; Resync uses it to detect a stale listing.
	gen     uint64
	queue   *queue.Queue
	fleet   *fleet.Registry
	log     *assignlog.Log
	remote  Remote
	metrics *metrics.Metrics
	actor   string
	timeout time.Duration
	logger  zerolog.Logger
}

func New(q *queue.Queue, f *fleet.Registry, l *assignlog.Log, r Remote, opts Options) *Coordinator {
	if opts.Actor == "" {
		opts.Actor = "sync"
	}
	if opts.ResyncTimeout <= 0 {
		opts.ResyncTimeout = 10 * time.Second
	}
	return &Coordinator{
		queue:   q,
		fleet:   f,
		log:     l,
		remote:  r,
		metrics: opts.Metrics,
		actor:   opts.Actor,
		timeout: opts.ResyncTimeout,
		logger:  log.With().Str("component", "coordinator").Logger(),
	}
}

// Bind subscribes to every push kind on ch and resyncs on each open.
func (c *Coordinator) Bind(ch *channel.Channel) {
	for _, k := range channel.PushKinds {
		ch.On(k, func(e channel.Event) error { return c.Apply(e.Kind, e.Data) })
	}
	ch.On(channel.KindOpen, func(channel.Event) error {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		return c.Resync(ctx)
	})
	ch.On(channel.KindMaxReconnect, func(e channel.Event) error {
		c.logger.Error().Err(e.Err).Msg("push channel gave up; local state will go stale")
		return nil
	})
}

const resyncAttempts = 3

var errResyncRaced = errors.New("local state kept changing during fetch")

// Resync replaces the active set with the service's current listing. Push
// messages missed while disconnected are not replayed, so this runs on every
// open. A listing fetched while other mutations landed is discarded and
// fetched again.
func (c *Coordinator) Resync(ctx context.Context) error {
	for attempt := 1; attempt <= resyncAttempts; attempt++ {
		c.mu.Lock()
		gen := c.gen
		c.mu.Unlock()

		tasks, err := c.remote.QueueTasks(ctx)
		if err != nil {
			return fmt.Errorf("resync: %w", err)
		}

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			c.logger.Debug().Int("attempt", attempt).Msg("listing went stale during fetch; refetching")
			continue
		}
		dropped, err := c.queue.Resync(tasks, c.actor)
		c.gen++
		n := c.queue.Len()
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("resync: %w", err)
		}
		c.logger.Info().Int("tasks", n).Int("dropped", dropped).Msg("resynced")
		return nil
	}
	return fmt.Errorf("resync: %w", errResyncRaced)
}

// Apply maps one push event to exactly one mutation.
func (c *Coordinator) Apply(kind channel.Kind, data json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	switch kind {
	case channel.TaskCreated:
		err = c.applyCreated(data)
	case channel.TaskUpdated, channel.TaskPaused, channel.TaskResumed, channel.TaskStepConfirmed:
		var t domain.Task
		if t, err = decodeTask(data); err == nil {
			err = c.applyTaskLocked(t)
		}
	case channel.TaskPriorityUpdated:
		err = c.applyPriority(data)
	case channel.TaskOverrideApplied:
		err = c.applyOverride(data)
	case channel.TaskOverrideRemoved:
		var p idPayload
		if err = json.Unmarshal(data, &p); err == nil {
			err = c.queue.RemoveOverride(p.id(), c.actor)
		}
	case channel.RobotUpdated:
		var r domain.Robot
		if err = json.Unmarshal(data, &r); err == nil {
			_, err = c.fleet.Upsert(r)
		}
	case channel.ChargingUpdated:
		var p chargingPayload
		if err = json.Unmarshal(data, &p); err == nil {
			_, err = c.fleet.SetCharging(p.robotID(), p.Charging, p.Battery)
		}
	default:
		c.metrics.EventDropped("unhandled")
		return nil
	}
	if err != nil {
		c.metrics.EventDropped("rejected")
		return fmt.Errorf("%s: %w", kind, err)
	}
	c.gen++
	c.metrics.SetReadyDepth(len(c.queue.ReadyOrdering(time.Now())))
	return nil
}

func (c *Coordinator) applyCreated(data json.RawMessage) error {
	t, err := decodeTask(data)
	if err != nil {
		return err
	}
	if t.State != "" && t.State != domain.StateQueued {
		return c.applyTaskLocked(t)
	}
	err = c.queue.Admit(t)
	if errors.Is(err, domain.ErrDuplicateID) {
		return nil
	}
	return err
}

// applyTaskLocked replaces a task with an authoritative snapshot and drops it
// from the active set once terminal.
func (c *Coordinator) applyTaskLocked(t domain.Task) error {
	if _, err := c.queue.Upsert(t, c.actor); err != nil {
		return err
	}
	if t.State.Terminal() {
		if err := c.queue.Remove(t.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (c *Coordinator) applyPriority(data json.RawMessage) error {
	var p priorityPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	id := p.id()
	cur, err := c.queue.Get(id)
	if err != nil {
		return err
	}
	base := cur.BasePriority
	if p.BasePriority != nil {
		base = *p.BasePriority
	}
	return c.queue.Reprioritize(id, base, p.ManualRank, c.actor)
}

func (c *Coordinator) applyOverride(data json.RawMessage) error {
	var p overridePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	list := p.Overrides
	if list == nil && p.Boost != nil {
		list = []domain.Override{{Boost: *p.Boost, Reason: p.Reason, AppliedAt: p.AppliedAt}}
	}
	if len(list) == 0 {
		return fmt.Errorf("task %s: override event without overrides", p.id())
	}
	return c.queue.SetOverrides(p.id(), list, c.actor)
}

// confirm applies a task echoed back by a successful command.
func (c *Coordinator) confirm(res remote.TaskResult) error {
	if res.Task == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	return c.applyTaskLocked(*res.Task)
}

// Outbound commands. None of them touch local state until the service
// answers with success.

func (c *Coordinator) CreateTask(ctx context.Context, req remote.CreateTaskRequest) (domain.Task, error) {
	if !req.Type.Valid() {
		return domain.Task{}, fmt.Errorf("unknown task type %q", req.Type)
	}
	t, err := c.remote.CreateTask(ctx, req)
	if err != nil {
		return domain.Task{}, err
	}
	if t.ID != "" {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.gen++
		if err := c.queue.Admit(t); err != nil && !errors.Is(err, domain.ErrDuplicateID) {
			return t, err
		}
	}
	return t, nil
}

func (c *Coordinator) UpdateStatus(ctx context.Context, id string, state domain.State, robotID string) error {
	res, err := c.remote.UpdateStatus(ctx, id, remote.StatusUpdate{State: state, AssignedRobot: robotID})
	if err != nil {
		return err
	}
	return c.confirm(res)
}

// ChangePriority sends an operator boost and optional manual rank.
func (c *Coordinator) ChangePriority(ctx context.Context, id string, boost int, rank *int) error {
	if !priority.ValidBoost(boost) {
		return fmt.Errorf("task %s: boost %d: %w", id, boost, domain.ErrInvalidBoost)
	}
	res, err := c.remote.UpdatePriority(ctx, id, remote.PriorityUpdate{Boost: boost, ManualRank: rank})
	if err != nil {
		return err
	}
	return c.confirm(res)
}

func (c *Coordinator) ApplyOverride(ctx context.Context, id string, boost int, reason string) error {
	if !priority.ValidBoost(boost) {
		return fmt.Errorf("task %s: boost %d: %w", id, boost, domain.ErrInvalidBoost)
	}
	res, err := c.remote.ApplyOverride(ctx, id, remote.OverrideRequest{Boost: boost, Reason: reason})
	if err != nil {
		return err
	}
	return c.confirm(res)
}

func (c *Coordinator) RemoveOverride(ctx context.Context, id string) error {
	res, err := c.remote.RemoveOverride(ctx, id)
	if err != nil {
		return err
	}
	return c.confirm(res)
}

func (c *Coordinator) Pause(ctx context.Context, id string) error {
	if err := c.check(id, lifecycle.Pause); err != nil {
		return err
	}
	res, err := c.remote.Pause(ctx, id)
	if err != nil {
		return err
	}
	return c.confirm(res)
}

func (c *Coordinator) Resume(ctx context.Context, id string) error {
	if err := c.check(id, lifecycle.Resume); err != nil {
		return err
	}
	res, err := c.remote.Resume(ctx, id)
	if err != nil {
		return err
	}
	return c.confirm(res)
}

func (c *Coordinator) ConfirmStep(ctx context.Context, id string) error {
	if err := c.check(id, lifecycle.ConfirmStep); err != nil {
		return err
	}
	res, err := c.remote.ConfirmStep(ctx, id)
	if err != nil {
		return err
	}
	return c.confirm(res)
}

func (c *Coordinator) CurrentStep(ctx context.Context, id string) (remote.StepInfo, error) {
	return c.remote.CurrentStep(ctx, id)
}

func (c *Coordinator) SendRobotCommand(ctx context.Context, robotID, command string, params map[string]any) error {
	return c.remote.SendRobotCommand(ctx, robotID, remote.RobotCommand{Command: command, Params: params})
}

// RemoteLog is the service's own assignment history.
func (c *Coordinator) RemoteLog(ctx context.Context) ([]remote.LogRecord, error) {
	return c.remote.AssignmentLog(ctx)
}

// check rejects a command the local lifecycle already knows to be illegal.
// Tasks not known locally are left for the service to judge.
func (c *Coordinator) check(id string, ev lifecycle.Event) error {
	t, err := c.queue.Get(id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return lifecycle.Transition(&t, ev, time.Now())
}

// Reads.

func (c *Coordinator) Ready(now time.Time) []queue.Ranked { return c.queue.Ready(now) }
func (c *Coordinator) Tasks() []domain.Task               { return c.queue.List() }

// Task returns the local copy of id. Tasks outside the active set, such as
// finished ones, are fetched from the service without being admitted.
func (c *Coordinator) Task(ctx context.Context, id string) (domain.Task, error) {
	t, err := c.queue.Get(id)
	if !errors.Is(err, domain.ErrNotFound) {
		return t, err
	}
	return c.remote.GetTask(ctx, id)
}

// RemoteTasks is the service's full task listing, terminal tasks included.
func (c *Coordinator) RemoteTasks(ctx context.Context) ([]domain.Task, error) {
	return c.remote.ListTasks(ctx)
}

// RemoteReady is the service's own ready ordering, for comparison with Ready.
func (c *Coordinator) RemoteReady(ctx context.Context) ([]domain.Task, error) {
	return c.remote.ReadyTasks(ctx)
}

func (c *Coordinator) Robots() []domain.Robot { return c.fleet.List() }
func (c *Coordinator) IdleRobots(minBattery int) []domain.Robot {
	return c.fleet.Idle(minBattery)
}

// History returns local assignment log entries at or after since.
func (c *Coordinator) History(since time.Time) []assignlog.Entry {
	var out []assignlog.Entry
	if c.log == nil {
		return out
	}
	for e := range c.log.Query(since) {
		out = append(out, e)
	}
	return out
}
