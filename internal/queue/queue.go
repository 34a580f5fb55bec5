package queue

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"fleetsync/internal/assignlog"
	"fleetsync/internal/domain"
	"fleetsync/internal/lifecycle"
	"fleetsync/internal/priority"
)

// Ranked is one row of the ready ordering.
type Ranked struct {
	Task      domain.Task `json:"task"`
	Effective int         `json:"effective_priority"`
	Rank      int         `json:"rank"`
}

// Queue owns the active task set. Every mutation runs under one lock, so a
// reader of ReadyOrdering always sees the result of whole mutations only.
type Queue struct {
	mu    sync.RWMutex
	tasks map[string]*domain.Task
	model priority.Model
	log   *assignlog.Log
	now   func() time.Time
}

type Option func(*Queue)

// WithClock replaces time.Now for timestamps and age ranking.
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

func New(model priority.Model, log *assignlog.Log, opts ...Option) *Queue {
	q := &Queue{tasks: map[string]*domain.Task{}, model: model, log: log, now: time.Now}
	for _, o := range opts {
		o(q)
	}
	return q
}

// SetModel swaps the priority tuning used for all subsequent orderings.
func (q *Queue) SetModel(m priority.Model) {
	q.mu.Lock()
	q.model = m
	q.mu.Unlock()
}

func (q *Queue) Model() priority.Model {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.model
}

// Admit inserts a new task in the queued state.
func (q *Queue) Admit(t domain.Task) error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.tasks[t.ID]; ok {
		return fmt.Errorf("task %s: %w", t.ID, domain.ErrDuplicateID)
	}
	now := q.now()
	c := t.Clone()
	c.State = domain.StateQueued
	c.PausedAt = nil
	if c.BasePriority == 0 {
		c.BasePriority = priority.BaseFor(c.Type)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	for i := range c.Overrides {
		c.Overrides[i].Boost = priority.ClampBoost(c.Overrides[i].Boost)
	}
	q.tasks[c.ID] = &c
	return nil
}

func (q *Queue) Get(id string) (domain.Task, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	t, ok := q.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return t.Clone(), nil
}

// List returns a copy of every active task ordered by id.
func (q *Queue) List() []domain.Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]domain.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.tasks)
}

// ReadyOrdering returns the ids of queued tasks in dispatch order. The slice is
// freshly allocated for every call.
func (q *Queue) ReadyOrdering(now time.Time) []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	ranked := q.rankLocked(now)
	ids := make([]string, len(ranked))
	for i, r := range ranked {
		ids[i] = r.task.ID
	}
	return ids
}

// Ready is ReadyOrdering with task copies and effective priorities attached.
func (q *Queue) Ready(now time.Time) []Ranked {
	q.mu.RLock()
	defer q.mu.RUnlock()
	ranked := q.rankLocked(now)
	out := make([]Ranked, len(ranked))
	for i, r := range ranked {
		out[i] = Ranked{Task: r.task.Clone(), Effective: r.eff, Rank: i}
	}
	return out
}

// SetManualRank sets or, with nil, clears the operator tie-break rank. Ranks are
// sparse and only compared; other tasks' ranks are never renumbered.
func (q *Queue) SetManualRank(id string, rank *int, actor string) error {
	return q.mutate(id, assignlog.ActionReordered, actor, "", func(t *domain.Task) error {
		if rank == nil {
			t.ManualRank = nil
		} else {
			r := *rank
			t.ManualRank = &r
		}
		return nil
	})
}

// ApplyOverride appends an operator boost.
func (q *Queue) ApplyOverride(id string, boost int, reason, actor string) error {
	if !priority.ValidBoost(boost) {
		return fmt.Errorf("task %s: boost %d outside [0,%d]: %w", id, boost, priority.MaxBoost, domain.ErrInvalidBoost)
	}
	return q.mutate(id, assignlog.ActionOverrideApplied, actor, reason, func(t *domain.Task) error {
		t.Overrides = append(t.Overrides, domain.Override{Boost: boost, Reason: reason, AppliedAt: q.now()})
		return nil
	})
}

// RemoveOverride clears every active override. It is a no-op when there are none.
func (q *Queue) RemoveOverride(id, actor string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if len(t.Overrides) == 0 {
		return nil
	}
	return q.mutateLocked(id, assignlog.ActionOverrideRemoved, actor, "", func(t *domain.Task) error {
		t.Overrides = nil
		return nil
	})
}

// Transition applies a lifecycle event. A dispatch records an assigned entry;
// any other event records a reordered entry only if the ready position moved.
func (q *Queue) Transition(id string, ev lifecycle.Event, actor string) error {
	action := assignlog.ActionReordered
	if ev.Dispatch() {
		action = assignlog.ActionAssigned
	}
	return q.mutate(id, action, actor, string(ev), func(t *domain.Task) error {
		return lifecycle.Transition(t, ev, q.now())
	})
}

// Remove drops a terminal task from the active set.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if !t.State.Terminal() {
		return fmt.Errorf("task %s: remove in state %s: %w", id, t.State, domain.ErrInvalidTransition)
	}
	delete(q.tasks, id)
	return nil
}

// mutate runs fn on a working copy, commits it on success and records the
// resulting rank change. A mutation that changes nothing is dropped.
func (q *Queue) mutate(id string, action assignlog.Action, actor, reason string, fn func(t *domain.Task) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mutateLocked(id, action, actor, reason, fn)
}

func (q *Queue) mutateLocked(id string, action assignlog.Action, actor, reason string, fn func(t *domain.Task) error) error {
	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	now := q.now()
	before := q.positionLocked(id, now)
	work := t.Clone()
	if err := fn(&work); err != nil {
		return err
	}
	if reflect.DeepEqual(work, *t) {
		return nil
	}
	work.UpdatedAt = now
	*t = work
	after := q.positionLocked(id, now)
	return q.recordLocked(id, action, before, after, actor, reason, now)
}

func (q *Queue) recordLocked(id string, action assignlog.Action, before, after int, actor, reason string, now time.Time) error {
	if q.log == nil {
		return nil
	}
	switch action {
	case assignlog.ActionOverrideApplied, assignlog.ActionOverrideRemoved:
	case assignlog.ActionAssigned:
		if q.tasks[id].State != domain.StateRunning {
			return nil
		}
	default:
		if before == after {
			return nil
		}
	}
	_, err := q.log.Append(assignlog.Entry{
		Timestamp:    now,
		TaskID:       id,
		Action:       action,
		PreviousRank: before,
		NewRank:      after,
		Actor:        actor,
		Reason:       reason,
	})
	if err != nil {
		return fmt.Errorf("task %s: record %s: %w", id, action, err)
	}
	return nil
}

type rankedTask struct {
	task *domain.Task
	eff  int
}

func (q *Queue) rankLocked(now time.Time) []rankedTask {
	ranked := make([]rankedTask, 0, len(q.tasks))
	vals := make([]domain.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		if t.State != domain.StateQueued {
			continue
		}
		ranked = append(ranked, rankedTask{task: t})
		vals = append(vals, *t)
	}
	for i, eff := range q.model.EffectiveAll(vals, now) {
		ranked[i].eff = eff
	}
	sort.Slice(ranked, func(i, j int) bool { return less(ranked[i], ranked[j]) })
	return ranked
}

// less is a total order: effective desc, manual rank asc with absent last,
// createdAt asc, id asc.
func less(a, b rankedTask) bool {
	if a.eff != b.eff {
		return a.eff > b.eff
	}
	ar, br := a.task.ManualRank, b.task.ManualRank
	switch {
	case ar != nil && br == nil:
		return true
	case ar == nil && br != nil:
		return false
	case ar != nil && br != nil && *ar != *br:
		return *ar < *br
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.task.ID < b.task.ID
}

func (q *Queue) positionLocked(id string, now time.Time) int {
	for i, r := range q.rankLocked(now) {
		if r.task.ID == id {
			return i
		}
	}
	return assignlog.NoRank
}
