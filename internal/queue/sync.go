package queue

import (
	"fmt"
	"reflect"

	"fleetsync/internal/assignlog"
	"fleetsync/internal/domain"
	"fleetsync/internal/lifecycle"
	"fleetsync/internal/priority"
)

// The mutations below apply authoritative state. Each one replaces fields
// rather than incrementing them, so replaying the same event is a no-op.

// Upsert replaces a task with an authoritative snapshot, inserting it when
// unknown. The state move must be one the lifecycle allows; a terminal
// snapshot of an unknown task is ignored. It reports whether anything changed.
func (q *Queue) Upsert(t domain.Task, actor string) (bool, error) {
	if t.ID == "" {
		return false, fmt.Errorf("task id is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	in := normalize(t.Clone())
	cur, ok := q.tasks[in.ID]
	if !ok {
		if in.State.Terminal() {
			return false, nil
		}
		if in.UpdatedAt.IsZero() {
			in.UpdatedAt = q.now()
		}
		q.tasks[in.ID] = &in
		return true, nil
	}
	if !lifecycle.CanMove(cur.State, in.State) {
		return false, fmt.Errorf("task %s: %s -> %s: %w", in.ID, cur.State, in.State, domain.ErrInvalidTransition)
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = cur.CreatedAt
	}
	if in.UpdatedAt.IsZero() {
		in.UpdatedAt = cur.UpdatedAt
	}
	if reflect.DeepEqual(in, *cur) {
		return false, nil
	}

	now := q.now()
	before := q.positionLocked(in.ID, now)
	dispatched := cur.State == domain.StateQueued && in.State == domain.StateRunning
	*cur = in
	after := q.positionLocked(in.ID, now)

	action := assignlog.ActionReordered
	if dispatched {
		action = assignlog.ActionAssigned
	}
	return true, q.recordLocked(in.ID, action, before, after, actor, "sync", now)
}

// Reprioritize replaces a task's base priority and manual rank.
func (q *Queue) Reprioritize(id string, base int, rank *int, actor string) error {
	return q.mutate(id, assignlog.ActionReordered, actor, "priority updated", func(t *domain.Task) error {
		t.BasePriority = base
		if rank == nil {
			t.ManualRank = nil
		} else {
			r := *rank
			t.ManualRank = &r
		}
		return nil
	})
}

// SetOverrides replaces the whole override list. Boosts are clamped to the
// allowed range rather than rejected, since the list is authoritative.
func (q *Queue) SetOverrides(id string, overrides []domain.Override, actor string) error {
	action := assignlog.ActionOverrideApplied
	reason := ""
	if len(overrides) == 0 {
		action = assignlog.ActionOverrideRemoved
	} else {
		reason = overrides[len(overrides)-1].Reason
	}
	list := clampOverrides(overrides)
	return q.mutate(id, action, actor, reason, func(t *domain.Task) error {
		t.Overrides = list
		return nil
	})
}

// Resync atomically replaces the active set with an authoritative listing.
// Terminal tasks in the listing are skipped. It returns how many local tasks
// were dropped because the listing no longer contains them.
func (q *Queue) Resync(tasks []domain.Task, actor string) (dropped int, err error) {
	next := make(map[string]*domain.Task, len(tasks))
	for _, t := range tasks {
		if t.ID == "" || t.State.Terminal() {
			continue
		}
		c := normalize(t.Clone())
		next[c.ID] = &c
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var assigned []string
	for id, cur := range q.tasks {
		n, ok := next[id]
		if !ok {
			dropped++
			continue
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = cur.CreatedAt
		}
		if n.UpdatedAt.IsZero() {
			n.UpdatedAt = cur.UpdatedAt
		}
		if cur.State == domain.StateQueued && n.State == domain.StateRunning {
			assigned = append(assigned, id)
		}
	}
	for _, n := range next {
		if n.UpdatedAt.IsZero() {
			n.UpdatedAt = now
		}
	}
	positions := make(map[string]int, len(assigned))
	for _, id := range assigned {
		positions[id] = q.positionLocked(id, now)
	}
	q.tasks = next
	for _, id := range assigned {
		if err := q.recordLocked(id, assignlog.ActionAssigned, positions[id], assignlog.NoRank, actor, "resync", now); err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}

func normalize(t domain.Task) domain.Task {
	if t.BasePriority == 0 {
		t.BasePriority = priority.BaseFor(t.Type)
	}
	if t.State == "" {
		t.State = domain.StateQueued
	}
	if t.State != domain.StatePaused {
		t.PausedAt = nil
	}
	t.Overrides = clampOverrides(t.Overrides)
	return t
}

func clampOverrides(in []domain.Override) []domain.Override {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Override, len(in))
	for i, o := range in {
		o.Boost = priority.ClampBoost(o.Boost)
		out[i] = o
	}
	return out
}
