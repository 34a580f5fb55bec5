// Package fleet tracks the last reported state of every robot.
package fleet

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"fleetsync/internal/domain"
)

type Registry struct {
	mu     sync.RWMutex
	robots map[string]domain.Robot
}

func New() *Registry {
	return &Registry{robots: map[string]domain.Robot{}}
}

// Upsert replaces the stored robot with r and reports whether it changed.
func (r *Registry) Upsert(rb domain.Robot) (bool, error) {
	if rb.ID == "" {
		return false, fmt.Errorf("robot id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.robots[rb.ID]; ok && reflect.DeepEqual(cur, rb) {
		return false, nil
	}
	r.robots[rb.ID] = rb
	return true, nil
}

// SetCharging records a charging report. battery is left alone when nil.
func (r *Registry) SetCharging(id string, charging bool, battery *int) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("robot id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rb, ok := r.robots[id]
	if !ok {
		rb = domain.Robot{ID: id}
	}
	next := rb
	next.Charging = charging
	if battery != nil {
		next.Battery = *battery
	}
	if ok && next == rb {
		return false, nil
	}
	r.robots[id] = next
	return true, nil
}

func (r *Registry) Get(id string) (domain.Robot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rb, ok := r.robots[id]
	if !ok {
		return domain.Robot{}, fmt.Errorf("robot %s: %w", id, domain.ErrNotFound)
	}
	return rb, nil
}

// List returns every robot sorted by id.
func (r *Registry) List() []domain.Robot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Robot, 0, len(r.robots))
	for _, rb := range r.robots {
		out = append(out, rb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Idle returns robots free to take a task: idle status, no current task, not
// charging and at least minBattery percent charge. Highest battery first.
func (r *Registry) Idle(minBattery int) []domain.Robot {
	var out []domain.Robot
	for _, rb := range r.List() {
		if rb.Status != domain.RobotIdle || rb.CurrentTaskID != "" || rb.Charging || rb.Battery < minBattery {
			continue
		}
		out = append(out, rb)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Battery > out[j].Battery })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.robots)
}
