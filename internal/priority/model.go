// Package priority computes effective task priority. Every function here is pure:
// the queue recomputes ordering on each mutation and on the periodic refresh, so
// the same inputs must always give the same rank.
package priority

import (
	"time"

	"fleetsync/internal/domain"
)

const (
	Min = 0
	Max = 100

	MaxBoost = 50

	DefaultAgeStep     = time.Minute
	DefaultMaxAgeBonus = 10
)

// BaseFor returns the category-derived base priority for a task type.
func BaseFor(t domain.TaskType) int {
	switch t {
	case domain.TypeDelivery:
		return 90
	case domain.TypeOrdering:
		return 80
	case domain.TypeCollection:
		return 70
	case domain.TypePayment:
		return 50
	case domain.TypeCharging:
		return 30
	}
	return 50
}

// ValidBoost reports whether an operator boost may be applied as given.
func ValidBoost(b int) bool { return b >= 0 && b <= MaxBoost }

// ClampBoost bounds a single override boost to [0, MaxBoost].
func ClampBoost(b int) int { return clamp(b, 0, MaxBoost) }

type Model struct {
	// AgeStep is how long a task waits to earn one point of age bonus.
	AgeStep time.Duration
	// MaxAgeBonus caps the age bonus.
	MaxAgeBonus int
}

func Default() Model {
	return Model{AgeStep: DefaultAgeStep, MaxAgeBonus: DefaultMaxAgeBonus}
}

// AgeBonus is non-decreasing in now and never exceeds MaxAgeBonus.
func (m Model) AgeBonus(createdAt, now time.Time) int {
	if m.AgeStep <= 0 || m.MaxAgeBonus <= 0 || createdAt.IsZero() || !now.After(createdAt) {
		return 0
	}
	steps := now.Sub(createdAt) / m.AgeStep
	if steps >= time.Duration(m.MaxAgeBonus) {
		return m.MaxAgeBonus
	}
	return int(steps)
}

// Boost sums the task's active overrides, each clamped individually.
func Boost(t domain.Task) int {
	sum := 0
	for _, o := range t.Overrides {
		sum += ClampBoost(o.Boost)
	}
	return sum
}

// Effective returns the task's effective priority in [Min, Max]. The age bonus is
// limited to the headroom left by the base priority, so age alone never pushes a
// task above Max.
func (m Model) Effective(t domain.Task, now time.Time) int {
	base := clamp(t.BasePriority, Min, Max)
	age := m.AgeBonus(t.CreatedAt, now)
	if age > Max-base {
		age = Max - base
	}
	return clamp(t.BasePriority+Boost(t)+age, Min, Max)
}

// EffectiveAll returns Effective for each task with one further limit: age
// never lifts a task without overrides level with or past an overridden task
// whose effective priority is above the first task's age-free priority.
func (m Model) EffectiveAll(tasks []domain.Task, now time.Time) []int {
	eff := make([]int, len(tasks))
	var boosted []int
	for i, t := range tasks {
		eff[i] = m.Effective(t, now)
		if len(t.Overrides) > 0 {
			boosted = append(boosted, eff[i])
		}
	}
	if len(boosted) == 0 {
		return eff
	}
	for i, t := range tasks {
		if len(t.Overrides) > 0 {
			continue
		}
		floor := clamp(t.BasePriority, Min, Max)
		for _, b := range boosted {
			if floor < b && eff[i] >= b {
				eff[i] = b - 1
			}
		}
	}
	return eff
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
