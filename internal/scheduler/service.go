// Package scheduler periodically re-ranks the queue. Effective priority grows
// with age, so the ready ordering can change while no event arrives.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fleetsync/internal/metrics"
	"fleetsync/internal/queue"
)

const DefaultSchedule = "@every 30s"

// Source yields the current ready ordering.
type Source interface {
	Ready(now time.Time) []queue.Ranked
}

type Service struct {
	src      Source
	metrics  *metrics.Metrics
	cron     *cron.Cron
	schedule string
	now      func() time.Time
	logger   zerolog.Logger

	mu   sync.Mutex
	head string
}

func NewService(src Source, schedule string, m *metrics.Metrics) (*Service, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if err := ValidateCronExpression(schedule); err != nil {
		return nil, fmt.Errorf("refresh schedule %q: %w", schedule, err)
	}
	return &Service{
		src:      src,
		metrics:  m,
		cron:     cron.New(),
		schedule: schedule,
		now:      time.Now,
		logger:   log.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Start runs the refresh on its schedule until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.Refresh(s.now()) }); err != nil {
		return err
	}
	s.cron.Start()
	ev := s.logger.Info().Str("schedule", s.schedule)
	if next, err := NextRunTime(s.schedule, s.now()); err == nil {
		ev = ev.Time("next_run", next)
	}
	ev.Msg("refresh scheduler started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// Refresh recomputes the ordering and reports the head task and whether it
// differs from the previous refresh.
func (s *Service) Refresh(now time.Time) (string, bool) {
	ready := s.src.Ready(now)
	s.metrics.SetReadyDepth(len(ready))

	head := ""
	if len(ready) > 0 {
		head = ready[0].Task.ID
	}
	s.mu.Lock()
	prev := s.head
	s.head = head
	s.mu.Unlock()

	if head == prev {
		return head, false
	}
	ev := s.logger.Info().Str("head", head).Str("previous", prev).Int("depth", len(ready))
	if len(ready) > 0 {
		ev = ev.Int("effective_priority", ready[0].Effective)
	}
	ev.Msg("queue head changed")
	return head, true
}

// ValidateCronExpression accepts standard five-field expressions and
// descriptors such as "@every 30s".
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

func NextRunTime(expr string, from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}
