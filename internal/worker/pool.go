// Package worker hands ready tasks to idle robots. It only asks the service to
// start a task; the queue changes when the service confirms.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fleetsync/internal/domain"
	"fleetsync/internal/queue"
)

// Dispatcher is the view of the coordinator the pool works against.
type Dispatcher interface {
	Ready(now time.Time) []queue.Ranked
	IdleRobots(minBattery int) []domain.Robot
	UpdateStatus(ctx context.Context, id string, state domain.State, robotID string) error
}

type Options struct {
	Workers    int
	PollEvery  time.Duration
	MinBattery int
	// ConfirmWait is how long a dispatched task and its robot are held back
	// while the service's confirmation travels back over the push channel.
	ConfirmWait time.Duration
	Timeout     time.Duration
}

type Pool struct {
	d      Dispatcher
	opts   Options
	sem    chan struct{}
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger zerolog.Logger

	mu       sync.Mutex
	tasks    map[string]time.Time // task id -> not before
	robots   map[string]time.Time
	attempts map[string]int
}

func NewPool(d Dispatcher, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.PollEvery <= 0 {
		opts.PollEvery = 5 * time.Second
	}
	if opts.ConfirmWait <= 0 {
		opts.ConfirmWait = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Pool{
		d:        d,
		opts:     opts,
		sem:      make(chan struct{}, opts.Workers),
		stop:     make(chan struct{}),
		logger:   log.With().Str("component", "dispatch").Logger(),
		tasks:    map[string]time.Time{},
		robots:   map[string]time.Time{},
		attempts: map[string]int{},
	}
}

func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.opts.PollEvery)
	defer t.Stop()
	defer p.wg.Wait()
	p.logger.Info().Int("workers", p.opts.Workers).Dur("interval", p.opts.PollEvery).Msg("dispatch pool started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case now := <-t.C:
			p.Tick(ctx, now)
		}
	}
}

func (p *Pool) Stop() {
	p.once.Do(func() { close(p.stop) })
}

// Wait blocks until every dispatch started so far has finished.
func (p *Pool) Wait() { p.wg.Wait() }

// Tick pairs ready tasks with idle robots, best task with the fullest battery,
// and starts one request per pair. It returns how many were started.
func (p *Pool) Tick(ctx context.Context, now time.Time) int {
	ready := p.d.Ready(now)
	robots := p.d.IdleRobots(p.opts.MinBattery)

	started := 0
	ri := 0
	for _, r := range ready {
		if ri >= len(robots) {
			break
		}
		id := r.Task.ID
		if !p.claimTask(id, now) {
			continue
		}
		robot := ""
		for ri < len(robots) {
			cand := robots[ri].ID
			ri++
			if p.claimRobot(cand, now) {
				robot = cand
				break
			}
		}
		if robot == "" {
			p.release(id, "", time.Time{})
			break
		}

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			p.release(id, robot, time.Time{})
			return started
		}
		started++
		p.wg.Add(1)
		go func(id, robot string) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.dispatch(ctx, id, robot)
		}(id, robot)
	}
	return started
}

func (p *Pool) dispatch(ctx context.Context, id, robot string) {
	c, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	err := p.d.UpdateStatus(c, id, domain.StateRunning, robot)
	now := time.Now()
	if err != nil {
		p.mu.Lock()
		p.attempts[id]++
		n := p.attempts[id]
		p.mu.Unlock()
		wait := backoffExp(n)
		p.release(id, robot, now.Add(wait))
		p.logger.Warn().Err(err).Str("task_id", id).Str("robot_id", robot).Dur("retry_in", wait).Msg("dispatch failed")
		return
	}
	p.mu.Lock()
	delete(p.attempts, id)
	p.mu.Unlock()
	p.release(id, robot, now.Add(p.opts.ConfirmWait))
	p.logger.Info().Str("task_id", id).Str("robot_id", robot).Msg("task dispatched")
}

// claimTask reserves id unless it is in flight or still held back.
func (p *Pool) claimTask(id string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if until, ok := p.tasks[id]; ok && (until.IsZero() || now.Before(until)) {
		return false
	}
	p.tasks[id] = time.Time{}
	return true
}

func (p *Pool) claimRobot(id string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if until, ok := p.robots[id]; ok && (until.IsZero() || now.Before(until)) {
		return false
	}
	p.robots[id] = time.Time{}
	return true
}

// release ends an in-flight claim. A zero until frees the ids at once; any
// other value holds them back until then.
func (p *Pool) release(task, robot string, until time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range []struct {
		m  map[string]time.Time
		id string
	}{{p.tasks, task}, {p.robots, robot}} {
		if e.id == "" {
			continue
		}
		if until.IsZero() {
			delete(e.m, e.id)
		} else {
			e.m[e.id] = until
		}
	}
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	if attempts > 7 {
		return 60 * time.Second
	}
	d := 1 << (attempts - 1)
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
