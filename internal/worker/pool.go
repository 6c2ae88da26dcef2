package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"mailflow/internal/domain"
	"mailflow/internal/store"
)

// Handler executes the work behind one task. Implementations receive
// the claimed task after it reached running.
type Handler interface {
	Handle(ctx context.Context, task domain.Task) error
}

// Pool drives pending tasks through the state machine. Claiming is the
// pending->triggered transition itself: the conditional update means at
// most one worker (in this or any other process) wins each task, and a
// lost race is skipped, not retried.
type Pool struct {
	repo      store.Repository
	handler   Handler
	tenants   []string
	sem       chan struct{}
	stop      chan struct{}
	pollEvery time.Duration
	timeout   time.Duration
}

func NewPool(repo store.Repository, handler Handler, tenants []string, size int, pollEvery, taskTimeout time.Duration) *Pool {
	return &Pool{
		repo: repo, handler: handler, tenants: tenants,
		sem: make(chan struct{}, size), stop: make(chan struct{}),
		pollEvery: pollEvery, timeout: taskTimeout,
	}
}

func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-t.C:
			p.poll(ctx)
		}
	}
}

func (p *Pool) Stop() { close(p.stop) }

func (p *Pool) poll(ctx context.Context) {
	for _, tenant := range p.tenants {
		tasks, err := p.repo.ListByStatus(ctx, tenant, domain.StatusPending)
		if err != nil {
			log.Error().Err(err).Str("tenant", tenant).Msg("poll pending tasks")
			continue
		}
		for _, task := range tasks {
			claimed, err := p.repo.Transition(ctx, task.ID, domain.StatusPending, domain.StatusTriggered)
			if err != nil {
				if errors.Is(err, store.ErrInvalidTransition) {
					continue // another worker won
				}
				log.Error().Err(err).Str("task_id", task.ID).Msg("claim task")
				continue
			}
			p.sem <- struct{}{}
			go func(tk domain.Task) {
				defer func() { <-p.sem }()
				p.execute(ctx, tk)
			}(claimed)
		}
	}
}

func (p *Pool) execute(ctx context.Context, task domain.Task) {
	running, err := p.repo.Transition(ctx, task.ID, domain.StatusTriggered, domain.StatusRunning)
	if err != nil {
		// Cancelled between claim and start, or stale state; abandon.
		log.Debug().Err(err).Str("task_id", task.ID).Msg("task not started")
		return
	}

	c, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.handler.Handle(c, running); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("task failed")
		p.finish(ctx, task.ID, domain.StatusFailed)
		return
	}
	p.finish(ctx, task.ID, domain.StatusCompleted)
}

func (p *Pool) finish(ctx context.Context, id string, to domain.Status) {
	if _, err := p.repo.Transition(ctx, id, domain.StatusRunning, to); err != nil {
		// Operator cancelled mid-run; the work itself is done, the
		// terminal status stays cancelled.
		log.Debug().Err(err).Str("task_id", id).Str("to", string(to)).Msg("finish transition lost")
	}
}
