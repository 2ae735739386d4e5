// Package worker is the reference provider-side daemon: it claims jobs
// through the dispatcher, executes them and reports status back.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"order-dispatch-service/internal/entity"
	"order-dispatch-service/internal/service"
)

type Pool struct {
	disp      *service.Dispatcher
	runner    *Runner
	kinds     []entity.Family
	skus      []string
	workers   int
	pollDelay time.Duration
	log       *zap.Logger
}

func NewPool(disp *service.Dispatcher, runner *Runner, kinds []entity.Family, skus []string, workers int, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{
		disp:      disp,
		runner:    runner,
		kinds:     kinds,
		skus:      skus,
		workers:   workers,
		pollDelay: 5 * time.Second,
		log:       log.Named("worker"),
	}
}

// Run blocks until ctx is cancelled. Each worker polls pick independently;
// an empty queue just means wait, a store outage means wait too (and is
// logged as such, never conflated with empty).
func (p *Pool) Run(ctx context.Context) {
	p.log.Info("worker pool started", zap.Int("workers", p.workers))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(ctx, n)
		}(i + 1)
	}
	wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, n int) {
	log := p.log.With(zap.Int("worker", n))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.disp.Pick(ctx, p.kinds, p.skus)
		if err != nil {
			log.Warn("pick failed", zap.Error(err))
			sleep(ctx, p.pollDelay)
			continue
		}
		if job == nil {
			sleep(ctx, p.pollDelay)
			continue
		}

		log.Info("claimed job", zap.String("job_id", job.ID), zap.String("sku", job.SKU))
		if err := p.runner.Run(ctx, job); err != nil {
			log.Warn("job run failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
