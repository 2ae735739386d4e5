package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"order-dispatch-service/internal/entity"
	"order-dispatch-service/internal/service"
)

// Runner executes one claimed job and reports its lifecycle back through
// the dispatcher. Execution here is a stand-in provisioner: it holds the
// slot for the paid minutes (scaled down by MinuteScale) and finishes.
type Runner struct {
	disp *service.Dispatcher
	// MinuteScale maps one paid minute to wall time; production uses
	// time.Minute, tests and demos something much smaller.
	MinuteScale time.Duration
	log         *zap.Logger
}

func NewRunner(disp *service.Dispatcher, scale time.Duration, log *zap.Logger) *Runner {
	if scale <= 0 {
		scale = time.Minute
	}
	return &Runner{disp: disp, MinuteScale: scale, log: log.Named("runner")}
}

func (r *Runner) Run(ctx context.Context, job *entity.Job) error {
	kind := string(job.Kind)

	if err := r.disp.Progress(ctx, job.ID, kind, string(entity.StatusRunning), "provisioning"); err != nil {
		return fmt.Errorf("report running: %w", err)
	}

	d := time.Duration(job.Minutes) * r.MinuteScale
	r.log.Info("running job",
		zap.String("job_id", job.ID),
		zap.Int("minutes", job.Minutes),
		zap.Duration("wall_time", d),
	)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		// shutting down mid-job: leave it running, the status record's TTL
		// is the backstop
		return ctx.Err()
	case <-t.C:
	}

	if err := r.disp.Complete(ctx, job.ID, kind, true, "minutes elapsed", ""); err != nil {
		return fmt.Errorf("report complete: %w", err)
	}
	return nil
}
