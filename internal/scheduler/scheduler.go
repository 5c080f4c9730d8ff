package scheduler

import (
	"context"

	"github.com/forgecloud/billing/internal/app/service/graceperiod"
	"github.com/forgecloud/billing/internal/app/service/metering"
	"github.com/forgecloud/billing/internal/app/service/proration"
	"github.com/forgecloud/billing/internal/app/service/webhookproc"
	"github.com/forgecloud/billing/pkg/config"
	types "github.com/forgecloud/billing/pkg/types"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scheduler runs the recurring billing sweeps. Every job is idempotent, so
// overlapping runs after a slow tick are harmless.
type Scheduler struct {
	cfg   *config.Config
	log   *zap.SugaredLogger
	cron  *cron.Cron
	grace *graceperiod.Service
	prora *proration.Service
	meter *metering.Service
	hooks *webhookproc.Service
}

func New(cfg *config.Config, log *zap.SugaredLogger, grace *graceperiod.Service, prora *proration.Service, meter *metering.Service, hooks *webhookproc.Service) *Scheduler {
	return &Scheduler{
		cfg:   cfg,
		log:   log,
		cron:  cron.New(),
		grace: grace,
		prora: prora,
		meter: meter,
		hooks: hooks,
	}
}

func (s *Scheduler) register() error {
	jobs := []struct {
		spec string
		name string
		run  func(ctx context.Context) (*types.BatchResult, error)
	}{
		{"*/10 * * * *", "grace_expiry", s.grace.ProcessExpired},
		{"0 * * * *", "grace_reminders", s.grace.SendReminders},
		{"*/10 * * * *", "pending_plan_changes", s.prora.ProcessPendingPlanChanges},
		{"*/15 * * * *", "stale_session_reaper", func(ctx context.Context) (*types.BatchResult, error) {
			return s.meter.ReapStaleSessions(ctx, s.cfg.Billing.SessionMaxAge), nil
		}},
		{"*/5 * * * *", "webhook_retry", s.hooks.RetryFailed},
	}

	for _, job := range jobs {
		job := job
		_, err := s.cron.AddFunc(job.spec, func() {
			ctx := context.Background()
			result, err := job.run(ctx)
			if err != nil {
				s.log.Errorw("scheduled job failed", "job", job.name, "error", err)
				return
			}
			if result.Processed > 0 || len(result.Errors) > 0 {
				s.log.Infow("scheduled job finished",
					"job", job.name, "processed", result.Processed, "errors", len(result.Errors))
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Register wires the scheduler into the Fx lifecycle.
func Register(lc fx.Lifecycle, s *Scheduler) error {
	if err := s.register(); err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s.cron.Start()
			s.log.Infow("scheduler started", "jobs", len(s.cron.Entries()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopCtx := s.cron.Stop()
			select {
			case <-stopCtx.Done():
			case <-ctx.Done():
			}
			return nil
		},
	})
	return nil
}

// Module exposes the scheduler via Fx.
var Module = fx.Options(
	fx.Provide(New),
	fx.Invoke(Register),
)
