package task

import (
	"context"
	"sync"
	"time"

	"pledgerun/pkg/config"
	"pledgerun/pkg/taskname"
	"pledgerun/services/custody"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"
)

type Entry struct {
	TaskType string
	Interval time.Duration
	// Custody marks tasks that read the custody adapter's state.
	Custody bool
}

// Spec returns the asynq cron spec of the entry.
func (e Entry) Spec() string {
	return "@every " + e.Interval.String()
}

// Entries lists the periodic tasks enabled by cfg. A zero interval disables a task.
func Entries(cfg *config.Config) []Entry {
	all := []Entry{
		{TaskType: taskname.EscrowReconcile, Interval: cfg.Scheduler.ReconcileInterval, Custody: true},
		{TaskType: taskname.CampaignExpireOverdue, Interval: cfg.Scheduler.SweepInterval},
		{TaskType: taskname.PledgeCompleteExhaust, Interval: cfg.Scheduler.SweepInterval},
		{TaskType: taskname.PayoutRepair, Interval: cfg.Scheduler.RepairInterval, Custody: true},
		{TaskType: taskname.ActivitySettlePending, Interval: cfg.Scheduler.RepairInterval, Custody: true},
	}

	entries := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.Interval > 0 {
			entries = append(entries, e)
		}
	}
	return entries
}

// Split divides the enabled entries between the asynq scheduler and the API process.
// The simulated custody ledger only exists in the API process, so custody tasks run
// there when it is configured.
func Split(cfg *config.Config) (scheduled, inline []Entry) {
	simulated := custody.IsSimulated(cfg)
	for _, e := range Entries(cfg) {
		if e.Custody && simulated {
			inline = append(inline, e)
			continue
		}
		scheduled = append(scheduled, e)
	}
	return scheduled, inline
}

// Schedule registers the scheduled entries. Each run is unique for its interval so
// overlapping schedulers never double enqueue.
func Schedule(scheduler *asynq.Scheduler, cfg *config.Config) error {
	scheduled, inline := Split(cfg)
	for _, e := range inline {
		zap.L().Info("[Scheduler] entry runs in the api process", zap.String("task_type", e.TaskType))
	}

	for _, e := range scheduled {
		id, err := scheduler.Register(e.Spec(), asynq.NewTask(e.TaskType, nil),
			asynq.Queue(queues[e.TaskType]),
			asynq.Unique(e.Interval),
			asynq.MaxRetry(0),
		)
		if err != nil {
			zap.L().Error("[Scheduler] failed to register entry", zap.String("task_type", e.TaskType), zap.Error(err))
			return err
		}
		zap.L().Info("[Scheduler] registered entry",
			zap.String("entry_id", id),
			zap.String("task_type", e.TaskType),
			zap.Duration("interval", e.Interval),
		)
	}
	return nil
}

// RunInline starts a loop per inline entry on the fx lifecycle.
func RunInline(lc fx.Lifecycle, cfg *config.Config, s *Service) {
	_, inline := Split(cfg)
	if len(inline) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			for _, e := range inline {
				wg.Add(1)
				go func(e Entry) {
					defer wg.Done()
					zap.L().Info("inline task loop started", zap.String("task_type", e.TaskType), zap.Duration("interval", e.Interval))
					wait.UntilWithContext(ctx, func(ctx context.Context) {
						// failures are recorded on the job by run
						_ = s.Run(ctx, e.TaskType)
					}, e.Interval)
				}(e)
			}
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			wg.Wait()
			return nil
		},
	})
}
