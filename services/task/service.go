package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pkgtask "pledgerun/pkg/task"
	"pledgerun/pkg/taskname"
	"pledgerun/services/campaign"
	"pledgerun/services/custody"
	"pledgerun/services/settlement"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Reconciler interface {
	ReconcilePending(ctx context.Context) (custody.ReconcileSummary, error)
}

type Expirer interface {
	ExpireOverdue(ctx context.Context) (campaign.ExpirySummary, error)
}

type Completer interface {
	CompleteExhausted(ctx context.Context) (int64, error)
}

type Repairer interface {
	RepairTimedOutPayouts(ctx context.Context) (settlement.RepairSummary, error)
}

type Resettler interface {
	SettleUnsettled(ctx context.Context) (settlement.ResettleSummary, error)
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	enqueuer pkgtask.Enqueuer

	reconciler Reconciler
	expirer    Expirer
	completer  Completer
	repairer   Repairer
	resettler  Resettler
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Node     *snowflake.Node
	Enqueuer pkgtask.Enqueuer `optional:"true"`

	Reconciler Reconciler
	Expirer    Expirer
	Completer  Completer
	Repairer   Repairer
	Resettler  Resettler
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		node:       p.Node,
		enqueuer:   p.Enqueuer,
		reconciler: p.Reconciler,
		expirer:    p.Expirer,
		completer:  p.Completer,
		repairer:   p.Repairer,
		resettler:  p.Resettler,
	}
}

func (s *Service) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Job{})
}

func (s *Service) handlers() map[string]asynq.HandlerFunc {
	return map[string]asynq.HandlerFunc{
		taskname.EscrowReconcile:       s.HandleEscrowReconcile,
		taskname.CampaignExpireOverdue: s.HandleCampaignExpire,
		taskname.PledgeCompleteExhaust: s.HandlePledgeComplete,
		taskname.PayoutRepair:          s.HandlePayoutRepair,
		taskname.ActivitySettlePending: s.HandleActivitySettle,
	}
}

// Register binds every maintenance task type to its handler.
func (s *Service) Register(mux *asynq.ServeMux) {
	for taskType, h := range s.handlers() {
		mux.Handle(taskType, h)
	}
}

// Run executes taskType in the calling goroutine, recording a Job like the worker does.
func (s *Service) Run(ctx context.Context, taskType string) error {
	h, ok := s.handlers()[taskType]
	if !ok {
		return fmt.Errorf("unknown task type %q", taskType)
	}
	return h(ctx, asynq.NewTask(taskType, nil))
}

// Enqueue schedules a one-off run of taskType.
func (s *Service) Enqueue(ctx context.Context, taskType string) (*asynq.TaskInfo, error) {
	if s.enqueuer == nil {
		return nil, fmt.Errorf("task %s: no enqueuer configured", taskType)
	}
	if _, ok := queues[taskType]; !ok {
		return nil, fmt.Errorf("unknown task type %q", taskType)
	}
	return s.enqueuer.Enqueue(ctx, asynq.NewTask(taskType, nil), asynq.Queue(queues[taskType]), asynq.MaxRetry(3))
}

var queues = map[string]string{
	taskname.EscrowReconcile:       pkgtask.QueueCritical,
	taskname.PayoutRepair:          pkgtask.QueueCritical,
	taskname.ActivitySettlePending: pkgtask.QueueCritical,
	taskname.CampaignExpireOverdue: pkgtask.QueueDefault,
	taskname.PledgeCompleteExhaust: pkgtask.QueueLow,
}

func (s *Service) HandleEscrowReconcile(ctx context.Context, t *asynq.Task) error {
	return s.run(ctx, t.Type(), func(ctx context.Context) (any, error) {
		return s.reconciler.ReconcilePending(ctx)
	})
}

func (s *Service) HandleCampaignExpire(ctx context.Context, t *asynq.Task) error {
	return s.run(ctx, t.Type(), func(ctx context.Context) (any, error) {
		return s.expirer.ExpireOverdue(ctx)
	})
}

func (s *Service) HandlePledgeComplete(ctx context.Context, t *asynq.Task) error {
	return s.run(ctx, t.Type(), func(ctx context.Context) (any, error) {
		n, err := s.completer.CompleteExhausted(ctx)
		return map[string]int64{"completed": n}, err
	})
}

func (s *Service) HandlePayoutRepair(ctx context.Context, t *asynq.Task) error {
	return s.run(ctx, t.Type(), func(ctx context.Context) (any, error) {
		return s.repairer.RepairTimedOutPayouts(ctx)
	})
}

func (s *Service) HandleActivitySettle(ctx context.Context, t *asynq.Task) error {
	return s.run(ctx, t.Type(), func(ctx context.Context) (any, error) {
		return s.resettler.SettleUnsettled(ctx)
	})
}

// run records a Job around fn. A failure to write the record never fails the task.
func (s *Service) run(ctx context.Context, taskType string, fn func(ctx context.Context) (any, error)) error {
	zapLog := zap.L().With(zap.String("task_type", taskType))

	job := Job{
		ID:        s.node.Generate().String(),
		TaskType:  taskType,
		Status:    JobRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		zapLog.Warn("failed to record job", zap.Error(err))
	}

	zapLog.Info("task started", zap.String("job_id", job.ID))
	summary, err := fn(ctx)

	completed := time.Now().UTC()
	updates := map[string]any{
		"status":       JobSuccess,
		"completed_at": completed,
	}
	if summary != nil {
		if raw, merr := json.Marshal(summary); merr == nil {
			updates["metadata"] = raw
		}
	}
	if err != nil {
		updates["status"] = JobFailed
		updates["error_msg"] = err.Error()
	}

	if uerr := s.db.WithContext(context.WithoutCancel(ctx)).Model(&Job{}).Where("id = ?", job.ID).Updates(updates).Error; uerr != nil {
		zapLog.Warn("failed to update job", zap.String("job_id", job.ID), zap.Error(uerr))
	}

	if err != nil {
		zapLog.Error("task failed", zap.String("job_id", job.ID), zap.Error(err))
		return err
	}

	zapLog.Info("task finished",
		zap.String("job_id", job.ID),
		zap.Duration("duration", completed.Sub(job.StartedAt)),
		zap.Any("summary", summary),
	)
	return nil
}

// Jobs returns the most recent runs of taskType, newest first.
func (s *Service) Jobs(ctx context.Context, taskType string, limit int) ([]Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var jobs []Job
	q := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if taskType != "" {
		q = q.Where("task_type = ?", taskType)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}
