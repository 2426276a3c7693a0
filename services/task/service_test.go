package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"pledgerun/pkg/config"
	pkgtask "pledgerun/pkg/task"
	"pledgerun/pkg/task/mock"
	"pledgerun/pkg/taskname"
	"pledgerun/services/campaign"
	"pledgerun/services/custody"
	"pledgerun/services/settlement"
	"pledgerun/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeWork struct {
	reconcile custody.ReconcileSummary
	expire    campaign.ExpirySummary
	completed int64
	repair    settlement.RepairSummary
	resettle  settlement.ResettleSummary
	err       error

	mu    sync.Mutex
	calls []string
}

func (f *fakeWork) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeWork) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeWork) ReconcilePending(ctx context.Context) (custody.ReconcileSummary, error) {
	f.record(taskname.EscrowReconcile)
	return f.reconcile, f.err
}

func (f *fakeWork) ExpireOverdue(ctx context.Context) (campaign.ExpirySummary, error) {
	f.record(taskname.CampaignExpireOverdue)
	return f.expire, f.err
}

func (f *fakeWork) CompleteExhausted(ctx context.Context) (int64, error) {
	f.record(taskname.PledgeCompleteExhaust)
	return f.completed, f.err
}

func (f *fakeWork) RepairTimedOutPayouts(ctx context.Context) (settlement.RepairSummary, error) {
	f.record(taskname.PayoutRepair)
	return f.repair, f.err
}

func (f *fakeWork) SettleUnsettled(ctx context.Context) (settlement.ResettleSummary, error) {
	f.record(taskname.ActivitySettlePending)
	return f.resettle, f.err
}

func newTestService(t *testing.T, work *fakeWork, enq pkgtask.Enqueuer) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &Job{})
	return NewService(Params{
		DB:         db,
		Node:       testutil.NewNode(t),
		Enqueuer:   enq,
		Reconciler: work,
		Expirer:    work,
		Completer:  work,
		Repairer:   work,
		Resettler:  work,
	})
}

func TestHandlersRecordJobs(t *testing.T) {
	work := &fakeWork{
		reconcile: custody.ReconcileSummary{Checked: 3, Confirmed: 2, Activated: 1, Pending: 1},
		completed: 4,
	}
	svc := newTestService(t, work, nil)
	ctx := context.Background()

	mux := asynq.NewServeMux()
	svc.Register(mux)

	for _, name := range []string{taskname.EscrowReconcile, taskname.PledgeCompleteExhaust} {
		require.NoError(t, mux.ProcessTask(ctx, asynq.NewTask(name, nil)))
	}
	require.Equal(t, []string{taskname.EscrowReconcile, taskname.PledgeCompleteExhaust}, work.seen())

	jobs, err := svc.Jobs(ctx, taskname.EscrowReconcile, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, JobSuccess, jobs[0].Status)
	require.NotNil(t, jobs[0].CompletedAt)
	require.JSONEq(t, `{"checked":3,"confirmed":2,"activated":1,"failed":0,"pending":1,"errors":0}`, string(jobs[0].Metadata))

	jobs, err = svc.Jobs(ctx, taskname.PledgeCompleteExhaust, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.JSONEq(t, `{"completed":4}`, string(jobs[0].Metadata))
}

func TestHandlerFailureMarksJob(t *testing.T) {
	work := &fakeWork{err: errors.New("custody gateway unreachable")}
	svc := newTestService(t, work, nil)
	ctx := context.Background()

	err := svc.HandlePayoutRepair(ctx, asynq.NewTask(taskname.PayoutRepair, nil))
	require.ErrorContains(t, err, "unreachable")

	jobs, err := svc.Jobs(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, JobFailed, jobs[0].Status)
	require.Equal(t, "custody gateway unreachable", jobs[0].ErrorMsg)
}

func TestRunDispatchesByType(t *testing.T) {
	work := &fakeWork{resettle: settlement.ResettleSummary{Checked: 2, Settled: 2}}
	svc := newTestService(t, work, nil)
	ctx := context.Background()

	require.NoError(t, svc.Run(ctx, taskname.ActivitySettlePending))
	require.Equal(t, []string{taskname.ActivitySettlePending}, work.seen())

	jobs, err := svc.Jobs(ctx, taskname.ActivitySettlePending, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.JSONEq(t, `{"checked":2,"settled":2,"errors":0}`, string(jobs[0].Metadata))

	require.Error(t, svc.Run(ctx, "video:transcode"))
}

func TestEnqueue(t *testing.T) {
	ctrl := gomock.NewController(t)
	enq := mock.NewMockEnqueuer(ctrl)
	svc := newTestService(t, &fakeWork{}, enq)
	ctx := context.Background()

	enq.EXPECT().
		Enqueue(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
			require.Equal(t, taskname.CampaignExpireOverdue, task.Type())
			return &asynq.TaskInfo{ID: "t-1", Queue: pkgtask.QueueDefault, Type: task.Type()}, nil
		})

	info, err := svc.Enqueue(ctx, taskname.CampaignExpireOverdue)
	require.NoError(t, err)
	require.Equal(t, "t-1", info.ID)

	_, err = svc.Enqueue(ctx, "video:transcode")
	require.Error(t, err)

	_, err = newTestService(t, &fakeWork{}, nil).Enqueue(ctx, taskname.PayoutRepair)
	require.Error(t, err)
}

func TestEntries(t *testing.T) {
	cfg := &config.Config{}
	cfg.Scheduler.ReconcileInterval = time.Minute
	cfg.Scheduler.SweepInterval = 15 * time.Minute

	entries := Entries(cfg)
	require.Len(t, entries, 3)

	types := make([]string, 0, len(entries))
	for _, e := range entries {
		types = append(types, e.TaskType)
	}
	require.ElementsMatch(t, []string{taskname.EscrowReconcile, taskname.CampaignExpireOverdue, taskname.PledgeCompleteExhaust}, types)
	require.Equal(t, "@every 1m0s", entries[0].Spec())

	for _, e := range entries {
		require.NotEmpty(t, queues[e.TaskType])
	}
}

func TestSplitKeepsCustodyTasksInProcessWhenSimulated(t *testing.T) {
	cfg := &config.Config{}
	cfg.Scheduler.ReconcileInterval = time.Minute
	cfg.Scheduler.SweepInterval = 15 * time.Minute
	cfg.Scheduler.RepairInterval = 5 * time.Minute

	typesOf := func(entries []Entry) []string {
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.TaskType)
		}
		return out
	}

	cfg.Custody.Driver = "simulated"
	scheduled, inline := Split(cfg)
	require.ElementsMatch(t, []string{taskname.CampaignExpireOverdue, taskname.PledgeCompleteExhaust}, typesOf(scheduled))
	require.ElementsMatch(t, []string{taskname.EscrowReconcile, taskname.PayoutRepair, taskname.ActivitySettlePending}, typesOf(inline))

	cfg.Custody.Driver = "gateway"
	scheduled, inline = Split(cfg)
	require.Len(t, scheduled, 5)
	require.Empty(t, inline)
}

func TestRunInline(t *testing.T) {
	work := &fakeWork{}
	svc := newTestService(t, work, nil)

	cfg := &config.Config{}
	cfg.Custody.Driver = "simulated"
	cfg.Scheduler.ReconcileInterval = 10 * time.Millisecond
	cfg.Scheduler.SweepInterval = 10 * time.Millisecond

	lc := fxtest.NewLifecycle(t)
	RunInline(lc, cfg, svc)
	lc.RequireStart()

	require.Eventually(t, func() bool {
		for _, name := range work.seen() {
			if name == taskname.EscrowReconcile {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	lc.RequireStop()

	for _, name := range work.seen() {
		require.Equal(t, taskname.EscrowReconcile, name)
	}
}
