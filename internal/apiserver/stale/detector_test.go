package stale_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agents-dispatch/internal/apiserver/claim"
	"agents-dispatch/internal/apiserver/stale"
	"agents-dispatch/internal/shared/eventbus"
	"agents-dispatch/internal/shared/metrics"
	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage/storetest"
	"agents-dispatch/pkg/logging"
)

func TestSweep_ReclaimsStaleWorker(t *testing.T) {
	s := storetest.NewStore(t)
	ctx := context.Background()
	storetest.CreateAccount(t, s, "acc-1", []string{"ws-1"})
	storetest.CreateTask(t, s, "task-1", "ws-1")

	claimedAt := time.Now().UTC()
	e := claim.NewEngine(s, nil, claim.DefaultConfig(),
		claim.WithLogger(logging.Discard()),
		claim.WithClock(func() time.Time { return claimedAt }))
	res, err := e.Claim(ctx, "acc-1", claim.Request{MaxTasks: 1})
	require.NoError(t, err)
	require.Len(t, res.Workers, 1)
	workerID := res.Workers[0].ID

	rec := &eventbus.RecordingNotifier{}
	m := metrics.New("test", prometheus.NewRegistry())
	d := stale.NewDetector(s, rec, 15*time.Minute, 10)
	d.SetLogger(logging.Discard())
	d.SetMetrics(m)

	// 阈值内不回收
	d.SetClock(func() time.Time { return claimedAt.Add(10 * time.Minute) })
	n, err := d.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	d.SetClock(func() time.Time { return claimedAt.Add(16 * time.Minute) })
	n, err = d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	w, err := s.GetWorker(ctx, workerID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkerStatusFailed, w.Status)
	require.NotNil(t, w.Error)
	assert.Equal(t, stale.Reason, *w.Error)

	task, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, task.Status)
	assert.Nil(t, task.ClaimedBy)

	acc, err := s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 0, acc.ActiveWorkers)

	// 第二次扫描不会重复回收
	n, err = d.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Len(t, rec.Events(), 1)
	assert.Equal(t, eventbus.EventTaskReleased, rec.Events()[0].Type)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StaleReclaimedTotal))
}

func TestSweep_ViaClaimPiggyback(t *testing.T) {
	s := storetest.NewStore(t)
	ctx := context.Background()
	storetest.CreateAccount(t, s, "acc-1", []string{"ws-1"}, storetest.WithMaxWorkers(1))
	storetest.CreateTask(t, s, "task-1", "ws-1")

	t0 := time.Now().UTC()
	clock := t0
	now := func() time.Time { return clock }

	d := stale.NewDetector(s, nil, 15*time.Minute, 10)
	d.SetLogger(logging.Discard())
	d.SetClock(now)
	e := claim.NewEngine(s, nil, claim.DefaultConfig(),
		claim.WithLogger(logging.Discard()), claim.WithClock(now), claim.WithSweeper(d))

	res, err := e.Claim(ctx, "acc-1", claim.Request{MaxTasks: 1})
	require.NoError(t, err)
	require.Len(t, res.Workers, 1)
	first := res.Workers[0].ID

	// 槽位已满
	res, err = e.Claim(ctx, "acc-1", claim.Request{MaxTasks: 1})
	require.NoError(t, err)
	assert.Empty(t, res.Workers)

	// 超过阈值后，下一次认领先回收旧 Worker，再重新认领同一任务
	clock = t0.Add(20 * time.Minute)
	res, err = e.Claim(ctx, "acc-1", claim.Request{MaxTasks: 1})
	require.NoError(t, err)
	require.Len(t, res.Workers, 1)
	assert.Equal(t, "task-1", res.Workers[0].TaskID)
	assert.NotEqual(t, first, res.Workers[0].ID)
}
