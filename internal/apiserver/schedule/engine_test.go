package schedule_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agents-dispatch/internal/apiserver/schedule"
	"agents-dispatch/internal/shared/eventbus"
	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage/repository"
	"agents-dispatch/internal/shared/storage/storetest"
	"agents-dispatch/pkg/logging"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newEngine(s schedule.Store, n eventbus.TaskNotifier, c *clock) *schedule.Engine {
	e := schedule.NewEngine(s, n, 50)
	e.SetLogger(logging.Discard())
	e.SetClock(c.Now)
	return e
}

func newSchedule(cronExpr string, opts ...func(*model.TaskSchedule)) *model.TaskSchedule {
	sc := &model.TaskSchedule{
		WorkspaceID:    "ws-1",
		Name:           "nightly",
		CronExpression: cronExpr,
		Timezone:       "UTC",
		Enabled:        true,
		TaskTemplate:   model.TaskTemplate{Title: "Nightly run"},
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

func TestTick_SkipsAtConcurrencyCapAndAdvances(t *testing.T) {
	s := storetest.NewStore(t)
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	e := newEngine(s, nil, c)

	sc := newSchedule("0 9 * * *", func(sc *model.TaskSchedule) { sc.MaxConcurrentFromSchedule = 1 })
	require.NoError(t, e.Create(ctx, sc))
	require.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), *sc.NextRunAt)
	storetest.CreateTask(t, s, "task-active", "ws-1", storetest.WithSchedule(sc.ID))

	c.Set(time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC))
	res, err := e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, schedule.TickResult{Processed: 1, Created: 0, Skipped: 1, Errors: 0}, *res)

	got, err := s.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), got.NextRunAt.UTC())
	assert.Zero(t, got.TotalRuns)
}

func TestTick_ExactlyOnceUnderConcurrentTicks(t *testing.T) {
	s := storetest.NewStore(t)
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC)}

	sc := newSchedule("*/5 * * * *")
	require.NoError(t, newEngine(s, nil, c).Create(ctx, sc))
	c.Set(time.Date(2026, 3, 1, 10, 5, 10, 0, time.UTC))

	var created, skipped atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := newEngine(s, nil, c).Tick(ctx)
			if err == nil {
				created.Add(int32(res.Created))
				skipped.Add(int32(res.Skipped))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())

	tasks, err := s.ListTasks(ctx, "ws-1", "", 100, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.CreationSourceSchedule, tasks[0].CreationSource)

	got, err := s.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalRuns)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 10, 0, 0, time.UTC), got.NextRunAt.UTC())
	require.NotNil(t, got.LastTaskID)
	assert.Equal(t, tasks[0].ID, *got.LastTaskID)
}

// failingStore 可控地让任务创建失败
type failingStore struct {
	*repository.Store
	fail atomic.Bool
}

func (f *failingStore) CreateScheduledTask(ctx context.Context, scheduleID string, task *model.Task) error {
	if f.fail.Load() {
		return errors.New("insert rejected")
	}
	return f.Store.CreateScheduledTask(ctx, scheduleID, task)
}

func TestTick_FailureBackoffAndReset(t *testing.T) {
	s := &failingStore{Store: storetest.NewStore(t)}
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC)}
	e := newEngine(s, nil, c)

	sc := newSchedule("*/5 * * * *", func(sc *model.TaskSchedule) { sc.PauseAfterFailures = 3 })
	require.NoError(t, e.Create(ctx, sc))

	tick := func(at time.Time) *schedule.TickResult {
		t.Helper()
		c.Set(at)
		res, err := e.Tick(ctx)
		require.NoError(t, err)
		return res
	}
	state := func() *model.TaskSchedule {
		t.Helper()
		got, err := s.GetSchedule(ctx, sc.ID)
		require.NoError(t, err)
		return got
	}

	base := time.Date(2026, 3, 1, 10, 5, 10, 0, time.UTC)

	// 两次失败
	s.fail.Store(true)
	assert.Equal(t, 1, tick(base).Errors)
	assert.Equal(t, 1, tick(base.Add(5*time.Minute)).Errors)
	got := state()
	assert.Equal(t, 2, got.ConsecutiveFailures)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "insert rejected")
	assert.Equal(t, time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC), got.NextRunAt.UTC())

	// 一次成功清零
	s.fail.Store(false)
	assert.Equal(t, 1, tick(base.Add(10*time.Minute)).Created)
	got = state()
	assert.Zero(t, got.ConsecutiveFailures)
	assert.Nil(t, got.LastError)

	// 连续三次失败后停用
	s.fail.Store(true)
	for i := 3; i < 6; i++ {
		tick(base.Add(time.Duration(i) * 5 * time.Minute))
	}
	got = state()
	assert.Equal(t, 3, got.ConsecutiveFailures)
	assert.False(t, got.Enabled)

	// 停用后不再处理
	assert.Zero(t, tick(base.Add(time.Hour)).Processed)
}

func TestTick_NotifyFailureCounts(t *testing.T) {
	s := storetest.NewStore(t)
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC)}
	rec := &eventbus.RecordingNotifier{Err: errors.New("broker down")}
	e := newEngine(s, rec, c)

	sc := newSchedule("*/5 * * * *")
	require.NoError(t, e.Create(ctx, sc))

	c.Set(time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC))
	res, err := e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Errors)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, eventbus.EventTaskAvailable, events[0].Type)
	assert.Equal(t, sc.ID, events[0].ScheduleID)

	got, err := s.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConsecutiveFailures)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "broker down")
}

func TestTick_InvalidCronDisables(t *testing.T) {
	s := storetest.NewStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	sc := newSchedule("definitely not cron")
	sc.ID = "sched-bad"
	sc.NextRunAt = &past
	sc.CreatedAt, sc.UpdatedAt = past, past
	require.NoError(t, s.CreateSchedule(ctx, sc))

	res, err := newEngine(s, nil, &clock{now: now}).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)

	got, err := s.GetSchedule(ctx, "sched-bad")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	require.NotNil(t, got.LastError)
}

func TestCreate_Validation(t *testing.T) {
	s := storetest.NewStore(t)
	e := newEngine(s, nil, &clock{now: time.Now()})

	err := e.Create(context.Background(), newSchedule("61 * * * *"))
	assert.ErrorIs(t, err, schedule.ErrInvalid)

	err = e.Create(context.Background(), newSchedule("@daily", func(sc *model.TaskSchedule) { sc.TaskTemplate.Title = "" }))
	assert.ErrorIs(t, err, schedule.ErrInvalid)
}

func TestSetEnabled_RecomputesNextRun(t *testing.T) {
	s := storetest.NewStore(t)
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	e := newEngine(s, nil, c)

	sc := newSchedule("0 9 * * *")
	require.NoError(t, e.Create(ctx, sc))

	got, err := e.SetEnabled(ctx, sc.ID, false)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	c.Set(time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC))
	got, err = e.SetEnabled(ctx, sc.ID, true)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC), got.NextRunAt.UTC())

	_, err = e.SetEnabled(ctx, "missing", true)
	assert.ErrorIs(t, err, schedule.ErrNotFound)
}
