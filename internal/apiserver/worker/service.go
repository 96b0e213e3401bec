package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agents-dispatch/internal/shared/eventbus"
	"agents-dispatch/internal/shared/metrics"
	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage"
	"agents-dispatch/pkg/logging"
)

// Store 状态机依赖的存储接口
type Store interface {
	GetWorker(ctx context.Context, id string) (*model.Worker, error)
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ApplyWorkerTransition(ctx context.Context, t storage.WorkerTransition) error
}

// Service 处理 Worker 状态上报
type Service struct {
	store    Store
	notifier eventbus.TaskNotifier
	metrics  *metrics.Metrics
	log      *logging.Logger
	now      func() time.Time
}

// NewService 创建 Service，notifier / m 可为 nil
func NewService(store Store, notifier eventbus.TaskNotifier, m *metrics.Metrics) *Service {
	if notifier == nil {
		notifier = eventbus.NewNoOpNotifier()
	}
	return &Service{
		store:    store,
		notifier: notifier,
		metrics:  m,
		log:      logging.Default("worker"),
		now:      time.Now,
	}
}

// SetClock 注入时钟（测试用）
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetLogger 指定日志器
func (s *Service) SetLogger(l *logging.Logger) { s.log = l }

// Get 读取账号自己的 Worker
func (s *Service) Get(ctx context.Context, accountID, workerID string) (*model.Worker, error) {
	w, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	if w == nil {
		return nil, ErrNotFound
	}
	if accountID != "" && w.AccountID != accountID {
		return nil, ErrForbidden
	}
	return w, nil
}

// updateAttempts 并发上报冲突时的最大尝试次数
const updateAttempts = 3

// Update 校验并写入一次状态上报
//
// 写入以读到的状态和版本为比较值；期间有其他写入时重新读取并在新状态上重算，
// 花费增量因此总是相对最新的累计值。连续冲突 updateAttempts 次返回 storage.ErrConflict。
// 进入终态时由存储层在同一事务内归还账号槽位并结束任务。
func (s *Service) Update(ctx context.Context, accountID, workerID string, u Update) (*model.Worker, error) {
	var current, next *model.Worker
	for attempt := 1; ; attempt++ {
		var err error
		current, next, err = s.tryUpdate(ctx, accountID, workerID, u)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, err
		}
		if attempt >= updateAttempts {
			return nil, err
		}
		s.log.WithWorkerID(workerID).Debug("worker.update.retry", "attempt", attempt)
	}

	log := s.log.WithWorkerID(next.ID).WithTaskID(next.TaskID)
	if current.Status != next.Status {
		s.metrics.RecordTransition(string(current.Status), string(next.Status))
		log.Info("worker.transition", "from", current.Status, "to", next.Status)
	}
	if next.Status.IsTerminal() {
		s.notifyTerminal(ctx, next)
	}
	return next, nil
}

// tryUpdate 读取一次并条件写入，返回写入前后的 Worker
func (s *Service) tryUpdate(ctx context.Context, accountID, workerID string, u Update) (current, next *model.Worker, err error) {
	current, err = s.Get(ctx, accountID, workerID)
	if err != nil {
		return nil, nil, err
	}

	next, costDelta, err := Apply(current, u, s.now().UTC())
	if err != nil {
		return nil, nil, err
	}

	account, err := s.store.GetAccount(ctx, current.AccountID)
	if err != nil {
		return nil, nil, fmt.Errorf("get account: %w", err)
	}
	var authType model.AuthType
	if account != nil {
		authType = account.AuthType
	}

	err = s.store.ApplyWorkerTransition(ctx, storage.WorkerTransition{
		FromStatus:  current.Status,
		FromVersion: current.Version,
		Next:        next,
		AuthType:    authType,
		CostDelta:   costDelta,
	})
	if errors.Is(err, storage.ErrConflict) {
		return nil, nil, err
	}
	if err != nil {
		return nil, nil, fmt.Errorf("apply transition: %w", err)
	}
	return current, next, nil
}

func (s *Service) notifyTerminal(ctx context.Context, w *model.Worker) {
	err := s.notifier.NotifyTask(ctx, &eventbus.TaskEvent{
		Type:        eventbus.EventTaskFinished,
		WorkspaceID: w.WorkspaceID,
		TaskID:      w.TaskID,
		WorkerID:    w.ID,
		AccountID:   w.AccountID,
		Timestamp:   w.UpdatedAt,
	})
	if err != nil {
		s.metrics.RecordNotifyFailure()
		s.log.WithWorkerID(w.ID).WithError(err).Warn("worker.notify.failed")
	}
}
