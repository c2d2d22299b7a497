package autoplay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/hitoshi/votebox/internal/model"
)

// MaxDelay は予約できる遅延の上限。
const MaxDelay = 6 * time.Hour

// Enqueuer はasynqクライアントのタスク投入部分。
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Reservation は予約済みの遅延選択を表す。
type Reservation struct {
	TaskID          string
	CreatorID       string
	ExpectedVersion int64
	RunAt           time.Time
	AlreadyQueued   bool // 同じバージョンへの予約が既にあった
}

// Scheduler は遅延選択タスクを予約する。
type Scheduler struct {
	client Enqueuer
	logger *slog.Logger
	now    func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(client Enqueuer, logger *slog.Logger) *Scheduler {
	return &Scheduler{client: client, logger: logger, now: time.Now}
}

// Schedule はdelay後にcreatorIDの次のアイテムを選択するタスクを予約する。
// expectedVersionは予約時点の再生バージョンで、実行時に一致しなければ選択しない。
// 同じバージョンへの予約が既にある場合はエラーにせずAlreadyQueuedを立てて返す。
func (s *Scheduler) Schedule(ctx context.Context, creatorID, requestedBy string, expectedVersion int64, delay time.Duration) (*Reservation, error) {
	if creatorID == "" {
		return nil, model.NewInvalidRequestError("クリエイターIDは必須です")
	}
	if delay <= 0 || delay > MaxDelay {
		return nil, model.NewInvalidRequestError("遅延は0より大きく6時間以内で指定してください")
	}

	task, err := NewSelectNextTask(SelectNextPayload{
		CreatorID:       creatorID,
		ExpectedVersion: expectedVersion,
		RequestedBy:     requestedBy,
	})
	if err != nil {
		return nil, err
	}

	res := &Reservation{
		TaskID:          taskID(creatorID, expectedVersion),
		CreatorID:       creatorID,
		ExpectedVersion: expectedVersion,
		RunAt:           s.now().Add(delay),
	}

	_, err = s.client.EnqueueContext(ctx, task,
		asynq.TaskID(res.TaskID),
		asynq.Queue(QueueName),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(3),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		res.AlreadyQueued = true
		return res, nil
	}
	if err != nil {
		s.logger.Error("自動再生タスクの予約に失敗しました",
			slog.String("creator_id", creatorID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewUnavailableError("autoplay.enqueue")
	}

	s.logger.Info("自動再生タスクを予約しました",
		slog.String("creator_id", creatorID),
		slog.String("task_id", res.TaskID),
		slog.Int64("expected_version", expectedVersion),
		slog.Duration("delay", delay),
	)
	return res, nil
}
