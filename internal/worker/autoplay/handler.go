package autoplay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/hitoshi/votebox/internal/model"
)

// Selector は次のアイテムの選択を行う。
type Selector interface {
	SelectNext(ctx context.Context, creatorID, actingUserID string, expectedVersion *int64) (*model.Advance, error)
}

// Handler は遅延選択タスクを処理する。
type Handler struct {
	selector Selector
	logger   *slog.Logger
}

// NewHandler はHandlerの新しいインスタンスを生成する。
func NewHandler(selector Selector, logger *slog.Logger) *Handler {
	return &Handler{selector: selector, logger: logger}
}

// ProcessTask はasynq.Handlerを実装する。
// バージョン不一致とキューが空の場合は古い予約として成功扱いにする。
// ストア障害は再試行させる。
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p SelectNextPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.logger.Error("自動再生タスクのペイロードが不正です", slog.String("error", err.Error()))
		return fmt.Errorf("ペイロードのデシリアライズに失敗: %v: %w", err, asynq.SkipRetry)
	}
	if p.CreatorID == "" {
		return fmt.Errorf("creator_idが空です: %w", asynq.SkipRetry)
	}

	retry, _ := asynq.GetRetryCount(ctx)
	version := p.ExpectedVersion
	adv, err := h.selector.SelectNext(ctx, p.CreatorID, p.RequestedBy, &version)
	switch {
	case model.HasErrorCode(err, model.ErrCodeConflict):
		h.logger.Info("再生状態が変わったため自動再生をスキップしました",
			slog.String("creator_id", p.CreatorID),
			slog.Int64("expected_version", p.ExpectedVersion),
		)
		return nil
	case model.HasErrorCode(err, model.ErrCodeEmptyQueue):
		h.logger.Info("キューが空のため自動再生をスキップしました",
			slog.String("creator_id", p.CreatorID),
		)
		return nil
	case err != nil:
		h.logger.Warn("自動再生の選択に失敗しました",
			slog.String("creator_id", p.CreatorID),
			slog.Int("retry", retry),
			slog.String("error", err.Error()),
		)
		return err
	}

	h.logger.Info("自動再生で次のアイテムを選択しました",
		slog.String("creator_id", p.CreatorID),
		slog.String("item_id", adv.Current.ID),
		slog.Int64("version", adv.Version),
	)
	return nil
}
