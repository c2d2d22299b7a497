// Package playback は再生中アイテムの選択と切り替えを提供する。
//
// 状態遷移は queued → playing → played の一方向で、クリエイターごとに
// 再生中ポインタの行ロックで直列化する。
package playback

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/votebox/internal/model"
	"github.com/hitoshi/votebox/internal/repository"
	"github.com/hitoshi/votebox/internal/storecall"
)

// Publisher はルームへのイベント発行先。
type Publisher interface {
	Publish(creatorID string, ev model.Event)
}

// CacheInvalidator はランキングキャッシュの無効化を行う。
type CacheInvalidator interface {
	Invalidate(ctx context.Context, creatorID string) error
}

// Metrics は再生サービスが記録するメトリクス。
type Metrics interface {
	RecordSelection(result string)
	RecordStoreLatency(operation string, duration time.Duration)
}

// PlaybackService は次のアイテムの選択と現在の再生状態の取得を行う。
type PlaybackService struct {
	playbackRepo repository.PlaybackRepository
	cache        CacheInvalidator
	publisher    Publisher
	metrics      Metrics
	logger       *slog.Logger
	storeTimeout time.Duration
	now          func() time.Time
}

// NewPlaybackService はPlaybackServiceの新しいインスタンスを生成する。
func NewPlaybackService(
	playbackRepo repository.PlaybackRepository,
	cache CacheInvalidator,
	publisher Publisher,
	metrics Metrics,
	logger *slog.Logger,
	storeTimeout time.Duration,
) *PlaybackService {
	return &PlaybackService{
		playbackRepo: playbackRepo,
		cache:        cache,
		publisher:    publisher,
		metrics:      metrics,
		logger:       logger,
		storeTimeout: storeTimeout,
		now:          time.Now,
	}
}

// SelectNext はキュー先頭のアイテムを再生中にし、直前の再生中アイテムを再生済みにする。
// expectedVersionを指定すると、現在のバージョンが一致する場合のみ切り替える。
// キューが空の場合はEMPTY_QUEUE、バージョン不一致の場合はCONFLICTを返し、状態は変更しない。
func (s *PlaybackService) SelectNext(ctx context.Context, creatorID, actingUserID string, expectedVersion *int64) (*model.Advance, error) {
	if creatorID == "" {
		return nil, model.NewInvalidRequestError("クリエイターIDは必須です")
	}

	adv, err := storecall.Do(ctx, s.storeTimeout, "playback.advance", s.metrics,
		func(ctx context.Context) (*model.Advance, error) {
			return s.playbackRepo.Advance(ctx, creatorID, expectedVersion, s.now().UTC())
		},
	)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrEmptyQueue):
			s.metrics.RecordSelection("empty")
			return nil, model.NewEmptyQueueError(creatorID)
		case errors.Is(err, repository.ErrVersionConflict):
			s.metrics.RecordSelection("conflict")
			return nil, model.NewConflictError(creatorID)
		case model.HasErrorCode(err, model.ErrCodeUnavailable):
			s.metrics.RecordSelection("unavailable")
			s.logger.Warn("再生ストアに到達できません",
				slog.String("creator_id", creatorID),
				slog.String("error", err.Error()),
			)
			return nil, err
		default:
			s.metrics.RecordSelection("error")
			return nil, err
		}
	}
	s.metrics.RecordSelection("selected")

	s.logger.Info("再生アイテムを切り替えました",
		slog.String("creator_id", creatorID),
		slog.String("item_id", adv.Current.ID),
		slog.String("previous_item_id", adv.PreviousItemID),
		slog.Int64("version", adv.Version),
	)

	s.invalidate(ctx, creatorID)
	s.publisher.Publish(creatorID, model.NewNowPlayingChangedEvent(actingUserID, adv))
	return adv, nil
}

// GetCurrent は現在の再生状態を返す。一度も選択されていない場合はItemがnilでVersionが0の状態を返す。
func (s *PlaybackService) GetCurrent(ctx context.Context, creatorID string) (*model.CurrentItem, error) {
	if creatorID == "" {
		return nil, model.NewInvalidRequestError("クリエイターIDは必須です")
	}

	current, err := storecall.Do(ctx, s.storeTimeout, "playback.current", s.metrics,
		func(ctx context.Context) (*model.CurrentItem, error) {
			return s.playbackRepo.FindCurrent(ctx, creatorID)
		},
	)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return &model.CurrentItem{CreatorID: creatorID}, nil
	}
	return current, nil
}

func (s *PlaybackService) invalidate(ctx context.Context, creatorID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := s.cache.Invalidate(ctx, creatorID); err != nil {
		s.logger.Warn("キューキャッシュの無効化に失敗しました",
			slog.String("creator_id", creatorID),
			slog.String("error", err.Error()),
		)
	}
}
