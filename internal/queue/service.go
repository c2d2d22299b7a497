// Package queue はクリエイターごとのランキング済みキューを提供する。
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/votebox/internal/cache"
	"github.com/hitoshi/votebox/internal/model"
	"github.com/hitoshi/votebox/internal/repository"
	"github.com/hitoshi/votebox/internal/storecall"
)

// QueueService はアイテムと投票からランキングを導出する。
// 独自の可変状態は持たず、共有ランキングのみキャッシュを利用する。
type QueueService struct {
	itemRepo     repository.ItemRepository
	playbackRepo repository.PlaybackRepository
	cache        cache.QueueCache
	metrics      storecall.LatencyRecorder
	logger       *slog.Logger
	storeTimeout time.Duration
}

// NewQueueService はQueueServiceの新しいインスタンスを生成する。
func NewQueueService(
	itemRepo repository.ItemRepository,
	playbackRepo repository.PlaybackRepository,
	queueCache cache.QueueCache,
	metrics storecall.LatencyRecorder,
	logger *slog.Logger,
	storeTimeout time.Duration,
) *QueueService {
	return &QueueService{
		itemRepo:     itemRepo,
		playbackRepo: playbackRepo,
		cache:        queueCache,
		metrics:      metrics,
		logger:       logger,
		storeTimeout: storeTimeout,
	}
}

// GetQueue はクリエイターのキューを呼び出しユーザーの投票状態付きで返す。
// userIDが空の場合は全アイテムを未投票として扱う。現在再生中のアイテムも含める。
func (s *QueueService) GetQueue(ctx context.Context, creatorID, userID string) (*model.Queue, error) {
	if creatorID == "" {
		return nil, model.NewInvalidRequestError("クリエイターIDは必須です")
	}

	items, err := s.ranking(ctx, creatorID)
	if err != nil {
		return nil, err
	}

	voted := map[string]bool{}
	if userID != "" {
		voted, err = storecall.Do(ctx, s.storeTimeout, "queue.voted", s.metrics,
			func(ctx context.Context) (map[string]bool, error) {
				return s.itemRepo.ListVotedItemIDs(ctx, creatorID, userID)
			},
		)
		if err != nil {
			return nil, err
		}
	}

	current, err := storecall.Do(ctx, s.storeTimeout, "queue.current", s.metrics,
		func(ctx context.Context) (*model.CurrentItem, error) {
			return s.playbackRepo.FindCurrent(ctx, creatorID)
		},
	)
	if err != nil {
		return nil, err
	}

	entries := make([]model.QueueEntry, len(items))
	for i, it := range items {
		entries[i] = model.QueueEntry{Item: it, HasVoted: voted[it.ID]}
	}

	return &model.Queue{
		CreatorID: creatorID,
		Entries:   entries,
		Current:   current,
	}, nil
}

// ranking は共有ランキングをキャッシュまたはストアから取得する。
// キャッシュの障害はストアへのフォールバックで吸収する。
func (s *QueueService) ranking(ctx context.Context, creatorID string) ([]model.Item, error) {
	cached, gen, ok, lookupErr := s.cache.Lookup(ctx, creatorID)
	if lookupErr != nil {
		s.logger.Warn("キューキャッシュの取得に失敗しました",
			slog.String("creator_id", creatorID),
			slog.String("error", lookupErr.Error()),
		)
	}
	if ok {
		return Rank(cached), nil
	}

	items, err := storecall.Do(ctx, s.storeTimeout, "queue.list", s.metrics,
		func(ctx context.Context) ([]model.Item, error) {
			return s.itemRepo.ListQueue(ctx, creatorID)
		},
	)
	if err != nil {
		return nil, err
	}
	ranked := Rank(items)

	// 世代番号を読めなかった場合は無効化との前後関係が分からないため保存しない
	if lookupErr == nil {
		if err := s.cache.Store(ctx, creatorID, gen, ranked); err != nil {
			s.logger.Warn("キューキャッシュの保存に失敗しました",
				slog.String("creator_id", creatorID),
				slog.String("error", err.Error()),
			)
		}
	}
	return ranked, nil
}
