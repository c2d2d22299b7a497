// Package vote はアイテムへの投票の受付と通知を提供する。
package vote

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

// Metrics は投票サービスが記録するメトリクス。
type Metrics interface {
	RecordVote(operation, result string)
	RecordStoreLatency(operation string, duration time.Duration)
}

const (
	opUpvote   = "upvote"
	opDownvote = "downvote"

	// invalidateTimeout はコミット後のキャッシュ無効化に許す時間。
	invalidateTimeout = 2 * time.Second
)

// VoteService は投票の作成・取り消しを行う。
// 投票はストアにコミットされた後でのみルームに通知される。
type VoteService struct {
	voteRepo     repository.VoteRepository
	cache        CacheInvalidator
	publisher    Publisher
	metrics      Metrics
	logger       *slog.Logger
	storeTimeout time.Duration
}

// NewVoteService はVoteServiceの新しいインスタンスを生成する。
func NewVoteService(
	voteRepo repository.VoteRepository,
	cache CacheInvalidator,
	publisher Publisher,
	metrics Metrics,
	logger *slog.Logger,
	storeTimeout time.Duration,
) *VoteService {
	return &VoteService{
		voteRepo:     voteRepo,
		cache:        cache,
		publisher:    publisher,
		metrics:      metrics,
		logger:       logger,
		storeTimeout: storeTimeout,
	}
}

// Upvote はユーザーの投票を作成する。既に投票済みの場合は現在の状態を返す。
func (s *VoteService) Upvote(ctx context.Context, creatorID, itemID, userID string) (*model.VoteResult, error) {
	return s.apply(ctx, opUpvote, creatorID, itemID, userID, s.voteRepo.Upvote)
}

// Downvote はユーザーの投票を取り消す。投票していない場合は現在の状態を返す。
func (s *VoteService) Downvote(ctx context.Context, creatorID, itemID, userID string) (*model.VoteResult, error) {
	return s.apply(ctx, opDownvote, creatorID, itemID, userID, s.voteRepo.Downvote)
}

type voteFunc func(ctx context.Context, creatorID, itemID, userID string) (*model.VoteResult, error)

func (s *VoteService) apply(ctx context.Context, op, creatorID, itemID, userID string, fn voteFunc) (*model.VoteResult, error) {
	if creatorID == "" || itemID == "" || userID == "" {
		s.metrics.RecordVote(op, "invalid")
		return nil, model.NewInvalidRequestError("クリエイターID・アイテムID・ユーザーIDは必須です")
	}

	result, err := storecall.Do(ctx, s.storeTimeout, "vote."+op, s.metrics,
		func(ctx context.Context) (*model.VoteResult, error) {
			return fn(ctx, creatorID, itemID, userID)
		},
	)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrItemNotFound):
			s.metrics.RecordVote(op, "not_found")
			return nil, model.NewItemNotFoundError(itemID)
		case model.HasErrorCode(err, model.ErrCodeUnavailable):
			s.metrics.RecordVote(op, "unavailable")
			s.logger.Warn("投票ストアに到達できません",
				slog.String("operation", op),
				slog.String("creator_id", creatorID),
				slog.String("item_id", itemID),
				slog.String("error", err.Error()),
			)
			return nil, err
		default:
			s.metrics.RecordVote(op, "error")
			return nil, err
		}
	}

	if !result.Changed {
		s.metrics.RecordVote(op, "noop")
		return result, nil
	}
	s.metrics.RecordVote(op, "changed")

	s.invalidate(ctx, creatorID)
	s.publisher.Publish(creatorID, model.NewVoteChangedEvent(userID, result))
	return result, nil
}

// invalidate はランキングキャッシュを無効化する。
// 失敗してもコミット済みの投票は取り消さず、キャッシュのTTL切れで回復する。
func (s *VoteService) invalidate(ctx context.Context, creatorID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
	defer cancel()

	if err := s.cache.Invalidate(ctx, creatorID); err != nil {
		s.logger.Warn("キューキャッシュの無効化に失敗しました",
			slog.String("creator_id", creatorID),
			slog.String("error", err.Error()),
		)
	}
}
