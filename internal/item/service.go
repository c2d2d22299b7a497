// Package item はキューへのアイテム投稿・削除・履歴・プレイリスト取り込みを提供する。
package item

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/votebox/internal/metadata"
	"github.com/hitoshi/votebox/internal/model"
	"github.com/hitoshi/votebox/internal/repository"
	"github.com/hitoshi/votebox/internal/storecall"
)

// Resolver は投稿URLを動画メタデータに解決する。
type Resolver interface {
	Resolve(ctx context.Context, sourceRef string) (*model.SourceMetadata, error)
}

// PlaylistSource はプレイリストの動画一覧を取得する。
type PlaylistSource interface {
	Fetch(ctx context.Context, playlistURL string, limit int) ([]metadata.PlaylistEntry, error)
}

// Sanitizer は外部由来の文字列をプレーンテキストに正規化する。
type Sanitizer interface {
	SanitizeText(raw string, maxRunes int) string
}

// Publisher はルームへのイベント発行先。
type Publisher interface {
	Publish(creatorID string, ev model.Event)
}

// CacheInvalidator はランキングキャッシュの無効化を行う。
type CacheInvalidator interface {
	Invalidate(ctx context.Context, creatorID string) error
}

// Metrics はアイテムサービスが記録するメトリクス。
type Metrics interface {
	RecordItemSubmitted(result string)
	RecordStoreLatency(operation string, duration time.Duration)
}

// Submitter はアイテムを投稿・操作するユーザー。
type Submitter struct {
	UserID      string
	DisplayName string
}

// Config はItemServiceの設定。
type Config struct {
	StoreTimeout   time.Duration
	ImportMaxItems int
}

const (
	maxTitleRunes     = 200
	maxSubmitterRunes = 50

	unknownTitle     = "Unknown title"
	anonymousName    = "Anonymous"
	defaultHistory   = 50
	maxHistory       = 200
	defaultImportMax = 25
)

// ItemService はキューアイテムのライフサイクル（投稿・削除）を管理する。
// 投票と再生状態の変更はそれぞれvote、playbackパッケージが担う。
type ItemService struct {
	itemRepo  repository.ItemRepository
	resolver  Resolver
	playlists PlaylistSource
	sanitizer Sanitizer
	cache     CacheInvalidator
	publisher Publisher
	metrics   Metrics
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// NewItemService はItemServiceの新しいインスタンスを生成する。
func NewItemService(
	itemRepo repository.ItemRepository,
	resolver Resolver,
	playlists PlaylistSource,
	sanitizer Sanitizer,
	cache CacheInvalidator,
	publisher Publisher,
	metrics Metrics,
	logger *slog.Logger,
	cfg Config,
) *ItemService {
	if cfg.ImportMaxItems <= 0 {
		cfg.ImportMaxItems = defaultImportMax
	}
	return &ItemService{
		itemRepo:  itemRepo,
		resolver:  resolver,
		playlists: playlists,
		sanitizer: sanitizer,
		cache:     cache,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// CreateItem は動画URLを解決してキューに追加する。
// 同じ動画が再生済みでない状態で既にある場合はDUPLICATE_ITEM（既存アイテムのIDを含む）を返す。
func (s *ItemService) CreateItem(ctx context.Context, creatorID, sourceRef string, submitter Submitter) (*model.Item, error) {
	if creatorID == "" || submitter.UserID == "" {
		return nil, model.NewInvalidRequestError("クリエイターIDとユーザーIDは必須です")
	}
	sourceRef = strings.TrimSpace(sourceRef)
	if sourceRef == "" {
		s.metrics.RecordItemSubmitted("invalid")
		return nil, model.NewInvalidURLError("URLが入力されていません")
	}
	videoID, ok := metadata.ExtractYouTubeID(sourceRef)
	if !ok {
		s.metrics.RecordItemSubmitted("invalid")
		return nil, model.NewInvalidURLError("YouTube動画のURLではありません")
	}

	// メタデータ取得の前に重複を確認し、外部への無駄なリクエストを避ける
	existing, err := storecall.Do(ctx, s.cfg.StoreTimeout, "item.find_active", s.metrics,
		func(ctx context.Context) (*model.Item, error) {
			return s.itemRepo.FindActiveBySource(ctx, creatorID, videoID)
		},
	)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.metrics.RecordItemSubmitted("duplicate")
		return nil, model.NewDuplicateItemError(existing.ID)
	}

	meta, err := s.resolver.Resolve(ctx, sourceRef)
	if err != nil {
		s.metrics.RecordItemSubmitted("resolve_failed")
		return nil, err
	}

	item := &model.Item{
		ID:                uuid.New().String(),
		CreatorID:         creatorID,
		SourceType:        meta.SourceType,
		SourceURL:         sourceRef,
		SourceID:          meta.SourceID,
		Title:             s.cleanTitle(meta.Title),
		SmallThumbnailURL: meta.SmallThumbnailURL,
		LargeThumbnailURL: meta.LargeThumbnailURL,
		SubmittedBy:       s.cleanName(submitter.DisplayName),
		SubmitterID:       submitter.UserID,
		Status:            model.ItemStatusQueued,
		CreatedAt:         s.now().UTC(),
	}
	if err := s.create(ctx, item); err != nil {
		return nil, err
	}
	s.metrics.RecordItemSubmitted("created")

	s.logger.Info("アイテムを追加しました",
		slog.String("creator_id", creatorID),
		slog.String("item_id", item.ID),
		slog.String("source_id", item.SourceID),
	)

	s.invalidate(ctx, creatorID)
	s.publishAdded(creatorID, submitter.UserID, item)
	return item, nil
}

// create はアイテムを保存する。同時投稿で一意制約に当たった場合もDUPLICATE_ITEMにする。
func (s *ItemService) create(ctx context.Context, item *model.Item) error {
	_, err := storecall.Do(ctx, s.cfg.StoreTimeout, "item.create", s.metrics,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.itemRepo.Create(ctx, item)
		},
	)
	var dup *repository.DuplicateSourceError
	if errors.As(err, &dup) {
		s.metrics.RecordItemSubmitted("duplicate")
		return model.NewDuplicateItemError(dup.ExistingID)
	}
	return err
}

// RemoveItem はクリエイター本人がアイテムを削除する。投票も同時に削除される。
func (s *ItemService) RemoveItem(ctx context.Context, creatorID, actingUserID, itemID string) error {
	if actingUserID == "" || actingUserID != creatorID {
		return model.NewForbiddenError()
	}
	if itemID == "" {
		return model.NewInvalidRequestError("アイテムIDは必須です")
	}

	deleted, err := storecall.Do(ctx, s.cfg.StoreTimeout, "item.delete", s.metrics,
		func(ctx context.Context) (bool, error) {
			return s.itemRepo.Delete(ctx, creatorID, itemID)
		},
	)
	if err != nil {
		return err
	}
	if !deleted {
		return model.NewItemNotFoundError(itemID)
	}

	s.logger.Info("アイテムを削除しました",
		slog.String("creator_id", creatorID),
		slog.String("item_id", itemID),
	)

	s.invalidate(ctx, creatorID)
	s.publisher.Publish(creatorID, model.Event{
		Kind:         model.EventItemRemoved,
		ItemID:       itemID,
		ActingUserID: actingUserID,
	})
	return nil
}

// History は再生済みを含むクリエイターのアイテムを新しい順に返す。
// limitが0以下の場合は既定の件数、上限を超える場合は上限の件数にする。
func (s *ItemService) History(ctx context.Context, creatorID string, limit int) ([]model.Item, error) {
	if creatorID == "" {
		return nil, model.NewInvalidRequestError("クリエイターIDは必須です")
	}
	if limit <= 0 {
		limit = defaultHistory
	}
	if limit > maxHistory {
		limit = maxHistory
	}

	return storecall.Do(ctx, s.cfg.StoreTimeout, "item.history", s.metrics,
		func(ctx context.Context) ([]model.Item, error) {
			return s.itemRepo.ListHistory(ctx, creatorID, limit)
		},
	)
}

// ImportResult はプレイリスト取り込みの結果。
type ImportResult struct {
	Added   []*model.Item
	Skipped int // 既にキューにあった動画の数
}

// ImportPlaylist はプレイリストの動画を先頭から最大ImportMaxItems件キューに追加する。
// クリエイター本人のみ実行できる。キューにある動画は飛ばす。
func (s *ItemService) ImportPlaylist(ctx context.Context, creatorID string, actor Submitter, playlistURL string) (*ImportResult, error) {
	if actor.UserID == "" || actor.UserID != creatorID {
		return nil, model.NewForbiddenError()
	}
	if strings.TrimSpace(playlistURL) == "" {
		return nil, model.NewInvalidURLError("URLが入力されていません")
	}

	entries, err := s.playlists.Fetch(ctx, playlistURL, s.cfg.ImportMaxItems)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}
	submittedBy := s.cleanName(actor.DisplayName)
	for _, e := range entries {
		large := e.ThumbnailURL
		if large == "" {
			large = metadata.LargeThumbnailURL(e.VideoID)
		}
		item := &model.Item{
			ID:                uuid.New().String(),
			CreatorID:         creatorID,
			SourceType:        model.SourceTypeYouTube,
			SourceURL:         metadata.CanonicalURL(e.VideoID),
			SourceID:          e.VideoID,
			Title:             s.cleanTitle(e.Title),
			SmallThumbnailURL: metadata.SmallThumbnailURL(e.VideoID),
			LargeThumbnailURL: large,
			SubmittedBy:       submittedBy,
			SubmitterID:       actor.UserID,
			Status:            model.ItemStatusQueued,
			CreatedAt:         s.now().UTC(),
		}

		err := s.create(ctx, item)
		if model.HasErrorCode(err, model.ErrCodeDuplicateItem) {
			result.Skipped++
			continue
		}
		if err != nil {
			// 追加済みの分は通知してから中断する
			s.finishImport(ctx, creatorID, actor.UserID, result)
			return result, err
		}
		s.metrics.RecordItemSubmitted("imported")
		result.Added = append(result.Added, item)
	}

	s.finishImport(ctx, creatorID, actor.UserID, result)
	s.logger.Info("プレイリストを取り込みました",
		slog.String("creator_id", creatorID),
		slog.Int("added", len(result.Added)),
		slog.Int("skipped", result.Skipped),
	)
	return result, nil
}

func (s *ItemService) finishImport(ctx context.Context, creatorID, userID string, result *ImportResult) {
	if len(result.Added) == 0 {
		return
	}
	s.invalidate(ctx, creatorID)
	for _, it := range result.Added {
		s.publishAdded(creatorID, userID, it)
	}
}

func (s *ItemService) publishAdded(creatorID, userID string, item *model.Item) {
	s.publisher.Publish(creatorID, model.Event{
		Kind:         model.EventItemAdded,
		ItemID:       item.ID,
		Upvotes:      item.UpvoteCount,
		ActingUserID: userID,
	})
}

func (s *ItemService) cleanTitle(raw string) string {
	if t := s.sanitizer.SanitizeText(raw, maxTitleRunes); t != "" {
		return t
	}
	return unknownTitle
}

func (s *ItemService) cleanName(raw string) string {
	if n := s.sanitizer.SanitizeText(raw, maxSubmitterRunes); n != "" {
		return n
	}
	return anonymousName
}

func (s *ItemService) invalidate(ctx context.Context, creatorID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := s.cache.Invalidate(ctx, creatorID); err != nil {
		s.logger.Warn("キューキャッシュの無効化に失敗しました",
			slog.String("creator_id", creatorID),
			slog.String("error", err.Error()),
		)
	}
}
