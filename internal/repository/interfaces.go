// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/votebox/internal/model"
)

var (
	// ErrItemNotFound は対象アイテムが存在しないか、投票を受け付けない状態であることを表す。
	ErrItemNotFound = errors.New("item not found or not queued")
	// ErrEmptyQueue は再生待ちのアイテムが1件もないことを表す。
	ErrEmptyQueue = errors.New("queue is empty")
	// ErrVersionConflict は再生状態のバージョンが期待値と一致しないことを表す。
	ErrVersionConflict = errors.New("playback version conflict")
)

// DuplicateSourceError は再生済みでない同一動画が既に存在することを表す。
type DuplicateSourceError struct {
	ExistingID string
}

func (e *DuplicateSourceError) Error() string {
	return "duplicate source: " + e.ExistingID
}

// SessionRepository はセッションデータの参照インターフェース。
// セッションの発行は外部の認証基盤が行う。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// ItemRepository はキューアイテムの永続化インターフェース。
type ItemRepository interface {
	// Create はアイテムを作成する。
	// 再生済みでない同一動画が既にある場合は*DuplicateSourceErrorを返す。
	Create(ctx context.Context, item *model.Item) error

	// FindByID はクリエイター配下の指定IDのアイテムを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, creatorID, id string) (*model.Item, error)

	// FindActiveBySource は再生済みでない同一動画のアイテムを取得する。見つからない場合はnilを返す。
	FindActiveBySource(ctx context.Context, creatorID, sourceID string) (*model.Item, error)

	// ListQueue はqueued状態のアイテムをランキング順（投票数降順、投稿日時昇順、ID昇順）で返す。
	ListQueue(ctx context.Context, creatorID string) ([]model.Item, error)

	// ListVotedItemIDs はユーザーが投票済みのqueuedアイテムIDの集合を返す。
	ListVotedItemIDs(ctx context.Context, creatorID, userID string) (map[string]bool, error)

	// ListHistory は再生済みを含むクリエイターのアイテムを新しい順に返す。
	ListHistory(ctx context.Context, creatorID string, limit int) ([]model.Item, error)

	// Delete はアイテムを削除する。投票はCASCADE削除される。
	// 削除対象がなかった場合はfalseを返す。
	Delete(ctx context.Context, creatorID, id string) (bool, error)
}

// VoteRepository は投票の永続化インターフェース。
// 投票行の書き込みと投票数の読み取りを同一トランザクションで行う。
type VoteRepository interface {
	// Upvote は(userID, itemID)の投票を冪等に作成する。
	// アイテムが存在しないかqueued状態でない場合はErrItemNotFoundを返す。
	Upvote(ctx context.Context, creatorID, itemID, userID string) (*model.VoteResult, error)

	// Downvote は(userID, itemID)の投票を冪等に削除する。
	// アイテムが存在しないかqueued状態でない場合はErrItemNotFoundを返す。
	Downvote(ctx context.Context, creatorID, itemID, userID string) (*model.VoteResult, error)
}

// PlaybackRepository はクリエイターごとの再生中ポインタの永続化インターフェース。
type PlaybackRepository interface {
	// Advance はキュー先頭のアイテムを再生中にし、直前の再生中アイテムを再生済みにする。
	// expectedVersionが指定され現在のバージョンと異なる場合はErrVersionConflictを、
	// キューが空の場合はErrEmptyQueueを返し、いずれも状態を変更しない。
	Advance(ctx context.Context, creatorID string, expectedVersion *int64, now time.Time) (*model.Advance, error)

	// FindCurrent は再生中ポインタを取得する。一度も選択されていない場合はnilを返す。
	FindCurrent(ctx context.Context, creatorID string) (*model.CurrentItem, error)
}
