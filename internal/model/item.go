// Package model はドメインモデルを定義する。
package model

import "time"

// ItemStatus はアイテムの再生状態を表す。
// 遷移は queued → playing → played の一方向のみ。
type ItemStatus string

const (
	// ItemStatusQueued は再生待ちで投票を受け付ける状態。
	ItemStatusQueued ItemStatus = "queued"
	// ItemStatusPlaying は現在再生中の状態。クリエイターごとに高々1件。
	ItemStatusPlaying ItemStatus = "playing"
	// ItemStatusPlayed は再生済みの状態。ランキングから除外され投票を受け付けない。
	ItemStatusPlayed ItemStatus = "played"
)

// SourceTypeYouTube はYouTube動画を表すソース種別。
const SourceTypeYouTube = "youtube"

// Item はクリエイターのキューに投稿されたメディアアイテムを表す。
type Item struct {
	ID                string
	CreatorID         string
	SourceType        string
	SourceURL         string
	SourceID          string // 正規化済みの動画ID
	Title             string // サニタイズ済み
	SmallThumbnailURL string
	LargeThumbnailURL string
	SubmittedBy       string // 投稿者の表示名（サニタイズ済み）
	SubmitterID       string
	Status            ItemStatus
	UpvoteCount       int
	VoteVersion       int64 // 投票が変化するたびに増加する
	PlayedAt          *time.Time
	CreatedAt         time.Time
}

// Played はアイテムが再生済みかどうかを返す。
func (i *Item) Played() bool {
	return i.Status == ItemStatusPlayed
}

// QueueEntry はランキング済みキューの1要素。
// HasVoted は呼び出しユーザーごとの射影で、共有ランキングには含まれない。
type QueueEntry struct {
	Item
	HasVoted bool
}

// Queue はクリエイターのキューと現在再生中のアイテムをまとめたもの。
type Queue struct {
	CreatorID string
	Entries   []QueueEntry
	Current   *CurrentItem
}

// CurrentItem はクリエイターごとの「再生中」ポインタを表す。
// Version は選択のたびに単調増加し、楽観的な比較更新に使う。
type CurrentItem struct {
	CreatorID string
	Item      *Item // 選択済みアイテムが削除された場合はnil
	Version   int64
	UpdatedAt time.Time
}

// Advance は SelectNext の結果を表す。
type Advance struct {
	CreatorID      string
	Current        *Item
	PreviousItemID string // 直前に再生中だったアイテム。無ければ空
	Version        int64
}

// SourceMetadata はメタデータ解決の結果を表す。
type SourceMetadata struct {
	SourceType        string
	SourceID          string
	CanonicalURL      string
	Title             string
	SmallThumbnailURL string
	LargeThumbnailURL string
}
