package model

// EventKind はルームに配信されるイベントの種別。
type EventKind string

const (
	// EventVoteChanged はアイテムの投票数が変化したことを表す。
	EventVoteChanged EventKind = "vote-changed"
	// EventNowPlayingChanged は再生中アイテムが切り替わったことを表す。
	EventNowPlayingChanged EventKind = "now-playing-changed"
	// EventItemAdded はキューにアイテムが追加されたことを表す。
	EventItemAdded EventKind = "item-added"
	// EventItemRemoved はキューからアイテムが削除されたことを表す。
	EventItemRemoved EventKind = "item-removed"
	// EventWelcome は参加直後に送られ、ルームの現在のシーケンス番号を伝える。
	EventWelcome EventKind = "welcome"
)

// Event はルームメンバーに配信される通知のワイヤ表現。
// Sequence はブロードキャスターがルームごとに単調増加で割り当てる。
type Event struct {
	Kind           EventKind `json:"kind"`
	ItemID         string    `json:"itemId,omitempty"`
	Upvotes        int       `json:"upvotes"`
	ActingUserID   string    `json:"actingUserId,omitempty"`
	Sequence       uint64    `json:"sequence"`
	HasVoted       *bool     `json:"hasVoted,omitempty"`
	ItemVersion    int64     `json:"itemVersion,omitempty"`
	PreviousItemID string    `json:"previousItemId,omitempty"`
	PlaybackVer    int64     `json:"playbackVersion,omitempty"`
}

// NewVoteChangedEvent は投票結果から vote-changed イベントを生成する。
func NewVoteChangedEvent(userID string, r *VoteResult) Event {
	hasVoted := r.HasVoted
	return Event{
		Kind:         EventVoteChanged,
		ItemID:       r.ItemID,
		Upvotes:      r.Upvotes,
		ActingUserID: userID,
		HasVoted:     &hasVoted,
		ItemVersion:  r.Version,
	}
}

// NewNowPlayingChangedEvent は再生切り替え結果から now-playing-changed イベントを生成する。
func NewNowPlayingChangedEvent(userID string, a *Advance) Event {
	ev := Event{
		Kind:           EventNowPlayingChanged,
		ActingUserID:   userID,
		PreviousItemID: a.PreviousItemID,
		PlaybackVer:    a.Version,
	}
	if a.Current != nil {
		ev.ItemID = a.Current.ID
		ev.Upvotes = a.Current.UpvoteCount
	}
	return ev
}
