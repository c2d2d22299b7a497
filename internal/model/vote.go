package model

import "time"

// Vote はユーザーがアイテムに投じた1票を表す。
// (UserID, ItemID) の組は一意で、ストレージの主キーで保証される。
type Vote struct {
	UserID    string
	ItemID    string
	CreatedAt time.Time
}

// VoteResult は投票操作の結果。
// Upvotes と Version は投票の書き込みと同じトランザクション内で読み取った値。
type VoteResult struct {
	ItemID   string
	Upvotes  int
	HasVoted bool
	Version  int64
	Changed  bool // 冪等な再投票の場合はfalse
}
