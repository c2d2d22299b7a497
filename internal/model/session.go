package model

import "time"

// Session は外部の認証基盤が発行したログインセッションを表す。
// DisplayName はアイテム投稿時の投稿者名として使われる。
type Session struct {
	ID          string
	UserID      string
	DisplayName string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}
