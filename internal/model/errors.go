// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, queue, playback, source, system
	Action   string // ユーザー向け対処方法

	// ExistingID は重複エラー時に既存アイテムのIDを保持する。
	ExistingID string
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeItemNotFound   = "ITEM_NOT_FOUND"
	ErrCodeEmptyQueue     = "EMPTY_QUEUE"
	ErrCodeUnavailable    = "UNAVAILABLE"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeInvalidURL     = "INVALID_URL"
	ErrCodeDuplicateItem  = "DUPLICATE_ITEM"
	ErrCodeForbidden      = "FORBIDDEN"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeSourceNotFound = "SOURCE_NOT_FOUND"
	ErrCodeSSRFBlocked    = "SSRF_BLOCKED"
	ErrCodeFetchFailed    = "FETCH_FAILED"
	ErrCodeParseFailed    = "PARSE_FAILED"
)

// HasErrorCode はerrのチェーンに指定コードのAPIErrorが含まれるかを返す。
func HasErrorCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewItemNotFoundError はアイテム未検出エラーを生成する。
// 再生済み・再生中のアイテムへの投票もこのエラーになる。
func NewItemNotFoundError(itemID string) *APIError {
	return &APIError{
		Code:     ErrCodeItemNotFound,
		Message:  fmt.Sprintf("指定されたアイテムが見つからないか、既に再生されています: %s", itemID),
		Category: "queue",
		Action:   "キューを再読み込みしてください。",
	}
}

// NewEmptyQueueError はキューが空で次のアイテムを選択できないエラーを生成する。
func NewEmptyQueueError(creatorID string) *APIError {
	return &APIError{
		Code:     ErrCodeEmptyQueue,
		Message:  fmt.Sprintf("キューに再生待ちのアイテムがありません: %s", creatorID),
		Category: "playback",
		Action:   "アイテムが追加されるまでお待ちください。",
	}
}

// NewUnavailableError はストアに到達できない・タイムアウトした場合のエラーを生成する。
// 呼び出し側が再試行できる一時的な失敗を表す。
func NewUnavailableError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeUnavailable,
		Message:  fmt.Sprintf("一時的に処理できません: %s", reason),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewConflictError は再生状態のバージョン不一致エラーを生成する。
func NewConflictError(creatorID string) *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  fmt.Sprintf("再生状態が他の操作によって更新されました: %s", creatorID),
		Category: "playback",
		Action:   "最新の再生状態を取得してから再度お試しください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "YouTube動画のURL（https://www.youtube.com/watch?v=... など）を入力してください。",
	}
}

// NewDuplicateItemError は同じ動画が既にキューにある場合のエラーを生成する。
func NewDuplicateItemError(existingID string) *APIError {
	return &APIError{
		Code:       ErrCodeDuplicateItem,
		Message:    "この動画は既にキューに追加されています。",
		Category:   "queue",
		Action:     "キュー内の既存アイテムに投票してください。",
		ExistingID: existingID,
	}
}

// NewForbiddenError はクリエイター本人以外が操作しようとした場合のエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作はクリエイター本人のみ実行できます。",
		Category: "auth",
		Action:   "クリエイターのアカウントでログインしてください。",
	}
}

// NewInvalidRequestError はリクエスト内容が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewSourceNotFoundError は動画が存在しないか非公開の場合のエラーを生成する。
func NewSourceNotFoundError(sourceID string) *APIError {
	return &APIError{
		Code:     ErrCodeSourceNotFound,
		Message:  fmt.Sprintf("動画が見つからないか、埋め込みが許可されていません: %s", sourceID),
		Category: "source",
		Action:   "公開されている動画のURLを入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを入力してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewFetchFailedError はフェッチ失敗エラーを生成する。
func NewFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  fmt.Sprintf("URLの取得に失敗しました: %s", reason),
		Category: "source",
		Action:   "URLが正しいか確認し、しばらく待ってから再度お試しください。",
	}
}

// NewParseFailedError はプレイリストフィードのパース失敗エラーを生成する。
func NewParseFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeParseFailed,
		Message:  "プレイリストフィードの解析に失敗しました。",
		Category: "source",
		Action:   "YouTubeのプレイリストまたはチャンネルのフィードURLか確認してください。",
	}
}
