// Package autoplay は遅延実行される「次のアイテムを選択」タスクを提供する。
// タスクは選択時点の再生バージョンを保持し、その間に手動で切り替えられていれば
// バージョン不一致で何もせずに終了する。
package autoplay

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// TypeSelectNext は遅延選択タスクの種別。
const TypeSelectNext = "playback:select_next"

// QueueName はautoplayタスクを投入するasynqのキュー名。
const QueueName = "autoplay"

// SelectNextPayload は遅延選択タスクのペイロード。
type SelectNextPayload struct {
	CreatorID       string `json:"creator_id"`
	ExpectedVersion int64  `json:"expected_version"`
	RequestedBy     string `json:"requested_by"`
}

// NewSelectNextTask は遅延選択タスクを生成する。
func NewSelectNextTask(p SelectNextPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("ペイロードのシリアライズに失敗: %w", err)
	}
	return asynq.NewTask(TypeSelectNext, payload), nil
}

// taskID は同じ再生バージョンに対する予約を1件にまとめるためのID。
func taskID(creatorID string, version int64) string {
	return fmt.Sprintf("autoplay:%s:%d", creatorID, version)
}
