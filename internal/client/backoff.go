package client

import "time"

const (
	// initialBackoff は再接続の初回待ち時間。
	initialBackoff = 500 * time.Millisecond
	// maxBackoff は再接続の最大待ち時間。
	maxBackoff = 30 * time.Second
)

// CalculateBackoff は連続失敗回数に基づいて指数バックオフの待ち時間を計算する。
// 初回500ms、2倍ずつ増加、最大30秒。
func CalculateBackoff(consecutiveFailures int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveFailures; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
