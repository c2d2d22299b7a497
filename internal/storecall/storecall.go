// Package storecall はストア呼び出しにタイムアウトを課し、
// 到達不能・タイムアウトをUnavailableエラーに分類する。
package storecall

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hitoshi/votebox/internal/model"
	"github.com/hitoshi/votebox/internal/repository"
)

// LatencyRecorder はストア呼び出しのレイテンシを記録する。
type LatencyRecorder interface {
	RecordStoreLatency(operation string, duration time.Duration)
}

// Do はfnをtimeout付きのコンテキストで実行する。
// タイムアウトや接続失敗はmodel.ErrCodeUnavailableのAPIErrorでラップして返す。
// それ以外のエラーはそのまま返す。
func Do[T any](ctx context.Context, timeout time.Duration, op string, rec LatencyRecorder, fn func(ctx context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	v, err := fn(callCtx)
	if rec != nil {
		rec.RecordStoreLatency(op, time.Since(start))
	}

	if err != nil && IsUnavailable(err) {
		var zero T
		return zero, fmt.Errorf("%w: %v", model.NewUnavailableError(op), err)
	}
	return v, err
}

// IsUnavailable はerrが一時的なストア障害（タイムアウト・接続断）かどうかを判定する。
func IsUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if repository.IsConnectionError(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
