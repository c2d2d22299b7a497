// Package cleanup はキューデータの定期メンテナンスジョブを提供する。
// 保持期間を超過した再生済みアイテムと期限切れセッションを削除し、
// 投票数のカウンタを投票行から再集計する。
package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const (
	purgePlayedQuery = `DELETE FROM items WHERE status = 'played' AND played_at < now() - $1::interval`

	purgeSessionsQuery = `DELETE FROM sessions WHERE expires_at < now()`
)

// VoteRecounter は投票数カウンタを投票行から数え直す。
// カウンタの更新と競合しないよう、アイテム行をロックしてから数える実装を想定する。
type VoteRecounter interface {
	RecountVotes(ctx context.Context) (int64, error)
}

// CleanupJob はキューデータのメンテナンスジョブ。
// 各ステップは冪等で、対象がなくてもエラーにならない。
type CleanupJob struct {
	db            Executor
	votes         VoteRecounter
	logger        *slog.Logger
	RetentionDays int // 再生済みアイテムの保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, votes VoteRecounter, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:            db,
		votes:         votes,
		logger:        logger,
		RetentionDays: 30,
	}
}

type step struct {
	name  string
	query string
	args  []interface{}
	run   func(ctx context.Context) (int64, error) // 設定されていればqueryの代わりに実行する
}

func (j *CleanupJob) steps() []step {
	return []step{
		{name: "purge_played", query: purgePlayedQuery, args: []interface{}{fmt.Sprintf("%d days", j.RetentionDays)}},
		{name: "purge_sessions", query: purgeSessionsQuery},
		{name: "recount_votes", run: j.votes.RecountVotes},
	}
}

// Run はすべてのメンテナンスステップを順に実行する。
// 途中のステップが失敗しても残りのステップは実行し、失敗をまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	var errs []error
	for _, s := range j.steps() {
		if err := j.exec(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}

	j.logger.Info("メンテナンスジョブが完了しました",
		slog.Int("retention_days", j.RetentionDays),
		slog.Int("failed_steps", len(errs)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return errors.Join(errs...)
}

func (j *CleanupJob) exec(ctx context.Context, s step) error {
	affected, err := j.affected(ctx, s)
	if err != nil {
		j.logger.Error("メンテナンスステップの実行に失敗しました",
			slog.String("step", s.name),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%sの実行に失敗: %w", s.name, err)
	}

	j.logger.Info("メンテナンスステップを実行しました",
		slog.String("step", s.name),
		slog.Int64("affected_count", affected),
	)
	return nil
}

// affected はステップを実行し、影響件数を返す。
func (j *CleanupJob) affected(ctx context.Context, s step) (int64, error) {
	if s.run != nil {
		return s.run(ctx)
	}
	result, err := j.db.ExecContext(ctx, s.query, s.args...)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return affected, nil
}

// Start はintervalごとにRunを実行する。ctxがキャンセルされるまでブロックする。
// 起動直後に1回実行する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := j.Run(ctx); err != nil && ctx.Err() == nil {
			j.logger.Warn("メンテナンスジョブの一部が失敗しました", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
