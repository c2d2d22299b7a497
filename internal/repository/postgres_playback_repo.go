package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/votebox/internal/model"
)

// PostgresPlaybackRepo はPostgreSQLを使用した再生状態リポジトリ。
// クリエイターごとのcurrent_items行をFOR UPDATEでロックし、選択処理を直列化する。
type PostgresPlaybackRepo struct {
	db *sql.DB
}

// NewPostgresPlaybackRepo はPostgresPlaybackRepoを生成する。
func NewPostgresPlaybackRepo(db *sql.DB) *PostgresPlaybackRepo {
	return &PostgresPlaybackRepo{db: db}
}

// Advance はキュー先頭のアイテムを再生中にし、直前の再生中アイテムを再生済みにする。
// 全ての更新は1トランザクションで行われ、途中で失敗した場合は何も変更されない。
func (r *PostgresPlaybackRepo) Advance(ctx context.Context, creatorID string, expectedVersion *int64, now time.Time) (*model.Advance, error) {
	var advance *model.Advance
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		// 初回選択時もロック対象の行が必要なため、空のポインタ行を用意する。
		// キューが空で失敗した場合はロールバックされ、行は残らない。
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO current_items (creator_id, item_id, version, updated_at)
			 VALUES ($1, NULL, 0, $2)
			 ON CONFLICT (creator_id) DO NOTHING`,
			creatorID, now,
		); err != nil {
			return fmt.Errorf("再生状態の初期化に失敗しました: %w", err)
		}

		var prevID sql.NullString
		var version int64
		if err := tx.QueryRowContext(ctx,
			`SELECT item_id, version FROM current_items WHERE creator_id = $1 FOR UPDATE`,
			creatorID,
		).Scan(&prevID, &version); err != nil {
			return fmt.Errorf("再生状態のロックに失敗しました: %w", err)
		}

		if expectedVersion != nil && *expectedVersion != version {
			return ErrVersionConflict
		}

		next, err := scanItem(tx.QueryRowContext(ctx,
			`SELECT `+itemColumns+` FROM items
			 WHERE creator_id = $1 AND status = 'queued'
			 ORDER BY `+rankingOrder+`
			 LIMIT 1
			 FOR UPDATE`,
			creatorID,
		))
		if err == sql.ErrNoRows {
			return ErrEmptyQueue
		}
		if err != nil {
			return fmt.Errorf("キュー先頭の取得に失敗しました: %w", err)
		}

		if prevID.Valid {
			if _, err := tx.ExecContext(ctx,
				`UPDATE items SET status = 'played', played_at = $2
				 WHERE id = $1 AND status = 'playing'`,
				prevID.String, now,
			); err != nil {
				return fmt.Errorf("再生済みへの更新に失敗しました: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE items SET status = 'playing' WHERE id = $1`,
			next.ID,
		); err != nil {
			return fmt.Errorf("再生中への更新に失敗しました: %w", err)
		}
		next.Status = model.ItemStatusPlaying

		var newVersion int64
		if err := tx.QueryRowContext(ctx,
			`UPDATE current_items SET item_id = $2, version = version + 1, updated_at = $3
			 WHERE creator_id = $1
			 RETURNING version`,
			creatorID, next.ID, now,
		).Scan(&newVersion); err != nil {
			return fmt.Errorf("再生中ポインタの更新に失敗しました: %w", err)
		}

		advance = &model.Advance{
			CreatorID:      creatorID,
			Current:        next,
			PreviousItemID: prevID.String,
			Version:        newVersion,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return advance, nil
}

// FindCurrent は再生中ポインタを取得する。一度も選択されていない場合はnilを返す。
// 再生中アイテムが削除済みの場合はItemがnilのCurrentItemを返す。
func (r *PostgresPlaybackRepo) FindCurrent(ctx context.Context, creatorID string) (*model.CurrentItem, error) {
	current := &model.CurrentItem{CreatorID: creatorID}
	var itemID sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT item_id, version, updated_at FROM current_items WHERE creator_id = $1`,
		creatorID,
	).Scan(&itemID, &current.Version, &current.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("再生状態の取得に失敗しました: %w", err)
	}

	if itemID.Valid {
		item, err := scanItem(r.db.QueryRowContext(ctx,
			`SELECT `+itemColumns+` FROM items WHERE id = $1`,
			itemID.String,
		))
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("再生中アイテムの取得に失敗しました: %w", err)
		}
		current.Item = item
	}
	return current, nil
}

// compile-time interface check
var _ PlaybackRepository = (*PostgresPlaybackRepo)(nil)
