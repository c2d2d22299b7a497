package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/votebox/internal/model"
)

// PostgresVoteRepo はPostgreSQLを使用した投票リポジトリ。
//
// 投票の一意性は votes の主キー (user_id, item_id) で保証し、
// INSERT ON CONFLICT DO NOTHING で冪等に書き込む。
// items.upvote_count は投票行が実際に増減した場合のみ同一トランザクション内で更新し、
// 更新後の値をRETURNINGで読み取る。行ロックは加算の間だけ保持される。
type PostgresVoteRepo struct {
	db *sql.DB
}

// NewPostgresVoteRepo はPostgresVoteRepoを生成する。
func NewPostgresVoteRepo(db *sql.DB) *PostgresVoteRepo {
	return &PostgresVoteRepo{db: db}
}

// Upvote は(userID, itemID)の投票を冪等に作成する。
func (r *PostgresVoteRepo) Upvote(ctx context.Context, creatorID, itemID, userID string) (*model.VoteResult, error) {
	var result *model.VoteResult
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := ensureQueued(ctx, tx, creatorID, itemID); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO votes (user_id, item_id, created_at)
			 VALUES ($1, $2, now())
			 ON CONFLICT (user_id, item_id) DO NOTHING`,
			userID, itemID,
		)
		if err != nil {
			return fmt.Errorf("投票の作成に失敗しました: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("投票件数の取得に失敗しました: %w", err)
		}

		result, err = applyCount(ctx, tx, itemID, inserted > 0, 1)
		if err != nil {
			return err
		}
		result.HasVoted = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Downvote は(userID, itemID)の投票を冪等に削除する。
func (r *PostgresVoteRepo) Downvote(ctx context.Context, creatorID, itemID, userID string) (*model.VoteResult, error) {
	var result *model.VoteResult
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := ensureQueued(ctx, tx, creatorID, itemID); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM votes WHERE user_id = $1 AND item_id = $2`,
			userID, itemID,
		)
		if err != nil {
			return fmt.Errorf("投票の削除に失敗しました: %w", err)
		}
		deleted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("投票件数の取得に失敗しました: %w", err)
		}

		result, err = applyCount(ctx, tx, itemID, deleted > 0, -1)
		if err != nil {
			return err
		}
		result.HasVoted = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ensureQueued は対象アイテムがクリエイター配下に存在しqueued状態であることを確認する。
func ensureQueued(ctx context.Context, tx *sql.Tx, creatorID, itemID string) error {
	var status string
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM items WHERE id = $1 AND creator_id = $2`,
		itemID, creatorID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrItemNotFound
	}
	if err != nil {
		return fmt.Errorf("アイテム状態の取得に失敗しました: %w", err)
	}
	if model.ItemStatus(status) != model.ItemStatusQueued {
		return ErrItemNotFound
	}
	return nil
}

// applyCount は投票行が変化した場合に投票数とバージョンを更新し、結果を返す。
// 変化していない場合は現在値を読み取るだけで、冪等な再投票として扱う。
// 更新時にアイテムがqueuedでなくなっていた場合はErrItemNotFoundを返し、呼び出し側でロールバックされる。
func applyCount(ctx context.Context, tx *sql.Tx, itemID string, changed bool, delta int) (*model.VoteResult, error) {
	result := &model.VoteResult{ItemID: itemID, Changed: changed}

	var err error
	if changed {
		err = tx.QueryRowContext(ctx,
			`UPDATE items
			 SET upvote_count = upvote_count + $2, vote_version = vote_version + 1
			 WHERE id = $1 AND status = 'queued'
			 RETURNING upvote_count, vote_version`,
			itemID, delta,
		).Scan(&result.Upvotes, &result.Version)
	} else {
		err = tx.QueryRowContext(ctx,
			`SELECT upvote_count, vote_version FROM items WHERE id = $1 AND status = 'queued'`,
			itemID,
		).Scan(&result.Upvotes, &result.Version)
	}
	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("投票数の更新に失敗しました: %w", err)
	}
	return result, nil
}

// compile-time interface check
var _ VoteRepository = (*PostgresVoteRepo)(nil)

// driftedItemsQuery は投票数カウンタが投票行の件数と一致しないqueuedアイテムを列挙する。
// 文のスナップショットで数えるため候補の抽出にのみ使い、修正はrecountItemで行う。
const driftedItemsQuery = `
	SELECT it.id
	FROM items it
	LEFT JOIN votes vo ON vo.item_id = it.id
	WHERE it.status = 'queued'
	GROUP BY it.id
	HAVING it.upvote_count <> COUNT(vo.user_id)`

// RecountVotes はカウンタがずれたqueuedアイテムを1件ずつ再集計し、修正した件数を返す。
func (r *PostgresVoteRepo) RecountVotes(ctx context.Context) (int64, error) {
	rows, err := r.db.QueryContext(ctx, driftedItemsQuery)
	if err != nil {
		return 0, fmt.Errorf("再集計対象の取得に失敗しました: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("再集計対象の読み取りに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("再集計対象の読み取りに失敗しました: %w", err)
	}

	var fixed int64
	for _, id := range ids {
		changed, err := r.recountItem(ctx, id)
		if err != nil {
			return fixed, err
		}
		if changed {
			fixed++
		}
	}
	return fixed, nil
}

// recountItem はアイテム行をロックしてから投票行を数え直す。
//
// 投票トランザクションは投票行の変更後にアイテム行を更新するため、ロック取得後の件数は
// コミット済みの投票をすべて含み、ロック待ちの投票は自分の増減をこの値に積む。
func (r *PostgresVoteRepo) recountItem(ctx context.Context, itemID string) (bool, error) {
	changed := false
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var current int
		err := tx.QueryRowContext(ctx,
			`SELECT upvote_count FROM items WHERE id = $1 AND status = 'queued' FOR UPDATE`,
			itemID,
		).Scan(&current)
		if err == sql.ErrNoRows {
			// 削除済みまたは再生に回った
			return nil
		}
		if err != nil {
			return fmt.Errorf("アイテムのロックに失敗しました: %w", err)
		}

		var actual int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM votes WHERE item_id = $1`, itemID,
		).Scan(&actual); err != nil {
			return fmt.Errorf("投票行の集計に失敗しました: %w", err)
		}
		if actual == current {
			return nil
		}

		// vote_versionを進め、クライアントの楽観的表示を上書きさせる
		if _, err := tx.ExecContext(ctx,
			`UPDATE items SET upvote_count = $2, vote_version = vote_version + 1 WHERE id = $1`,
			itemID, actual,
		); err != nil {
			return fmt.Errorf("投票数の修正に失敗しました: %w", err)
		}
		changed = true
		return nil
	})
	return changed, err
}
