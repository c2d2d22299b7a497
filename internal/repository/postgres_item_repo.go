package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/votebox/internal/model"
)

// PostgresItemRepo はPostgreSQLを使用したキューアイテムリポジトリ。
type PostgresItemRepo struct {
	db *sql.DB
}

// NewPostgresItemRepo はPostgresItemRepoを生成する。
func NewPostgresItemRepo(db *sql.DB) *PostgresItemRepo {
	return &PostgresItemRepo{db: db}
}

// Create はアイテムを作成する。
// 同じクリエイターに再生済みでない同一動画がある場合は*DuplicateSourceErrorを返す。
func (r *PostgresItemRepo) Create(ctx context.Context, item *model.Item) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO items (id, creator_id, source_type, source_url, source_id, title,
		                    small_thumbnail_url, large_thumbnail_url, submitted_by, submitter_id,
		                    status, upvote_count, vote_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, 0, $12)`,
		item.ID, item.CreatorID, item.SourceType, item.SourceURL, item.SourceID, item.Title,
		item.SmallThumbnailURL, item.LargeThumbnailURL, item.SubmittedBy, item.SubmitterID,
		string(model.ItemStatusQueued), item.CreatedAt,
	)
	if isUniqueViolation(err) {
		existing, findErr := r.FindActiveBySource(ctx, item.CreatorID, item.SourceID)
		if findErr != nil {
			return findErr
		}
		dup := &DuplicateSourceError{}
		if existing != nil {
			dup.ExistingID = existing.ID
		}
		return dup
	}
	if err != nil {
		return fmt.Errorf("アイテムの作成に失敗しました: %w", err)
	}
	item.Status = model.ItemStatusQueued
	return nil
}

// FindByID はクリエイター配下の指定IDのアイテムを取得する。見つからない場合はnilを返す。
func (r *PostgresItemRepo) FindByID(ctx context.Context, creatorID, id string) (*model.Item, error) {
	item, err := scanItem(r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = $1 AND creator_id = $2`,
		id, creatorID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アイテムの取得に失敗しました: %w", err)
	}
	return item, nil
}

// FindActiveBySource は再生済みでない同一動画のアイテムを取得する。見つからない場合はnilを返す。
func (r *PostgresItemRepo) FindActiveBySource(ctx context.Context, creatorID, sourceID string) (*model.Item, error) {
	item, err := scanItem(r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items
		 WHERE creator_id = $1 AND source_id = $2 AND status <> 'played'`,
		creatorID, sourceID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アイテムの取得に失敗しました: %w", err)
	}
	return item, nil
}

// ListQueue はqueued状態のアイテムをランキング順で返す。
func (r *PostgresItemRepo) ListQueue(ctx context.Context, creatorID string) ([]model.Item, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items
		 WHERE creator_id = $1 AND status = 'queued'
		 ORDER BY `+rankingOrder,
		creatorID,
	)
	if err != nil {
		return nil, fmt.Errorf("キューの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// ListVotedItemIDs はユーザーが投票済みのqueuedアイテムIDの集合を返す。
func (r *PostgresItemRepo) ListVotedItemIDs(ctx context.Context, creatorID, userID string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT v.item_id FROM votes v
		 JOIN items i ON i.id = v.item_id
		 WHERE v.user_id = $1 AND i.creator_id = $2 AND i.status = 'queued'`,
		userID, creatorID,
	)
	if err != nil {
		return nil, fmt.Errorf("投票済みアイテムの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	voted := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("投票行の読み取りに失敗しました: %w", err)
		}
		voted[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("投票一覧の走査に失敗しました: %w", err)
	}
	return voted, nil
}

// ListHistory は再生済みを含むクリエイターのアイテムを新しい順に返す。
func (r *PostgresItemRepo) ListHistory(ctx context.Context, creatorID string, limit int) ([]model.Item, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items
		 WHERE creator_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		creatorID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// Delete はアイテムを削除する。投票は外部キーのCASCADEにより同じ文で削除される。
func (r *PostgresItemRepo) Delete(ctx context.Context, creatorID, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM items WHERE id = $1 AND creator_id = $2`,
		id, creatorID,
	)
	if err != nil {
		return false, fmt.Errorf("アイテムの削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// compile-time interface check
var _ ItemRepository = (*PostgresItemRepo)(nil)
