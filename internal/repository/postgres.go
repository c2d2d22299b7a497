package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/votebox/internal/model"
)

// itemColumns はitemsテーブルからmodel.Itemへ読み込むカラム一覧。scanItemと順序を揃えること。
const itemColumns = `id, creator_id, source_type, source_url, source_id, title,
	small_thumbnail_url, large_thumbnail_url, submitted_by, submitter_id,
	status, upvote_count, vote_version, played_at, created_at`

// rankingOrder はキューのランキング順。QueueAggregatorとPlaybackSelectorで共有する。
const rankingOrder = `upvote_count DESC, created_at ASC, id ASC`

// pgUniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const pgUniqueViolation = "23505"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(s rowScanner) (*model.Item, error) {
	item := &model.Item{}
	var status string
	var playedAt sql.NullTime

	if err := s.Scan(
		&item.ID, &item.CreatorID, &item.SourceType, &item.SourceURL, &item.SourceID, &item.Title,
		&item.SmallThumbnailURL, &item.LargeThumbnailURL, &item.SubmittedBy, &item.SubmitterID,
		&status, &item.UpvoteCount, &item.VoteVersion, &playedAt, &item.CreatedAt,
	); err != nil {
		return nil, err
	}

	item.Status = model.ItemStatus(status)
	if playedAt.Valid {
		t := playedAt.Time
		item.PlayedAt = &t
	}
	return item, nil
}

func scanItems(rows *sql.Rows) ([]model.Item, error) {
	items := []model.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("アイテム行の読み取りに失敗しました: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("アイテム一覧の走査に失敗しました: %w", err)
	}
	return items, nil
}

// isUniqueViolation はerrが一意制約違反かどうかを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}

// IsConnectionError はerrがDBへの接続失敗（SQLSTATEクラス08）かどうかを判定する。
func IsConnectionError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08"
	}
	return false
}

// withTx はfnをトランザクション内で実行する。
// fnがエラーを返した場合はロールバックし、そのエラーをそのまま返す。
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}
