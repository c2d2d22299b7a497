package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/votebox/internal/model"
)

// 期限切れの行はメンテナンスジョブが削除するまで残るため、ここで除外する。
const findActiveSessionQuery = `
	SELECT id, user_id, display_name, expires_at, created_at
	FROM sessions
	WHERE id = $1 AND expires_at > now()`

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
// セッション行は外部の認証基盤が書き込み、本サービスは参照のみ行う。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// FindByID は有効なセッションを取得する。存在しないか期限切れの場合はnilを返す。
// 表示名はアイテムの投稿者名に使われ、空の場合は投稿時に匿名扱いになる。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if id == "" {
		return nil, nil
	}

	var s model.Session
	err := r.db.QueryRowContext(ctx, findActiveSessionQuery, id).
		Scan(&s.ID, &s.UserID, &s.DisplayName, &s.ExpiresAt, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗: %w", err)
	}
	return &s, nil
}

var _ SessionRepository = (*PostgresSessionRepo)(nil)
