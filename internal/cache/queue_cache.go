// Package cache はランキング済みキューのRedisキャッシュを提供する。
//
// キャッシュはクリエイターごとの世代番号をキーに含めて保存する。書き込み側はストアへの
// コミット後にInvalidateで世代を進め、読み込み側は世代番号を読んでからストアを読み、
// 読んだ世代のキーに保存する。これにより無効化と競合した古い結果は次の世代から見えない。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/hitoshi/votebox/internal/model"
)

// QueueCache はランキング済みキューのキャッシュ。
// 投票状態などユーザーごとの情報は含めない。
type QueueCache interface {
	// Lookup はキャッシュ済みのキューと現在の世代番号を返す。
	// ミスの場合もStoreに渡す世代番号を返す。
	Lookup(ctx context.Context, creatorID string) (items []model.Item, gen int64, ok bool, err error)
	// Store はLookupで得た世代番号のキーにキューを保存する。
	Store(ctx context.Context, creatorID string, gen int64, items []model.Item) error
	// Invalidate は世代を進め、以前のキャッシュを無効にする。
	Invalidate(ctx context.Context, creatorID string) error
}

// RedisQueueCache はRedisを使ったQueueCacheの実装。
type RedisQueueCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisQueueCache はRedisQueueCacheを生成する。
func NewRedisQueueCache(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisQueueCache {
	if keyPrefix == "" {
		keyPrefix = "votebox:"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisQueueCache{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (c *RedisQueueCache) genKey(creatorID string) string {
	return fmt.Sprintf("%squeue:%s:gen", c.keyPrefix, creatorID)
}

func (c *RedisQueueCache) dataKey(creatorID string, gen int64) string {
	return fmt.Sprintf("%squeue:%s:%d", c.keyPrefix, creatorID, gen)
}

// Lookup はキャッシュ済みのキューを取得する。
func (c *RedisQueueCache) Lookup(ctx context.Context, creatorID string) ([]model.Item, int64, bool, error) {
	gen, err := c.generation(ctx, creatorID)
	if err != nil {
		return nil, 0, false, err
	}

	data, err := c.client.Get(ctx, c.dataKey(creatorID, gen)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, gen, false, nil
		}
		return nil, gen, false, fmt.Errorf("キューキャッシュの取得に失敗しました: %w", err)
	}

	var items []model.Item
	if err := json.Unmarshal(data, &items); err != nil {
		// 壊れたエントリはミスとして扱い、次のStoreで上書きさせる
		return nil, gen, false, nil
	}
	return items, gen, true, nil
}

// Store はキューを世代番号付きのキーに保存する。
func (c *RedisQueueCache) Store(ctx context.Context, creatorID string, gen int64, items []model.Item) error {
	if items == nil {
		items = []model.Item{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("キューキャッシュのエンコードに失敗しました: %w", err)
	}
	if err := c.client.Set(ctx, c.dataKey(creatorID, gen), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("キューキャッシュの保存に失敗しました: %w", err)
	}
	return nil
}

// Invalidate は世代番号を1つ進める。
func (c *RedisQueueCache) Invalidate(ctx context.Context, creatorID string) error {
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, c.genKey(creatorID))
	pipe.Expire(ctx, c.genKey(creatorID), 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("キューキャッシュの無効化に失敗しました: %w", err)
	}
	return nil
}

func (c *RedisQueueCache) generation(ctx context.Context, creatorID string) (int64, error) {
	v, err := c.client.Get(ctx, c.genKey(creatorID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("キューキャッシュ世代の取得に失敗しました: %w", err)
	}
	gen, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("キューキャッシュ世代の解析に失敗しました: %w", err)
	}
	return gen, nil
}

// Disabled はキャッシュを使わない場合のQueueCache。常にミスを返す。
type Disabled struct{}

func (Disabled) Lookup(context.Context, string) ([]model.Item, int64, bool, error) {
	return nil, 0, false, nil
}

func (Disabled) Store(context.Context, string, int64, []model.Item) error {
	return nil
}

func (Disabled) Invalidate(context.Context, string) error {
	return nil
}

// compile-time interface check
var (
	_ QueueCache = (*RedisQueueCache)(nil)
	_ QueueCache = Disabled{}
)
