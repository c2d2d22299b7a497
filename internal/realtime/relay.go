package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/hitoshi/votebox/internal/model"
)

// RedisRelay は複数のAPIインスタンス間でルームイベントを中継する。
//
// PublishされたイベントはRedisのPub/Subチャネルに送られ、購読している全インスタンス
// （発行元を含む）がローカルのHubへ再発行する。メンバーに見えるシーケンス番号は
// 各インスタンスのHubが振るが、送信時にRedisのカウンタで発行元の通し番号を付け、
// 受信側はその飛びをHubの番号の飛びに変換する。送信前に捨てたイベントも
// 次の送信で通し番号を消費するため、どのインスタンスのクライアントも欠落を検出できる。
type RedisRelay struct {
	client    *redis.Client
	local     LocalRooms
	prefix    string
	seqPrefix string
	outbox    chan relayMessage
	logger    *slog.Logger
	metrics   Metrics
	timeout   time.Duration

	mu      sync.Mutex
	pending map[string]int64 // 送信前に捨てた件数（クリエイター別）

	pubsub     *redis.PubSub
	lastOrigin map[string]int64 // 受信済みの通し番号。受信ループからのみ触る
}

// LocalRooms は中継したイベントの再発行先。Hubが実装する。
type LocalRooms interface {
	Publisher
	// MarkGap はクリエイターのルームのシーケンス番号を1つ消費する。
	MarkGap(creatorID string)
	// MarkAllGaps は全ルームのシーケンス番号を1つずつ消費する。
	MarkAllGaps()
}

type relayMessage struct {
	creatorID string
	event     model.Event
}

// RelayConfig はRedisRelayの設定。
type RelayConfig struct {
	// ChannelPrefix はPub/Subチャネル名の接頭辞。
	ChannelPrefix string
	// SequencePrefix は発行元の通し番号を保持するキーの接頭辞。
	SequencePrefix string
	// OutboxSize は送信待ちイベントのバッファ数。
	OutboxSize int
	// PublishTimeout はRedisへの1回の送信に許す時間。
	PublishTimeout time.Duration
}

// NewRedisRelay はRedisRelayを生成する。localには受信したイベントの再発行先（通常はHub）を渡す。
// 送信専用で使う場合はnilでよい。
func NewRedisRelay(client *redis.Client, local LocalRooms, cfg RelayConfig, logger *slog.Logger, metrics Metrics) *RedisRelay {
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "votebox:room:"
	}
	if cfg.SequencePrefix == "" {
		cfg.SequencePrefix = "votebox:seq:"
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 1024
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	return &RedisRelay{
		client:     client,
		local:      local,
		prefix:     cfg.ChannelPrefix,
		seqPrefix:  cfg.SequencePrefix,
		outbox:     make(chan relayMessage, cfg.OutboxSize),
		logger:     logger,
		metrics:    metrics,
		timeout:    cfg.PublishTimeout,
		pending:    make(map[string]int64),
		lastOrigin: make(map[string]int64),
	}
}

func (r *RedisRelay) channel(creatorID string) string {
	return r.prefix + creatorID
}

// Publish はイベントを送信キューに積む。呼び出し元をブロックしない。
// キューが満杯で捨てたイベントは次の送信時に通し番号を消費する。
func (r *RedisRelay) Publish(creatorID string, ev model.Event) {
	ev.Sequence = 0
	select {
	case r.outbox <- relayMessage{creatorID: creatorID, event: ev}:
	default:
		r.markPending(creatorID, 1)
		r.metrics.RecordBroadcastDropped("relay_outbox_full")
		r.logger.Warn("中継キューが満杯のためルームイベントを破棄しました",
			slog.String("creator_id", creatorID),
			slog.String("kind", string(ev.Kind)),
		)
	}
}

func (r *RedisRelay) markPending(creatorID string, n int64) {
	r.mu.Lock()
	r.pending[creatorID] += n
	r.mu.Unlock()
}

// reserve は次の送信で消費する通し番号の数を返す。送信前に捨てた件数も含む。
func (r *RedisRelay) reserve(creatorID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 1 + r.pending[creatorID]
	delete(r.pending, creatorID)
	return n
}

// Subscribe はルームチャネルの購読を確立する。Runより前に呼ぶと、
// 購読できない場合に起動時点で失敗させられる。
func (r *RedisRelay) Subscribe(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")

	// 購読の確立を待つ。これ以前に送られたメッセージは受信できない。
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("ルーム中継の購読に失敗しました: %w", err)
	}
	r.pubsub = pubsub
	r.logger.Info("ルーム中継の購読を開始しました", slog.String("pattern", r.prefix+"*"))
	return nil
}

// Run は送信ループと購読ループを実行し、ctxのキャンセルまで戻らない。
// Subscribe済みでなければ購読を確立し、失敗した場合はエラーを返す。
func (r *RedisRelay) Run(ctx context.Context) error {
	if r.pubsub == nil {
		if err := r.Subscribe(ctx); err != nil {
			return err
		}
	}
	pubsub := r.pubsub
	defer pubsub.Close()

	go r.publishLoop(ctx)

	// 再接続時の再購読も*redis.Subscriptionとして届く
	ch := pubsub.ChannelWithSubscriptions(ctx, 100)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			switch m := msg.(type) {
			case *redis.Subscription:
				r.resubscribed(m)
			case *redis.Message:
				r.deliver(m)
			}
		}
	}
}

// RunPublisher は送信ループのみを実行する。ルームのメンバーを持たないworkerプロセスで使う。
func (r *RedisRelay) RunPublisher(ctx context.Context) {
	r.publishLoop(ctx)
}

func (r *RedisRelay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-r.outbox:
			r.send(ctx, m)
		}
	}
}

// send は通し番号を採番してからRedisへ送る。
// 採番に失敗した場合は送らずに件数を持ち越し、送信に失敗した場合は採番済みの番号が欠番になる。
func (r *RedisRelay) send(ctx context.Context, m relayMessage) {
	n := r.reserve(m.creatorID)

	pubCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	seq, err := r.client.IncrBy(pubCtx, r.seqPrefix+m.creatorID, n).Result()
	if err != nil {
		r.markPending(m.creatorID, n)
		r.metrics.RecordBroadcastDropped("relay_sequence_failed")
		r.logger.Warn("ルームイベントの採番に失敗しました",
			slog.String("creator_id", m.creatorID),
			slog.String("error", err.Error()),
		)
		return
	}

	m.event.Sequence = uint64(seq)
	payload, err := json.Marshal(m.event)
	if err != nil {
		r.logger.Error("中継イベントのエンコードに失敗しました",
			slog.String("creator_id", m.creatorID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := r.client.Publish(pubCtx, r.channel(m.creatorID), payload).Err(); err != nil {
		r.metrics.RecordBroadcastDropped("relay_publish_failed")
		r.logger.Warn("Redisへのルームイベント送信に失敗しました",
			slog.String("creator_id", m.creatorID),
			slog.Int64("origin_sequence", seq),
			slog.String("error", err.Error()),
		)
	}
}

// resubscribed は再接続による再購読を処理する。切断中のメッセージは失われているため
// 全ルームに欠番を作り、次のイベントでクライアントに再同期させる。
func (r *RedisRelay) resubscribed(sub *redis.Subscription) {
	if sub.Kind != "psubscribe" {
		return
	}
	r.logger.Warn("ルーム中継を再購読しました。切断中のイベントは失われています",
		slog.String("pattern", sub.Channel),
	)
	if r.local != nil {
		r.local.MarkAllGaps()
	}
}

func (r *RedisRelay) deliver(msg *redis.Message) {
	creatorID := strings.TrimPrefix(msg.Channel, r.prefix)
	if creatorID == "" || creatorID == msg.Channel {
		return
	}

	var ev model.Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		r.logger.Warn("不正な中継イベントを破棄しました",
			slog.String("channel", msg.Channel),
			slog.String("error", err.Error()),
		)
		return
	}
	if r.local == nil {
		return
	}

	// 初めて受信するクリエイターは直前を知らないため、1番以外なら欠落ありとみなす
	origin := int64(ev.Sequence)
	last, known := r.lastOrigin[creatorID]
	if (known && origin != last+1) || (!known && origin != 1) {
		r.logger.Info("中継イベントの通し番号が飛んだため欠番を作ります",
			slog.String("creator_id", creatorID),
			slog.Int64("last_origin_sequence", last),
			slog.Int64("origin_sequence", origin),
		)
		r.local.MarkGap(creatorID)
	}
	r.lastOrigin[creatorID] = origin

	ev.Sequence = 0
	r.local.Publish(creatorID, ev)
}

var _ Publisher = (*RedisRelay)(nil)
