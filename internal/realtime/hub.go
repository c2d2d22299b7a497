// Package realtime はクリエイターごとのルームへのイベント配信を提供する。
//
// Hubはルームごとに単調増加のシーケンス番号を割り当て、Publishされた順に
// メンバーへ配信する。配信は最大1回で、送信バッファが満杯のメンバーへのイベントは破棄される。
// 欠落はクライアントがシーケンス番号の飛びで検出し、全量再取得で回復する。
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/hitoshi/votebox/internal/model"
)

// ErrHubClosed はClose後のHubに参加しようとした場合のエラー。
var ErrHubClosed = errors.New("realtime: hub is closed")

// Member はルームに参加する受信者。
type Member interface {
	// Send はメッセージを非ブロッキングで送信キューに積む。積めなかった場合はfalseを返す。
	Send(msg []byte) bool
	// Close は送信を終了する。複数回呼んでもよい。
	Close()
}

// Publisher はルームへのイベント発行を抽象化する。
// HubとRedisRelayが実装し、サービス層は発行先がどちらかを意識しない。
type Publisher interface {
	Publish(creatorID string, ev model.Event)
}

// Metrics はHubが記録するメトリクス。
type Metrics interface {
	RecordBroadcast(kind string)
	RecordBroadcastDropped(reason string)
	AddRoomMembers(delta int)
}

// HubConfig はHubの設定。
type HubConfig struct {
	// InboxSize はディスパッチ待ちイベントのバッファ数。
	InboxSize int
}

type room struct {
	seq     uint64
	members map[Member]struct{}
}

type envelope struct {
	creatorID  string
	kind       model.EventKind
	msg        []byte
	recipients []Member
}

// Hub はルームメンバーの管理とイベント配信を行う。
// NewHubで生成し、Runを別goroutineで起動し、Closeで停止する。
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]*room
	closed bool

	inbox   chan envelope
	done    chan struct{}
	logger  *slog.Logger
	metrics Metrics
}

// NewHub はHubを生成する。
func NewHub(cfg HubConfig, logger *slog.Logger, metrics Metrics) *Hub {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	return &Hub{
		rooms:   make(map[string]*room),
		inbox:   make(chan envelope, cfg.InboxSize),
		done:    make(chan struct{}),
		logger:  logger,
		metrics: metrics,
	}
}

// Run はディスパッチループを実行する。ctxのキャンセルまたはCloseで終了する。
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	h.logger.Info("リアルタイムハブを開始しました")

	for {
		select {
		case <-ctx.Done():
			h.Close()
			h.logger.Info("リアルタイムハブを停止しました")
			return
		case env, ok := <-h.inbox:
			if !ok {
				h.logger.Info("リアルタイムハブを停止しました")
				return
			}
			h.dispatch(env)
		}
	}
}

// Done はRunが終了すると閉じられるチャネルを返す。
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Join はメンバーをルームに追加し、welcomeフレームで現在のシーケンス番号を伝える。
// 返り値はそのシーケンス番号で、以降に配信されるイベントはこれより大きい番号を持つ。
func (h *Hub) Join(creatorID string, m Member) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, ErrHubClosed
	}

	r, ok := h.rooms[creatorID]
	if !ok {
		r = &room{members: make(map[Member]struct{})}
		h.rooms[creatorID] = r
	}
	if _, exists := r.members[m]; exists {
		return r.seq, nil
	}
	r.members[m] = struct{}{}
	h.metrics.AddRoomMembers(1)

	welcome, err := json.Marshal(model.Event{Kind: model.EventWelcome, Sequence: r.seq})
	if err == nil && !m.Send(welcome) {
		h.metrics.RecordBroadcastDropped("welcome")
	}

	h.logger.Debug("ルームにメンバーが参加しました",
		slog.String("creator_id", creatorID),
		slog.Int("members", len(r.members)),
		slog.Uint64("sequence", r.seq),
	)
	return r.seq, nil
}

// Leave はメンバーをルームから外す。参加していない場合は何もしない。
// 空になったルームは破棄され、シーケンス番号もリセットされる。
func (h *Hub) Leave(creatorID string, m Member) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[creatorID]
	if !ok {
		return
	}
	if _, exists := r.members[m]; !exists {
		return
	}
	delete(r.members, m)
	h.metrics.AddRoomMembers(-1)

	if len(r.members) == 0 {
		delete(h.rooms, creatorID)
	}
}

// Publish はイベントにシーケンス番号を割り当て、ディスパッチキューに積む。
// 呼び出し元をブロックしない。メンバーのいないルームへのイベントは捨てる。
// キューが満杯の場合もイベントは捨てられるが、番号は消費されるためクライアントは欠落を検出できる。
func (h *Hub) Publish(creatorID string, ev model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	r, ok := h.rooms[creatorID]
	if !ok {
		return
	}

	r.seq++
	ev.Sequence = r.seq
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("ルームイベントのエンコードに失敗しました",
			slog.String("creator_id", creatorID),
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
		return
	}

	recipients := make([]Member, 0, len(r.members))
	for m := range r.members {
		recipients = append(recipients, m)
	}

	select {
	case h.inbox <- envelope{creatorID: creatorID, kind: ev.Kind, msg: msg, recipients: recipients}:
	default:
		h.metrics.RecordBroadcastDropped("inbox_full")
		h.logger.Warn("ハブのキューが満杯のためルームイベントを破棄しました",
			slog.String("creator_id", creatorID),
			slog.Uint64("sequence", ev.Sequence),
		)
	}
}

// dispatch はPublish時点のメンバーへメッセージを送る。送信キューが満杯のメンバーは飛ばす。
func (h *Hub) dispatch(env envelope) {
	h.metrics.RecordBroadcast(string(env.kind))
	for _, m := range env.recipients {
		if !m.Send(env.msg) {
			h.metrics.RecordBroadcastDropped("slow_member")
		}
	}
}

// MarkGap はルームのシーケンス番号を1つ消費する。
// ルームの外で失われたイベントがあったときに呼び、次のイベントでメンバーに欠落を検出させる。
// ルームが無い場合は何もしない（参加時のwelcomeで再同期されるため）。
func (h *Hub) MarkGap(creatorID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[creatorID]; ok {
		r.seq++
	}
}

// MarkAllGaps は全ルームのシーケンス番号を1つずつ消費する。
func (h *Hub) MarkAllGaps() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range h.rooms {
		r.seq++
	}
}

// Close は全メンバーの送信を終了し、以降のJoinとPublishを無効にする。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for creatorID, r := range h.rooms {
		for m := range r.members {
			m.Close()
			h.metrics.AddRoomMembers(-1)
		}
		delete(h.rooms, creatorID)
	}
	close(h.inbox)
}

// RoomSize はルームの現在のメンバー数を返す。
func (h *Hub) RoomSize(creatorID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[creatorID]; ok {
		return len(r.members)
	}
	return 0
}

var (
	_ Publisher  = (*Hub)(nil)
	_ LocalRooms = (*Hub)(nil)
)
