// Package client はルームを購読するクライアント側の整合処理を提供する。
// 投票を楽観的に反映し、サーバーの確定値とイベントで上書きし、
// シーケンス番号の欠落を検出したら全量を取得し直す。
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/votebox/internal/model"
	"github.com/hitoshi/votebox/internal/queue"
)

// VoteState はクライアントから見たアイテムごとの投票状態。
type VoteState int

const (
	// StateIdle はサーバーの値をそのまま表示している状態。
	StateIdle VoteState = iota
	// StatePendingVote は楽観的に反映した投票がサーバーの応答待ちの状態。
	StatePendingVote
	// StateConfirmed はサーバーの応答またはイベントで値が確定した状態。
	StateConfirmed
)

func (s VoteState) String() string {
	switch s {
	case StatePendingVote:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	default:
		return "idle"
	}
}

// API はReconcilerが利用するサーバーAPI。
type API interface {
	GetQueue(ctx context.Context, creatorID string) (*model.Queue, error)
	Upvote(ctx context.Context, creatorID, itemID string) (*model.VoteResult, error)
	Downvote(ctx context.Context, creatorID, itemID string) (*model.VoteResult, error)
}

// ItemView は表示用のアイテム状態。
type ItemView struct {
	model.Item
	HasVoted bool
	State    VoteState
}

// View はある時点のルームの表示状態。
type View struct {
	CreatorID       string
	Current         *model.Item
	PlaybackVersion int64
	Items           []ItemView // ランキング順
	Sequence        uint64
	Synced          bool
}

type itemState struct {
	item     model.Item
	hasVoted bool
	state    VoteState
	// token は最新の投票操作の番号。古い操作の応答は新しい操作に取って代わられる。
	token uint64
}

// Reconciler は1つのルームのクライアント側状態を保持する。
// HandleEventは単一のgoroutine（通常はSubscriber）から呼び出すこと。
// Upvote・Downvote・Viewは任意のgoroutineから呼び出してよい。
type Reconciler struct {
	api       API
	creatorID string
	userID    string
	logger    *slog.Logger

	mu              sync.Mutex
	items           map[string]*itemState
	current         *model.Item
	playbackVersion int64
	lastSeq         uint64
	synced          bool
	nextToken       uint64
	resyncGen       uint64
	appliedGen      uint64
	resyncs         int
	onChange        func(View)
}

// NewReconciler はReconcilerを生成する。userIDは投票者としての自分のID。
func NewReconciler(api API, creatorID, userID string, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		api:       api,
		creatorID: creatorID,
		userID:    userID,
		logger:    logger,
		items:     make(map[string]*itemState),
	}
}

// OnChange は状態が変わるたびに呼ばれるコールバックを設定する。
// コールバックはロック外で呼ばれる。
func (r *Reconciler) OnChange(fn func(View)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Resync はキュー全体をサーバーから取得し直し、ローカル状態を置き換える。
// 並行して複数回呼ばれた場合、最後に開始したものより古い結果は捨てる。
func (r *Reconciler) Resync(ctx context.Context) error {
	r.mu.Lock()
	r.resyncGen++
	gen := r.resyncGen
	r.resyncs++
	r.mu.Unlock()

	q, err := r.api.GetQueue(ctx, r.creatorID)
	if err != nil {
		return fmt.Errorf("resync failed: %w", err)
	}

	r.mu.Lock()
	if gen < r.appliedGen {
		r.mu.Unlock()
		return nil
	}
	r.appliedGen = gen
	r.applySnapshot(q)
	r.synced = true
	view, notify := r.viewLocked(), r.onChange
	r.mu.Unlock()

	r.logger.Debug("キューを再同期しました",
		slog.String("creator_id", r.creatorID),
		slog.Int("items", len(view.Items)),
		slog.Uint64("sequence", view.Sequence),
	)
	if notify != nil {
		notify(view)
	}
	return nil
}

// applySnapshot はサーバーの値で状態を置き換える。
// 応答待ちの投票は状態と番号を引き継ぐが、表示値はサーバーの値にする。
func (r *Reconciler) applySnapshot(q *model.Queue) {
	next := make(map[string]*itemState, len(q.Entries))
	for _, e := range q.Entries {
		st := &itemState{item: e.Item, hasVoted: e.HasVoted, state: StateConfirmed}
		if old, ok := r.items[e.ID]; ok {
			st.token = old.token
			if old.state == StatePendingVote {
				st.state = StatePendingVote
			}
		}
		next[e.ID] = st
	}
	r.items = next

	r.current = nil
	r.playbackVersion = 0
	if q.Current != nil {
		r.playbackVersion = q.Current.Version
		if q.Current.Item != nil {
			cur := *q.Current.Item
			r.current = &cur
		}
	}
}

// HandleEvent はルームイベントを適用する。
// welcomeを受け取った場合、シーケンス番号の欠落を検出した場合、
// 詳細を持たないitem-addedを受け取った場合はイベントを捨てて全量を再取得する。
func (r *Reconciler) HandleEvent(ctx context.Context, ev model.Event) error {
	r.mu.Lock()

	if ev.Kind == model.EventWelcome {
		// 再接続時は増分イベントを信用する前に必ず全量を取得する
		r.lastSeq = ev.Sequence
		r.synced = false
		r.mu.Unlock()
		return r.Resync(ctx)
	}

	if !r.synced || ev.Sequence != r.lastSeq+1 {
		r.logger.Info("イベントを破棄して再同期します",
			slog.String("creator_id", r.creatorID),
			slog.Uint64("last_sequence", r.lastSeq),
			slog.Uint64("sequence", ev.Sequence),
			slog.Bool("synced", r.synced),
		)
		// 受信後に取得する全量はこのイベントまでの変更を含む
		if ev.Sequence > r.lastSeq {
			r.lastSeq = ev.Sequence
		}
		r.synced = false
		r.mu.Unlock()
		return r.Resync(ctx)
	}

	r.lastSeq = ev.Sequence
	if ev.Kind == model.EventItemAdded {
		r.mu.Unlock()
		return r.Resync(ctx)
	}

	r.applyEvent(ev)
	view, notify := r.viewLocked(), r.onChange
	r.mu.Unlock()

	if notify != nil {
		notify(view)
	}
	return nil
}

func (r *Reconciler) applyEvent(ev model.Event) {
	switch ev.Kind {
	case model.EventVoteChanged:
		st, ok := r.items[ev.ItemID]
		if !ok {
			return
		}
		// 自分の投票応答で既に新しい値を反映している場合は古いイベントを無視する
		if ev.ItemVersion != 0 && ev.ItemVersion <= st.item.VoteVersion {
			return
		}
		st.item.UpvoteCount = ev.Upvotes
		if ev.ItemVersion != 0 {
			st.item.VoteVersion = ev.ItemVersion
		}
		if ev.ActingUserID == r.userID && ev.HasVoted != nil && st.state != StatePendingVote {
			st.hasVoted = *ev.HasVoted
			st.state = StateConfirmed
		}

	case model.EventNowPlayingChanged:
		if ev.PlaybackVer != 0 && ev.PlaybackVer <= r.playbackVersion {
			return
		}
		if st, ok := r.items[ev.ItemID]; ok {
			cur := st.item
			cur.Status = model.ItemStatusPlaying
			r.current = &cur
			delete(r.items, ev.ItemID)
		} else if ev.ItemID != "" {
			r.current = &model.Item{ID: ev.ItemID, CreatorID: r.creatorID, Status: model.ItemStatusPlaying, UpvoteCount: ev.Upvotes}
		}
		delete(r.items, ev.PreviousItemID)
		r.playbackVersion = ev.PlaybackVer

	case model.EventItemRemoved:
		delete(r.items, ev.ItemID)
		if r.current != nil && r.current.ID == ev.ItemID {
			r.current = nil
		}
	}
}

// Upvote は投票を楽観的に反映してからサーバーに送る。
func (r *Reconciler) Upvote(ctx context.Context, itemID string) error {
	return r.vote(ctx, itemID, true)
}

// Downvote は投票の取り消しを楽観的に反映してからサーバーに送る。
func (r *Reconciler) Downvote(ctx context.Context, itemID string) error {
	return r.vote(ctx, itemID, false)
}

func (r *Reconciler) vote(ctx context.Context, itemID string, up bool) error {
	r.mu.Lock()
	st, ok := r.items[itemID]
	if !ok {
		r.mu.Unlock()
		return model.NewItemNotFoundError(itemID)
	}
	r.nextToken++
	token := r.nextToken
	st.token = token
	if st.hasVoted != up {
		if up {
			st.item.UpvoteCount++
		} else if st.item.UpvoteCount > 0 {
			st.item.UpvoteCount--
		}
		st.hasVoted = up
	}
	st.state = StatePendingVote
	view, notify := r.viewLocked(), r.onChange
	r.mu.Unlock()

	if notify != nil {
		notify(view)
	}

	var res *model.VoteResult
	var err error
	if up {
		res, err = r.api.Upvote(ctx, r.creatorID, itemID)
	} else {
		res, err = r.api.Downvote(ctx, r.creatorID, itemID)
	}

	if err != nil {
		r.mu.Lock()
		if st, ok := r.items[itemID]; ok && st.token == token {
			st.state = StateIdle
		}
		r.mu.Unlock()

		// 楽観的な反映はサーバーの値で巻き戻す
		if rerr := r.Resync(ctx); rerr != nil {
			r.logger.Warn("投票失敗後の再同期に失敗しました",
				slog.String("item_id", itemID),
				slog.String("error", rerr.Error()),
			)
		}
		return err
	}

	r.mu.Lock()
	if st, ok := r.items[itemID]; ok && st.token == token {
		// サーバーの値を常に優先する
		st.item.UpvoteCount = res.Upvotes
		st.hasVoted = res.HasVoted
		if res.Version > st.item.VoteVersion {
			st.item.VoteVersion = res.Version
		}
		st.state = StateConfirmed
	}
	view, notify = r.viewLocked(), r.onChange
	r.mu.Unlock()

	if notify != nil {
		notify(view)
	}
	return nil
}

// View は現在の表示状態を返す。
func (r *Reconciler) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked()
}

// ResyncCount はこれまでに開始した再同期の回数を返す。
func (r *Reconciler) ResyncCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resyncs
}

func (r *Reconciler) viewLocked() View {
	items := make([]model.Item, 0, len(r.items))
	for _, st := range r.items {
		it := st.item
		it.Status = model.ItemStatusQueued
		items = append(items, it)
	}

	ranked := queue.Rank(items)
	views := make([]ItemView, len(ranked))
	for i, it := range ranked {
		st := r.items[it.ID]
		views[i] = ItemView{Item: it, HasVoted: st.hasVoted, State: st.state}
	}

	v := View{
		CreatorID:       r.creatorID,
		PlaybackVersion: r.playbackVersion,
		Items:           views,
		Sequence:        r.lastSeq,
		Synced:          r.synced,
	}
	if r.current != nil {
		cur := *r.current
		v.Current = &cur
	}
	return v
}
