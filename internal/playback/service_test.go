package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/votebox/internal/metrics"
	"github.com/hitoshi/votebox/internal/model"
	"github.com/hitoshi/votebox/internal/queue"
	"github.com/hitoshi/votebox/internal/repository"
)

// --- テスト用モック ---

// memPlaybackRepo はアイテムの状態遷移をメモリ上で再現するPlaybackRepository。
// Advanceはミューテックスで直列化され、行ロックを模倣する。
type memPlaybackRepo struct {
	mu        sync.Mutex
	items     map[string]*model.Item
	currentID string
	version   int64
	selected  bool
	advanceFn func(ctx context.Context) error // 割り込み用
}

func newMemPlaybackRepo(items ...model.Item) *memPlaybackRepo {
	r := &memPlaybackRepo{items: make(map[string]*model.Item)}
	for i := range items {
		it := items[i]
		r.items[it.ID] = &it
	}
	return r
}

func (r *memPlaybackRepo) Advance(ctx context.Context, creatorID string, expectedVersion *int64, now time.Time) (*model.Advance, error) {
	if r.advanceFn != nil {
		if err := r.advanceFn(ctx); err != nil {
			return nil, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if expectedVersion != nil && *expectedVersion != r.version {
		return nil, repository.ErrVersionConflict
	}

	all := make([]model.Item, 0, len(r.items))
	for _, it := range r.items {
		all = append(all, *it)
	}
	ranked := queue.Rank(all)
	if len(ranked) == 0 {
		return nil, repository.ErrEmptyQueue
	}
	head := r.items[ranked[0].ID]

	prev := r.currentID
	if prev != "" {
		p := r.items[prev]
		p.Status = model.ItemStatusPlayed
		playedAt := now
		p.PlayedAt = &playedAt
	}
	head.Status = model.ItemStatusPlaying
	r.currentID = head.ID
	r.version++
	r.selected = true

	cur := *head
	return &model.Advance{CreatorID: creatorID, Current: &cur, PreviousItemID: prev, Version: r.version}, nil
}

func (r *memPlaybackRepo) FindCurrent(_ context.Context, creatorID string) (*model.CurrentItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.selected {
		return nil, nil
	}
	cur := *r.items[r.currentID]
	return &model.CurrentItem{CreatorID: creatorID, Item: &cur, Version: r.version}, nil
}

func (r *memPlaybackRepo) status(id string) model.ItemStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[id].Status
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordingPublisher) Publish(_ string, ev model.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

type countingCache struct {
	mu    sync.Mutex
	count int
}

func (c *countingCache) Invalidate(context.Context, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return nil
}

func newTestPlaybackService(repo repository.PlaybackRepository) (*PlaybackService, *recordingPublisher, *countingCache) {
	pub := &recordingPublisher{}
	c := &countingCache{}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	svc := NewPlaybackService(repo, c, pub, metrics.Discard{}, logger, time.Second)
	return svc, pub, c
}

func abcItems() []model.Item {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return []model.Item{
		{ID: "A", Status: model.ItemStatusQueued, UpvoteCount: 2, CreatedAt: t0.Add(time.Minute)},
		{ID: "B", Status: model.ItemStatusQueued, UpvoteCount: 2, CreatedAt: t0.Add(2 * time.Minute)},
		{ID: "C", Status: model.ItemStatusQueued, UpvoteCount: 1, CreatedAt: t0},
	}
}

// --- SelectNext ---

// TestPlaybackService_SelectNext_ABCScenario はA→Bの順に選択され、Aが次の選択時に再生済みになることをテストする。
func TestPlaybackService_SelectNext_ABCScenario(t *testing.T) {
	repo := newMemPlaybackRepo(abcItems()...)
	svc, pub, c := newTestPlaybackService(repo)
	ctx := context.Background()

	first, err := svc.SelectNext(ctx, "creator-1", "creator-1", nil)
	if err != nil {
		t.Fatalf("1回目のSelectNext: %v", err)
	}
	if first.Current.ID != "A" {
		t.Fatalf("current = %s, want A", first.Current.ID)
	}
	if first.PreviousItemID != "" {
		t.Errorf("previous = %q, want empty", first.PreviousItemID)
	}
	if s := repo.status("A"); s != model.ItemStatusPlaying {
		t.Errorf("A status = %s, want playing (not played until superseded)", s)
	}

	second, err := svc.SelectNext(ctx, "creator-1", "creator-1", nil)
	if err != nil {
		t.Fatalf("2回目のSelectNext: %v", err)
	}
	if second.Current.ID != "B" || second.PreviousItemID != "A" {
		t.Errorf("advance = %s (prev %s), want B (prev A)", second.Current.ID, second.PreviousItemID)
	}
	if s := repo.status("A"); s != model.ItemStatusPlayed {
		t.Errorf("A status = %s, want played", s)
	}
	if repo.items["A"].PlayedAt == nil {
		t.Error("A.PlayedAt should be set")
	}
	if second.Version != first.Version+1 {
		t.Errorf("version = %d, want %d", second.Version, first.Version+1)
	}

	if len(pub.events) != 2 {
		t.Fatalf("発行イベント数 = %d, want 2", len(pub.events))
	}
	ev := pub.events[1]
	if ev.Kind != model.EventNowPlayingChanged || ev.ItemID != "B" || ev.PreviousItemID != "A" || ev.PlaybackVer != second.Version {
		t.Errorf("event = %+v", ev)
	}
	if c.count != 2 {
		t.Errorf("invalidated = %d, want 2", c.count)
	}
}

// TestPlaybackService_SelectNext_EmptyQueueNoStateChange は空キューでEMPTY_QUEUEを返し状態を変えないことをテストする。
func TestPlaybackService_SelectNext_EmptyQueueNoStateChange(t *testing.T) {
	played := model.Item{ID: "old", Status: model.ItemStatusPlayed}
	repo := newMemPlaybackRepo(played)
	svc, pub, c := newTestPlaybackService(repo)

	_, err := svc.SelectNext(context.Background(), "creator-1", "creator-1", nil)
	if !model.HasErrorCode(err, model.ErrCodeEmptyQueue) {
		t.Fatalf("err = %v, want EMPTY_QUEUE", err)
	}
	if repo.version != 0 || repo.selected {
		t.Error("空キューで再生状態が変更された")
	}
	if len(pub.events) != 0 || c.count != 0 {
		t.Error("空キューでイベント発行またはキャッシュ無効化が行われた")
	}
}

// TestPlaybackService_SelectNext_LastItemThenEmpty は最後の1件の後は現在の再生を維持することをテストする。
func TestPlaybackService_SelectNext_LastItemThenEmpty(t *testing.T) {
	repo := newMemPlaybackRepo(model.Item{ID: "only", Status: model.ItemStatusQueued})
	svc, _, _ := newTestPlaybackService(repo)
	ctx := context.Background()

	if _, err := svc.SelectNext(ctx, "creator-1", "creator-1", nil); err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	_, err := svc.SelectNext(ctx, "creator-1", "creator-1", nil)
	if !model.HasErrorCode(err, model.ErrCodeEmptyQueue) {
		t.Fatalf("err = %v, want EMPTY_QUEUE", err)
	}
	if s := repo.status("only"); s != model.ItemStatusPlaying {
		t.Errorf("status = %s, want playing kept after empty selection", s)
	}
}

// TestPlaybackService_SelectNext_VersionConflict は期待バージョン不一致でCONFLICTを返すことをテストする。
func TestPlaybackService_SelectNext_VersionConflict(t *testing.T) {
	repo := newMemPlaybackRepo(abcItems()...)
	svc, pub, _ := newTestPlaybackService(repo)

	stale := int64(5)
	_, err := svc.SelectNext(context.Background(), "creator-1", "creator-1", &stale)
	if !model.HasErrorCode(err, model.ErrCodeConflict) {
		t.Fatalf("err = %v, want CONFLICT", err)
	}
	if len(pub.events) != 0 {
		t.Error("競合でイベントが発行された")
	}
}

// TestPlaybackService_SelectNext_ConcurrentSameVersionOneWins は同じ期待バージョンでの同時選択で1件だけが成功することをテストする。
func TestPlaybackService_SelectNext_ConcurrentSameVersionOneWins(t *testing.T) {
	repo := newMemPlaybackRepo(abcItems()...)
	svc, _, _ := newTestPlaybackService(repo)

	const callers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := int64(0)
			_, err := svc.SelectNext(context.Background(), "creator-1", "creator-1", &v)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case model.HasErrorCode(err, model.ErrCodeConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != callers-1 {
		t.Errorf("wins = %d conflicts = %d, want 1 and %d", wins, conflicts, callers-1)
	}
	if s := repo.status("A"); s != model.ItemStatusPlaying {
		t.Errorf("A status = %s, want playing", s)
	}
	if s := repo.status("B"); s != model.ItemStatusQueued {
		t.Errorf("B status = %s, want queued", s)
	}
}

// TestPlaybackService_SelectNext_Unavailable はストアのタイムアウトがUNAVAILABLEになることをテストする。
func TestPlaybackService_SelectNext_Unavailable(t *testing.T) {
	repo := newMemPlaybackRepo(abcItems()...)
	repo.advanceFn = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	svc := NewPlaybackService(repo, &countingCache{}, &recordingPublisher{}, metrics.Discard{}, logger, 20*time.Millisecond)

	_, err := svc.SelectNext(context.Background(), "creator-1", "creator-1", nil)
	if !model.HasErrorCode(err, model.ErrCodeUnavailable) {
		t.Errorf("err = %v, want UNAVAILABLE", err)
	}
}

func TestPlaybackService_SelectNext_PassesThroughUnknownErrors(t *testing.T) {
	want := errors.New("boom")
	repo := newMemPlaybackRepo()
	repo.advanceFn = func(context.Context) error { return want }
	svc, _, _ := newTestPlaybackService(repo)

	if _, err := svc.SelectNext(context.Background(), "creator-1", "creator-1", nil); !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

// --- GetCurrent ---

func TestPlaybackService_GetCurrent(t *testing.T) {
	repo := newMemPlaybackRepo(abcItems()...)
	svc, _, _ := newTestPlaybackService(repo)
	ctx := context.Background()

	cur, err := svc.GetCurrent(ctx, "creator-1")
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if cur.Item != nil || cur.Version != 0 {
		t.Errorf("current before selection = %+v, want empty", cur)
	}

	svc.SelectNext(ctx, "creator-1", "creator-1", nil)
	cur, err = svc.GetCurrent(ctx, "creator-1")
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if cur.Item == nil || cur.Item.ID != "A" || cur.Version != 1 {
		t.Errorf("current = %+v, want A version 1", cur)
	}
}
