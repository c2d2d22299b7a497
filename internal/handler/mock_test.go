package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/votebox/internal/item"
	"github.com/hitoshi/votebox/internal/middleware"
	"github.com/hitoshi/votebox/internal/model"
	"github.com/hitoshi/votebox/internal/worker/autoplay"
)

// --- モック ---

type mockQueueService struct {
	getQueueFn func(ctx context.Context, creatorID, userID string) (*model.Queue, error)
}

func (m *mockQueueService) GetQueue(ctx context.Context, creatorID, userID string) (*model.Queue, error) {
	return m.getQueueFn(ctx, creatorID, userID)
}

type mockVoteService struct {
	upvoteFn   func(ctx context.Context, creatorID, itemID, userID string) (*model.VoteResult, error)
	downvoteFn func(ctx context.Context, creatorID, itemID, userID string) (*model.VoteResult, error)
}

func (m *mockVoteService) Upvote(ctx context.Context, creatorID, itemID, userID string) (*model.VoteResult, error) {
	return m.upvoteFn(ctx, creatorID, itemID, userID)
}

func (m *mockVoteService) Downvote(ctx context.Context, creatorID, itemID, userID string) (*model.VoteResult, error) {
	return m.downvoteFn(ctx, creatorID, itemID, userID)
}

type mockPlaybackService struct {
	selectNextFn func(ctx context.Context, creatorID, actingUserID string, expectedVersion *int64) (*model.Advance, error)
	getCurrentFn func(ctx context.Context, creatorID string) (*model.CurrentItem, error)
}

func (m *mockPlaybackService) SelectNext(ctx context.Context, creatorID, actingUserID string, expectedVersion *int64) (*model.Advance, error) {
	return m.selectNextFn(ctx, creatorID, actingUserID, expectedVersion)
}

func (m *mockPlaybackService) GetCurrent(ctx context.Context, creatorID string) (*model.CurrentItem, error) {
	return m.getCurrentFn(ctx, creatorID)
}

type mockItemService struct {
	createItemFn     func(ctx context.Context, creatorID, sourceRef string, submitter item.Submitter) (*model.Item, error)
	removeItemFn     func(ctx context.Context, creatorID, actingUserID, itemID string) error
	historyFn        func(ctx context.Context, creatorID string, limit int) ([]model.Item, error)
	importPlaylistFn func(ctx context.Context, creatorID string, actor item.Submitter, playlistURL string) (*item.ImportResult, error)
}

func (m *mockItemService) CreateItem(ctx context.Context, creatorID, sourceRef string, submitter item.Submitter) (*model.Item, error) {
	return m.createItemFn(ctx, creatorID, sourceRef, submitter)
}

func (m *mockItemService) RemoveItem(ctx context.Context, creatorID, actingUserID, itemID string) error {
	return m.removeItemFn(ctx, creatorID, actingUserID, itemID)
}

func (m *mockItemService) History(ctx context.Context, creatorID string, limit int) ([]model.Item, error) {
	return m.historyFn(ctx, creatorID, limit)
}

func (m *mockItemService) ImportPlaylist(ctx context.Context, creatorID string, actor item.Submitter, playlistURL string) (*item.ImportResult, error) {
	return m.importPlaylistFn(ctx, creatorID, actor, playlistURL)
}

type mockAutoplay struct {
	scheduleFn func(ctx context.Context, creatorID, requestedBy string, expectedVersion int64, delay time.Duration) (*autoplay.Reservation, error)
}

func (m *mockAutoplay) Schedule(ctx context.Context, creatorID, requestedBy string, expectedVersion int64, delay time.Duration) (*autoplay.Reservation, error) {
	return m.scheduleFn(ctx, creatorID, requestedBy, expectedVersion, delay)
}

// mockSessionFinder はトークンをそのままユーザーIDとして扱う。
// "token-<userID>" 形式のトークンのみ有効。
type mockSessionFinder struct{}

func (mockSessionFinder) FindByID(_ context.Context, id string) (*model.Session, error) {
	userID, ok := strings.CutPrefix(id, "token-")
	if !ok {
		return nil, nil
	}
	return &model.Session{ID: id, UserID: userID, DisplayName: "name-" + userID}, nil
}

// --- ヘルパー ---

func newTestDeps(t *testing.T) *RouterDeps {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(600, 600))
	t.Cleanup(rl.Stop)
	return &RouterDeps{
		SessionFinder:     mockSessionFinder{},
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		QueueService:      &mockQueueService{},
		VoteService:       &mockVoteService{},
		PlaybackService:   &mockPlaybackService{},
		ItemService:       &mockItemService{},
	}
}

// doAs はuserIDのBearerトークンでリクエストを送る。userIDが空の場合は認証しない。
func doAs(t *testing.T, h http.Handler, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer token-"+userID)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func sampleItem(id string, upvotes int) model.Item {
	return model.Item{
		ID:          id,
		CreatorID:   "creator-1",
		SourceType:  model.SourceTypeYouTube,
		SourceURL:   "https://www.youtube.com/watch?v=" + id,
		SourceID:    id,
		Title:       "title " + id,
		SubmittedBy: "Alice",
		Status:      model.ItemStatusQueued,
		UpvoteCount: upvotes,
		VoteVersion: int64(upvotes),
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}
