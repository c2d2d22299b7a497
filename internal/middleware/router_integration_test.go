package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/votebox/internal/model"
)

// newIntegrationRouter は本番と同じ順序でミドルウェアを積んだルーターを返す。
//
//	Recovery → SecurityHeaders → Logging → CORS → Session → CSRF → RateLimit(General)
//
// 投稿ルートにはさらにSubmissionレート制限を掛ける。
func newIntegrationRouter(t *testing.T, logs *bytes.Buffer) http.Handler {
	t.Helper()

	repo := &mockSessionRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			if id == "viewer-session" {
				return &model.Session{
					ID:          id,
					UserID:      "viewer-1",
					DisplayName: "Viewer",
					ExpiresAt:   time.Now().Add(time.Hour),
				}, nil
			}
			return nil, nil
		},
	}
	rl := NewRateLimiter(testRateConfig(100, 1))
	t.Cleanup(rl.Stop)

	logger := slog.New(slog.NewJSONHandler(logs, nil))
	csrf := CSRFConfig{}

	r := chi.NewRouter()
	r.Use(NewRecoveryMiddleware(logger))
	r.Use(NewSecurityHeadersMiddleware())
	r.Use(NewLoggingMiddleware(logger))
	r.Use(NewCORSMiddleware("http://localhost:3000"))

	r.Get("/api/csrf-token", NewCSRFTokenHandler(csrf).ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(NewSessionMiddleware(repo))
		r.Use(NewCSRFMiddleware(csrf))
		r.Use(rl.GeneralMiddleware())

		echo := func(w http.ResponseWriter, r *http.Request) {
			userID, _ := UserIDFromContext(r.Context())
			json.NewEncoder(w).Encode(map[string]string{
				"user_id":      userID,
				"display_name": DisplayNameFromContext(r.Context()),
				"creator_id":   chi.URLParam(r, "creatorId"),
				"item_id":      chi.URLParam(r, "itemId"),
			})
		}

		r.Get("/api/creators/{creatorId}/queue", echo)
		r.Post("/api/creators/{creatorId}/items/{itemId}/upvote", echo)
		r.With(rl.SubmissionMiddleware()).Post("/api/creators/{creatorId}/items", echo)
		r.Post("/api/creators/{creatorId}/next", func(w http.ResponseWriter, r *http.Request) {
			panic("selection exploded")
		})
	})

	return r
}

func TestRouterIntegration_MiddlewareChain(t *testing.T) {
	withSession := func(req *http.Request) { req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "viewer-session"}) }
	withCSRF := func(req *http.Request) {
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "csrf-1"})
		req.Header.Set(csrfHeaderName, "csrf-1")
	}
	withBearer := func(req *http.Request) { req.Header.Set("Authorization", "Bearer viewer-session") }

	tests := []struct {
		name       string
		method     string
		path       string
		setup      []func(*http.Request)
		wantStatus int
		wantItemID string
	}{
		{"CSRFトークン取得は認証不要", http.MethodGet, "/api/csrf-token", nil, http.StatusOK, ""},
		{"キュー取得はセッションのみで通る", http.MethodGet, "/api/creators/creator-1/queue", []func(*http.Request){withSession}, http.StatusOK, ""},
		{"キュー取得はセッションなしで401", http.MethodGet, "/api/creators/creator-1/queue", nil, http.StatusUnauthorized, ""},
		{"投票はセッションとCSRFで通る", http.MethodPost, "/api/creators/creator-1/items/item-1/upvote", []func(*http.Request){withSession, withCSRF}, http.StatusOK, "item-1"},
		{"投票はBearerならCSRF不要", http.MethodPost, "/api/creators/creator-1/items/item-2/upvote", []func(*http.Request){withBearer}, http.StatusOK, "item-2"},
		{"投票はCSRFなしで403", http.MethodPost, "/api/creators/creator-1/items/item-1/upvote", []func(*http.Request){withSession}, http.StatusForbidden, ""},
		{"投票はセッションなしで401（CSRFより先に判定）", http.MethodPost, "/api/creators/creator-1/items/item-1/upvote", nil, http.StatusUnauthorized, ""},
		{"ハンドラーのpanicは500", http.MethodPost, "/api/creators/creator-1/next", []func(*http.Request){withBearer}, http.StatusInternalServerError, ""},
	}

	var logs bytes.Buffer
	r := newIntegrationRouter(t, &logs)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			for _, fn := range tt.setup {
				fn(req)
			}
			w := httptest.NewRecorder()

			r.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body=%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			// 全てのレスポンスにセキュリティヘッダーとCORSヘッダーが付く
			if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
				t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
				t.Errorf("Access-Control-Allow-Origin = %q", got)
			}
			if tt.wantItemID == "" {
				return
			}
			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if body["user_id"] != "viewer-1" || body["creator_id"] != "creator-1" || body["item_id"] != tt.wantItemID {
				t.Errorf("body = %v, want viewer-1/creator-1/%s", body, tt.wantItemID)
			}
			if body["display_name"] != "Viewer" {
				t.Errorf("display_name = %q, want Viewer", body["display_name"])
			}
		})
	}
}

func TestRouterIntegration_SubmissionLimitIsPerUser(t *testing.T) {
	var logs bytes.Buffer
	r := newIntegrationRouter(t, &logs)

	submit := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/creators/creator-1/items", nil)
		req.Header.Set("Authorization", "Bearer viewer-session")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if got := submit(); got != http.StatusOK {
		t.Fatalf("1回目の投稿: status = %d, want 200", got)
	}
	if got := submit(); got != http.StatusTooManyRequests {
		t.Errorf("2回目の投稿: status = %d, want 429", got)
	}

	// 投票は投稿の制限を受けない
	req := httptest.NewRequest(http.MethodPost, "/api/creators/creator-1/items/item-1/upvote", nil)
	req.Header.Set("Authorization", "Bearer viewer-session")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("投票: status = %d, want 200", w.Code)
	}
}
