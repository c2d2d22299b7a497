package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/votebox/internal/metrics"
	"github.com/hitoshi/votebox/internal/middleware"
	"github.com/hitoshi/votebox/internal/realtime"
)

// HealthChecker はヘルスチェック時に依存先の疎通を確認する。
type HealthChecker func(ctx context.Context) error

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig

	// キュー・投票・再生
	QueueService    QueueServiceInterface
	VoteService     VoteServiceInterface
	PlaybackService PlaybackServiceInterface
	ItemService     ItemServiceInterface
	Autoplay        AutoplaySchedulerInterface // nilの場合は自動再生を受け付けない

	// リアルタイム配信
	Hub          *realtime.Hub
	MemberBuffer int

	// 運用
	Metrics  metrics.MetricsCollector
	Gatherer prometheus.Gatherer
	Health   HealthChecker
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Metrics → Logging → CORS
//	  → Session → CSRF → RateLimit(General)
//
// /health, /metrics, /api/csrf-token はセッション不要。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Discard{}
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(metrics.Middleware(collector))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	queueHandler := NewQueueHandler(deps.QueueService)
	voteHandler := NewVoteHandler(deps.VoteService)
	playbackHandler := NewPlaybackHandler(deps.PlaybackService, deps.Autoplay)
	itemHandler := NewItemHandler(deps.ItemService)

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler(deps.Health))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}
	r.Handle("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/creators/{creatorId}", func(r chi.Router) {
			r.Get("/queue", queueHandler.GetQueue)
			r.Get("/current", playbackHandler.GetCurrent)
			r.Get("/history", itemHandler.History)

			// 投稿系は投稿専用レート制限を追加
			r.With(deps.RateLimiter.SubmissionMiddleware()).Post("/items", itemHandler.CreateItem)
			r.With(deps.RateLimiter.SubmissionMiddleware()).Post("/import", itemHandler.ImportPlaylist)

			r.Route("/items/{itemId}", func(r chi.Router) {
				r.Delete("/", itemHandler.DeleteItem)
				r.Post("/upvote", voteHandler.Upvote)
				r.Post("/downvote", voteHandler.Downvote)
			})

			r.Post("/next", playbackHandler.SelectNext)
			r.Post("/autoplay", playbackHandler.ScheduleAutoplay)

			if deps.Hub != nil {
				wsHandler := NewWSHandler(deps.Hub, deps.CORSAllowedOrigin, deps.MemberBuffer, logger)
				r.Get("/ws", wsHandler.Subscribe)
			}
		})
	})

	return r
}

// healthHandler は依存先の疎通を確認し、結果をJSONで返す。
func healthHandler(check HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				slog.Warn("ヘルスチェックに失敗しました", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
