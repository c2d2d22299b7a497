package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hitoshi/votebox/internal/middleware"
	"github.com/hitoshi/votebox/internal/realtime"
)

// WSHandler はクリエイターのルームへのWebSocket接続を受け付ける。
type WSHandler struct {
	hub        *realtime.Hub
	upgrader   websocket.Upgrader
	bufferSize int
	logger     *slog.Logger
}

// NewWSHandler はWSHandlerを生成する。
// allowedOriginsはCORSと同じカンマ区切りの指定で、空でない場合はOriginヘッダーが
// いずれかと一致する接続のみ受け付ける。Originを送らないネイティブクライアントは許可する。
func NewWSHandler(hub *realtime.Hub, allowedOrigins string, bufferSize int, logger *slog.Logger) *WSHandler {
	origins := middleware.ParseOrigins(allowedOrigins)
	h := &WSHandler{
		hub:        hub,
		bufferSize: bufferSize,
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || len(origins) == 0 || origins.Allows(origin)
		},
	}
	return h
}

// Subscribe はWebSocketにアップグレードし、切断されるまでルームイベントを配信する。
// 最初のフレームはwelcomeで、ルームの現在のシーケンス番号を含む。
// GET /api/creators/{creatorId}/ws
func (h *WSHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	creatorID := chi.URLParam(r, "creatorId")

	// Upgradeは失敗時にエラーレスポンスを書き込み済み
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocketへのアップグレードに失敗しました",
			slog.String("creator_id", creatorID),
			slog.String("error", err.Error()),
		)
		return
	}

	member := realtime.NewWSMember(conn, userID, h.bufferSize, h.logger)
	if err := member.Serve(h.hub, creatorID); err != nil {
		h.logger.Warn("ルームへの参加に失敗しました",
			slog.String("creator_id", creatorID),
			slog.String("error", err.Error()),
		)
	}
}
