package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/votebox/internal/model"
)

// QueueServiceInterface はキューハンドラーが必要とするサービスインターフェース。
type QueueServiceInterface interface {
	// GetQueue はランキング済みキューと再生中アイテムを返す。
	// userIDが指定された場合は各アイテムの投票状態を含める。
	GetQueue(ctx context.Context, creatorID, userID string) (*model.Queue, error)
}

// QueueHandler はキュー参照のHTTPハンドラー。
type QueueHandler struct {
	service QueueServiceInterface
}

// NewQueueHandler はQueueHandlerを生成する。
func NewQueueHandler(service QueueServiceInterface) *QueueHandler {
	return &QueueHandler{service: service}
}

// queueResponse はキュー取得のAPIレスポンス。
type queueResponse struct {
	CreatorID string               `json:"creator_id"`
	Current   currentResponse      `json:"current"`
	Items     []queueEntryResponse `json:"items"`
}

// GetQueue はクリエイターのキューを取得する。
// GET /api/creators/{creatorId}/queue
func (h *QueueHandler) GetQueue(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	creatorID := chi.URLParam(r, "creatorId")

	q, err := h.service.GetQueue(r.Context(), creatorID, userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := queueResponse{
		CreatorID: q.CreatorID,
		Current:   toCurrentResponse(q.Current),
		Items:     make([]queueEntryResponse, len(q.Entries)),
	}
	for i := range q.Entries {
		resp.Items[i] = queueEntryResponse{
			itemResponse: toItemResponse(&q.Entries[i].Item),
			HasVoted:     q.Entries[i].HasVoted,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
