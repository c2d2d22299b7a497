package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/votebox/internal/item"
	"github.com/hitoshi/votebox/internal/middleware"
	"github.com/hitoshi/votebox/internal/model"
)

// ItemServiceInterface はアイテムハンドラーが必要とするサービスインターフェース。
type ItemServiceInterface interface {
	CreateItem(ctx context.Context, creatorID, sourceRef string, submitter item.Submitter) (*model.Item, error)
	RemoveItem(ctx context.Context, creatorID, actingUserID, itemID string) error
	History(ctx context.Context, creatorID string, limit int) ([]model.Item, error)
	ImportPlaylist(ctx context.Context, creatorID string, actor item.Submitter, playlistURL string) (*item.ImportResult, error)
}

// ItemHandler はキューアイテムのHTTPハンドラー。
type ItemHandler struct {
	service ItemServiceInterface
}

// NewItemHandler はItemHandlerを生成する。
func NewItemHandler(service ItemServiceInterface) *ItemHandler {
	return &ItemHandler{service: service}
}

// submitRequest はアイテム投稿・プレイリスト取り込みのリクエストボディ。
type submitRequest struct {
	URL string `json:"url"`
}

// historyResponse は履歴取得のAPIレスポンス。
type historyResponse struct {
	Items []itemResponse `json:"items"`
}

// importResponse はプレイリスト取り込みのAPIレスポンス。
type importResponse struct {
	Added   []itemResponse `json:"added"`
	Skipped int            `json:"skipped"`
}

// CreateItem はURLからアイテムを作成してキューに追加する。
// POST /api/creators/{creatorId}/items
func (h *ItemHandler) CreateItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}
	if req.URL == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidURLError("URLが指定されていません"))
		return
	}

	created, err := h.service.CreateItem(r.Context(), chi.URLParam(r, "creatorId"), req.URL, submitterFrom(r, userID))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toItemResponse(created))
}

// DeleteItem はアイテムをキューから削除する。クリエイター本人のみ実行できる。
// DELETE /api/creators/{creatorId}/items/{itemId}
func (h *ItemHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	err := h.service.RemoveItem(r.Context(), chi.URLParam(r, "creatorId"), userID, chi.URLParam(r, "itemId"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// History は再生済みを含むアイテムを新しい順に返す。クリエイター本人のみ参照できる。
// GET /api/creators/{creatorId}/history?limit=N
func (h *ItemHandler) History(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := requireCreator(w, r)
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("limitは整数で指定してください"))
			return
		}
		limit = n
	}

	items, err := h.service.History(r.Context(), creatorID, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := historyResponse{Items: make([]itemResponse, len(items))}
	for i := range items {
		resp.Items[i] = toItemResponse(&items[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

// ImportPlaylist はYouTubeのプレイリストフィードからアイテムを一括追加する。
// 途中で失敗した場合もそれまでに追加できたアイテムは保持され、エラーを返す。
// POST /api/creators/{creatorId}/import
func (h *ItemHandler) ImportPlaylist(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := requireCreator(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}
	if req.URL == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidURLError("URLが指定されていません"))
		return
	}

	result, err := h.service.ImportPlaylist(r.Context(), creatorID, submitterFrom(r, creatorID), req.URL)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := importResponse{Added: make([]itemResponse, len(result.Added)), Skipped: result.Skipped}
	for i, it := range result.Added {
		resp.Added[i] = toItemResponse(it)
	}
	writeJSON(w, http.StatusOK, resp)
}

func submitterFrom(r *http.Request, userID string) item.Submitter {
	return item.Submitter{UserID: userID, DisplayName: middleware.DisplayNameFromContext(r.Context())}
}
