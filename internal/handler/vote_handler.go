package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/votebox/internal/model"
)

// VoteServiceInterface は投票ハンドラーが必要とするサービスインターフェース。
type VoteServiceInterface interface {
	Upvote(ctx context.Context, creatorID, itemID, userID string) (*model.VoteResult, error)
	Downvote(ctx context.Context, creatorID, itemID, userID string) (*model.VoteResult, error)
}

// VoteHandler は投票のHTTPハンドラー。
type VoteHandler struct {
	service VoteServiceInterface
}

// NewVoteHandler はVoteHandlerを生成する。
func NewVoteHandler(service VoteServiceInterface) *VoteHandler {
	return &VoteHandler{service: service}
}

// voteResponse は投票結果のAPIレスポンス。
// 値は投票の書き込みと同じトランザクションで読み取った確定値で、
// クライアントは楽観的に表示した値をこれで上書きする。
type voteResponse struct {
	ItemID   string `json:"item_id"`
	Upvotes  int    `json:"upvotes"`
	HasVoted bool   `json:"has_voted"`
	Version  int64  `json:"version"`
}

// Upvote はアイテムに投票する。既に投票済みの場合も成功として現在値を返す。
// POST /api/creators/{creatorId}/items/{itemId}/upvote
func (h *VoteHandler) Upvote(w http.ResponseWriter, r *http.Request) {
	h.vote(w, r, h.service.Upvote)
}

// Downvote はアイテムへの投票を取り消す。投票していない場合も成功として現在値を返す。
// POST /api/creators/{creatorId}/items/{itemId}/downvote
func (h *VoteHandler) Downvote(w http.ResponseWriter, r *http.Request) {
	h.vote(w, r, h.service.Downvote)
}

func (h *VoteHandler) vote(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, creatorID, itemID, userID string) (*model.VoteResult, error)) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	res, err := op(r.Context(), chi.URLParam(r, "creatorId"), chi.URLParam(r, "itemId"), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, voteResponse{
		ItemID:   res.ItemID,
		Upvotes:  res.Upvotes,
		HasVoted: res.HasVoted,
		Version:  res.Version,
	})
}
