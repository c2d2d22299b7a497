package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/votebox/internal/middleware"
	"github.com/hitoshi/votebox/internal/model"
)

// --- レスポンス型 ---

// itemResponse はキューアイテムのAPIレスポンス。
type itemResponse struct {
	ID                string     `json:"id"`
	SourceType        string     `json:"source_type"`
	SourceURL         string     `json:"source_url"`
	SourceID          string     `json:"source_id"`
	Title             string     `json:"title"`
	SmallThumbnailURL string     `json:"small_thumbnail_url"`
	LargeThumbnailURL string     `json:"large_thumbnail_url"`
	SubmittedBy       string     `json:"submitted_by"`
	Status            string     `json:"status"`
	Upvotes           int        `json:"upvotes"`
	VoteVersion       int64      `json:"vote_version"`
	PlayedAt          *time.Time `json:"played_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// queueEntryResponse は呼び出しユーザーの投票状態を含むキュー要素。
type queueEntryResponse struct {
	itemResponse
	HasVoted bool `json:"has_voted"`
}

// currentResponse は再生中ポインタのAPIレスポンス。
type currentResponse struct {
	Item      *itemResponse `json:"item"`
	Version   int64         `json:"version"`
	UpdatedAt *time.Time    `json:"updated_at,omitempty"`
}

func toItemResponse(it *model.Item) itemResponse {
	return itemResponse{
		ID:                it.ID,
		SourceType:        it.SourceType,
		SourceURL:         it.SourceURL,
		SourceID:          it.SourceID,
		Title:             it.Title,
		SmallThumbnailURL: it.SmallThumbnailURL,
		LargeThumbnailURL: it.LargeThumbnailURL,
		SubmittedBy:       it.SubmittedBy,
		Status:            string(it.Status),
		Upvotes:           it.UpvoteCount,
		VoteVersion:       it.VoteVersion,
		PlayedAt:          it.PlayedAt,
		CreatedAt:         it.CreatedAt,
	}
}

func toCurrentResponse(c *model.CurrentItem) currentResponse {
	resp := currentResponse{}
	if c == nil {
		return resp
	}
	resp.Version = c.Version
	if c.Item != nil {
		it := toItemResponse(c.Item)
		resp.Item = &it
	}
	if !c.UpdatedAt.IsZero() {
		updated := c.UpdatedAt
		resp.UpdatedAt = &updated
	}
	return resp
}

// --- ヘルパー関数 ---

// writeJSON はstatusCodeとともにvをJSONで書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// decodeOptionalJSON はボディが空でなければvにデコードする。
func decodeOptionalJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeInvalidBody(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
}

// requireUser はセッションのユーザーIDを返す。取得できない場合は401を書き込みfalseを返す。
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return "", false
	}
	return userID, true
}

// requireCreator はセッションのユーザーがURLのクリエイター本人であることを確認する。
func requireCreator(w http.ResponseWriter, r *http.Request) (creatorID string, ok bool) {
	userID, ok := requireUser(w, r)
	if !ok {
		return "", false
	}
	creatorID = chi.URLParam(r, "creatorId")
	if userID != creatorID {
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
		return "", false
	}
	return creatorID, true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		if statusCode == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("内部エラーが発生しました", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeItemNotFound, model.ErrCodeEmptyQueue:
		return http.StatusNotFound
	case model.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrCodeConflict, model.ErrCodeDuplicateItem:
		return http.StatusConflict
	case model.ErrCodeInvalidURL, model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeForbidden, model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeSourceNotFound, model.ErrCodeParseFailed:
		return http.StatusUnprocessableEntity
	case model.ErrCodeFetchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
