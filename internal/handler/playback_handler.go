package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/votebox/internal/model"
	"github.com/hitoshi/votebox/internal/worker/autoplay"
)

// PlaybackServiceInterface は再生ハンドラーが必要とするサービスインターフェース。
type PlaybackServiceInterface interface {
	SelectNext(ctx context.Context, creatorID, actingUserID string, expectedVersion *int64) (*model.Advance, error)
	GetCurrent(ctx context.Context, creatorID string) (*model.CurrentItem, error)
}

// AutoplaySchedulerInterface は遅延選択の予約インターフェース。
type AutoplaySchedulerInterface interface {
	Schedule(ctx context.Context, creatorID, requestedBy string, expectedVersion int64, delay time.Duration) (*autoplay.Reservation, error)
}

// PlaybackHandler は再生中アイテムのHTTPハンドラー。
type PlaybackHandler struct {
	service  PlaybackServiceInterface
	autoplay AutoplaySchedulerInterface
}

// NewPlaybackHandler はPlaybackHandlerを生成する。
// autoplayがnilの場合、自動再生の予約は503を返す。
func NewPlaybackHandler(service PlaybackServiceInterface, autoplay AutoplaySchedulerInterface) *PlaybackHandler {
	return &PlaybackHandler{service: service, autoplay: autoplay}
}

// selectNextRequest は次のアイテム選択リクエストのボディ（省略可）。
type selectNextRequest struct {
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

// advanceResponse は次のアイテム選択結果のAPIレスポンス。
type advanceResponse struct {
	Item           itemResponse `json:"item"`
	PreviousItemID string       `json:"previous_item_id,omitempty"`
	Version        int64        `json:"version"`
}

// autoplayRequest は自動再生予約リクエストのボディ。
type autoplayRequest struct {
	DelaySeconds    int    `json:"delay_seconds"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

// autoplayResponse は自動再生予約のAPIレスポンス。
type autoplayResponse struct {
	TaskID          string    `json:"task_id"`
	ExpectedVersion int64     `json:"expected_version"`
	RunAt           time.Time `json:"run_at"`
	AlreadyQueued   bool      `json:"already_queued"`
}

// SelectNext はキュー先頭のアイテムを再生中にする。クリエイター本人のみ実行できる。
// expected_versionを指定した場合、再生状態が変わっていれば409を返す。
// POST /api/creators/{creatorId}/next
func (h *PlaybackHandler) SelectNext(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := requireCreator(w, r)
	if !ok {
		return
	}

	var req selectNextRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	adv, err := h.service.SelectNext(r.Context(), creatorID, creatorID, req.ExpectedVersion)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, advanceResponse{
		Item:           toItemResponse(adv.Current),
		PreviousItemID: adv.PreviousItemID,
		Version:        adv.Version,
	})
}

// GetCurrent は再生中アイテムを取得する。一度も選択されていない場合はitemがnullになる。
// GET /api/creators/{creatorId}/current
func (h *PlaybackHandler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}

	cur, err := h.service.GetCurrent(r.Context(), chi.URLParam(r, "creatorId"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toCurrentResponse(cur))
}

// ScheduleAutoplay はdelay_seconds後に次のアイテムを選択するよう予約する。
// expected_versionを省略した場合は現在の再生バージョンを使う。
// POST /api/creators/{creatorId}/autoplay
func (h *PlaybackHandler) ScheduleAutoplay(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := requireCreator(w, r)
	if !ok {
		return
	}
	if h.autoplay == nil {
		writeAPIErrorResponse(w, http.StatusServiceUnavailable, model.NewUnavailableError("autoplay"))
		return
	}

	var req autoplayRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	var version int64
	if req.ExpectedVersion != nil {
		version = *req.ExpectedVersion
	} else {
		cur, err := h.service.GetCurrent(r.Context(), creatorID)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		version = cur.Version
	}

	res, err := h.autoplay.Schedule(r.Context(), creatorID, creatorID, version, time.Duration(req.DelaySeconds)*time.Second)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, autoplayResponse{
		TaskID:          res.TaskID,
		ExpectedVersion: res.ExpectedVersion,
		RunAt:           res.RunAt,
		AlreadyQueued:   res.AlreadyQueued,
	})
}
