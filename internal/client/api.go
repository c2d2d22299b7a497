package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/votebox/internal/model"
)

// maxResponseSize はAPIレスポンスの最大読み込みサイズ。
const maxResponseSize = 4 << 20

// HTTPAPI はvoteboxのHTTP APIクライアント。
// セッションIDをBearerトークンとして送るため、CSRFトークンは不要。
type HTTPAPI struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *slog.Logger
}

// NewHTTPAPI はHTTPAPIを生成する。baseURLはサーバーのURL（例: http://localhost:8080）。
func NewHTTPAPI(httpClient *http.Client, baseURL, token string, logger *slog.Logger) *HTTPAPI {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPAPI{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		logger:     logger,
	}
}

// --- ワイヤ表現 ---

type itemWire struct {
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
	PlayedAt          *time.Time `json:"played_at"`
	CreatedAt         time.Time  `json:"created_at"`
}

func (w itemWire) toModel(creatorID string) model.Item {
	return model.Item{
		ID:                w.ID,
		CreatorID:         creatorID,
		SourceType:        w.SourceType,
		SourceURL:         w.SourceURL,
		SourceID:          w.SourceID,
		Title:             w.Title,
		SmallThumbnailURL: w.SmallThumbnailURL,
		LargeThumbnailURL: w.LargeThumbnailURL,
		SubmittedBy:       w.SubmittedBy,
		Status:            model.ItemStatus(w.Status),
		UpvoteCount:       w.Upvotes,
		VoteVersion:       w.VoteVersion,
		PlayedAt:          w.PlayedAt,
		CreatedAt:         w.CreatedAt,
	}
}

type queueWire struct {
	CreatorID string `json:"creator_id"`
	Current   struct {
		Item      *itemWire  `json:"item"`
		Version   int64      `json:"version"`
		UpdatedAt *time.Time `json:"updated_at"`
	} `json:"current"`
	Items []struct {
		itemWire
		HasVoted bool `json:"has_voted"`
	} `json:"items"`
}

type voteWire struct {
	ItemID   string `json:"item_id"`
	Upvotes  int    `json:"upvotes"`
	HasVoted bool   `json:"has_voted"`
	Version  int64  `json:"version"`
}

type errorWire struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Category   string `json:"category"`
	Action     string `json:"action"`
	ExistingID string `json:"existing_id"`
}

// GetQueue はランキング済みキューと再生中アイテムを取得する。
func (c *HTTPAPI) GetQueue(ctx context.Context, creatorID string) (*model.Queue, error) {
	var w queueWire
	if err := c.do(ctx, http.MethodGet, c.creatorPath(creatorID, "queue"), &w); err != nil {
		return nil, err
	}

	q := &model.Queue{
		CreatorID: creatorID,
		Entries:   make([]model.QueueEntry, len(w.Items)),
	}
	for i, e := range w.Items {
		q.Entries[i] = model.QueueEntry{Item: e.toModel(creatorID), HasVoted: e.HasVoted}
	}
	if w.Current.Item != nil || w.Current.Version != 0 {
		cur := &model.CurrentItem{CreatorID: creatorID, Version: w.Current.Version}
		if w.Current.UpdatedAt != nil {
			cur.UpdatedAt = *w.Current.UpdatedAt
		}
		if w.Current.Item != nil {
			it := w.Current.Item.toModel(creatorID)
			cur.Item = &it
		}
		q.Current = cur
	}
	return q, nil
}

// Upvote はアイテムに投票する。
func (c *HTTPAPI) Upvote(ctx context.Context, creatorID, itemID string) (*model.VoteResult, error) {
	return c.vote(ctx, creatorID, itemID, "upvote")
}

// Downvote はアイテムへの投票を取り消す。
func (c *HTTPAPI) Downvote(ctx context.Context, creatorID, itemID string) (*model.VoteResult, error) {
	return c.vote(ctx, creatorID, itemID, "downvote")
}

func (c *HTTPAPI) vote(ctx context.Context, creatorID, itemID, op string) (*model.VoteResult, error) {
	var w voteWire
	path := c.creatorPath(creatorID, "items", itemID, op)
	if err := c.do(ctx, http.MethodPost, path, &w); err != nil {
		return nil, err
	}
	return &model.VoteResult{ItemID: w.ItemID, Upvotes: w.Upvotes, HasVoted: w.HasVoted, Version: w.Version}, nil
}

// SubscribeURL はルームのWebSocket URLを返す。
func (c *HTTPAPI) SubscribeURL(creatorID string) (string, error) {
	u, err := url.Parse(c.baseURL + c.creatorPath(creatorID, "ws"))
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	return u.String(), nil
}

// AuthHeader はWebSocket接続時に送る認証ヘッダーを返す。
func (c *HTTPAPI) AuthHeader() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

func (c *HTTPAPI) creatorPath(creatorID string, parts ...string) string {
	segs := make([]string, 0, len(parts)+3)
	segs = append(segs, "", "api", "creators", url.PathEscape(creatorID))
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	return strings.Join(segs, "/")
}

// do はリクエストを送り、2xxの場合はレスポンスをoutにデコードする。
// それ以外はエラーボディを*model.APIErrorに変換して返す。
func (c *HTTPAPI) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.NewUnavailableError(err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return model.NewUnavailableError(err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ew errorWire
		if err := json.Unmarshal(body, &ew); err != nil || ew.Code == "" {
			c.logger.Warn("APIが想定外のレスポンスを返しました",
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
			)
			return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
		}
		return &model.APIError{
			Code:       ew.Code,
			Message:    ew.Message,
			Category:   ew.Category,
			Action:     ew.Action,
			ExistingID: ew.ExistingID,
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("レスポンスのデコードに失敗しました: %w", err)
	}
	return nil
}

var _ API = (*HTTPAPI)(nil)
