package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/votebox/internal/model"
)

// SSRFValidator はSSRF検証のインターフェース。
// security.SSRFGuardServiceを抽象化してテスタビリティを向上させる。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// ResolverConfig はYouTubeResolverの設定。
type ResolverConfig struct {
	// OEmbedEndpoint はoEmbed APIのURL。
	OEmbedEndpoint string
	// PageBaseURL は動画IDを付けると動画ページになるURL。OGPフォールバックで使う。
	PageBaseURL string
	// Timeout は外部への1回のリクエストに許す時間。
	Timeout time.Duration
	// MaxBodySize はレスポンスボディの最大読み込みサイズ。
	MaxBodySize int64
}

const defaultOEmbedEndpoint = "https://www.youtube.com/oembed"

const userAgent = "votebox/1.0 (+metadata)"

// YouTubeResolver は投稿URLをYouTube動画のメタデータに解決する。
// タイトルとサムネイルはoEmbedで取得し、取得できない場合は動画ページのOGPにフォールバックする。
type YouTubeResolver struct {
	ssrfGuard SSRFValidator
	cfg       ResolverConfig
	logger    *slog.Logger
}

// NewYouTubeResolver はYouTubeResolverの新しいインスタンスを生成する。
func NewYouTubeResolver(ssrfGuard SSRFValidator, cfg ResolverConfig, logger *slog.Logger) *YouTubeResolver {
	if cfg.OEmbedEndpoint == "" {
		cfg.OEmbedEndpoint = defaultOEmbedEndpoint
	}
	if cfg.PageBaseURL == "" {
		cfg.PageBaseURL = watchBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 2 * 1024 * 1024
	}
	return &YouTubeResolver{ssrfGuard: ssrfGuard, cfg: cfg, logger: logger}
}

// oembedResponse はoEmbed APIのレスポンスのうち使用するフィールド。
type oembedResponse struct {
	Title        string `json:"title"`
	AuthorName   string `json:"author_name"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// Resolve はsourceRefを解決する。
// YouTube動画のURLでない場合はINVALID_URL、動画が存在しないか埋め込み不可の場合はSOURCE_NOT_FOUND、
// 取得に失敗した場合はFETCH_FAILEDを返す。返すタイトルはサニタイズされていない。
func (r *YouTubeResolver) Resolve(ctx context.Context, sourceRef string) (*model.SourceMetadata, error) {
	videoID, ok := ExtractYouTubeID(sourceRef)
	if !ok {
		return nil, model.NewInvalidURLError("YouTube動画のURLではありません")
	}
	canonical := CanonicalURL(videoID)

	meta := &model.SourceMetadata{
		SourceType:        model.SourceTypeYouTube,
		SourceID:          videoID,
		CanonicalURL:      canonical,
		SmallThumbnailURL: SmallThumbnailURL(videoID),
	}

	oe, err := r.fetchOEmbed(ctx, canonical)
	if err == nil {
		meta.Title = oe.Title
		meta.LargeThumbnailURL = oe.ThumbnailURL
		if meta.LargeThumbnailURL == "" {
			meta.LargeThumbnailURL = LargeThumbnailURL(videoID)
		}
		return meta, nil
	}
	if model.HasErrorCode(err, model.ErrCodeSourceNotFound) || model.HasErrorCode(err, model.ErrCodeSSRFBlocked) {
		return nil, err
	}

	r.logger.Warn("oEmbedの取得に失敗したため動画ページにフォールバックします",
		slog.String("source_id", videoID),
		slog.String("error", err.Error()),
	)

	page, pageErr := r.fetchPage(ctx, r.cfg.PageBaseURL+videoID)
	if pageErr != nil {
		return nil, pageErr
	}
	if page.Title == "" {
		return nil, model.NewFetchFailedError("動画のタイトルを取得できませんでした")
	}
	meta.Title = page.Title
	meta.LargeThumbnailURL = page.Image
	if meta.LargeThumbnailURL == "" {
		meta.LargeThumbnailURL = PlaceholderThumbnailURL
	}
	return meta, nil
}

func (r *YouTubeResolver) fetchOEmbed(ctx context.Context, canonical string) (*oembedResponse, error) {
	q := url.Values{}
	q.Set("url", canonical)
	q.Set("format", "json")
	endpoint := r.cfg.OEmbedEndpoint + "?" + q.Encode()

	body, status, err := r.get(ctx, endpoint, "application/json")
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK:
	case status == http.StatusBadRequest, status == http.StatusUnauthorized,
		status == http.StatusForbidden, status == http.StatusNotFound:
		// 非公開・削除済み・埋め込み禁止の動画
		return nil, model.NewSourceNotFoundError(canonical)
	default:
		return nil, model.NewFetchFailedError(fmt.Sprintf("oEmbed HTTP %d", status))
	}

	var oe oembedResponse
	if err := json.Unmarshal(body, &oe); err != nil {
		return nil, model.NewFetchFailedError(fmt.Sprintf("oEmbedレスポンスの解析に失敗: %v", err))
	}
	return &oe, nil
}

func (r *YouTubeResolver) fetchPage(ctx context.Context, pageURL string) (*pageMetadata, error) {
	body, status, err := r.get(ctx, pageURL, "text/html")
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, model.NewSourceNotFoundError(pageURL)
	}
	if status != http.StatusOK {
		return nil, model.NewFetchFailedError(fmt.Sprintf("HTTP %d", status))
	}
	page := parsePageMetadata(body)
	return &page, nil
}

// get はSSRF検証付きでGETリクエストを送り、ボディとステータスコードを返す。
func (r *YouTubeResolver) get(ctx context.Context, rawURL, accept string) ([]byte, int, error) {
	if err := r.ssrfGuard.ValidateURL(rawURL); err != nil {
		return nil, 0, model.NewSSRFBlockedError()
	}

	client := r.ssrfGuard.NewSafeClient(r.cfg.Timeout, r.cfg.MaxBodySize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, model.NewInvalidURLError(err.Error())
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, model.NewFetchFailedError(err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxBodySize))
	if err != nil {
		return nil, 0, model.NewFetchFailedError(fmt.Sprintf("レスポンスの読み取りに失敗: %v", err))
	}
	return body, resp.StatusCode, nil
}
