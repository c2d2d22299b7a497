package metadata

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/votebox/internal/model"
)

const defaultFeedBaseURL = "https://www.youtube.com/feeds/videos.xml"

// PlaylistEntry はプレイリストフィードの1件。
type PlaylistEntry struct {
	VideoID      string
	Title        string // サニタイズされていない
	ThumbnailURL string
}

// PlaylistConfig はPlaylistFetcherの設定。
type PlaylistConfig struct {
	// FeedBaseURL はYouTubeのAtomフィードのURL。
	FeedBaseURL string
	Timeout     time.Duration
	MaxBodySize int64
}

// PlaylistFetcher はYouTubeのプレイリスト・チャンネルのAtomフィードから動画一覧を取得する。
type PlaylistFetcher struct {
	ssrfGuard SSRFValidator
	cfg       PlaylistConfig
	logger    *slog.Logger
}

// NewPlaylistFetcher はPlaylistFetcherの新しいインスタンスを生成する。
func NewPlaylistFetcher(ssrfGuard SSRFValidator, cfg PlaylistConfig, logger *slog.Logger) *PlaylistFetcher {
	if cfg.FeedBaseURL == "" {
		cfg.FeedBaseURL = defaultFeedBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 5 * 1024 * 1024
	}
	return &PlaylistFetcher{ssrfGuard: ssrfGuard, cfg: cfg, logger: logger}
}

// FeedURL はプレイリストまたはチャンネルのURLをAtomフィードのURLに変換する。
// 対応形式: /playlist?list=, /channel/UC..., /feeds/videos.xml?playlist_id=|channel_id=
func (f *PlaylistFetcher) FeedURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", model.NewInvalidURLError("プレイリストのURLを解析できません")
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")
	if host != "youtube.com" {
		return "", model.NewInvalidURLError("YouTubeのプレイリストまたはチャンネルのURLではありません")
	}

	q := u.Query()
	switch {
	case u.Path == "/playlist" && q.Get("list") != "":
		return f.cfg.FeedBaseURL + "?playlist_id=" + url.QueryEscape(q.Get("list")), nil
	case strings.HasPrefix(u.Path, "/channel/"):
		channelID := strings.Trim(strings.TrimPrefix(u.Path, "/channel/"), "/")
		if channelID == "" || strings.Contains(channelID, "/") {
			break
		}
		return f.cfg.FeedBaseURL + "?channel_id=" + url.QueryEscape(channelID), nil
	case u.Path == "/feeds/videos.xml":
		if id := q.Get("playlist_id"); id != "" {
			return f.cfg.FeedBaseURL + "?playlist_id=" + url.QueryEscape(id), nil
		}
		if id := q.Get("channel_id"); id != "" {
			return f.cfg.FeedBaseURL + "?channel_id=" + url.QueryEscape(id), nil
		}
	}
	return "", model.NewInvalidURLError("プレイリストIDまたはチャンネルIDが含まれていません")
}

// Fetch はプレイリストの動画を先頭から最大limit件返す。動画IDを特定できないエントリは除外する。
func (f *PlaylistFetcher) Fetch(ctx context.Context, playlistURL string, limit int) ([]PlaylistEntry, error) {
	feedURL, err := f.FeedURL(playlistURL)
	if err != nil {
		return nil, err
	}
	if err := f.ssrfGuard.ValidateURL(feedURL); err != nil {
		return nil, model.NewSSRFBlockedError()
	}

	client := f.ssrfGuard.NewSafeClient(f.cfg.Timeout, f.cfg.MaxBodySize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, model.NewInvalidURLError(err.Error())
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/atom+xml, application/xml, text/xml")

	resp, err := client.Do(req)
	if err != nil {
		return nil, model.NewFetchFailedError(err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, model.NewSourceNotFoundError(playlistURL)
	case resp.StatusCode != http.StatusOK:
		return nil, model.NewFetchFailedError(fmt.Sprintf("HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodySize))
	if err != nil {
		return nil, model.NewFetchFailedError(fmt.Sprintf("レスポンスの読み取りに失敗: %v", err))
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		f.logger.Warn("プレイリストフィードのパースに失敗しました",
			slog.String("feed_url", feedURL),
			slog.String("error", err.Error()),
		)
		return nil, model.NewParseFailedError()
	}

	entries := make([]PlaylistEntry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if limit > 0 && len(entries) >= limit {
			break
		}
		videoID := feedVideoID(item)
		if videoID == "" {
			continue
		}
		entries = append(entries, PlaylistEntry{
			VideoID:      videoID,
			Title:        item.Title,
			ThumbnailURL: feedThumbnail(item),
		})
	}
	return entries, nil
}

// feedVideoID はyt:videoId拡張要素、無ければリンクURLから動画IDを取り出す。
func feedVideoID(item *gofeed.Item) string {
	if yt, ok := item.Extensions["yt"]; ok {
		if ids := yt["videoId"]; len(ids) > 0 && videoIDPattern.MatchString(ids[0].Value) {
			return ids[0].Value
		}
	}
	if id, ok := ExtractYouTubeID(item.Link); ok {
		return id
	}
	return ""
}

// feedThumbnail はmedia:group/media:thumbnailのURLを返す。
func feedThumbnail(item *gofeed.Item) string {
	media, ok := item.Extensions["media"]
	if !ok {
		return ""
	}
	for _, group := range media["group"] {
		for _, thumb := range group.Children["thumbnail"] {
			if u := thumb.Attrs["url"]; u != "" {
				return u
			}
		}
	}
	if item.Image != nil {
		return item.Image.URL
	}
	return ""
}
