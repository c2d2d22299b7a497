// Package metadata は投稿されたURLから動画のメタデータを解決する。
package metadata

import (
	"net/url"
	"regexp"
	"strings"
)

// youtubeURLPattern はYouTube動画URLから11文字の動画IDを抽出する。
// watch?v=, youtu.be/, embed/, v/, shorts/, live/ の各形式に対応する。
var youtubeURLPattern = regexp.MustCompile(
	`^(?:(?:https?:)?//)?(?:www\.|m\.|music\.)?(?:youtube\.com/(?:v/|embed/|shorts/|live/|watch(?:/|\?v=))|youtu\.be/)([\w-]{11})(?:[?&#/]\S*)?$`,
)

var videoIDPattern = regexp.MustCompile(`^[\w-]{11}$`)

const (
	// watchBaseURL は正規化した動画URLの接頭辞。
	watchBaseURL = "https://www.youtube.com/watch?v="

	// PlaceholderThumbnailURL はサムネイルが取得できなかった場合に使う画像。
	PlaceholderThumbnailURL = "https://via.placeholder.com/1280x720"
)

// ExtractYouTubeID はURLから動画IDを抽出する。YouTube動画のURLでない場合はfalseを返す。
func ExtractYouTubeID(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if m := youtubeURLPattern.FindStringSubmatch(raw); m != nil {
		return m[1], true
	}

	// watch?list=...&v=... のようにvが先頭でない形式
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")
	host = strings.TrimPrefix(host, "music.")
	if host != "youtube.com" || u.Path != "/watch" {
		return "", false
	}
	if id := u.Query().Get("v"); videoIDPattern.MatchString(id) {
		return id, true
	}
	return "", false
}

// CanonicalURL は動画IDから正規化した動画URLを返す。
func CanonicalURL(videoID string) string {
	return watchBaseURL + videoID
}

// SmallThumbnailURL は動画IDから一覧表示用のサムネイルURLを返す。
func SmallThumbnailURL(videoID string) string {
	return "https://i.ytimg.com/vi/" + videoID + "/mqdefault.jpg"
}

// LargeThumbnailURL は動画IDから再生画面用のサムネイルURLを返す。
func LargeThumbnailURL(videoID string) string {
	return "https://i.ytimg.com/vi/" + videoID + "/hqdefault.jpg"
}
