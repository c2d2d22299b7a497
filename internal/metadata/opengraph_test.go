package metadata

import "testing"

// TestParsePageMetadata はheadからタイトルと画像を抽出する優先順位をテストする。
func TestParsePageMetadata(t *testing.T) {
	tests := []struct {
		name      string
		html      string
		wantTitle string
		wantImage string
	}{
		{
			name: "og:titleとog:imageを優先する",
			html: `<html><head><title>Doc - YouTube</title>
<meta property="og:title" content="OG Title">
<meta name="twitter:title" content="Twitter Title">
<meta property="og:image" content="https://i.ytimg.com/vi/x/maxresdefault.jpg">
</head><body></body></html>`,
			wantTitle: "OG Title",
			wantImage: "https://i.ytimg.com/vi/x/maxresdefault.jpg",
		},
		{
			name:      "og:titleが無ければtwitter:title",
			html:      `<html><head><meta name="twitter:title" content="Twitter Title"></head></html>`,
			wantTitle: "Twitter Title",
		},
		{
			name:      "metaが無ければtitle要素からサイト名を除く",
			html:      `<html><head><title>My Song &amp; More - YouTube</title></head></html>`,
			wantTitle: "My Song & More",
		},
		{
			name:      "body内のmetaは無視する",
			html:      `<html><head></head><body><meta property="og:title" content="late"></body></html>`,
			wantTitle: "",
		},
		{
			name:      "headが閉じていなくても読んだ分を返す",
			html:      `<html><head><meta property="og:title" content="Partial">`,
			wantTitle: "Partial",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parsePageMetadata([]byte(tt.html))
			if got.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", got.Title, tt.wantTitle)
			}
			if got.Image != tt.wantImage {
				t.Errorf("Image = %q, want %q", got.Image, tt.wantImage)
			}
		})
	}
}
