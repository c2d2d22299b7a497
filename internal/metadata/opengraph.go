package metadata

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// pageMetadata はHTMLのheadから抽出したメタデータ。
type pageMetadata struct {
	Title string
	Image string
}

// parsePageMetadata はHTMLのheadタグからog:title, og:imageと<title>を抽出する。
// og:titleが無い場合はtwitter:title、それも無い場合は<title>を使う。
func parsePageMetadata(htmlBody []byte) pageMetadata {
	var (
		ogTitle, twitterTitle, docTitle string
		ogImage                         string
		inTitle                         bool
	)

	tokenizer := html.NewTokenizer(bytes.NewReader(htmlBody))
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return pickPageMetadata(ogTitle, twitterTitle, docTitle, ogImage)

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			switch string(tn) {
			case "body":
				return pickPageMetadata(ogTitle, twitterTitle, docTitle, ogImage)
			case "title":
				inTitle = tt == html.StartTagToken
			case "meta":
				if !hasAttr {
					continue
				}
				var key, content string
				for {
					k, v, more := tokenizer.TagAttr()
					switch strings.ToLower(string(k)) {
					case "property", "name":
						key = strings.ToLower(string(v))
					case "content":
						content = string(v)
					}
					if !more {
						break
					}
				}
				switch key {
				case "og:title":
					ogTitle = content
				case "twitter:title":
					twitterTitle = content
				case "og:image", "og:image:secure_url":
					if ogImage == "" {
						ogImage = content
					}
				}
			}

		case html.TextToken:
			if inTitle && docTitle == "" {
				docTitle = strings.TrimSpace(string(tokenizer.Text()))
			}

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			switch string(tn) {
			case "title":
				inTitle = false
			case "head":
				return pickPageMetadata(ogTitle, twitterTitle, docTitle, ogImage)
			}
		}
	}
}

func pickPageMetadata(ogTitle, twitterTitle, docTitle, image string) pageMetadata {
	title := ogTitle
	if title == "" {
		title = twitterTitle
	}
	if title == "" {
		// YouTubeの<title>には " - YouTube" が付く
		title = strings.TrimSuffix(docTitle, " - YouTube")
	}
	return pageMetadata{Title: strings.TrimSpace(title), Image: strings.TrimSpace(image)}
}
