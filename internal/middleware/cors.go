package middleware

import (
	"net/http"
	"strings"
)

// Origins はCORSとWebSocketで受け付けるオリジンの一覧。
type Origins []string

// ParseOrigins はカンマ区切りのオリジン指定を解析する。末尾の"/"は無視する。
func ParseOrigins(s string) Origins {
	var out Origins
	for _, o := range strings.Split(s, ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Allows はoriginが一覧に含まれるかを返す。
func (o Origins) Allows(origin string) bool {
	origin = strings.TrimRight(origin, "/")
	for _, a := range o {
		if a == origin {
			return true
		}
	}
	return false
}

// NewCORSMiddleware は指定されたオリジンに対するCORSミドルウェアを返す。
// allowedOriginsはカンマ区切りで複数指定できる。リクエストのOriginが一覧にあればそれを返し、
// 無ければ先頭のオリジンを返す（ブラウザ側で拒否される）。
// credentials送信と共存するため、ワイルドカード(*)は使用しない。
// OPTIONSプリフライトリクエストには204で応答する。
func NewCORSMiddleware(allowedOrigins string) func(next http.Handler) http.Handler {
	origins := ParseOrigins(allowedOrigins)
	fallback := ""
	if len(origins) > 0 {
		fallback = origins[0]
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allow := fallback
			if origin := r.Header.Get("Origin"); origin != "" && origins.Allows(origin) {
				allow = origin
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allow)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
			// 一時的な障害時にクライアントが再試行間隔を読めるようにする
			h.Set("Access-Control-Expose-Headers", "Retry-After")
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
