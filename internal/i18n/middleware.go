package i18n

import "net/http"

// Middleware stores a localizer in every request context. The language comes from the
// lang query parameter, then Accept-Language, then the default.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lang := Match(r.Header.Get("Accept-Language"))
			if q := r.URL.Query().Get("lang"); q != "" && Supported(q) {
				lang = q
			}
			ctx := WithLang(r.Context(), lang)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
