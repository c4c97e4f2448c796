package api

import (
	"net/http"

	"github.com/dmitrymomot/foundation/core/handler"
	"github.com/dmitrymomot/foundation/core/response"
)

// APIKey extracts the credential from the request: the X-API-Key header
// first, then the api_key query parameter.
func APIKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	return r.URL.Query().Get("api_key")
}

// RequireAPIKey rejects requests whose credential is missing or not in the
// allow-list with 401. Every REST endpoint sits behind this middleware; the
// WebSocket endpoint performs the same check itself so it can answer with a
// transport close code instead.
func RequireAPIKey[C handler.Context](keys []string) handler.Middleware[C] {
	allowed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		allowed[k] = struct{}{}
	}

	return func(next handler.HandlerFunc[C]) handler.HandlerFunc[C] {
		return func(ctx C) handler.Response {
			if _, ok := allowed[APIKey(ctx.Request())]; !ok {
				return response.Error(response.ErrUnauthorized.WithMessage("invalid or missing API key"))
			}
			return next(ctx)
		}
	}
}
