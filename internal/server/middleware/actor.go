package middleware

import (
	"net/http"
	"strings"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

// ActorHeader carries the caller's account id, set by the upstream gateway.
const ActorHeader = "X-Account-ID"

// Actor stores the account id from ActorHeader in the request context. The
// header is trusted as-is; requests without it pass through anonymously.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := strings.TrimSpace(r.Header.Get(ActorHeader)); id != "" {
			r = r.WithContext(domain.WithActor(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
