package kernel

import (
	"net"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/hollowaylabs/gatewarden/internal/identity"
)

// Wrap exposes the engine as net/http middleware: it resolves the identity
// cookie, evaluates the request, applies the cookie instruction and maps
// the verdict to a response. Challenge maps to 429 and deny to 403; the
// actual challenge page is the embedding application's concern.
func (e *Engine) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, setCookie := e.resolver.FromRequest(r)

		res, err := e.Evaluate(r.Context(), Request{
			Identity:  token,
			IP:        clientIP(r),
			Referer:   r.Referer(),
			HasCookie: setCookie == nil,
		})
		if err != nil {
			log.Warn().Err(err).Str("action", res.Action.String()).Msg("verdict unknown, applying storage-failure policy")
		}

		identity.Apply(w, setCookie)

		switch res.Action {
		case ActionDeny:
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		case ActionChallenge:
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
