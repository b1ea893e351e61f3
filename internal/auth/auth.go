// Package auth authenticates HTTP clients by x509 certificate. In direct-TLS
// mode the identity comes from the mTLS peer certificate; behind a trusted
// reverse proxy it comes from a configured header carrying the url-encoded
// PEM of the client certificate.
package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/relaymesh/relay/internal/pki"
)

type contextKey struct{}

// IdentityFromContext returns the authenticated client identity, if any.
func IdentityFromContext(ctx context.Context) (pki.Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(pki.Identity)
	return id, ok
}

// WithIdentity stores an identity on the context. Exported for tests.
func WithIdentity(ctx context.Context, id pki.Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// ClientCertMiddleware authenticates each request. When clientCertHeader is
// empty the identity is taken from the TLS peer certificate; otherwise the
// named header must carry the url-encoded PEM forwarded by the proxy. This
// header mode is only secure when the proxy is the sole path to the relay.
func ClientCertMiddleware(clientCertHeader string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id pki.Identity
			var err error

			if clientCertHeader != "" {
				value := r.Header.Get(clientCertHeader)
				if value == "" {
					unauthenticated(w, "client certificate header is empty")
					return
				}
				id, err = pki.ParseURLEncodedPEM(value)
				if err != nil {
					slog.Warn("rejecting request with unparseable cert header", "error", err)
					unauthenticated(w, "unable to parse client certificate from header")
					return
				}
			} else {
				if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
					unauthenticated(w, "got request with no client cert")
					return
				}
				id, err = pki.ParseCertificate(r.TLS.PeerCertificates[0].Raw)
				if err != nil {
					slog.Warn("rejecting request with unparseable peer cert", "error", err)
					unauthenticated(w, "found client cert, but unable to parse")
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func unauthenticated(w http.ResponseWriter, msg string) {
	http.Error(w, msg, http.StatusUnauthorized)
}
