package server

import (
	"context"
	"net"
	"net/http"

	"github.com/tjfontaine/insight-pipeline/internal/auth"
	"github.com/tjfontaine/insight-pipeline/internal/core/domain"
)

type callerContextKey struct{}

// AnonymousPrefix marks caller IDs derived from the client address.
const AnonymousPrefix = "ip:"

// AuthMiddleware resolves the caller for each request. With no keys
// configured every client is a standard-tier caller identified by its
// address; otherwise a valid Bearer key is required.
func AuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var caller domain.Caller
			if authenticator.Anonymous() {
				caller = domain.Caller{ID: AnonymousPrefix + clientIP(r), Tier: domain.TierStandard}
			} else {
				apiKey, err := auth.ExtractAPIKey(r)
				if err != nil {
					WriteError(w, r, domain.ErrAuthentication(err.Error()))
					return
				}
				caller, err = authenticator.ValidateAPIKey(apiKey)
				if err != nil {
					WriteError(w, r, domain.ErrAuthentication(err.Error()))
					return
				}
			}

			AddLogField(r.Context(), "caller", caller.ID)
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// WithCaller returns ctx carrying caller.
func WithCaller(ctx context.Context, caller domain.Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// GetCaller retrieves the caller resolved by AuthMiddleware.
func GetCaller(ctx context.Context) (domain.Caller, bool) {
	caller, ok := ctx.Value(callerContextKey{}).(domain.Caller)
	return caller, ok
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
