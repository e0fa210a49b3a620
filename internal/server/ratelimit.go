package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/tjfontaine/insight-pipeline/internal/core/ports"
)

type rateLimitContextKey struct{}

// RateLimitInfo is the admission window state reported to clients.
type RateLimitInfo struct {
	RequestsLimit     int
	RequestsRemaining int
	RequestsReset     time.Time
}

// rateLimitSlot is installed by the middleware so handlers deeper in the
// chain can publish limits after the request context was derived.
type rateLimitSlot struct {
	info *RateLimitInfo
}

// FromDecision converts an admission decision's window state.
func FromDecision(d *ports.PolicyDecision) *RateLimitInfo {
	if d == nil || d.RateLimitInfo == nil {
		return nil
	}
	return &RateLimitInfo{
		RequestsLimit:     d.RateLimitInfo.Limit,
		RequestsRemaining: d.RateLimitInfo.Remaining,
		RequestsReset:     time.Unix(d.RateLimitInfo.ResetAt, 0).UTC(),
	}
}

// SetRateLimits publishes rl for RateLimitHeadersMiddleware. Without the
// middleware the info is attached to the returned context only.
func SetRateLimits(ctx context.Context, rl *RateLimitInfo) context.Context {
	if slot, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitSlot); ok {
		slot.info = rl
		return ctx
	}
	return context.WithValue(ctx, rateLimitContextKey{}, &rateLimitSlot{info: rl})
}

// GetRateLimits returns the published info, or nil.
func GetRateLimits(ctx context.Context) *RateLimitInfo {
	if slot, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitSlot); ok {
		return slot.info
	}
	return nil
}

// RateLimitHeadersMiddleware writes x-ratelimit-*-requests headers from the
// info a handler published before its first write.
func RateLimitHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slot := &rateLimitSlot{}
		ctx := context.WithValue(r.Context(), rateLimitContextKey{}, slot)
		next.ServeHTTP(&rateLimitResponseWriter{ResponseWriter: w, slot: slot}, r.WithContext(ctx))
	})
}

type rateLimitResponseWriter struct {
	http.ResponseWriter
	slot         *rateLimitSlot
	wroteHeaders bool
}

func (rw *rateLimitResponseWriter) WriteHeader(code int) {
	rw.writeRateLimitHeaders()
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *rateLimitResponseWriter) Write(b []byte) (int, error) {
	rw.writeRateLimitHeaders()
	return rw.ResponseWriter.Write(b)
}

func (rw *rateLimitResponseWriter) writeRateLimitHeaders() {
	if rw.wroteHeaders {
		return
	}
	rw.wroteHeaders = true

	rl := rw.slot.info
	if rl == nil || rl.RequestsLimit <= 0 {
		return
	}
	h := rw.Header()
	h.Set("x-ratelimit-limit-requests", strconv.Itoa(rl.RequestsLimit))
	h.Set("x-ratelimit-remaining-requests", strconv.Itoa(rl.RequestsRemaining))
	if !rl.RequestsReset.IsZero() {
		h.Set("x-ratelimit-reset-requests", rl.RequestsReset.Format(time.RFC3339))
	}
}

func (rw *rateLimitResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
