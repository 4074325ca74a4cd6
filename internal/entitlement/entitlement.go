// Package entitlement decides which quality tiers a caller may request.
package entitlement

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/italolelis/vidgrab/internal/logctx"
	"github.com/italolelis/vidgrab/internal/video"
)

// CallerContext describes who is asking. The zero value is an anonymous caller.
type CallerContext struct {
	Identity   string
	Plan       string
	MaxQuality video.Quality
	Subscribed bool
}

// Anonymous reports whether the caller could not be identified.
func (c CallerContext) Anonymous() bool {
	return c.Identity == ""
}

// SubscriptionLookup resolves an API token into the caller it belongs to. Unknown tokens resolve to
// an anonymous caller without error.
type SubscriptionLookup interface {
	Lookup(ctx context.Context, token string) (CallerContext, error)
}

type callerKey struct{}

func WithCaller(ctx context.Context, c CallerContext) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func CallerFromContext(ctx context.Context) CallerContext {
	c, _ := ctx.Value(callerKey{}).(CallerContext)

	return c
}

// Gate is the quality policy.
type Gate struct {
	freeMax video.Quality
}

// NewGate returns a gate that lets callers without a subscription request up to freeMax.
func NewGate(freeMax video.Quality) *Gate {
	if !freeMax.Valid() {
		freeMax = video.QualityHigh
	}

	return &Gate{freeMax: freeMax}
}

// Limit returns the highest tier c may request.
func (g *Gate) Limit(c CallerContext) video.Quality {
	if !c.Subscribed || !c.MaxQuality.Valid() {
		return g.freeMax
	}

	if c.MaxQuality.Rank() < g.freeMax.Rank() {
		return g.freeMax
	}

	return c.MaxQuality
}

// Authorize returns nil when c may request q, or a *video.ClientError explaining why not.
func (g *Gate) Authorize(q video.Quality, c CallerContext) error {
	if !q.Valid() {
		return &video.ClientError{Code: video.CodeInvalidQuality, Message: fmt.Sprintf("unknown quality %q", q)}
	}

	limit := g.Limit(c)
	if q.AtMost(limit) {
		return nil
	}

	return &video.ClientError{
		Code:    video.CodeQualityRequiresUpgrade,
		Message: fmt.Sprintf("quality %s requires a subscription that allows it (current limit: %s)", q, limit),
	}
}

// Middleware resolves the bearer token of each request into a CallerContext. A failing lookup
// degrades to an anonymous caller.
func Middleware(lookup SubscriptionLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" || lookup == nil {
				next.ServeHTTP(w, r)

				return
			}

			ctx := r.Context()

			caller, err := lookup.Lookup(ctx, token)
			if err != nil {
				logctx.LoggerFromContext(ctx).Warn("subscription lookup failed, treating caller as anonymous", "err", err)

				caller = CallerContext{}
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(ctx, caller)))
		})
	}
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}

	return strings.TrimSpace(token)
}
