// Package ratelimit enforces the per-email authentication limit. The window
// is a fixed bucket anchored at the first attempt, which is approximate but
// good enough for abuse mitigation.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/openkcm/identity-broker/internal/config"
	"github.com/openkcm/identity-broker/internal/serviceerr"
	"github.com/openkcm/identity-broker/internal/store"
)

const keyPrefix = "ratelimit:"

type Limiter struct {
	store store.Store
	limit config.Limit
}

func New(st store.Store, limit config.Limit) *Limiter {
	return &Limiter{
		store: st,
		limit: limit,
	}
}

// Check counts one authentication attempt for the address and reports
// serviceerr.ErrRateLimited once the window's limit is exceeded. The email
// must already be normalized by the caller.
func (l *Limiter) Check(ctx context.Context, email string) error {
	count, err := l.store.IncrementWithExpiry(ctx, keyPrefix+email, l.limit.Window)
	if err != nil {
		return fmt.Errorf("incrementing rate limit counter: %w", err)
	}

	if count > int64(l.limit.Count) {
		return serviceerr.ErrRateLimited
	}

	return nil
}
