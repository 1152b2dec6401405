package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// invalidTokenRecord is the cached payload. Keeping the invalidation
// instant lets callers honour a later re-registration.
type invalidTokenRecord struct {
	Since time.Time `json:"since"`
}

// InvalidTokenStore tracks condemned device tokens. Entries expire on
// their own so a token that was re-registered eventually gets another
// chance even without an explicit Forget.
type InvalidTokenStore struct {
	cache CacheClient
	ttl   time.Duration
}

// NewInvalidTokenStore creates the store. A zero ttl keeps entries for
// 30 days.
func NewInvalidTokenStore(cache CacheClient, ttl time.Duration) *InvalidTokenStore {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &InvalidTokenStore{cache: cache, ttl: ttl}
}

// MarkInvalid records a token the gateway rejected, with the instant
// the rejection reported.
func (s *InvalidTokenStore) MarkInvalid(ctx context.Context, token string, since time.Time) error {
	return s.cache.Set(ctx, s.cacheKey(token), invalidTokenRecord{Since: since.UTC()}, s.ttl)
}

// IsInvalid reports whether the token is currently condemned, and if
// so since when.
func (s *InvalidTokenStore) IsInvalid(ctx context.Context, token string) (bool, time.Time, error) {
	var record invalidTokenRecord
	err := s.cache.Get(ctx, s.cacheKey(token), &record)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, err
	}
	return true, record.Since, nil
}

// Forget clears a condemned token, typically after the device
// re-registered.
func (s *InvalidTokenStore) Forget(ctx context.Context, token string) error {
	return s.cache.Del(ctx, s.cacheKey(token))
}

func (s *InvalidTokenStore) cacheKey(token string) string {
	return fmt.Sprintf("push:invalid:%s", token)
}
