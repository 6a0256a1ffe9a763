package providers

import (
	"context"
	"sync"
	"time"
)

// expirySkew is subtracted from a token's lifetime so we refresh slightly
// before the provider considers it expired.
const expirySkew = 30 * time.Second

// TokenFunc fetches a fresh bearer token and its lifetime from a provider.
type TokenFunc func(ctx context.Context) (token string, ttl time.Duration, err error)

// TokenSource caches a bearer token per adapter instance and refreshes it on
// expiry or on demand. Adapters call Invalidate when the provider answers 401
// with a token that should still be valid.
type TokenSource struct {
	fetch TokenFunc

	mu     sync.Mutex
	token  string
	expiry time.Time
	now    func() time.Time
}

func NewTokenSource(fetch TokenFunc) *TokenSource {
	return &TokenSource{fetch: fetch, now: time.Now}
}

// Token returns the cached token, fetching a new one first if the cache is
// empty or expired.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expiry) {
		return s.token, nil
	}

	token, ttl, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	if ttl > expirySkew {
		ttl -= expirySkew
	}
	s.token = token
	s.expiry = s.now().Add(ttl)
	return token, nil
}

// Invalidate drops the cached token so the next Token call fetches again.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiry = time.Time{}
	s.mu.Unlock()
}
