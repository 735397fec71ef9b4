package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esi-search-proxy/internal/metrics"
	"esi-search-proxy/internal/model"
)

// countingSource issues sequential tokens and counts exchanges.
type countingSource struct {
	calls   atomic.Int32
	ttl     time.Duration
	err     error
	release chan struct{} // when non-nil, Token blocks until closed
}

func (s *countingSource) Token(ctx context.Context) (*model.AccessToken, error) {
	n := s.calls.Add(1)
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return nil, s.err
	}
	return &model.AccessToken{
		AccessToken: "token-" + string(rune('0'+n)),
		TokenType:   "Bearer",
		CharacterID: 90000001,
		ExpiresAt:   time.Now().Add(s.ttl),
	}, nil
}

// failingStore fails every operation.
type failingStore struct{}

func (failingStore) Load(context.Context, string) (*model.AccessToken, error) {
	return nil, errors.New("store down")
}

func (failingStore) Save(context.Context, string, *model.AccessToken) error {
	return errors.New("store down")
}

func newTestCache(src TokenSource, store TokenStore, m *metrics.Metrics) *TokenCache {
	return NewTokenCache(src, store, testConfig("https://login.example"), testLogger(), m)
}

func TestTokenCache_ReusesValidToken(t *testing.T) {
	src := &countingSource{ttl: 20 * time.Minute}
	m := metrics.New()
	c := newTestCache(src, NewMemoryStore(), m)

	first, err := c.Token(context.Background())
	require.NoError(t, err)
	second, err := c.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TokenLookups.WithLabelValues(metrics.LookupMiss)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TokenLookups.WithLabelValues(metrics.LookupHit)))
}

func TestTokenCache_RefreshesWithinSkew(t *testing.T) {
	// Tokens live 30s but the cache treats anything within 60s of expiry as stale.
	src := &countingSource{ttl: 30 * time.Second}
	c := newTestCache(src, NewMemoryStore(), nil)

	_, err := c.Token(context.Background())
	require.NoError(t, err)
	_, err = c.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), src.calls.Load())
}

func TestTokenCache_ReadAfterWrite(t *testing.T) {
	src := &countingSource{ttl: time.Hour}
	store := NewMemoryStore()
	c := newTestCache(src, store, nil)

	tok, err := c.Token(context.Background())
	require.NoError(t, err)

	stored, err := store.Load(context.Background(), "90000001")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, tok.AccessToken, stored.AccessToken)
	assert.Equal(t, int64(90000001), stored.CharacterID)
}

func TestTokenCache_ConcurrentMissesShareOneExchange(t *testing.T) {
	src := &countingSource{ttl: time.Hour, release: make(chan struct{})}
	c := newTestCache(src, NewMemoryStore(), nil)

	const callers = 20
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := c.Token(context.Background())
			errs[i] = err
			if tok != nil {
				tokens[i] = tok.AccessToken
			}
		}()
	}

	// Give every caller time to join the in-flight exchange.
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(src.release)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, tokens[0], tokens[i])
	}
}

func TestTokenCache_SourceErrorNotCached(t *testing.T) {
	src := &countingSource{ttl: time.Hour, err: ErrTokenVerificationFailed}
	c := newTestCache(src, NewMemoryStore(), nil)

	_, err := c.Token(context.Background())
	assert.ErrorIs(t, err, ErrTokenVerificationFailed)

	_, err = c.Token(context.Background())
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestTokenCache_StoreFailureFallsBackToSource(t *testing.T) {
	src := &countingSource{ttl: time.Hour}
	c := newTestCache(src, failingStore{}, nil)

	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, tok.AccessToken)
}

func TestTokenCache_CallerCancelDoesNotAbortSharedExchange(t *testing.T) {
	src := &countingSource{ttl: time.Hour, release: make(chan struct{})}
	c := newTestCache(src, NewMemoryStore(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Token(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(src.release)
	require.Eventually(t, func() bool {
		tok, _ := c.store.Load(context.Background(), c.key)
		return tok != nil
	}, time.Second, 5*time.Millisecond)

	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok.AccessToken)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestTokenCache_RedisSharedBetweenReplicas(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	storeA, err := NewRedisStore(ctx, "redis://"+mr.Addr(), "test:")
	require.NoError(t, err)
	defer storeA.Close()
	storeB, err := NewRedisStore(ctx, "redis://"+mr.Addr(), "test:")
	require.NoError(t, err)
	defer storeB.Close()

	src := &countingSource{ttl: time.Hour}
	replicaA := newTestCache(src, storeA, nil)
	replicaB := newTestCache(src, storeB, nil)

	tokA, err := replicaA.Token(ctx)
	require.NoError(t, err)
	tokB, err := replicaB.Token(ctx)
	require.NoError(t, err)

	assert.Equal(t, tokA.AccessToken, tokB.AccessToken)
	assert.Equal(t, int32(1), src.calls.Load())
}
