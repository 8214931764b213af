package app

import (
	"context"

	"github.com/rferraz/syncline/internal/backend"
	"github.com/rferraz/syncline/internal/cache"
	"go.uber.org/zap"
)

// Bootstrap performs the initial fetches that the readiness gate tracks.
// Each key moves idle → fetching → success/error; the gate flips only
// when every key has landed, so the UI paints all at once.
type Bootstrap struct {
	store  *cache.Store
	client backend.Client
	logger *zap.Logger
}

// NewBootstrap creates the initial loader.
func NewBootstrap(s *cache.Store, client backend.Client, logger *zap.Logger) *Bootstrap {
	return &Bootstrap{store: s, client: client, logger: logger}
}

// Run fetches the profile, conversations and groups concurrently and
// records each fetch lifecycle in the cache. Errors are terminal states,
// not retries; the push channel and resync path repair the data later.
func (b *Bootstrap) Run(ctx context.Context) {
	go b.fetch(ctx, cache.KeyProfile, func(ctx context.Context) (any, error) {
		return b.client.FetchProfile(ctx)
	})
	go b.fetch(ctx, cache.KeyConversations, func(ctx context.Context) (any, error) {
		return b.client.FetchConversations(ctx)
	})
	go b.fetch(ctx, cache.KeyGroups, func(ctx context.Context) (any, error) {
		return b.client.FetchGroups(ctx)
	})
}

func (b *Bootstrap) fetch(ctx context.Context, key string, call func(context.Context) (any, error)) {
	b.store.SetState(key, cache.StateFetching)
	v, err := call(ctx)
	if err != nil {
		berr := backend.Classify(err)
		b.logger.Error("bootstrap fetch failed",
			zap.String("key", key),
			zap.String("error_kind", string(berr.Kind)))
		b.store.SetState(key, cache.StateError)
		return
	}
	b.store.Put(key, v)
	b.store.SetState(key, cache.StateSuccess)
}
