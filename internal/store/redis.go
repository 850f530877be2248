package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/model"
)

// DefaultChannel is the pub/sub channel entries are published on.
const DefaultChannel = "perp:journal"

// RedisStore wraps a primary Store with Redis. Appends go to the primary,
// invalidate the trader caches and are published on a channel; trader
// history is read through a cache.
type RedisStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	channel string
}

// NewRedisStore creates a Redis wrapper around a primary store. An empty
// channel uses DefaultChannel.
func NewRedisStore(primary Store, rdb *redis.Client, ttl time.Duration, channel string) *RedisStore {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		channel: channel,
	}
}

// --- Write-through (write to primary, invalidate cache, publish) ---

func (s *RedisStore) Append(ctx context.Context, entry *model.Entry) error {
	if err := s.primary.Append(ctx, entry); err != nil {
		return err
	}
	keys := []string{traderKey(entry.Trader)}
	if entry.Liquidator != nil {
		keys = append(keys, traderKey(*entry.Liquidator))
	}
	s.rdb.Del(ctx, keys...)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", entry.ID, err)
	}
	return s.rdb.Publish(ctx, s.channel, data).Err()
}

// --- Read-through (check cache first) ---

func (s *RedisStore) EntriesByTrader(ctx context.Context, trader common.Address) ([]model.Entry, error) {
	data, err := s.rdb.Get(ctx, traderKey(trader)).Bytes()
	if err == nil {
		var entries []model.Entry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	entries, err := s.primary.EntriesByTrader(ctx, trader)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, traderKey(trader), data, s.ttl)
	}
	return entries, nil
}

// --- Passthrough (not cached) ---

func (s *RedisStore) EntriesByMarket(ctx context.Context, market common.Address) ([]model.Entry, error) {
	return s.primary.EntriesByMarket(ctx, market)
}

func (s *RedisStore) Recent(ctx context.Context, limit int) ([]model.Entry, error) {
	return s.primary.Recent(ctx, limit)
}

// Subscribe returns a subscription to the entry channel. Callers close it.
func (s *RedisStore) Subscribe(ctx context.Context) *redis.PubSub {
	return s.rdb.Subscribe(ctx, s.channel)
}

func traderKey(addr common.Address) string { return fmt.Sprintf("journal:trader:%s", addr.Hex()) }
