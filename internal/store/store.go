// Package store defines the journal persistence interface for the perp
// engine. Implementations include in-memory (the default) and a Redis
// wrapper that caches trader history and publishes every appended entry.
package store

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrDuplicateEntry is returned when an entry ID is appended twice.
	ErrDuplicateEntry = errors.New("store: duplicate entry")

	// ErrInvalidEntry is returned for entries without an ID.
	ErrInvalidEntry = errors.New("store: entry has no id")
)

// Store is the journal interface. Entries are append-only.
type Store interface {
	// Append records an executed operation.
	Append(ctx context.Context, entry *model.Entry) error

	// EntriesByMarket returns the entries of a market, oldest first.
	EntriesByMarket(ctx context.Context, market common.Address) ([]model.Entry, error)

	// EntriesByTrader returns the entries a trader took part in, as trader
	// or liquidator, oldest first.
	EntriesByTrader(ctx context.Context, trader common.Address) ([]model.Entry, error)

	// Recent returns up to limit of the newest entries, newest first.
	Recent(ctx context.Context, limit int) ([]model.Entry, error)
}
