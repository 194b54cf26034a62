// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package settle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
)

// Storage key prefixes for registry records.
var (
	orderPrefix  = []byte("ord")
	statusPrefix = []byte("sta")
)

func orderKey(hash common.Hash) []byte {
	return append(append([]byte{}, orderPrefix...), hash[:]...)
}

func statusKey(hash common.Hash) []byte {
	return append(append([]byte{}, statusPrefix...), hash[:]...)
}

// OrderRegistry tracks order records and their per-domain lifecycle status,
// keyed by order hash. Records are written through to the backing database
// so settlement and cancellation messages can be applied against orders
// deposited before a restart. Terminal statuses are kept forever: an order
// hash that reached Settled or Cancelled can never be registered again.
type OrderRegistry struct {
	mu sync.Mutex
	db database.Database

	// write-through caches
	orders   map[common.Hash]*Order
	statuses map[common.Hash]OrderStatus
}

// NewOrderRegistry creates a registry backed by db.
func NewOrderRegistry(db database.Database) *OrderRegistry {
	return &OrderRegistry{
		db:       db,
		orders:   make(map[common.Hash]*Order),
		statuses: make(map[common.Hash]OrderStatus),
	}
}

// Status returns the current status for hash, StatusUnknown if never seen.
func (r *OrderRegistry) Status(hash common.Hash) OrderStatus {
	// Misses fill the cache, so this takes the write lock.
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked(hash)
}

func (r *OrderRegistry) statusLocked(hash common.Hash) OrderStatus {
	if s, ok := r.statuses[hash]; ok {
		return s
	}
	raw, err := r.db.Get(statusKey(hash))
	if err != nil || len(raw) != 1 {
		return StatusUnknown
	}
	s := OrderStatus(raw[0])
	r.statuses[hash] = s
	return s
}

// Order returns the stored order record for hash.
func (r *OrderRegistry) Order(hash common.Hash) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if o, ok := r.orders[hash]; ok {
		return o, nil
	}
	raw, err := r.db.Get(orderKey(hash))
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry read: %w", err)
	}
	o, err := DecodeOrder(raw)
	if err != nil {
		return nil, err
	}
	r.orders[hash] = o
	return o, nil
}

// Register stores the order record under its hash with the given initial
// status. Fails with ErrOrderExists if the hash was ever registered before,
// including hashes that already reached a terminal status.
func (r *OrderRegistry) Register(o *Order, status OrderStatus) (common.Hash, error) {
	hash := HashOrder(o)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.statusLocked(hash) != StatusUnknown {
		return hash, ErrOrderExists
	}

	if err := r.db.Put(orderKey(hash), EncodeOrder(o)); err != nil {
		return hash, fmt.Errorf("registry write: %w", err)
	}
	if err := r.db.Put(statusKey(hash), []byte{byte(status)}); err != nil {
		return hash, fmt.Errorf("registry write: %w", err)
	}

	r.orders[hash] = o
	r.statuses[hash] = status
	return hash, nil
}

// Transition advances hash from the expected status to the next one. A
// mismatched pre-state or a terminal current status yields ErrInvalidStatus
// and no mutation, which is what makes replayed messages no-ops.
func (r *OrderRegistry) Transition(hash common.Hash, from, to OrderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.statusLocked(hash)
	if current.Terminal() || current != from {
		return ErrInvalidStatus
	}

	if err := r.db.Put(statusKey(hash), []byte{byte(to)}); err != nil {
		return fmt.Errorf("registry write: %w", err)
	}
	r.statuses[hash] = to
	return nil
}
