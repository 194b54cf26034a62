// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package settle

import (
	"sync"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

// balanceKey addresses one (holder, asset) pair.
type balanceKey [40]byte

func makeBalanceKey(holder, asset common.Address) balanceKey {
	var k balanceKey
	copy(k[0:20], holder[:])
	copy(k[20:40], asset[:])
	return k
}

// Ledger tracks locked and unlocked balances per (holder, asset). Both
// halves live in a single 256-bit word: locked in the high 128 bits,
// unlocked in the low 128 bits, so every mutation is one packed write.
// Arithmetic fails closed on overflow/underflow; the NoRevert variants
// return a flag instead, for use on settlement-message application paths
// where a bad amount must not abort the rest of a batch.
type Ledger struct {
	mu       sync.RWMutex
	balances map[balanceKey]*uint256.Int
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[balanceKey]*uint256.Int),
	}
}

// load splits the packed word for key into its locked and unlocked halves.
func (l *Ledger) load(key balanceKey) (locked, unlocked *uint256.Int) {
	word := l.balances[key]
	if word == nil {
		return new(uint256.Int), new(uint256.Int)
	}
	locked = new(uint256.Int).Rsh(word, 128)
	unlocked = new(uint256.Int).And(word, MaxBalance)
	return locked, unlocked
}

// store packs and writes both halves for key. Zero words are deleted.
func (l *Ledger) store(key balanceKey, locked, unlocked *uint256.Int) {
	word := new(uint256.Int).Lsh(locked, 128)
	word.Or(word, unlocked)
	if word.IsZero() {
		delete(l.balances, key)
		return
	}
	l.balances[key] = word
}

// Lock increases the locked balance. The caller must already have custody of
// the funds; this is an unconditional credit tied to an Active order.
func (l *Ledger) Lock(holder, asset common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := makeBalanceKey(holder, asset)
	locked, unlocked := l.load(key)

	locked.Add(locked, amount)
	if locked.Gt(MaxBalance) {
		return ErrBalanceOverflow
	}

	l.store(key, locked, unlocked)
	return nil
}

// Unlock moves amount from locked to unlocked atomically. Fails if the
// locked balance is insufficient or the unlocked half would overflow.
func (l *Ledger) Unlock(holder, asset common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := makeBalanceKey(holder, asset)
	locked, unlocked := l.load(key)

	if locked.Lt(amount) {
		return ErrLockedUnderflow
	}
	locked.Sub(locked, amount)

	unlocked.Add(unlocked, amount)
	if unlocked.Gt(MaxBalance) {
		return ErrBalanceOverflow
	}

	l.store(key, locked, unlocked)
	return nil
}

// UnlockAll moves the full locked balance to unlocked and returns the amount
// moved. Used by cancellation.
func (l *Ledger) UnlockAll(holder, asset common.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := makeBalanceKey(holder, asset)
	locked, unlocked := l.load(key)

	moved := locked.Clone()
	unlocked.Add(unlocked, moved)
	l.store(key, new(uint256.Int), unlocked)
	return moved
}

// DecreaseLocked removes amount from the locked balance without crediting
// anyone. The settlement paths pair it with an unlocked credit to the
// counterparty.
func (l *Ledger) DecreaseLocked(holder, asset common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := makeBalanceKey(holder, asset)
	locked, unlocked := l.load(key)

	if locked.Lt(amount) {
		return ErrLockedUnderflow
	}
	locked.Sub(locked, amount)

	l.store(key, locked, unlocked)
	return nil
}

// IncreaseUnlocked credits amount to the unlocked balance.
func (l *Ledger) IncreaseUnlocked(holder, asset common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := makeBalanceKey(holder, asset)
	locked, unlocked := l.load(key)

	unlocked.Add(unlocked, amount)
	if unlocked.Gt(MaxBalance) {
		return ErrBalanceOverflow
	}

	l.store(key, locked, unlocked)
	return nil
}

// DecreaseUnlocked removes amount from the unlocked balance. Used by
// withdrawal.
func (l *Ledger) DecreaseUnlocked(holder, asset common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := makeBalanceKey(holder, asset)
	locked, unlocked := l.load(key)

	if unlocked.Lt(amount) {
		return ErrInsufficientUnlocked
	}
	unlocked.Sub(unlocked, amount)

	l.store(key, locked, unlocked)
	return nil
}

// DecreaseLockedNoRevert is the flag-returning variant of DecreaseLocked.
// On failure no state changes, for any (holder, asset) pair.
func (l *Ledger) DecreaseLockedNoRevert(holder, asset common.Address, amount *uint256.Int) bool {
	return l.DecreaseLocked(holder, asset, amount) == nil
}

// IncreaseUnlockedNoRevert is the flag-returning variant of IncreaseUnlocked.
func (l *Ledger) IncreaseUnlockedNoRevert(holder, asset common.Address, amount *uint256.Int) bool {
	return l.IncreaseUnlocked(holder, asset, amount) == nil
}

// LockedBalanceOf returns the locked balance for (holder, asset).
func (l *Ledger) LockedBalanceOf(holder, asset common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	locked, _ := l.load(makeBalanceKey(holder, asset))
	return locked
}

// UnlockedBalanceOf returns the unlocked balance for (holder, asset).
func (l *Ledger) UnlockedBalanceOf(holder, asset common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, unlocked := l.load(makeBalanceKey(holder, asset))
	return unlocked
}
