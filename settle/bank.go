// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package settle

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

// TokenBank is the engine's view of token custody. Deposits pull the
// offerer's input into the engine's account, fills and withdrawals push
// tokens back out. The native asset uses the NativeToken sentinel address.
type TokenBank interface {
	BalanceOf(asset, holder common.Address) *uint256.Int
	Transfer(asset, from, to common.Address, amount *uint256.Int) error
}

// MemoryBank is an in-process TokenBank used by tests and single-process
// deployments. Balances are plain per-(holder, asset) amounts.
type MemoryBank struct {
	mu       sync.RWMutex
	balances map[balanceKey]*uint256.Int
}

// NewMemoryBank creates an empty bank.
func NewMemoryBank() *MemoryBank {
	return &MemoryBank{
		balances: make(map[balanceKey]*uint256.Int),
	}
}

// Mint credits freshly created tokens to holder.
func (b *MemoryBank) Mint(asset, holder common.Address, amount *uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := makeBalanceKey(holder, asset)
	bal := b.balances[key]
	if bal == nil {
		bal = new(uint256.Int)
		b.balances[key] = bal
	}
	bal.Add(bal, amount)
}

// BalanceOf returns holder's balance of asset.
func (b *MemoryBank) BalanceOf(asset, holder common.Address) *uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bal := b.balances[makeBalanceKey(holder, asset)]
	if bal == nil {
		return new(uint256.Int)
	}
	return bal.Clone()
}

// Transfer moves amount of asset from one holder to another.
func (b *MemoryBank) Transfer(asset, from, to common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	fromKey := makeBalanceKey(from, asset)
	fromBal := b.balances[fromKey]
	if fromBal == nil || fromBal.Lt(amount) {
		return fmt.Errorf("%w: insufficient balance", ErrTransferFailed)
	}
	fromBal.Sub(fromBal, amount)
	if fromBal.IsZero() {
		delete(b.balances, fromKey)
	}

	toKey := makeBalanceKey(to, asset)
	toBal := b.balances[toKey]
	if toBal == nil {
		toBal = new(uint256.Int)
		b.balances[toKey] = toBal
	}
	toBal.Add(toBal, amount)
	return nil
}
