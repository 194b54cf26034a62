// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package settle

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

// HookCaller executes an external conversion hook. A hook receives opaque
// instructions and is expected to deliver its output into the engine's
// custody account in the TokenBank; the engine never trusts the hook's own
// accounting and instead measures the balance delta itself.
type HookCaller interface {
	CallHook(hook common.Address, instructions []byte) error
}

// runHook executes a whitelisted hook and returns the exact measured output:
// the custody account's balance delta of the preferred token across the
// call. The delta insulates the ledger from a hook lying about amounts.
func (e *SettlementEngine) runHook(hook, preferred common.Address, minOutput *uint256.Int, instructions []byte) (*uint256.Int, error) {
	if !e.config.IsWhitelistedHook(hook) {
		return nil, ErrInvalidHook
	}
	if e.hooks == nil {
		return nil, ErrInvalidHook
	}

	before := e.bank.BalanceOf(preferred, e.custody)

	if err := e.hooks.CallHook(hook, instructions); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHookCallFailed, err)
	}

	after := e.bank.BalanceOf(preferred, e.custody)
	if after.Lt(before) {
		return nil, ErrInsufficientHookOutput
	}

	output := new(uint256.Int).Sub(after, before)
	if minOutput != nil && output.Lt(minOutput) {
		return nil, ErrInsufficientHookOutput
	}
	return output, nil
}

// convertWithHook runs a hook that must produce at least required units of
// preferred, and credits everything above required to surplusTo's unlocked
// balance. The surplus owner is always caller-designated, never inferred,
// because the same hook can be invoked on behalf of different depositors.
// The total measured output is fully accounted for: required stays backed by
// custody for the order leg, the remainder becomes the solver's withdrawable
// credit.
func (e *SettlementEngine) convertWithHook(hook, preferred common.Address, minOutput, required *uint256.Int, instructions []byte, surplusTo common.Address) error {
	output, err := e.runHook(hook, preferred, minOutput, instructions)
	if err != nil {
		return err
	}
	if output.Lt(required) {
		return ErrInsufficientHookOutput
	}

	surplus := new(uint256.Int).Sub(output, required)
	if !surplus.IsZero() {
		if err := e.ledger.IncreaseUnlocked(surplusTo, preferred, surplus); err != nil {
			return err
		}
		e.log.Debug().
			Str("hook", hook.Hex()).
			Str("solver", surplusTo.Hex()).
			Str("surplus", surplus.Dec()).
			Msg("hook surplus credited")
	}
	return nil
}
