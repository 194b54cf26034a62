// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package settle

import (
	"encoding/binary"
	"fmt"

	"github.com/luxfi/geth/common"
)

// Wire formats. Both message types carry a one-byte discriminant up front
// and are rejected on any length mismatch before the body is interpreted.
//
//	Settlement:   0x00 || filler(20) || count(2, big-endian) || count * hash(32)
//	Cancellation: 0x01 || orderHash(32)                         (33 bytes)

// EncodeSettlement packs a settlement message for filler covering hashes.
func EncodeSettlement(filler common.Address, hashes []common.Hash) []byte {
	payload := make([]byte, 0, settlementHeaderSize+32*len(hashes))
	payload = append(payload, MsgSettlement)
	payload = append(payload, filler[:]...)

	var count [2]byte
	binary.BigEndian.PutUint16(count[:], uint16(len(hashes)))
	payload = append(payload, count[:]...)

	for _, h := range hashes {
		payload = append(payload, h[:]...)
	}
	return payload
}

// DecodeSettlement unpacks a settlement message body.
func DecodeSettlement(payload []byte) (filler common.Address, hashes []common.Hash, err error) {
	if len(payload) < settlementHeaderSize || payload[0] != MsgSettlement {
		return common.Address{}, nil, ErrInvalidPayload
	}
	copy(filler[:], payload[1:21])

	count := int(binary.BigEndian.Uint16(payload[21:23]))
	if len(payload) != settlementHeaderSize+32*count {
		return common.Address{}, nil, ErrInvalidPayload
	}

	hashes = make([]common.Hash, count)
	for i := 0; i < count; i++ {
		copy(hashes[i][:], payload[settlementHeaderSize+32*i:])
	}
	return filler, hashes, nil
}

// EncodeCancellation packs the fixed 33-byte cancellation message.
func EncodeCancellation(hash common.Hash) []byte {
	payload := make([]byte, CancellationSize)
	payload[0] = MsgCancellation
	copy(payload[1:], hash[:])
	return payload
}

// DecodeCancellation unpacks a cancellation message body.
func DecodeCancellation(payload []byte) (common.Hash, error) {
	if len(payload) != CancellationSize || payload[0] != MsgCancellation {
		return common.Hash{}, ErrInvalidPayload
	}
	var hash common.Hash
	copy(hash[:], payload[1:])
	return hash, nil
}

// =========================================================================
// Settlement dispatch
// =========================================================================

// Settle drains up to MaxSettleBatch pending fills for (srcDomain, caller)
// into one settlement message and sends it to the source domain. The drain
// is LIFO: the most recently appended hashes go first, older entries stay
// queued for subsequent calls. A queue of M entries therefore takes
// ceil(M/batch) calls to empty.
func (e *SettlementEngine) Settle(caller common.Address, srcDomain DomainID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.config.Paused {
		return ErrPaused
	}
	if !e.config.IsWhitelistedSolver(caller) {
		return ErrSolverNotWhitelisted
	}

	key := pendingKey{domain: srcDomain, solver: caller}
	queue := e.pending[key]
	if len(queue) == 0 {
		return ErrNoOrdersToSettle
	}

	n := e.config.MaxSettleBatch
	if n > len(queue) {
		n = len(queue)
	}
	batch := queue[len(queue)-n:]

	if err := e.sendMessage(srcDomain, EncodeSettlement(caller, batch)); err != nil {
		return err
	}

	// Drain only after a successful send.
	remaining := queue[:len(queue)-n]
	if len(remaining) == 0 {
		delete(e.pending, key)
	} else {
		e.pending[key] = remaining
	}

	e.log.Info().
		Str("filler", caller.Hex()).
		Uint32("srcDomain", uint32(srcDomain)).
		Int("batch", n).
		Int("remaining", len(remaining)).
		Msg("settlement message sent")
	return nil
}

// sendMessage quotes and sends one payload over the transport.
func (e *SettlementEngine) sendMessage(dst DomainID, payload []byte) error {
	if e.transport == nil {
		return ErrNoTransport
	}
	fee, err := e.transport.Quote(dst, payload[0], len(payload))
	if err != nil {
		return fmt.Errorf("transport quote: %w", err)
	}
	if _, err := e.transport.Send(dst, payload, fee); err != nil {
		return fmt.Errorf("transport send: %w", err)
	}
	return nil
}

// =========================================================================
// Message application
// =========================================================================

// OnReceive applies a settlement or cancellation message delivered by the
// transport. Idempotency comes from the status check in each handler, not
// from message deduplication: an entry whose order is not in the expected
// pre-state is a no-op for that entry, so replays cannot double-credit.
func (e *SettlementEngine) OnReceive(origin DomainID, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(payload) == 0 {
		return ErrInvalidPayload
	}

	switch payload[0] {
	case MsgSettlement:
		filler, hashes, err := DecodeSettlement(payload)
		if err != nil {
			return err
		}
		e.applySettlement(origin, filler, hashes)
		return nil

	case MsgCancellation:
		hash, err := DecodeCancellation(payload)
		if err != nil {
			return err
		}
		return e.applyCancellationMessage(origin, hash)

	default:
		return ErrUnknownMessageType
	}
}

// applySettlement finalizes each order in the batch: the offerer's lock is
// released and the filler is credited the input amount, then the order
// advances to Settled. One bad entry must not corrupt the ledger for the
// others, so each entry uses the non-reverting primitives and degrades to a
// logged skip; the batch is never aborted.
func (e *SettlementEngine) applySettlement(origin DomainID, filler common.Address, hashes []common.Hash) {
	for _, hash := range hashes {
		if err := e.applySettlementEntry(origin, filler, hash); err != nil {
			e.log.Warn().
				Str("order", hash.Hex()).
				Err(err).
				Msg("settlement entry skipped")
		}
	}
}

func (e *SettlementEngine) applySettlementEntry(origin DomainID, filler common.Address, hash common.Hash) error {
	order, err := e.registry.Order(hash)
	if err != nil {
		return err
	}
	if order.SrcDomain != e.domain || order.DstDomain != origin {
		return ErrWrongDomain
	}
	if e.registry.Status(hash) != StatusActive {
		return ErrInvalidStatus
	}

	if !e.ledger.DecreaseLockedNoRevert(order.Offerer, order.InputToken, order.InputAmount) {
		return ErrLockedUnderflow
	}
	if !e.ledger.IncreaseUnlockedNoRevert(filler, order.InputToken, order.InputAmount) {
		// Restore the lock so the entry is a clean no-op.
		e.ledger.Lock(order.Offerer, order.InputToken, order.InputAmount)
		return ErrBalanceOverflow
	}

	if err := e.registry.Transition(hash, StatusActive, StatusSettled); err != nil {
		return err
	}

	e.log.Info().
		Str("order", hash.Hex()).
		Str("filler", filler.Hex()).
		Msg("order settled")
	return nil
}

// applyCancellationMessage releases the offerer's escrow on the source
// domain. The permission check already happened on the sending domain, so
// the message is trusted; only the status check guards replays.
func (e *SettlementEngine) applyCancellationMessage(origin DomainID, hash common.Hash) error {
	order, err := e.registry.Order(hash)
	if err != nil {
		return err
	}
	if order.SrcDomain != e.domain || order.DstDomain != origin {
		return ErrWrongDomain
	}
	if e.registry.Status(hash) != StatusActive {
		return ErrInvalidStatus
	}
	return e.applyCancellation(hash, order)
}
