// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package settle implements the intent settlement engine: a signed Order
// describes a token swap, a whitelisted solver escrows the offerer's input,
// and the engine reconciles the obligations on one or two domains while
// keeping exact locked/unlocked balance accounting. Cross-domain orders are
// finalized by batched settlement messages and single-order cancellation
// messages carried by an external transport.
package settle

import (
	"errors"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

// DomainID identifies an execution domain (a chain). Orders whose source and
// destination domains are equal settle atomically; all others go through the
// message protocol.
type DomainID uint32

// SettlementAddress is the reserved custody address of the engine (LP-6020).
// All escrowed tokens are held by this account in the TokenBank.
var SettlementAddress = common.HexToAddress("0x0000000000000000000000000000000000006020")

// NativeToken is the sentinel asset identifier for the domain's native token.
var NativeToken = common.Address{}

// Order is the immutable swap intent signed by the offerer. Its identity is
// the blake3 hash of the canonical encoding of all ten fields; two orders
// with identical fields share one identity and one lifecycle.
type Order struct {
	Offerer      common.Address // signs the order, funds the input leg
	Recipient    common.Address // receives the output leg
	InputToken   common.Address // NativeToken for the native asset
	OutputToken  common.Address
	InputAmount  *uint256.Int // bounded by MaxBalance
	OutputAmount *uint256.Int // bounded by MaxBalance
	StartTime    uint64       // order valid from (unix seconds, inclusive)
	EndTime      uint64       // order valid until (unix seconds, inclusive)
	SrcDomain    DomainID
	DstDomain    DomainID
}

// SingleChain reports whether the order settles entirely on one domain.
func (o *Order) SingleChain() bool {
	return o.SrcDomain == o.DstDomain
}

// OrderStatus is the per-domain lifecycle state of an order. The two halves
// of a cross-domain order carry independent statuses correlated by order
// hash; a settlement or cancellation message reconciles them.
type OrderStatus uint8

const (
	StatusUnknown   OrderStatus = iota // never seen, or not tracked on this domain
	StatusActive                       // input locked, awaiting fill
	StatusFilled                       // recipient paid on the destination, awaiting settlement
	StatusSettled                      // terminal: solver credited
	StatusCancelled                    // terminal: escrow returned
)

// Terminal reports whether no further transition is permitted.
func (s OrderStatus) Terminal() bool {
	return s == StatusSettled || s == StatusCancelled
}

func (s OrderStatus) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusActive:
		return "active"
	case StatusFilled:
		return "filled"
	case StatusSettled:
		return "settled"
	case StatusCancelled:
		return "cancelled"
	default:
		return "invalid"
	}
}

// SrcHook describes an optional conversion step run during deposit. The hook
// must produce the order's input token; anything measured above the input
// amount is surplus owned by Solver. Hook parameters are ephemeral and never
// persisted.
type SrcHook struct {
	Hook           common.Address // whitelisted hook contract
	PreferredToken common.Address // asset the hook is expected to produce
	MinOutput      *uint256.Int   // minimum acceptable measured output
	Instructions   []byte         // opaque calldata for the hook
	Solver         common.Address // owns any conversion surplus
}

// DstHook describes an optional conversion step run during fill. The hook
// must produce the order's output token; surplus above the output amount is
// credited to the filling solver.
type DstHook struct {
	Hook           common.Address
	PreferredToken common.Address
	MinOutput      *uint256.Int
	Instructions   []byte
}

// Message type discriminants (first payload byte).
const (
	MsgSettlement   byte = 0x00
	MsgCancellation byte = 0x01
)

// Wire sizes.
const (
	settlementHeaderSize = 23  // type(1) + filler(20) + count(2)
	CancellationSize     = 33  // type(1) + orderHash(32)
	orderEncodingSize    = 168 // canonical Order encoding, see order.go
)

// DefaultMaxSettleBatch bounds the number of order hashes drained into one
// settlement message. Queues longer than this take multiple Settle calls.
const DefaultMaxSettleBatch = 100

// MaxBalance is the largest representable amount: locked and unlocked halves
// share one 256-bit word, 128 bits each.
var MaxBalance = new(uint256.Int).Sub(
	new(uint256.Int).Lsh(uint256.NewInt(1), 128),
	uint256.NewInt(1),
)

// Config carries the administrator-controlled state injected into the
// engine. Lifecycle of the allow-lists and the pause flag is external to the
// settlement core.
type Config struct {
	Solvers        map[common.Address]bool // whitelisted solvers
	Hooks          map[common.Address]bool // whitelisted conversion hooks
	Destinations   map[DomainID]bool       // supported destination domains
	Admin          common.Address          // may cancel any non-terminal order
	Paused         bool
	MaxSettleBatch int
}

// DefaultConfig returns an empty, unpaused configuration.
func DefaultConfig() Config {
	return Config{
		Solvers:        make(map[common.Address]bool),
		Hooks:          make(map[common.Address]bool),
		Destinations:   make(map[DomainID]bool),
		MaxSettleBatch: DefaultMaxSettleBatch,
	}
}

// IsWhitelistedSolver reports whether identity may act as a solver.
func (c *Config) IsWhitelistedSolver(identity common.Address) bool {
	return c.Solvers[identity]
}

// IsWhitelistedHook reports whether addr may be invoked as a conversion hook.
func (c *Config) IsWhitelistedHook(addr common.Address) bool {
	return c.Hooks[addr]
}

// IsSupportedDestination reports whether orders may target domain.
func (c *Config) IsSupportedDestination(domain DomainID) bool {
	return c.Destinations[domain]
}

// Validation errors. These reject the whole operation before any state
// mutation.
var (
	ErrPaused                 = errors.New("settlement engine is paused")
	ErrInvalidSignature       = errors.New("invalid order signature")
	ErrSolverNotWhitelisted   = errors.New("solver not whitelisted")
	ErrUnsupportedDestination = errors.New("destination domain not supported")
	ErrWrongDomain            = errors.New("order not addressed to this domain")
	ErrZeroAmount             = errors.New("order amount is zero")
	ErrAmountTooLarge         = errors.New("amount exceeds 128-bit balance limit")
	ErrInvalidWindow          = errors.New("order end time not after start time")
	ErrHashMismatch           = errors.New("order data does not match hash")
	ErrHookTokenMismatch      = errors.New("hook preferred token does not match order leg")
)

// State-machine errors.
var (
	ErrOrderExists     = errors.New("order already exists")
	ErrOrderNotFound   = errors.New("order not found")
	ErrInvalidStatus   = errors.New("invalid order status for transition")
	ErrOrderNotStarted = errors.New("order not yet active")
	ErrOrderExpired    = errors.New("Order has expired")
	ErrCancelForbidden = errors.New("caller may not cancel this order")
	ErrSingleChainOnly = errors.New("Only for single-chain swaps")
)

// Arithmetic errors. Within batched settlement application these degrade to
// a per-entry skip instead of failing the batch.
var (
	ErrLockedUnderflow      = errors.New("locked balance underflow")
	ErrBalanceOverflow      = errors.New("balance overflow")
	ErrInsufficientUnlocked = errors.New("insufficient unlocked balance")
)

// External-call errors.
var (
	ErrInvalidHook            = errors.New("Invalid hook address")
	ErrHookCallFailed         = errors.New("Call failed")
	ErrInsufficientHookOutput = errors.New("Insufficient output from hook")
	ErrTransferFailed         = errors.New("token transfer failed")
)

// Message protocol errors.
var (
	ErrNoOrdersToSettle   = errors.New("No orders provided")
	ErrInvalidPayload     = errors.New("invalid message payload")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrNoTransport        = errors.New("no transport configured")
)
