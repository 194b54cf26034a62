// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package settle

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
	"github.com/rs/zerolog"
)

// Verifier checks order signatures and signed transfer authorizations.
// Signature schemes (EIP-712 and the external transfer-authorization scheme)
// live outside the engine; a failed check rejects the operation before any
// state mutation.
type Verifier interface {
	VerifyOrder(order *Order, signature []byte) error
	VerifyTransferAuthorization(order *Order, nonce, deadline uint64, signature []byte) error
}

// Clock returns the current unix time in seconds. Injectable for tests.
type Clock func() uint64

// SettlementEngine is one domain's half of the settlement protocol. It owns
// that domain's balance ledger, order registry and pending-fill queues, and
// composes them with the injected custody bank, hook caller, verifier and
// transport into the user-facing settlement paths.
//
// Execution is serialized: every public operation runs to completion under
// the engine mutex, mirroring one-transaction-at-a-time domain semantics.
type SettlementEngine struct {
	mu sync.Mutex

	domain  DomainID
	custody common.Address
	config  Config

	ledger    *Ledger
	registry  *OrderRegistry
	bank      TokenBank
	hooks     HookCaller
	verifier  Verifier
	transport Transport

	// pending fill batches awaiting settlement, per (origin domain, solver)
	pending map[pendingKey][]common.Hash

	log zerolog.Logger
	now Clock
}

// pendingKey addresses one settlement queue.
type pendingKey struct {
	domain DomainID
	solver common.Address
}

// EngineOptions wires a SettlementEngine's collaborators.
type EngineOptions struct {
	Domain    DomainID
	Config    Config
	DB        database.Database
	Bank      TokenBank
	Hooks     HookCaller
	Verifier  Verifier
	Transport Transport
	Logger    *zerolog.Logger // nil for no logging
	Clock     Clock           // nil for wall clock
}

// NewSettlementEngine creates an engine for one domain.
func NewSettlementEngine(opts EngineOptions) *SettlementEngine {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() uint64 { return uint64(time.Now().Unix()) }
	}
	if opts.Config.MaxSettleBatch <= 0 {
		opts.Config.MaxSettleBatch = DefaultMaxSettleBatch
	}
	// The settlement message count field is 16 bits.
	if opts.Config.MaxSettleBatch > math.MaxUint16 {
		opts.Config.MaxSettleBatch = math.MaxUint16
	}

	return &SettlementEngine{
		domain:    opts.Domain,
		custody:   SettlementAddress,
		config:    opts.Config,
		ledger:    NewLedger(),
		registry:  NewOrderRegistry(opts.DB),
		bank:      opts.Bank,
		hooks:     opts.Hooks,
		verifier:  opts.Verifier,
		transport: opts.Transport,
		pending:   make(map[pendingKey][]common.Hash),
		log:       logger.With().Uint32("domain", uint32(opts.Domain)).Logger(),
		now:       clock,
	}
}

// Domain returns the domain this engine settles for.
func (e *SettlementEngine) Domain() DomainID { return e.domain }

// =========================================================================
// Deposit
// =========================================================================

// Deposit escrows the offerer's input leg on the source domain and activates
// the order. With a SrcHook the input is produced by a whitelisted
// conversion instead of a direct pull, and a same-domain order settles
// atomically: the fresh lock moves straight to the depositing solver's
// unlocked credit since there is no separate fill step.
func (e *SettlementEngine) Deposit(caller common.Address, order *Order, signature []byte, hook *SrcHook) (common.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkDeposit(caller, order); err != nil {
		return common.Hash{}, err
	}
	if err := e.verifier.VerifyOrder(order, signature); err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	hash := HashOrder(order)
	if e.registry.Status(hash) != StatusUnknown {
		return hash, ErrOrderExists
	}

	// Input leg: exactly one of direct pull or hook conversion.
	if hook == nil {
		if err := e.bank.Transfer(order.InputToken, order.Offerer, e.custody, order.InputAmount); err != nil {
			return hash, err
		}
	} else {
		if hook.PreferredToken != order.InputToken {
			return hash, ErrHookTokenMismatch
		}
		if err := e.convertWithHook(hook.Hook, hook.PreferredToken, hook.MinOutput, order.InputAmount, hook.Instructions, hook.Solver); err != nil {
			return hash, err
		}
	}

	if err := e.ledger.Lock(order.Offerer, order.InputToken, order.InputAmount); err != nil {
		return hash, err
	}
	if _, err := e.registry.Register(order, StatusActive); err != nil {
		return hash, err
	}

	// Same-domain hook deposits have no fill step: settle atomically.
	if order.SingleChain() && hook != nil {
		if err := e.releaseLockTo(order, caller); err != nil {
			return hash, err
		}
		if err := e.registry.Transition(hash, StatusActive, StatusSettled); err != nil {
			return hash, err
		}
		e.log.Info().Str("order", hash.Hex()).Str("solver", caller.Hex()).Msg("hook deposit settled")
		return hash, nil
	}

	e.log.Info().
		Str("order", hash.Hex()).
		Str("offerer", order.Offerer.Hex()).
		Str("amount", order.InputAmount.Dec()).
		Msg("order deposited")
	return hash, nil
}

// DepositWithAuthorization is Deposit for offerers using the external
// signed-transfer authorization scheme instead of a prior token approval.
// The authorization is validated before the pull; hooks are not supported on
// this path.
func (e *SettlementEngine) DepositWithAuthorization(caller common.Address, order *Order, signature []byte, nonce, deadline uint64, transferSig []byte) (common.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkDeposit(caller, order); err != nil {
		return common.Hash{}, err
	}
	if err := e.verifier.VerifyOrder(order, signature); err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if err := e.verifier.VerifyTransferAuthorization(order, nonce, deadline, transferSig); err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	hash := HashOrder(order)
	if e.registry.Status(hash) != StatusUnknown {
		return hash, ErrOrderExists
	}

	if err := e.bank.Transfer(order.InputToken, order.Offerer, e.custody, order.InputAmount); err != nil {
		return hash, err
	}
	if err := e.ledger.Lock(order.Offerer, order.InputToken, order.InputAmount); err != nil {
		return hash, err
	}
	if _, err := e.registry.Register(order, StatusActive); err != nil {
		return hash, err
	}

	e.log.Info().Str("order", hash.Hex()).Msg("order deposited with authorization")
	return hash, nil
}

func (e *SettlementEngine) checkDeposit(caller common.Address, order *Order) error {
	if e.config.Paused {
		return ErrPaused
	}
	if !e.config.IsWhitelistedSolver(caller) {
		return ErrSolverNotWhitelisted
	}
	if order.SrcDomain != e.domain {
		return ErrWrongDomain
	}
	if !e.config.IsSupportedDestination(order.DstDomain) {
		return ErrUnsupportedDestination
	}
	if err := ValidateOrder(order); err != nil {
		return err
	}
	if e.now() > order.EndTime {
		return ErrOrderExpired
	}
	return nil
}

// =========================================================================
// Fill
// =========================================================================

// Fill delivers the output leg on the destination domain. Same-domain orders
// settle immediately: the offerer's lock moves to the filling solver's
// unlocked credit. Cross-domain orders are recorded Filled and queued for
// the next settlement message to the source domain.
func (e *SettlementEngine) Fill(caller common.Address, order *Order, hook *DstHook) (common.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.config.Paused {
		return common.Hash{}, ErrPaused
	}
	if !e.config.IsWhitelistedSolver(caller) {
		return common.Hash{}, ErrSolverNotWhitelisted
	}
	if order.DstDomain != e.domain {
		return common.Hash{}, ErrWrongDomain
	}
	if err := ValidateOrder(order); err != nil {
		return common.Hash{}, err
	}

	now := e.now()
	if now < order.StartTime {
		return common.Hash{}, ErrOrderNotStarted
	}
	if now > order.EndTime {
		return common.Hash{}, ErrOrderExpired
	}

	hash := HashOrder(order)
	status := e.registry.Status(hash)
	if order.SingleChain() {
		// Deposit must have activated the order on this domain.
		if status != StatusActive {
			return hash, ErrInvalidStatus
		}
	} else if status != StatusUnknown {
		// Exactly one fill per order.
		return hash, ErrInvalidStatus
	}

	// Output leg: exactly one of direct transfer or hook conversion.
	if hook == nil {
		if err := e.bank.Transfer(order.OutputToken, caller, order.Recipient, order.OutputAmount); err != nil {
			return hash, err
		}
	} else {
		if hook.PreferredToken != order.OutputToken {
			return hash, ErrHookTokenMismatch
		}
		if err := e.convertWithHook(hook.Hook, hook.PreferredToken, hook.MinOutput, order.OutputAmount, hook.Instructions, caller); err != nil {
			return hash, err
		}
		if err := e.bank.Transfer(order.OutputToken, e.custody, order.Recipient, order.OutputAmount); err != nil {
			return hash, err
		}
	}

	if order.SingleChain() {
		if err := e.releaseLockTo(order, caller); err != nil {
			return hash, err
		}
		if err := e.registry.Transition(hash, StatusActive, StatusSettled); err != nil {
			return hash, err
		}
		e.log.Info().Str("order", hash.Hex()).Str("solver", caller.Hex()).Msg("order filled and settled")
		return hash, nil
	}

	if _, err := e.registry.Register(order, StatusFilled); err != nil {
		return hash, err
	}
	key := pendingKey{domain: order.SrcDomain, solver: caller}
	e.pending[key] = append(e.pending[key], hash)

	e.log.Info().
		Str("order", hash.Hex()).
		Str("filler", caller.Hex()).
		Uint32("srcDomain", uint32(order.SrcDomain)).
		Msg("order filled, settlement pending")
	return hash, nil
}

// releaseLockTo moves the order's locked input from the offerer to the
// solver's unlocked credit, the shared final step of every settlement path.
func (e *SettlementEngine) releaseLockTo(order *Order, solver common.Address) error {
	if err := e.ledger.DecreaseLocked(order.Offerer, order.InputToken, order.InputAmount); err != nil {
		return err
	}
	return e.ledger.IncreaseUnlocked(solver, order.InputToken, order.InputAmount)
}

// =========================================================================
// Swap
// =========================================================================

// Swap executes a same-domain order atomically in one call: the input moves
// from the offerer into the solver's unlocked credit, then the output moves
// from the solver to the recipient, each exactly once. The order goes
// directly from Unknown to Settled with no observable intermediate state.
func (e *SettlementEngine) Swap(caller common.Address, order *Order, signature []byte) (common.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.config.Paused {
		return common.Hash{}, ErrPaused
	}
	if !e.config.IsWhitelistedSolver(caller) {
		return common.Hash{}, ErrSolverNotWhitelisted
	}
	if !order.SingleChain() {
		return common.Hash{}, ErrSingleChainOnly
	}
	if order.SrcDomain != e.domain {
		return common.Hash{}, ErrWrongDomain
	}
	if err := ValidateOrder(order); err != nil {
		return common.Hash{}, err
	}

	now := e.now()
	if now < order.StartTime {
		return common.Hash{}, ErrOrderNotStarted
	}
	if now > order.EndTime {
		return common.Hash{}, ErrOrderExpired
	}
	if err := e.verifier.VerifyOrder(order, signature); err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	hash := HashOrder(order)
	if e.registry.Status(hash) != StatusUnknown {
		return hash, ErrOrderExists
	}

	// Input first: offerer -> custody, credited unlocked to the solver.
	if err := e.bank.Transfer(order.InputToken, order.Offerer, e.custody, order.InputAmount); err != nil {
		return hash, err
	}
	if err := e.ledger.IncreaseUnlocked(caller, order.InputToken, order.InputAmount); err != nil {
		return hash, err
	}

	// Then output: solver -> recipient.
	if err := e.bank.Transfer(order.OutputToken, caller, order.Recipient, order.OutputAmount); err != nil {
		return hash, err
	}

	if _, err := e.registry.Register(order, StatusSettled); err != nil {
		return hash, err
	}

	e.log.Info().
		Str("order", hash.Hex()).
		Str("solver", caller.Hex()).
		Msg("atomic swap settled")
	return hash, nil
}

// =========================================================================
// Cancel
// =========================================================================

// Cancel releases an order's escrow back to the offerer. Same-domain orders
// unlock immediately. For cross-domain orders cancellation is initiated on
// the destination domain (a whitelisted solver may cancel at any time, the
// offerer only after expiry) and a cancellation message is relayed to the
// source domain, where it is applied unconditionally. The configured admin
// may cancel any non-terminal order regardless of these rules.
//
// orderData is required on the destination domain when the order was never
// filled there (the registry has no record to consult); it must hash to
// orderHash.
func (e *SettlementEngine) Cancel(caller common.Address, orderHash common.Hash, orderData *Order) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, err := e.registry.Order(orderHash)
	if err != nil {
		if orderData == nil {
			return ErrOrderNotFound
		}
		if HashOrder(orderData) != orderHash {
			return ErrHashMismatch
		}
		order = orderData
	}

	admin := e.config.Admin != (common.Address{}) && caller == e.config.Admin

	switch {
	case order.SingleChain() && order.SrcDomain == e.domain:
		return e.cancelLocal(caller, orderHash, order, admin)

	case !order.SingleChain() && order.DstDomain == e.domain:
		return e.cancelDestination(caller, orderHash, order, admin)

	case !order.SingleChain() && order.SrcDomain == e.domain:
		// Source-side cancellation normally arrives as a message from the
		// destination; only the admin override may short-circuit it.
		if !admin {
			return ErrCancelForbidden
		}
		return e.applyCancellation(orderHash, order)

	default:
		return ErrWrongDomain
	}
}

// cancelLocal handles same-domain cancellation: solver anytime, offerer
// after expiry, admin always.
func (e *SettlementEngine) cancelLocal(caller common.Address, hash common.Hash, order *Order, admin bool) error {
	if e.registry.Status(hash) != StatusActive {
		return ErrInvalidStatus
	}
	if !admin && !e.cancelPermitted(caller, order) {
		return ErrCancelForbidden
	}
	return e.applyCancellation(hash, order)
}

// cancelDestination handles destination-domain cancellation of a
// cross-domain order and relays the result to the source domain.
func (e *SettlementEngine) cancelDestination(caller common.Address, hash common.Hash, order *Order, admin bool) error {
	status := e.registry.Status(hash)
	switch status {
	case StatusUnknown:
		// not filled here; cancellable
	case StatusFilled:
		// a filled order is past cancelling for everyone but the admin
		if !admin {
			return ErrInvalidStatus
		}
	default:
		return ErrInvalidStatus
	}
	if !admin && !e.cancelPermitted(caller, order) {
		return ErrCancelForbidden
	}

	// The registry is mutated only after the message is away: a transport
	// failure leaves the order in its prior status so the cancel can be
	// retried.
	if err := e.sendMessage(order.SrcDomain, EncodeCancellation(hash)); err != nil {
		return err
	}

	if status == StatusUnknown {
		if _, err := e.registry.Register(order, StatusCancelled); err != nil {
			return err
		}
	} else {
		if err := e.registry.Transition(hash, status, StatusCancelled); err != nil {
			return err
		}
	}

	e.log.Info().Str("order", hash.Hex()).Msg("cancellation relayed to source domain")
	return nil
}

// cancelPermitted applies the shared permission rule: a whitelisted solver
// may cancel at any time, the offerer only after the order expired.
func (e *SettlementEngine) cancelPermitted(caller common.Address, order *Order) bool {
	if e.config.IsWhitelistedSolver(caller) {
		return true
	}
	return caller == order.Offerer && e.now() > order.EndTime
}

// applyCancellation releases the offerer's escrow and finalizes the order on
// the domain holding the lock.
func (e *SettlementEngine) applyCancellation(hash common.Hash, order *Order) error {
	if err := e.registry.Transition(hash, StatusActive, StatusCancelled); err != nil {
		return err
	}
	if err := e.ledger.Unlock(order.Offerer, order.InputToken, order.InputAmount); err != nil {
		return err
	}

	e.log.Info().
		Str("order", hash.Hex()).
		Str("offerer", order.Offerer.Hex()).
		Msg("order cancelled, escrow unlocked")
	return nil
}

// =========================================================================
// Withdraw and read accessors
// =========================================================================

// Withdraw moves unlocked balance out of the engine's custody back to the
// caller. A nil amount withdraws the full unlocked balance. Returns the
// amount withdrawn.
func (e *SettlementEngine) Withdraw(caller, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount == nil {
		amount = e.ledger.UnlockedBalanceOf(caller, asset)
	}
	if amount.IsZero() {
		return new(uint256.Int), nil
	}

	if err := e.ledger.DecreaseUnlocked(caller, asset, amount); err != nil {
		return nil, err
	}
	if err := e.bank.Transfer(asset, e.custody, caller, amount); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("holder", caller.Hex()).
		Str("amount", amount.Dec()).
		Msg("withdrawal")
	return amount, nil
}

// LockedBalanceOf returns holder's locked balance of asset.
func (e *SettlementEngine) LockedBalanceOf(holder, asset common.Address) *uint256.Int {
	return e.ledger.LockedBalanceOf(holder, asset)
}

// UnlockedBalanceOf returns holder's unlocked balance of asset.
func (e *SettlementEngine) UnlockedBalanceOf(holder, asset common.Address) *uint256.Int {
	return e.ledger.UnlockedBalanceOf(holder, asset)
}

// StatusOf returns the order's status on this domain.
func (e *SettlementEngine) StatusOf(hash common.Hash) OrderStatus {
	return e.registry.Status(hash)
}

// PendingSettlement returns a copy of the settlement queue for the given
// (origin domain, solver) pair.
func (e *SettlementEngine) PendingSettlement(domain DomainID, solver common.Address) []common.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()

	q := e.pending[pendingKey{domain: domain, solver: solver}]
	out := make([]common.Hash, len(q))
	copy(out, q)
	return out
}
