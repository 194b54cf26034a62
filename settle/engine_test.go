// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package settle

import (
	"errors"
	"math"
	"testing"

	"github.com/holiman/uint256"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/require"
)

var (
	solverAddr    = common.HexToAddress("0x0000000000000000000000000000000000000051")
	offererAddr   = common.HexToAddress("0x0000000000000000000000000000000000000011")
	recipientAddr = common.HexToAddress("0x0000000000000000000000000000000000000022")
	adminAddr     = common.HexToAddress("0x00000000000000000000000000000000000000AD")
	hookAddr      = common.HexToAddress("0x0000000000000000000000000000000000000040")
	outsiderAddr  = common.HexToAddress("0x00000000000000000000000000000000000000EE")
)

type acceptAllVerifier struct{}

func (acceptAllVerifier) VerifyOrder(*Order, []byte) error { return nil }

func (acceptAllVerifier) VerifyTransferAuthorization(*Order, uint64, uint64, []byte) error {
	return nil
}

// mintingHook simulates a conversion hook by minting its configured output
// into the engine's custody account.
type mintingHook struct {
	bank   *MemoryBank
	token  common.Address
	amount *uint256.Int
	err    error
}

func (h *mintingHook) CallHook(common.Address, []byte) error {
	if h.err != nil {
		return h.err
	}
	h.bank.Mint(h.token, SettlementAddress, h.amount)
	return nil
}

// failingTransport quotes successfully but refuses every send.
type failingTransport struct {
	err error
}

func (t *failingTransport) Quote(DomainID, byte, int) (*uint256.Int, error) {
	return new(uint256.Int), nil
}

func (t *failingTransport) Send(DomainID, []byte, *uint256.Int) (common.Hash, error) {
	return common.Hash{}, t.err
}

type testClock struct {
	now uint64
}

func (c *testClock) Now() uint64 { return c.now }

type engineHarness struct {
	engine *SettlementEngine
	bank   *MemoryBank
	clock  *testClock
}

func newTestEngine(domain DomainID, transport Transport, hooks HookCaller, mutate func(*Config)) *engineHarness {
	cfg := DefaultConfig()
	cfg.Solvers[solverAddr] = true
	cfg.Hooks[hookAddr] = true
	cfg.Destinations[1] = true
	cfg.Destinations[2] = true
	cfg.Admin = adminAddr
	if mutate != nil {
		mutate(&cfg)
	}

	bank := NewMemoryBank()
	clock := &testClock{now: 1_500}
	engine := NewSettlementEngine(EngineOptions{
		Domain:    domain,
		Config:    cfg,
		DB:        memdb.New(),
		Bank:      bank,
		Hooks:     hooks,
		Verifier:  acceptAllVerifier{},
		Transport: transport,
		Clock:     clock.Now,
	})
	return &engineHarness{engine: engine, bank: bank, clock: clock}
}

// newDomainPair wires a source-domain engine (1) and a destination-domain
// engine (2) over one loopback transport.
func newDomainPair(srcHooks, dstHooks HookCaller, mutate func(*Config)) (src, dst *engineHarness, lt *LoopbackTransport) {
	lt = NewLoopbackTransport(1, 0)
	src = newTestEngine(1, lt.Endpoint(1), srcHooks, mutate)
	dst = newTestEngine(2, lt.Endpoint(2), dstHooks, mutate)
	lt.Register(1, src.engine)
	lt.Register(2, dst.engine)
	return src, dst, lt
}

func singleChainOrder() *Order {
	o := testOrder()
	o.DstDomain = 1
	return o
}

// =========================================================================
// Swap
// =========================================================================

func TestSwapAtomic(t *testing.T) {
	h := newTestEngine(1, nil, nil, nil)
	o := singleChainOrder()
	h.bank.Mint(tokenX, offererAddr, o.InputAmount)
	h.bank.Mint(tokenY, solverAddr, o.OutputAmount)

	hash, err := h.engine.Swap(solverAddr, o, nil)
	require.NoError(t, err)
	require.Equal(t, StatusSettled, h.engine.StatusOf(hash))

	// Input leg: offerer -> custody, credited to the solver.
	require.True(t, h.bank.BalanceOf(tokenX, offererAddr).IsZero())
	require.Equal(t, o.InputAmount, h.bank.BalanceOf(tokenX, SettlementAddress))
	require.Equal(t, o.InputAmount, h.engine.UnlockedBalanceOf(solverAddr, tokenX))

	// Output leg: solver -> recipient.
	require.True(t, h.bank.BalanceOf(tokenY, solverAddr).IsZero())
	require.Equal(t, o.OutputAmount, h.bank.BalanceOf(tokenY, recipientAddr))

	// Same order cannot run twice.
	_, err = h.engine.Swap(solverAddr, o, nil)
	require.ErrorIs(t, err, ErrOrderExists)

	// The credited input is withdrawable.
	withdrawn, err := h.engine.Withdraw(solverAddr, tokenX, nil)
	require.NoError(t, err)
	require.Equal(t, o.InputAmount, withdrawn)
	require.Equal(t, o.InputAmount, h.bank.BalanceOf(tokenX, solverAddr))
	require.True(t, h.engine.UnlockedBalanceOf(solverAddr, tokenX).IsZero())
}

func TestSwapRejections(t *testing.T) {
	h := newTestEngine(1, nil, nil, nil)

	cross := testOrder()
	_, err := h.engine.Swap(solverAddr, cross, nil)
	require.ErrorIs(t, err, ErrSingleChainOnly)

	_, err = h.engine.Swap(outsiderAddr, singleChainOrder(), nil)
	require.ErrorIs(t, err, ErrSolverNotWhitelisted)

	h.clock.now = 500
	_, err = h.engine.Swap(solverAddr, singleChainOrder(), nil)
	require.ErrorIs(t, err, ErrOrderNotStarted)

	h.clock.now = 2_001
	_, err = h.engine.Swap(solverAddr, singleChainOrder(), nil)
	require.ErrorIs(t, err, ErrOrderExpired)
}

// =========================================================================
// Deposit
// =========================================================================

func TestDepositLocksEscrow(t *testing.T) {
	h := newTestEngine(1, nil, nil, nil)
	o := testOrder()
	h.bank.Mint(tokenX, offererAddr, o.InputAmount)

	hash, err := h.engine.Deposit(solverAddr, o, nil, nil)
	require.NoError(t, err)
	require.Equal(t, StatusActive, h.engine.StatusOf(hash))
	require.Equal(t, o.InputAmount, h.engine.LockedBalanceOf(offererAddr, tokenX))
	require.Equal(t, o.InputAmount, h.bank.BalanceOf(tokenX, SettlementAddress))
	require.True(t, h.bank.BalanceOf(tokenX, offererAddr).IsZero())

	// Replays are rejected while active and after any terminal status.
	_, err = h.engine.Deposit(solverAddr, o, nil, nil)
	require.ErrorIs(t, err, ErrOrderExists)

	require.NoError(t, h.engine.Cancel(adminAddr, hash, nil))
	_, err = h.engine.Deposit(solverAddr, o, nil, nil)
	require.ErrorIs(t, err, ErrOrderExists)
}

func TestDepositChecks(t *testing.T) {
	h := newTestEngine(1, nil, nil, nil)

	_, err := h.engine.Deposit(outsiderAddr, testOrder(), nil, nil)
	require.ErrorIs(t, err, ErrSolverNotWhitelisted)

	wrongSrc := testOrder()
	wrongSrc.SrcDomain = 3
	_, err = h.engine.Deposit(solverAddr, wrongSrc, nil, nil)
	require.ErrorIs(t, err, ErrWrongDomain)

	badDst := testOrder()
	badDst.DstDomain = 9
	_, err = h.engine.Deposit(solverAddr, badDst, nil, nil)
	require.ErrorIs(t, err, ErrUnsupportedDestination)

	h.clock.now = 2_001
	_, err = h.engine.Deposit(solverAddr, testOrder(), nil, nil)
	require.ErrorIs(t, err, ErrOrderExpired)
	h.clock.now = 1_500

	paused := newTestEngine(1, nil, nil, func(c *Config) { c.Paused = true })
	_, err = paused.engine.Deposit(solverAddr, testOrder(), nil, nil)
	require.ErrorIs(t, err, ErrPaused)
}

func TestDepositWithAuthorization(t *testing.T) {
	h := newTestEngine(1, nil, nil, nil)
	o := testOrder()
	h.bank.Mint(tokenX, offererAddr, o.InputAmount)

	hash, err := h.engine.DepositWithAuthorization(solverAddr, o, nil, 7, 2_000, nil)
	require.NoError(t, err)
	require.Equal(t, StatusActive, h.engine.StatusOf(hash))
	require.Equal(t, o.InputAmount, h.engine.LockedBalanceOf(offererAddr, tokenX))
}

func TestDepositInsufficientFunds(t *testing.T) {
	h := newTestEngine(1, nil, nil, nil)

	_, err := h.engine.Deposit(solverAddr, testOrder(), nil, nil)
	require.ErrorIs(t, err, ErrTransferFailed)
	require.True(t, h.engine.LockedBalanceOf(offererAddr, tokenX).IsZero())
}

func TestDepositWithHookSettlesSameDomain(t *testing.T) {
	hook := &mintingHook{token: tokenX, amount: uint256.NewInt(1_000)}
	h := newTestEngine(1, nil, hook, nil)
	hook.bank = h.bank

	o := singleChainOrder()
	hash, err := h.engine.Deposit(solverAddr, o, nil, &SrcHook{
		Hook:           hookAddr,
		PreferredToken: tokenX,
		MinOutput:      uint256.NewInt(1_000),
		Solver:         solverAddr,
	})
	require.NoError(t, err)

	// No fill step on a same-domain hook deposit: the order settles in place
	// and the solver holds the input as unlocked credit.
	require.Equal(t, StatusSettled, h.engine.StatusOf(hash))
	require.True(t, h.engine.LockedBalanceOf(offererAddr, tokenX).IsZero())
	require.Equal(t, o.InputAmount, h.engine.UnlockedBalanceOf(solverAddr, tokenX))
	require.Equal(t, o.InputAmount, h.bank.BalanceOf(tokenX, SettlementAddress))
}

// =========================================================================
// Fill
// =========================================================================

func TestFillSingleChain(t *testing.T) {
	h := newTestEngine(1, nil, nil, nil)
	o := singleChainOrder()
	h.bank.Mint(tokenX, offererAddr, o.InputAmount)
	h.bank.Mint(tokenY, solverAddr, o.OutputAmount)

	hash, err := h.engine.Deposit(solverAddr, o, nil, nil)
	require.NoError(t, err)

	_, err = h.engine.Fill(solverAddr, o, nil)
	require.NoError(t, err)

	require.Equal(t, StatusSettled, h.engine.StatusOf(hash))
	require.Equal(t, o.OutputAmount, h.bank.BalanceOf(tokenY, recipientAddr))
	require.True(t, h.engine.LockedBalanceOf(offererAddr, tokenX).IsZero())
	require.Equal(t, o.InputAmount, h.engine.UnlockedBalanceOf(solverAddr, tokenX))
}

func TestFillSingleChainRequiresDeposit(t *testing.T) {
	h := newTestEngine(1, nil, nil, nil)
	o := singleChainOrder()
	h.bank.Mint(tokenY, solverAddr, o.OutputAmount)

	_, err := h.engine.Fill(solverAddr, o, nil)
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestFillCrossDomainOnce(t *testing.T) {
	h := newTestEngine(2, nil, nil, nil)
	o := testOrder()
	h.bank.Mint(tokenY, solverAddr, new(uint256.Int).Mul(o.OutputAmount, uint256.NewInt(2)))

	hash, err := h.engine.Fill(solverAddr, o, nil)
	require.NoError(t, err)
	require.Equal(t, StatusFilled, h.engine.StatusOf(hash))
	require.Equal(t, o.OutputAmount, h.bank.BalanceOf(tokenY, recipientAddr))
	require.Equal(t, []common.Hash{hash}, h.engine.PendingSettlement(1, solverAddr))

	// Exactly one fill per order.
	_, err = h.engine.Fill(solverAddr, o, nil)
	require.ErrorIs(t, err, ErrInvalidStatus)
	require.Equal(t, o.OutputAmount, h.bank.BalanceOf(tokenY, recipientAddr))
}

func TestFillWindow(t *testing.T) {
	h := newTestEngine(2, nil, nil, nil)

	h.clock.now = 999
	_, err := h.engine.Fill(solverAddr, testOrder(), nil)
	require.ErrorIs(t, err, ErrOrderNotStarted)

	h.clock.now = 2_001
	_, err = h.engine.Fill(solverAddr, testOrder(), nil)
	require.ErrorIs(t, err, ErrOrderExpired)
}

// =========================================================================
// Cross-domain settlement flow
// =========================================================================

func TestCrossDomainDepositFillSettle(t *testing.T) {
	src, dst, lt := newDomainPair(nil, nil, nil)
	o := testOrder()
	src.bank.Mint(tokenX, offererAddr, o.InputAmount)
	dst.bank.Mint(tokenY, solverAddr, o.OutputAmount)

	hash, err := src.engine.Deposit(solverAddr, o, nil, nil)
	require.NoError(t, err)
	require.Equal(t, StatusActive, src.engine.StatusOf(hash))

	_, err = dst.engine.Fill(solverAddr, o, nil)
	require.NoError(t, err)
	require.Equal(t, StatusFilled, dst.engine.StatusOf(hash))
	require.Equal(t, o.OutputAmount, dst.bank.BalanceOf(tokenY, recipientAddr))

	require.NoError(t, dst.engine.Settle(solverAddr, 1))

	// The settlement message released the source-side escrow to the solver.
	require.Equal(t, StatusSettled, src.engine.StatusOf(hash))
	require.True(t, src.engine.LockedBalanceOf(offererAddr, tokenX).IsZero())
	require.Equal(t, o.InputAmount, src.engine.UnlockedBalanceOf(solverAddr, tokenX))
	require.Empty(t, dst.engine.PendingSettlement(1, solverAddr))

	frames := lt.Frames()
	require.Len(t, frames, 1)
	require.NoError(t, frames[0].Err)

	// A duplicated delivery must not double-credit.
	require.NoError(t, lt.Replay(0))
	require.Equal(t, o.InputAmount, src.engine.UnlockedBalanceOf(solverAddr, tokenX))
	require.Equal(t, StatusSettled, src.engine.StatusOf(hash))

	// The queue is drained; nothing left to settle.
	require.ErrorIs(t, dst.engine.Settle(solverAddr, 1), ErrNoOrdersToSettle)
}

func TestSettleBatching(t *testing.T) {
	src, dst, _ := newDomainPair(nil, nil, func(c *Config) { c.MaxSettleBatch = 2 })

	hashes := make([]common.Hash, 5)
	for i := range hashes {
		o := testOrder()
		o.OutputAmount = uint256.NewInt(2_000 + uint64(i))
		src.bank.Mint(tokenX, offererAddr, o.InputAmount)
		dst.bank.Mint(tokenY, solverAddr, o.OutputAmount)

		hash, err := src.engine.Deposit(solverAddr, o, nil, nil)
		require.NoError(t, err)
		_, err = dst.engine.Fill(solverAddr, o, nil)
		require.NoError(t, err)
		hashes[i] = hash
	}

	// The drain is LIFO: the first call covers the two newest fills.
	require.NoError(t, dst.engine.Settle(solverAddr, 1))
	require.Equal(t, hashes[:3], dst.engine.PendingSettlement(1, solverAddr))
	require.Equal(t, StatusSettled, src.engine.StatusOf(hashes[4]))
	require.Equal(t, StatusSettled, src.engine.StatusOf(hashes[3]))
	require.Equal(t, StatusActive, src.engine.StatusOf(hashes[2]))

	// Five fills at batch size two take three calls.
	require.NoError(t, dst.engine.Settle(solverAddr, 1))
	require.NoError(t, dst.engine.Settle(solverAddr, 1))
	require.ErrorIs(t, dst.engine.Settle(solverAddr, 1), ErrNoOrdersToSettle)

	for _, hash := range hashes {
		require.Equal(t, StatusSettled, src.engine.StatusOf(hash))
	}
	require.Equal(t, uint256.NewInt(5_000), src.engine.UnlockedBalanceOf(solverAddr, tokenX))
}

func TestSettleBatchCountFitsWireLimit(t *testing.T) {
	const fills = math.MaxUint16 + 2

	src, dst, _ := newDomainPair(nil, nil, func(c *Config) { c.MaxSettleBatch = 1 << 20 })
	src.bank.Mint(tokenX, offererAddr, uint256.NewInt(uint64(fills)*1_000))
	dst.bank.Mint(tokenY, solverAddr, new(uint256.Int).Lsh(uint256.NewInt(1), 64))

	hashes := make([]common.Hash, fills)
	for i := range hashes {
		o := testOrder()
		o.OutputAmount = uint256.NewInt(2_000 + uint64(i))
		hash, err := src.engine.Deposit(solverAddr, o, nil, nil)
		require.NoError(t, err)
		_, err = dst.engine.Fill(solverAddr, o, nil)
		require.NoError(t, err)
		hashes[i] = hash
	}

	// A configured batch above the 16-bit wire count is clamped: the first
	// call drains 65535 entries in one decodable message, not a truncated one.
	require.NoError(t, dst.engine.Settle(solverAddr, 1))
	require.Equal(t, hashes[:2], dst.engine.PendingSettlement(1, solverAddr))
	require.Equal(t, StatusSettled, src.engine.StatusOf(hashes[2]))
	require.Equal(t, StatusActive, src.engine.StatusOf(hashes[1]))

	require.NoError(t, dst.engine.Settle(solverAddr, 1))
	require.ErrorIs(t, dst.engine.Settle(solverAddr, 1), ErrNoOrdersToSettle)
	require.Equal(t, uint256.NewInt(uint64(fills)*1_000), src.engine.UnlockedBalanceOf(solverAddr, tokenX))
}

func TestSettleWithoutTransport(t *testing.T) {
	h := newTestEngine(2, nil, nil, nil)
	o := testOrder()
	h.bank.Mint(tokenY, solverAddr, o.OutputAmount)

	hash, err := h.engine.Fill(solverAddr, o, nil)
	require.NoError(t, err)

	require.ErrorIs(t, h.engine.Settle(solverAddr, 1), ErrNoTransport)

	// A failed send leaves the queue intact.
	require.Equal(t, []common.Hash{hash}, h.engine.PendingSettlement(1, solverAddr))
}

// =========================================================================
// Cancellation
// =========================================================================

func TestCancelLocalPermissions(t *testing.T) {
	h := newTestEngine(1, nil, nil, nil)
	o := singleChainOrder()
	h.bank.Mint(tokenX, offererAddr, o.InputAmount)
	hash, err := h.engine.Deposit(solverAddr, o, nil, nil)
	require.NoError(t, err)

	// The offerer may not cancel before expiry; a stranger never may.
	require.ErrorIs(t, h.engine.Cancel(offererAddr, hash, nil), ErrCancelForbidden)
	require.ErrorIs(t, h.engine.Cancel(outsiderAddr, hash, nil), ErrCancelForbidden)

	h.clock.now = 2_001
	require.NoError(t, h.engine.Cancel(offererAddr, hash, nil))
	require.Equal(t, StatusCancelled, h.engine.StatusOf(hash))
	require.Equal(t, o.InputAmount, h.engine.UnlockedBalanceOf(offererAddr, tokenX))

	// Terminal: cancelling again fails.
	require.ErrorIs(t, h.engine.Cancel(offererAddr, hash, nil), ErrInvalidStatus)
}

func TestCancelLocalBySolver(t *testing.T) {
	h := newTestEngine(1, nil, nil, nil)
	o := singleChainOrder()
	h.bank.Mint(tokenX, offererAddr, o.InputAmount)
	hash, err := h.engine.Deposit(solverAddr, o, nil, nil)
	require.NoError(t, err)

	// A whitelisted solver cancels at any time.
	require.NoError(t, h.engine.Cancel(solverAddr, hash, nil))
	require.Equal(t, o.InputAmount, h.engine.UnlockedBalanceOf(offererAddr, tokenX))
}

func TestCancelCrossDomainFromDestination(t *testing.T) {
	src, dst, _ := newDomainPair(nil, nil, nil)
	o := testOrder()
	src.bank.Mint(tokenX, offererAddr, o.InputAmount)

	hash, err := src.engine.Deposit(solverAddr, o, nil, nil)
	require.NoError(t, err)

	// The destination never saw the order, so the caller must supply it.
	require.ErrorIs(t, dst.engine.Cancel(solverAddr, hash, nil), ErrOrderNotFound)

	tampered := testOrder()
	tampered.OutputAmount = uint256.NewInt(1)
	require.ErrorIs(t, dst.engine.Cancel(solverAddr, hash, tampered), ErrHashMismatch)

	require.NoError(t, dst.engine.Cancel(solverAddr, hash, o))
	require.Equal(t, StatusCancelled, dst.engine.StatusOf(hash))

	// The relayed message released the source-side escrow.
	require.Equal(t, StatusCancelled, src.engine.StatusOf(hash))
	require.True(t, src.engine.LockedBalanceOf(offererAddr, tokenX).IsZero())
	require.Equal(t, o.InputAmount, src.engine.UnlockedBalanceOf(offererAddr, tokenX))

	// A cancelled destination record cannot be filled.
	dst.bank.Mint(tokenY, solverAddr, o.OutputAmount)
	_, err = dst.engine.Fill(solverAddr, o, nil)
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestCancelDestinationSendFailureIsRetryable(t *testing.T) {
	sendErr := errors.New("relay down")
	h := newTestEngine(2, &failingTransport{err: sendErr}, nil, nil)
	o := testOrder()
	hash := HashOrder(o)

	// A failed relay must not record the cancellation: the order stays in
	// its prior status so the cancel can be retried.
	require.ErrorIs(t, h.engine.Cancel(solverAddr, hash, o), sendErr)
	require.Equal(t, StatusUnknown, h.engine.StatusOf(hash))

	// The retry reaches the transport again instead of the state machine.
	require.ErrorIs(t, h.engine.Cancel(solverAddr, hash, o), sendErr)
	require.Equal(t, StatusUnknown, h.engine.StatusOf(hash))

	// Same rule for a filled order: the fill record survives the failure.
	h.bank.Mint(tokenY, solverAddr, o.OutputAmount)
	_, err := h.engine.Fill(solverAddr, o, nil)
	require.NoError(t, err)
	require.ErrorIs(t, h.engine.Cancel(adminAddr, hash, nil), sendErr)
	require.Equal(t, StatusFilled, h.engine.StatusOf(hash))
}

func TestCancelFilledOrderAdminOnly(t *testing.T) {
	src, dst, _ := newDomainPair(nil, nil, nil)
	o := testOrder()
	src.bank.Mint(tokenX, offererAddr, o.InputAmount)
	dst.bank.Mint(tokenY, solverAddr, o.OutputAmount)

	hash, err := src.engine.Deposit(solverAddr, o, nil, nil)
	require.NoError(t, err)
	_, err = dst.engine.Fill(solverAddr, o, nil)
	require.NoError(t, err)

	require.ErrorIs(t, dst.engine.Cancel(solverAddr, hash, nil), ErrInvalidStatus)

	require.NoError(t, dst.engine.Cancel(adminAddr, hash, nil))
	require.Equal(t, StatusCancelled, dst.engine.StatusOf(hash))
	require.Equal(t, o.InputAmount, src.engine.UnlockedBalanceOf(offererAddr, tokenX))
}

func TestCancelSourceSideRequiresAdmin(t *testing.T) {
	h := newTestEngine(1, nil, nil, nil)
	o := testOrder()
	h.bank.Mint(tokenX, offererAddr, o.InputAmount)
	hash, err := h.engine.Deposit(solverAddr, o, nil, nil)
	require.NoError(t, err)

	// Source-side cancellation of a cross-domain order arrives by message;
	// direct calls are admin-only.
	h.clock.now = 2_001
	require.ErrorIs(t, h.engine.Cancel(offererAddr, hash, nil), ErrCancelForbidden)
	require.ErrorIs(t, h.engine.Cancel(solverAddr, hash, nil), ErrCancelForbidden)

	require.NoError(t, h.engine.Cancel(adminAddr, hash, nil))
	require.Equal(t, o.InputAmount, h.engine.UnlockedBalanceOf(offererAddr, tokenX))
}

// =========================================================================
// Withdraw
// =========================================================================

func TestWithdrawPartialAndZero(t *testing.T) {
	h := newTestEngine(1, nil, nil, nil)
	o := singleChainOrder()
	h.bank.Mint(tokenX, offererAddr, o.InputAmount)
	h.bank.Mint(tokenY, solverAddr, o.OutputAmount)

	_, err := h.engine.Swap(solverAddr, o, nil)
	require.NoError(t, err)

	withdrawn, err := h.engine.Withdraw(solverAddr, tokenX, uint256.NewInt(300))
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(300), withdrawn)
	require.Equal(t, uint256.NewInt(700), h.engine.UnlockedBalanceOf(solverAddr, tokenX))

	_, err = h.engine.Withdraw(solverAddr, tokenX, uint256.NewInt(701))
	require.ErrorIs(t, err, ErrInsufficientUnlocked)

	// Withdrawing with no balance is a zero-amount no-op.
	withdrawn, err = h.engine.Withdraw(outsiderAddr, tokenX, nil)
	require.NoError(t, err)
	require.True(t, withdrawn.IsZero())
}
