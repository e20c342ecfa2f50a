// Package flow drives the deposit-with-auto-approval transaction flow for a
// savings pool: check the pool is accepting deposits, check the ERC-20
// allowance, approve the pool as spender when it is short, re-verify the
// allowance once the approval confirms, then submit the deposit and
// invalidate cached pool reads.
//
// One orchestrator runs at most one deposit at a time. Reset abandons the
// local tracking of an in-flight operation only; transactions already
// broadcast to the network cannot be unsent.
package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stackpool/savingsd/internal/poolabi"
	"github.com/stackpool/savingsd/internal/querycache"
	"github.com/stackpool/savingsd/internal/wallet"
)

var (
	ErrInvalidConfig = errors.New("flow: invalid config")

	// ErrBusy rejects a Deposit call while another one is in flight. The
	// in-flight operation is untouched.
	ErrBusy = errors.New("flow: deposit already in progress")

	// ErrNoWallet reports a missing wallet address, fatal for the current
	// operation.
	ErrNoWallet = errors.New("flow: no wallet address available")

	// ErrSuperseded is returned to a caller whose operation was abandoned by
	// Reset while a confirmation was pending. The flow wrote no state after
	// the reset.
	ErrSuperseded = errors.New("flow: operation superseded by reset")

	// ErrAllowanceVerification reports that the allowance re-check after a
	// confirmed approval still came back short. Terminal; never retried
	// automatically. Distinct from submission failures so callers can
	// suggest "try again" rather than "check your inputs".
	ErrAllowanceVerification = errors.New("flow: allowance verification failed")

	// ErrPoolPaused reports that the pool contract is paused and rejecting
	// new deposits. Terminal for the current operation; retry once the pool
	// is unpaused.
	ErrPoolPaused = errors.New("flow: pool is paused")

	ErrInvalidAmount = errors.New("flow: invalid deposit amount")
	ErrBelowMinimum  = errors.New("flow: amount below pool minimum")
)

// SubmitError wraps a failure to submit or confirm an on-chain transaction:
// signing rejected, RPC failure, or a ledger-level revert.
type SubmitError struct {
	Op  string // "approve" or "deposit"
	Err error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("flow: %s transaction failed: %v", e.Op, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Step is the caller-visible position of the in-flight operation.
type Step uint8

const (
	StepIdle Step = iota
	StepChecking
	StepApproving
	StepAwaitingApproval
	StepVerifyingAllowance
	StepDepositing
)

func (s Step) String() string {
	switch s {
	case StepIdle:
		return "idle"
	case StepChecking:
		return "checking"
	case StepApproving:
		return "approving"
	case StepAwaitingApproval:
		return "awaiting_approval"
	case StepVerifyingAllowance:
		return "verifying_allowance"
	case StepDepositing:
		return "depositing"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Call describes one contract invocation for the submitter.
type Call struct {
	To       common.Address
	Data     []byte
	GasLimit uint64
}

// Handle identifies one broadcast transaction.
type Handle interface {
	Hash() common.Hash
}

// TxResult reports a confirmed transaction. Success is false for a
// ledger-level revert.
type TxResult struct {
	Success bool
	TxHash  common.Hash
	Receipt *types.Receipt
}

// TxSubmitter broadcasts transactions and waits for confirmation depth.
type TxSubmitter interface {
	Submit(ctx context.Context, call Call) (Handle, error)
	WaitConfirmed(ctx context.Context, h Handle) (TxResult, error)
}

// LedgerReader answers the contract state reads the flow depends on: the
// ERC-20 allowance and the pool's pause flag.
type LedgerReader interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Paused(ctx context.Context, contract common.Address) (bool, error)
}

// Invalidator marks cached ledger reads stale after a confirmed deposit.
type Invalidator interface {
	Invalidate(prefix string) int
	Refetch(ctx context.Context, prefix string) error
}

type Config struct {
	PoolAddress  common.Address
	TokenAddress common.Address

	// MinDeposit rejects dust deposits before any state is touched.
	// Optional; nil disables the check.
	MinDeposit *big.Int

	// Gas limit overrides; 0 lets the submitter estimate.
	ApproveGasLimit uint64
	DepositGasLimit uint64
}

// Result reports one completed deposit.
type Result struct {
	OperationID uint64
	Account     common.Address
	Amount      *big.Int

	Approved       bool // an approval transaction was issued first
	ApproveTxHash  common.Hash
	ApproveReceipt *types.Receipt
	DepositTxHash  common.Hash
	DepositReceipt *types.Receipt
}

// Snapshot is the progress surface callers poll to render state.
type Snapshot struct {
	Step            Step
	OperationID     uint64
	RequestedAmount *big.Int
	ApproveTxHash   common.Hash
	DepositTxHash   common.Hash
	LastError       string
}

type Orchestrator struct {
	cfg     Config
	log     *slog.Logger
	session wallet.Session
	sub     TxSubmitter
	reads   LedgerReader
	cache   Invalidator

	mu        sync.Mutex
	locked    bool
	opID      uint64
	step      Step
	requested *big.Int
	approveTx common.Hash
	depositTx common.Hash
	lastErr   string
}

func New(cfg Config, session wallet.Session, sub TxSubmitter, reads LedgerReader, cache Invalidator, log *slog.Logger) (*Orchestrator, error) {
	if (cfg.PoolAddress == common.Address{}) {
		return nil, fmt.Errorf("%w: PoolAddress must be non-zero", ErrInvalidConfig)
	}
	if (cfg.TokenAddress == common.Address{}) {
		return nil, fmt.Errorf("%w: TokenAddress must be non-zero", ErrInvalidConfig)
	}
	if cfg.MinDeposit != nil && cfg.MinDeposit.Sign() < 0 {
		return nil, fmt.Errorf("%w: MinDeposit must be >= 0", ErrInvalidConfig)
	}
	if session == nil || sub == nil || reads == nil || cache == nil {
		return nil, fmt.Errorf("%w: nil session/submitter/reader/cache", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Orchestrator{
		cfg:     cfg,
		log:     log,
		session: session,
		sub:     sub,
		reads:   reads,
		cache:   cache,
	}, nil
}

// Deposit runs one deposit of amount (smallest token unit) into the pool.
//
// It blocks until the deposit transaction reaches confirmation depth and the
// cached pool reads are invalidated, or until a step fails. Nothing is
// retried automatically; a second call while one is in flight fails fast
// with ErrBusy and does not touch the in-flight operation.
func (o *Orchestrator) Deposit(ctx context.Context, amount *big.Int) (Result, error) {
	if amount == nil || amount.Sign() <= 0 {
		return Result{}, fmt.Errorf("%w: must be > 0", ErrInvalidAmount)
	}
	if o.cfg.MinDeposit != nil && amount.Cmp(o.cfg.MinDeposit) < 0 {
		return Result{}, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amount, o.cfg.MinDeposit)
	}
	depositData, err := poolabi.PackDeposit(amount)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	op, err := o.begin(amount)
	if err != nil {
		return Result{}, err
	}

	res := Result{OperationID: op, Amount: new(big.Int).Set(amount)}

	account, ok := o.session.Address()
	if !ok {
		return Result{}, o.fail(op, ErrNoWallet)
	}
	res.Account = account

	// Deposits into a paused pool revert on-chain; surface the state before
	// any gas is spent on approval.
	paused, err := o.reads.Paused(ctx, o.cfg.PoolAddress)
	if err != nil {
		return Result{}, o.fail(op, fmt.Errorf("flow: read pause state: %w", err))
	}
	if paused {
		return Result{}, o.fail(op, ErrPoolPaused)
	}

	allowance, err := o.reads.Allowance(ctx, o.cfg.TokenAddress, account, o.cfg.PoolAddress)
	if err != nil {
		return Result{}, o.fail(op, fmt.Errorf("flow: read allowance: %w", err))
	}

	if allowance.Cmp(amount) < 0 {
		if err := o.approveAndVerify(ctx, op, account, amount, &res); err != nil {
			return Result{}, err
		}
	}

	if !o.advance(op, StepDepositing) {
		return Result{}, ErrSuperseded
	}

	pending, err := o.sub.Submit(ctx, Call{
		To:       o.cfg.PoolAddress,
		Data:     depositData,
		GasLimit: o.cfg.DepositGasLimit,
	})
	if err != nil {
		return Result{}, o.fail(op, &SubmitError{Op: "deposit", Err: err})
	}
	res.DepositTxHash = pending.Hash()
	o.setDepositTx(op, pending.Hash())

	confirmed, err := o.sub.WaitConfirmed(ctx, pending)
	if err != nil {
		return Result{}, o.fail(op, &SubmitError{Op: "deposit", Err: err})
	}
	if !confirmed.Success {
		return Result{}, o.fail(op, &SubmitError{Op: "deposit", Err: errors.New("transaction reverted")})
	}
	res.DepositReceipt = confirmed.Receipt
	res.DepositTxHash = confirmed.TxHash

	// The deposit is on-chain: invalidate cached reads and close out, unless
	// a reset abandoned this operation while the confirmation was pending.
	o.mu.Lock()
	if !o.current(op) {
		o.mu.Unlock()
		return Result{}, ErrSuperseded
	}
	o.cache.Invalidate(querycache.PositionPrefix(o.cfg.PoolAddress))
	o.cache.Invalidate(querycache.AllowancePrefix(o.cfg.TokenAddress))
	o.clearLocked()
	o.mu.Unlock()

	if err := o.cache.Refetch(ctx, querycache.PositionPrefix(o.cfg.PoolAddress)); err != nil {
		// The deposit already happened; a failed refetch only delays the
		// next read, it does not fail the operation.
		o.log.Warn("position refetch failed", "err", err)
	}

	o.log.Info("deposit confirmed",
		"account", account,
		"amount", amount,
		"approved", res.Approved,
		"txHash", res.DepositTxHash,
	)
	return res, nil
}

func (o *Orchestrator) approveAndVerify(ctx context.Context, op uint64, account common.Address, amount *big.Int, res *Result) error {
	if !o.advance(op, StepApproving) {
		return ErrSuperseded
	}

	// Unlimited approval: one transaction covers all future deposits into
	// this pool instead of one approval per deposit.
	data, err := poolabi.PackApprove(o.cfg.PoolAddress, poolabi.MaxApproval())
	if err != nil {
		return o.fail(op, err)
	}

	pending, err := o.sub.Submit(ctx, Call{
		To:       o.cfg.TokenAddress,
		Data:     data,
		GasLimit: o.cfg.ApproveGasLimit,
	})
	if err != nil {
		return o.fail(op, &SubmitError{Op: "approve", Err: err})
	}
	res.Approved = true
	res.ApproveTxHash = pending.Hash()

	if !o.markAwaitingApproval(op, pending.Hash()) {
		return ErrSuperseded
	}
	o.log.Info("approval submitted", "account", account, "txHash", pending.Hash())

	confirmed, err := o.sub.WaitConfirmed(ctx, pending)
	if err != nil {
		return o.fail(op, &SubmitError{Op: "approve", Err: err})
	}
	if !confirmed.Success {
		return o.fail(op, &SubmitError{Op: "approve", Err: errors.New("transaction reverted")})
	}
	res.ApproveReceipt = confirmed.Receipt
	res.ApproveTxHash = confirmed.TxHash

	// Re-verify: the approval receipt and the allowance read travel through
	// different channels and can disagree for a short window. Depositing on
	// the receipt alone risks a ledger-level revert.
	if !o.advance(op, StepVerifyingAllowance) {
		return ErrSuperseded
	}

	account, ok := o.session.Address()
	if !ok {
		return o.fail(op, ErrNoWallet)
	}
	allowance, err := o.reads.Allowance(ctx, o.cfg.TokenAddress, account, o.cfg.PoolAddress)
	if err != nil {
		return o.fail(op, fmt.Errorf("flow: re-read allowance: %w", err))
	}
	if allowance.Cmp(amount) < 0 {
		return o.fail(op, fmt.Errorf("%w: allowance %s < requested %s", ErrAllowanceVerification, allowance, amount))
	}
	return nil
}

// Reset unconditionally abandons the orchestrator's tracking of any in-flight
// operation and releases the slot. Idempotent. It cannot and does not stop a
// transaction that has already been broadcast; a pending confirmation keeps
// running but its continuation becomes inert.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.clearLocked()
	o.lastErr = ""
	o.mu.Unlock()
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := Snapshot{
		Step:          o.step,
		OperationID:   o.opID,
		ApproveTxHash: o.approveTx,
		DepositTxHash: o.depositTx,
		LastError:     o.lastErr,
	}
	if o.requested != nil {
		snap.RequestedAmount = new(big.Int).Set(o.requested)
	}
	return snap
}

// begin acquires the single operation slot and allocates a new operation id.
func (o *Orchestrator) begin(amount *big.Int) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.locked {
		return 0, ErrBusy
	}
	o.locked = true
	o.opID++
	o.step = StepChecking
	o.requested = new(big.Int).Set(amount)
	o.approveTx = common.Hash{}
	o.depositTx = common.Hash{}
	o.lastErr = ""
	return o.opID, nil
}

// current reports whether op is still the live operation. Callers hold o.mu.
// Reset releases the lock, so a continuation captured before a reset — or
// before a newer Deposit acquired the slot — observes either locked == false
// or a different id.
func (o *Orchestrator) current(op uint64) bool {
	return o.locked && o.opID == op
}

// advance moves the live operation to the next step, or reports staleness.
func (o *Orchestrator) advance(op uint64, s Step) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.current(op) {
		return false
	}
	o.step = s
	return true
}

func (o *Orchestrator) markAwaitingApproval(op uint64, h common.Hash) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.current(op) {
		return false
	}
	o.step = StepAwaitingApproval
	o.approveTx = h
	return true
}

func (o *Orchestrator) setDepositTx(op uint64, h common.Hash) {
	o.mu.Lock()
	if o.current(op) {
		o.depositTx = h
	}
	o.mu.Unlock()
}

// fail closes out the live operation with err. The slot is released but the
// tx hashes survive into Snapshot so callers can record how far the attempt
// got; the next begin or Reset clears them. If the operation was already
// superseded by Reset, nothing is written and ErrSuperseded is returned.
func (o *Orchestrator) fail(op uint64, err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.current(op) {
		return ErrSuperseded
	}
	approveTx, depositTx := o.approveTx, o.depositTx
	o.clearLocked()
	o.approveTx = approveTx
	o.depositTx = depositTx
	o.lastErr = err.Error()
	return err
}

// clearLocked destroys the operation state. Callers hold o.mu.
func (o *Orchestrator) clearLocked() {
	o.locked = false
	o.step = StepIdle
	o.requested = nil
	o.approveTx = common.Hash{}
	o.depositTx = common.Hash{}
}
