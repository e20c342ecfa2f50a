// Package submitter signs and broadcasts pool transactions and waits for
// them to reach the configured confirmation depth.
//
// The API is two-phase: Submit broadcasts and returns a pending handle,
// WaitConfirmed blocks until the transaction (or a fee-bumped replacement of
// it) is buried deep enough. A transaction that reverted on-chain still
// confirms; it is reported through Result.Success, not as an error.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stackpool/savingsd/internal/wallet"
)

var (
	ErrInvalidConfig = errors.New("submitter: invalid config")
	ErrNoSigner      = errors.New("submitter: signer has no address")
)

// Backend is the subset of ethclient.Client the submitter needs.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Config struct {
	ChainID            *big.Int
	GasLimitMultiplier float64
	MinTipCap          *big.Int

	// ConfirmDepth is the number of blocks (including the containing block)
	// a receipt must be buried under before WaitConfirmed resolves. Values
	// <= 1 resolve on the first receipt.
	ConfirmDepth uint64

	ReceiptPollInterval time.Duration

	ReplaceAfter           time.Duration
	MaxReplacements        int
	ReplacementBumpPercent int
	MinReplacementTipBump  *big.Int
	MinReplacementFeeBump  *big.Int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Call describes one contract invocation to broadcast.
type Call struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // optional; 0 => estimate
}

// PendingTx tracks one broadcast transaction and its replacements.
type PendingTx struct {
	from  common.Address
	nonce uint64
	to    common.Address
	value *big.Int
	data  []byte
	gas   uint64

	tipCap *big.Int
	feeCap *big.Int

	hashes       []common.Hash
	lastSentAt   time.Time
	replacements int
}

// Hash returns the most recently broadcast transaction hash.
func (p *PendingTx) Hash() common.Hash {
	if p == nil || len(p.hashes) == 0 {
		return common.Hash{}
	}
	return p.hashes[len(p.hashes)-1]
}

// Result reports a confirmed transaction.
type Result struct {
	Success      bool
	TxHash       common.Hash
	Receipt      *types.Receipt
	Replacements int
}

type Submitter struct {
	backend Backend
	signer  wallet.Signer
	cfg     Config
	nonces  *nonceTracker
}

func New(backend Backend, signer wallet.Signer, cfg Config) (*Submitter, error) {
	if backend == nil || signer == nil {
		return nil, ErrInvalidConfig
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, ErrInvalidConfig
	}
	if cfg.GasLimitMultiplier <= 0 {
		return nil, ErrInvalidConfig
	}
	if cfg.MinTipCap == nil || cfg.MinTipCap.Sign() < 0 {
		return nil, ErrInvalidConfig
	}
	if cfg.ReceiptPollInterval <= 0 {
		return nil, ErrInvalidConfig
	}
	if cfg.MaxReplacements < 0 {
		return nil, ErrInvalidConfig
	}
	if cfg.MaxReplacements > 0 {
		if cfg.ReplaceAfter <= 0 || cfg.ReplacementBumpPercent <= 0 {
			return nil, ErrInvalidConfig
		}
		if cfg.MinReplacementTipBump == nil || cfg.MinReplacementTipBump.Sign() < 0 {
			return nil, ErrInvalidConfig
		}
		if cfg.MinReplacementFeeBump == nil || cfg.MinReplacementFeeBump.Sign() < 0 {
			return nil, ErrInvalidConfig
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}

	addr, ok := signer.Address()
	if !ok || (addr == common.Address{}) {
		return nil, fmt.Errorf("%w: signer address unavailable", ErrInvalidConfig)
	}

	return &Submitter{
		backend: backend,
		signer:  signer,
		cfg:     cfg,
		nonces:  newNonceTracker(backend, addr),
	}, nil
}

// Submit signs and broadcasts one transaction. The returned handle feeds
// WaitConfirmed; once broadcast, the transaction cannot be unsent.
func (s *Submitter) Submit(ctx context.Context, call Call) (*PendingTx, error) {
	from, ok := s.signer.Address()
	if !ok {
		return nil, ErrNoSigner
	}

	value := call.Value
	if value == nil {
		value = big.NewInt(0)
	}

	gasLimit := call.GasLimit
	if gasLimit == 0 {
		est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &call.To,
			Value: value,
			Data:  call.Data,
		})
		if err != nil {
			return nil, fmt.Errorf("submitter: estimate gas: %w", err)
		}
		gasLimit = applyGasMultiplier(est, s.cfg.GasLimitMultiplier)
	}

	suggestedTip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("submitter: suggest tip: %w", err)
	}
	header, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("submitter: latest header: %w", err)
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return nil, fmt.Errorf("submitter: missing baseFee in latest header")
	}

	tipCap, feeCap, err := calcFees(header.BaseFee, suggestedTip, s.cfg.MinTipCap)
	if err != nil {
		return nil, err
	}

	nonce, err := s.nonces.next(ctx)
	if err != nil {
		return nil, fmt.Errorf("submitter: nonce: %w", err)
	}

	p := &PendingTx{
		from:   from,
		nonce:  nonce,
		to:     call.To,
		value:  value,
		data:   call.Data,
		gas:    gasLimit,
		tipCap: tipCap,
		feeCap: feeCap,
	}

	h, err := s.broadcast(ctx, p)
	if err != nil {
		return nil, err
	}
	p.hashes = []common.Hash{h}
	p.lastSentAt = s.cfg.Now()
	return p, nil
}

// WaitConfirmed blocks until one of the pending transaction's broadcasts is
// mined and buried ConfirmDepth blocks deep. While waiting it replaces a
// stuck transaction with fee-bumped copies, up to MaxReplacements.
func (s *Submitter) WaitConfirmed(ctx context.Context, p *PendingTx) (Result, error) {
	if p == nil || len(p.hashes) == 0 {
		return Result{}, fmt.Errorf("submitter: nil pending tx")
	}

	for {
		mined := false
		for _, h := range p.hashes {
			receipt, err := s.backend.TransactionReceipt(ctx, h)
			if err != nil {
				if errors.Is(err, ethereum.NotFound) {
					continue
				}
				return Result{}, fmt.Errorf("submitter: receipt: %w", err)
			}

			deep, err := s.deepEnough(ctx, receipt)
			if err != nil {
				return Result{}, err
			}
			if !deep {
				// Mined, just not buried deep enough yet. The nonce is
				// spent; a replacement would be rejected by the node.
				mined = true
				break
			}
			return Result{
				Success:      receipt.Status == types.ReceiptStatusSuccessful,
				TxHash:       h,
				Receipt:      receipt,
				Replacements: p.replacements,
			}, nil
		}

		if !mined && s.cfg.MaxReplacements > 0 && p.replacements < s.cfg.MaxReplacements &&
			s.cfg.Now().Sub(p.lastSentAt) >= s.cfg.ReplaceAfter {
			tipCap, feeCap, err := bumpFees(p.tipCap, p.feeCap,
				s.cfg.ReplacementBumpPercent, s.cfg.MinReplacementTipBump, s.cfg.MinReplacementFeeBump)
			if err != nil {
				return Result{}, err
			}
			p.tipCap = tipCap
			p.feeCap = feeCap

			h, err := s.broadcast(ctx, p)
			if err != nil {
				return Result{}, err
			}
			p.hashes = append(p.hashes, h)
			p.lastSentAt = s.cfg.Now()
			p.replacements++
			continue
		}

		if err := s.cfg.Sleep(ctx, s.cfg.ReceiptPollInterval); err != nil {
			return Result{}, err
		}
	}
}

func (s *Submitter) broadcast(ctx context.Context, p *PendingTx) (common.Hash, error) {
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     p.nonce,
		GasTipCap: p.tipCap,
		GasFeeCap: p.feeCap,
		Gas:       p.gas,
		To:        &p.to,
		Value:     p.value,
		Data:      p.data,
	})
	signed, err := s.signer.SignTx(tx, s.cfg.ChainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("submitter: sign: %w", err)
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("submitter: broadcast: %w", err)
	}
	return signed.Hash(), nil
}

func (s *Submitter) deepEnough(ctx context.Context, receipt *types.Receipt) (bool, error) {
	if s.cfg.ConfirmDepth <= 1 {
		return true, nil
	}
	if receipt.BlockNumber == nil {
		return false, nil
	}
	head, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("submitter: head for depth check: %w", err)
	}
	depth := new(big.Int).Sub(head.Number, receipt.BlockNumber)
	depth.Add(depth, big.NewInt(1))
	return depth.Cmp(new(big.Int).SetUint64(s.cfg.ConfirmDepth)) >= 0, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		// overflow or float error; fall back to the estimate.
		return est
	}
	return out
}
