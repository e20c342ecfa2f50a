// Package ledger provides read-only contract state access for the savings
// pools: ERC-20 allowances, pool positions, and the pause flag.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stackpool/savingsd/internal/poolabi"
)

var ErrInvalidReader = errors.New("ledger: invalid reader")

// CallBackend executes read-only contract calls. *ethclient.Client satisfies it.
type CallBackend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Reader answers ledger reads against the latest block. It performs no
// caching and no retries; failures propagate to the caller.
type Reader struct {
	backend CallBackend
}

func NewReader(backend CallBackend) (*Reader, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidReader)
	}
	return &Reader{backend: backend}, nil
}

// Allowance returns the ERC-20 allowance granted by owner to spender on token.
func (r *Reader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := poolabi.PackAllowance(owner, spender)
	if err != nil {
		return nil, err
	}
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: allowance call: %w", err)
	}
	return poolabi.UnpackAllowance(out)
}

// Paused reports whether the given Pausable contract is paused. A paused
// pool rejects deposits; callers use this as a preflight before submitting.
func (r *Reader) Paused(ctx context.Context, contract common.Address) (bool, error) {
	data, err := poolabi.PackPaused()
	if err != nil {
		return false, err
	}
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("ledger: paused call: %w", err)
	}
	return poolabi.UnpackPaused(out)
}

// PoolBalance returns account's share balance in the given savings pool.
func (r *Reader) PoolBalance(ctx context.Context, pool, account common.Address) (*big.Int, error) {
	data, err := poolabi.PackBalanceOf(account)
	if err != nil {
		return nil, err
	}
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &pool, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: balanceOf call: %w", err)
	}
	return poolabi.UnpackBalanceOf(out)
}
