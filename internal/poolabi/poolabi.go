package poolabi

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidInput = errors.New("poolabi: invalid input")

const erc20ABIJSON = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable",
		"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],
		"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"allowance","stateMutability":"view",
		"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
		"inputs":[{"name":"account","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]}
]`

const poolABIJSON = `[
	{"type":"function","name":"deposit","stateMutability":"nonpayable",
		"inputs":[{"name":"amount","type":"uint256"}],
		"outputs":[]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
		"inputs":[{"name":"account","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"paused","stateMutability":"view",
		"inputs":[],
		"outputs":[{"name":"","type":"bool"}]}
]`

var (
	initOnce sync.Once
	initErr  error

	erc20ABI abi.ABI
	poolABI  abi.ABI

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

func initABI() error {
	initOnce.Do(func() {
		var err error

		erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
		if err != nil {
			initErr = fmt.Errorf("poolabi: parse erc20 ABI: %w", err)
			return
		}

		poolABI, err = abi.JSON(strings.NewReader(poolABIJSON))
		if err != nil {
			initErr = fmt.Errorf("poolabi: parse pool ABI: %w", err)
			return
		}
	})
	return initErr
}

// MaxApproval returns the unlimited ERC-20 approval amount (2^256 - 1).
//
// Approving the maximum once avoids a second approval transaction on every
// subsequent deposit against the same pool.
func MaxApproval() *big.Int {
	return new(big.Int).Set(maxUint256)
}

func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if (spender == common.Address{}) {
		return nil, fmt.Errorf("%w: spender must be non-zero", ErrInvalidInput)
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: approve amount must be >= 0", ErrInvalidInput)
	}
	if amount.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("%w: approve amount exceeds uint256", ErrInvalidInput)
	}

	b, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return nil, fmt.Errorf("poolabi: pack approve: %w", err)
	}
	return b, nil
}

func PackAllowance(owner, spender common.Address) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}

	b, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("poolabi: pack allowance: %w", err)
	}
	return b, nil
}

func UnpackAllowance(data []byte) (*big.Int, error) {
	if err := initABI(); err != nil {
		return nil, err
	}

	vals, err := erc20ABI.Unpack("allowance", data)
	if err != nil {
		return nil, fmt.Errorf("poolabi: unpack allowance: %w", err)
	}
	out, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("poolabi: allowance returned non-uint256")
	}
	return out, nil
}

func PackBalanceOf(account common.Address) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}

	b, err := poolABI.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("poolabi: pack balanceOf: %w", err)
	}
	return b, nil
}

func UnpackBalanceOf(data []byte) (*big.Int, error) {
	if err := initABI(); err != nil {
		return nil, err
	}

	vals, err := poolABI.Unpack("balanceOf", data)
	if err != nil {
		return nil, fmt.Errorf("poolabi: unpack balanceOf: %w", err)
	}
	out, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("poolabi: balanceOf returned non-uint256")
	}
	return out, nil
}

// PackPaused encodes the Pausable paused() read.
func PackPaused() ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}

	b, err := poolABI.Pack("paused")
	if err != nil {
		return nil, fmt.Errorf("poolabi: pack paused: %w", err)
	}
	return b, nil
}

func UnpackPaused(data []byte) (bool, error) {
	if err := initABI(); err != nil {
		return false, err
	}

	vals, err := poolABI.Unpack("paused", data)
	if err != nil {
		return false, fmt.Errorf("poolabi: unpack paused: %w", err)
	}
	out, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("poolabi: paused returned non-bool")
	}
	return out, nil
}

func PackDeposit(amount *big.Int) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: deposit amount must be > 0", ErrInvalidInput)
	}
	if amount.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("%w: deposit amount exceeds uint256", ErrInvalidInput)
	}

	b, err := poolABI.Pack("deposit", amount)
	if err != nil {
		return nil, fmt.Errorf("poolabi: pack deposit: %w", err)
	}
	return b, nil
}
