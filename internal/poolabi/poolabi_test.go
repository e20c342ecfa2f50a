package poolabi

import (
	"bytes"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestPackApprove_SelectorAndArgs(t *testing.T) {
	t.Parallel()

	spender := common.HexToAddress("0x0000000000000000000000000000000000000123")
	data, err := PackApprove(spender, big.NewInt(42))
	if err != nil {
		t.Fatalf("PackApprove: %v", err)
	}

	// approve(address,uint256) selector.
	if got := hex.EncodeToString(data[:4]); got != "095ea7b3" {
		t.Fatalf("selector: got %s want 095ea7b3", got)
	}
	if len(data) != 4+32+32 {
		t.Fatalf("calldata len: got %d want %d", len(data), 4+32+32)
	}
	if !bytes.Equal(data[4+12:4+32], spender[:]) {
		t.Fatalf("spender not encoded at arg 0")
	}
	if data[len(data)-1] != 42 {
		t.Fatalf("amount not encoded at arg 1")
	}
}

func TestPackApprove_MaxApproval(t *testing.T) {
	t.Parallel()

	data, err := PackApprove(common.HexToAddress("0x01"), MaxApproval())
	if err != nil {
		t.Fatalf("PackApprove(max): %v", err)
	}
	for _, b := range data[4+32:] {
		if b != 0xff {
			t.Fatalf("max approval argument must be all 0xff")
		}
	}
}

func TestPackApprove_RejectsInvalid(t *testing.T) {
	t.Parallel()

	if _, err := PackApprove(common.Address{}, big.NewInt(1)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero spender: got %v want ErrInvalidInput", err)
	}
	if _, err := PackApprove(common.HexToAddress("0x01"), nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("nil amount: got %v want ErrInvalidInput", err)
	}
	over := new(big.Int).Add(MaxApproval(), big.NewInt(1))
	if _, err := PackApprove(common.HexToAddress("0x01"), over); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("overflow amount: got %v want ErrInvalidInput", err)
	}
}

func TestAllowance_PackUnpack(t *testing.T) {
	t.Parallel()

	owner := common.HexToAddress("0x0000000000000000000000000000000000000aaa")
	spender := common.HexToAddress("0x0000000000000000000000000000000000000bbb")

	data, err := PackAllowance(owner, spender)
	if err != nil {
		t.Fatalf("PackAllowance: %v", err)
	}
	if got := hex.EncodeToString(data[:4]); got != "dd62ed3e" {
		t.Fatalf("selector: got %s want dd62ed3e", got)
	}

	want := big.NewInt(1_000_000)
	ret := make([]byte, 32)
	want.FillBytes(ret)
	got, err := UnpackAllowance(ret)
	if err != nil {
		t.Fatalf("UnpackAllowance: %v", err)
	}
	if got.Cmp(want) != 0 {
		t.Fatalf("allowance: got %s want %s", got, want)
	}
}

func TestPackDeposit(t *testing.T) {
	t.Parallel()

	amount, _ := new(big.Int).SetString("100000000000000000000", 10) // 100 at 18 decimals
	data, err := PackDeposit(amount)
	if err != nil {
		t.Fatalf("PackDeposit: %v", err)
	}
	if len(data) != 4+32 {
		t.Fatalf("calldata len: got %d want %d", len(data), 4+32)
	}
	got := new(big.Int).SetBytes(data[4:])
	if got.Cmp(amount) != 0 {
		t.Fatalf("amount: got %s want %s", got, amount)
	}

	if _, err := PackDeposit(big.NewInt(0)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero deposit: got %v want ErrInvalidInput", err)
	}
}

func TestPaused_PackUnpack(t *testing.T) {
	t.Parallel()

	data, err := PackPaused()
	if err != nil {
		t.Fatalf("PackPaused: %v", err)
	}
	// paused() selector, no arguments.
	if got := hex.EncodeToString(data); got != "5c975abb" {
		t.Fatalf("calldata: got %s want 5c975abb", got)
	}

	ret := make([]byte, 32)
	got, err := UnpackPaused(ret)
	if err != nil {
		t.Fatalf("UnpackPaused: %v", err)
	}
	if got {
		t.Fatalf("zero word must decode as unpaused")
	}

	ret[31] = 1
	got, err = UnpackPaused(ret)
	if err != nil {
		t.Fatalf("UnpackPaused: %v", err)
	}
	if !got {
		t.Fatalf("one word must decode as paused")
	}
}

func TestBalanceOf_PackUnpack(t *testing.T) {
	t.Parallel()

	data, err := PackBalanceOf(common.HexToAddress("0x0000000000000000000000000000000000000ccc"))
	if err != nil {
		t.Fatalf("PackBalanceOf: %v", err)
	}
	if got := hex.EncodeToString(data[:4]); got != "70a08231" {
		t.Fatalf("selector: got %s want 70a08231", got)
	}

	ret := make([]byte, 32)
	big.NewInt(777).FillBytes(ret)
	got, err := UnpackBalanceOf(ret)
	if err != nil {
		t.Fatalf("UnpackBalanceOf: %v", err)
	}
	if got.Int64() != 777 {
		t.Fatalf("balance: got %s want 777", got)
	}
}
