// Package deposit records the history of deposit attempts: one row per
// orchestrated deposit, advancing pending -> approving -> submitted ->
// confirmed, or terminating in failed.
package deposit

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type State uint8

const (
	StateUnknown State = iota
	StatePending
	StateApproving
	StateSubmitted
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateApproving:
		return "approving"
	case StateSubmitted:
		return "submitted"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Attempt is the immutable identity of one deposit attempt. AttemptID is
// derived from these fields (see internal/idempotency), so two records with
// the same id must agree on all of them.
type Attempt struct {
	AttemptID   common.Hash
	Account     common.Address
	Pool        common.Address
	Token       common.Address
	Amount      *big.Int
	OperationID uint64
}

// Equal compares identities; Amount nil is treated as zero.
func (a Attempt) Equal(b Attempt) bool {
	if a.AttemptID != b.AttemptID || a.Account != b.Account || a.Pool != b.Pool ||
		a.Token != b.Token || a.OperationID != b.OperationID {
		return false
	}
	return amountOrZero(a.Amount).Cmp(amountOrZero(b.Amount)) == 0
}

func amountOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// Record is one attempt plus its mutable progress.
type Record struct {
	Attempt Attempt
	State   State

	Approved      bool
	ApproveTxHash common.Hash
	DepositTxHash common.Hash

	// FailReason is set only in StateFailed.
	FailReason string
}
