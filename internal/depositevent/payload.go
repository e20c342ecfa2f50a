// Package depositevent defines the queue payload published after each deposit
// attempt reaches a terminal state.
package depositevent

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stackpool/savingsd/internal/deposit"
)

// Version is the payload schema tag consumers dispatch on.
const Version = "savings.deposit.v1"

// DefaultTopic is where savingsd publishes deposit events.
const DefaultTopic = "savings.deposits"

type Payload struct {
	Version   string `json:"version"`
	AttemptID string `json:"attemptId"`
	Account   string `json:"account"`
	Pool      string `json:"pool"`
	Token     string `json:"token"`
	// Amount in the token's smallest unit, decimal string.
	Amount      string `json:"amount"`
	OperationID uint64 `json:"operationId"`
	State       string `json:"state"`

	Approved      bool   `json:"approved"`
	ApproveTxHash string `json:"approveTxHash,omitempty"`
	DepositTxHash string `json:"depositTxHash,omitempty"`
	FailReason    string `json:"failReason,omitempty"`
}

// BuildPayload renders one attempt record as the wire payload.
func BuildPayload(r deposit.Record) (Payload, error) {
	if r.Attempt.AttemptID == (common.Hash{}) {
		return Payload{}, fmt.Errorf("depositevent: zero attempt id")
	}
	if r.Attempt.Amount == nil || r.Attempt.Amount.Sign() <= 0 {
		return Payload{}, fmt.Errorf("depositevent: amount must be > 0")
	}

	p := Payload{
		Version:     Version,
		AttemptID:   r.Attempt.AttemptID.Hex(),
		Account:     strings.ToLower(r.Attempt.Account.Hex()),
		Pool:        strings.ToLower(r.Attempt.Pool.Hex()),
		Token:       strings.ToLower(r.Attempt.Token.Hex()),
		Amount:      r.Attempt.Amount.String(),
		OperationID: r.Attempt.OperationID,
		State:       r.State.String(),
		Approved:    r.Approved,
		FailReason:  r.FailReason,
	}
	if r.ApproveTxHash != (common.Hash{}) {
		p.ApproveTxHash = r.ApproveTxHash.Hex()
	}
	if r.DepositTxHash != (common.Hash{}) {
		p.DepositTxHash = r.DepositTxHash.Hex()
	}
	return p, nil
}

// ParsePayload decodes and validates a wire payload.
func ParsePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("depositevent: decode: %w", err)
	}
	if p.Version != Version {
		return Payload{}, fmt.Errorf("depositevent: unsupported version %q", p.Version)
	}
	if !common.IsHexAddress(p.Account) || !common.IsHexAddress(p.Pool) || !common.IsHexAddress(p.Token) {
		return Payload{}, fmt.Errorf("depositevent: bad address fields")
	}
	if _, ok := new(big.Int).SetString(p.Amount, 10); !ok {
		return Payload{}, fmt.Errorf("depositevent: bad amount %q", p.Amount)
	}
	return p, nil
}
