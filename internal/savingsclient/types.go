package savingsclient

import "github.com/stackpool/savingsd/internal/depositevent"

// DepositRequest is the body of POST /v1/deposits. Exactly one of the two
// amount fields must be set.
type DepositRequest struct {
	// Amount in the token's smallest unit, decimal string.
	Amount string `json:"amount,omitempty"`
	// AmountDecimal in whole tokens ("100", "0.5").
	AmountDecimal string `json:"amountDecimal,omitempty"`
}

// DepositResponse wraps the attempt record of a finished deposit.
type DepositResponse struct {
	Version string               `json:"version"`
	Attempt depositevent.Payload `json:"attempt"`
}

// AttemptResponse is one history lookup; Found is false when the daemon has
// no record of the attempt id.
type AttemptResponse struct {
	Version string               `json:"version"`
	Found   bool                 `json:"found"`
	Attempt depositevent.Payload `json:"attempt"`
}

// StatusResponse mirrors the daemon's in-flight operation snapshot.
type StatusResponse struct {
	Version         string `json:"version"`
	Step            string `json:"step"`
	OperationID     uint64 `json:"operationId"`
	RequestedAmount string `json:"requestedAmount,omitempty"`
	ApproveTxHash   string `json:"approveTxHash,omitempty"`
	DepositTxHash   string `json:"depositTxHash,omitempty"`
	LastError       string `json:"lastError,omitempty"`
}

// PositionResponse reports the account's pool balance.
type PositionResponse struct {
	Version string `json:"version"`
	Pool    string `json:"pool"`
	Balance string `json:"balance"`
}
