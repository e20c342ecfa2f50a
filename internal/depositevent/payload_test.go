package depositevent

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stackpool/savingsd/internal/deposit"
)

func confirmedRecord() deposit.Record {
	amount, _ := new(big.Int).SetString("100000000000000000000", 10)
	return deposit.Record{
		Attempt: deposit.Attempt{
			AttemptID:   common.HexToHash("0x0101010101010101010101010101010101010101010101010101010101010101"),
			Account:     common.HexToAddress("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1"),
			Pool:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
			Token:       common.HexToAddress("0x2222222222222222222222222222222222222222"),
			Amount:      amount,
			OperationID: 7,
		},
		State:         deposit.StateConfirmed,
		Approved:      true,
		ApproveTxHash: common.HexToHash("0x5555555555555555555555555555555555555555555555555555555555555555"),
		DepositTxHash: common.HexToHash("0x7777777777777777777777777777777777777777777777777777777777777777"),
	}
}

func TestBuildPayload(t *testing.T) {
	t.Parallel()

	r := confirmedRecord()
	p, err := BuildPayload(r)
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	if p.Version != Version {
		t.Fatalf("version: got %q", p.Version)
	}
	if p.Amount != "100000000000000000000" {
		t.Fatalf("amount: got %q", p.Amount)
	}
	if p.State != "confirmed" {
		t.Fatalf("state: got %q", p.State)
	}
	if p.Account != strings.ToLower(r.Attempt.Account.Hex()) {
		t.Fatalf("account not lowercased: %q", p.Account)
	}
	if !p.Approved || p.ApproveTxHash == "" || p.DepositTxHash == "" {
		t.Fatalf("tx hashes missing: %+v", p)
	}
}

func TestBuildPayload_OmitsZeroHashes(t *testing.T) {
	t.Parallel()

	r := confirmedRecord()
	r.Approved = false
	r.ApproveTxHash = common.Hash{}

	p, err := BuildPayload(r)
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	if p.ApproveTxHash != "" {
		t.Fatalf("zero approve hash must be omitted, got %q", p.ApproveTxHash)
	}

	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "approveTxHash") {
		t.Fatalf("approveTxHash serialized for skip-approval attempt: %s", raw)
	}
}

func TestBuildPayload_RejectsBadRecords(t *testing.T) {
	t.Parallel()

	r := confirmedRecord()
	r.Attempt.AttemptID = common.Hash{}
	if _, err := BuildPayload(r); err == nil {
		t.Fatalf("expected error for zero attempt id")
	}

	r = confirmedRecord()
	r.Attempt.Amount = nil
	if _, err := BuildPayload(r); err == nil {
		t.Fatalf("expected error for nil amount")
	}
}

func TestParsePayload_RoundTrip(t *testing.T) {
	t.Parallel()

	p, err := BuildPayload(confirmedRecord())
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := ParsePayload(raw)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if got != p {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, p)
	}
}

func TestParsePayload_Rejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: "nope"},
		{name: "wrong version", raw: `{"version":"savings.deposit.v0","account":"0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1","pool":"0x1111111111111111111111111111111111111111","token":"0x2222222222222222222222222222222222222222","amount":"1"}`},
		{name: "bad address", raw: `{"version":"savings.deposit.v1","account":"zz","pool":"0x1111111111111111111111111111111111111111","token":"0x2222222222222222222222222222222222222222","amount":"1"}`},
		{name: "bad amount", raw: `{"version":"savings.deposit.v1","account":"0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1","pool":"0x1111111111111111111111111111111111111111","token":"0x2222222222222222222222222222222222222222","amount":"1.5"}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParsePayload([]byte(tc.raw)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
