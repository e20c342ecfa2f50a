// Package idempotency derives stable identifiers for deposit attempts so the
// history store, the event queue, and the receipt archive all key the same
// attempt the same way.
package idempotency

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

const attemptIDPrefixV1 = "SAVINGS_DEPOSIT_ATTEMPT_V1"

// AttemptIDV1 computes the canonical deposit attempt id:
//
//	attemptId = keccak256("SAVINGS_DEPOSIT_ATTEMPT_V1" || account || pool || amountBE32 || opIdBE8)
//
// amount is encoded as a 32-byte big-endian unsigned integer, matching the
// uint256 calldata encoding of the deposit itself. The per-orchestrator
// operation id disambiguates repeated deposits of the same amount.
func AttemptIDV1(account, pool common.Address, amount *big.Int, opID uint64) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(attemptIDPrefixV1))
	_, _ = h.Write(account[:])
	_, _ = h.Write(pool[:])

	var amt [32]byte
	if amount != nil {
		amount.FillBytes(amt[:])
	}
	_, _ = h.Write(amt[:])

	var op [8]byte
	binary.BigEndian.PutUint64(op[:], opID)
	_, _ = h.Write(op[:])

	return common.BytesToHash(h.Sum(nil))
}
