// Package wallet models the signing session a deposit flow runs under.
package wallet

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidSession = errors.New("wallet: invalid session")

// Session exposes the account a deposit flow acts on behalf of.
//
// Address reports ok == false when no account is available (disconnected
// session); callers must treat that as a fatal precondition failure for the
// current operation.
type Session interface {
	Address() (common.Address, bool)
	Connected() bool
}

// Signer signs EVM transactions for a single from-address.
//
// Production signers may be backed by KMS/HSM; tests and local dev use
// LocalSession.
type Signer interface {
	Address() (common.Address, bool)
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// LocalSession is a Session and Signer backed by an in-process ECDSA key.
type LocalSession struct {
	key  *ecdsa.PrivateKey
	addr common.Address

	mu        sync.Mutex
	connected bool
}

func NewLocalSession(key *ecdsa.PrivateKey) (*LocalSession, error) {
	if key == nil {
		return nil, ErrInvalidSession
	}
	return &LocalSession{
		key:       key,
		addr:      crypto.PubkeyToAddress(key.PublicKey),
		connected: true,
	}, nil
}

func (s *LocalSession) Address() (common.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return common.Address{}, false
	}
	return s.addr, true
}

func (s *LocalSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Disconnect drops the session. In-flight flows observe the missing address
// at their next precondition check; nothing already broadcast is affected.
func (s *LocalSession) Disconnect() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

func (s *LocalSession) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if tx == nil || chainID == nil || chainID.Sign() <= 0 {
		return nil, ErrInvalidSession
	}
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return nil, ErrInvalidSession
	}
	signer := types.LatestSignerForChainID(chainID)
	return types.SignTx(tx, signer, s.key)
}
