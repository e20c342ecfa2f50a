package submitter

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type pendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// nonceTracker allocates nonces for the submitter's single account. It never
// decreases its notion of "next nonce", so nonces reserved for transactions
// still in flight are not reused.
type nonceTracker struct {
	backend pendingNoncer
	addr    common.Address

	mu    sync.Mutex
	nextN uint64
	have  bool
}

func newNonceTracker(backend pendingNoncer, addr common.Address) *nonceTracker {
	return &nonceTracker{backend: backend, addr: addr}
}

func (t *nonceTracker) next(ctx context.Context) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.have {
		n, err := t.backend.PendingNonceAt(ctx, t.addr)
		if err != nil {
			return 0, err
		}
		t.nextN = n
		t.have = true
	}

	n := t.nextN
	t.nextN++
	return n, nil
}
