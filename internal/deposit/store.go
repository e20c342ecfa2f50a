package deposit

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound          = errors.New("deposit: not found")
	ErrAttemptMismatch   = errors.New("deposit: attempt mismatch")
	ErrInvalidTransition = errors.New("deposit: invalid transition")
)

// Store persists deposit attempts. All transitions are upgrades only; a
// confirmed or failed record never moves again, except that re-marking the
// same terminal state with the same data is accepted as idempotent.
type Store interface {
	Create(ctx context.Context, a Attempt) (Record, bool, error)
	Get(ctx context.Context, attemptID common.Hash) (Record, error)
	ListByState(ctx context.Context, state State, limit int) ([]Record, error)

	MarkApproving(ctx context.Context, attemptID common.Hash, approveTxHash common.Hash) error
	MarkSubmitted(ctx context.Context, attemptID common.Hash, depositTxHash common.Hash) error
	MarkConfirmed(ctx context.Context, attemptID common.Hash, depositTxHash common.Hash) error
	MarkFailed(ctx context.Context, attemptID common.Hash, reason string) error
}
