// Package postgres is the pgx-backed deposit attempt store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stackpool/savingsd/internal/deposit"
)

var ErrInvalidConfig = errors.New("deposit/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("deposit/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, a deposit.Attempt) (deposit.Record, bool, error) {
	if s == nil || s.pool == nil {
		return deposit.Record{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if a.Amount == nil || a.Amount.Sign() <= 0 {
		return deposit.Record{}, false, fmt.Errorf("%w: amount must be > 0", deposit.ErrAttemptMismatch)
	}
	if a.OperationID > math.MaxInt64 {
		return deposit.Record{}, false, fmt.Errorf("%w: operation id too large", deposit.ErrAttemptMismatch)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO deposit_attempts (
			attempt_id,
			account,
			pool,
			token,
			amount,
			operation_id,
			state,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5::numeric,$6,$7,now(),now())
		ON CONFLICT (attempt_id) DO NOTHING
	`, a.AttemptID[:], a.Account[:], a.Pool[:], a.Token[:], a.Amount.String(), int64(a.OperationID), int16(deposit.StatePending))
	if err != nil {
		return deposit.Record{}, false, fmt.Errorf("deposit/postgres: insert: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return deposit.Record{Attempt: a, State: deposit.StatePending}, true, nil
	}

	rec, err := s.Get(ctx, a.AttemptID)
	if err != nil {
		return deposit.Record{}, false, err
	}
	if !rec.Attempt.Equal(a) {
		return deposit.Record{}, false, deposit.ErrAttemptMismatch
	}
	return rec, false, nil
}

func (s *Store) Get(ctx context.Context, attemptID common.Hash) (deposit.Record, error) {
	if s == nil || s.pool == nil {
		return deposit.Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var (
		idRaw        []byte
		accountRaw   []byte
		poolRaw      []byte
		tokenRaw     []byte
		amountStr    string
		operationID  int64
		state        int16
		approved     bool
		approveTxRaw []byte
		depositTxRaw []byte
		failReason   *string
	)

	err := s.pool.QueryRow(ctx, `
		SELECT
			attempt_id,
			account,
			pool,
			token,
			amount::text,
			operation_id,
			state,
			approved,
			approve_tx_hash,
			deposit_tx_hash,
			fail_reason
		FROM deposit_attempts
		WHERE attempt_id = $1
	`, attemptID[:]).Scan(
		&idRaw,
		&accountRaw,
		&poolRaw,
		&tokenRaw,
		&amountStr,
		&operationID,
		&state,
		&approved,
		&approveTxRaw,
		&depositTxRaw,
		&failReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return deposit.Record{}, deposit.ErrNotFound
		}
		return deposit.Record{}, fmt.Errorf("deposit/postgres: get: %w", err)
	}

	id, err := toHash(idRaw)
	if err != nil {
		return deposit.Record{}, err
	}
	account, err := toAddress(accountRaw)
	if err != nil {
		return deposit.Record{}, err
	}
	pool, err := toAddress(poolRaw)
	if err != nil {
		return deposit.Record{}, err
	}
	token, err := toAddress(tokenRaw)
	if err != nil {
		return deposit.Record{}, err
	}
	amount, ok := new(big.Int).SetString(amountStr, 10)
	if !ok {
		return deposit.Record{}, fmt.Errorf("deposit/postgres: bad amount %q", amountStr)
	}
	if operationID < 0 {
		return deposit.Record{}, fmt.Errorf("deposit/postgres: negative operation id")
	}

	rec := deposit.Record{
		Attempt: deposit.Attempt{
			AttemptID:   id,
			Account:     account,
			Pool:        pool,
			Token:       token,
			Amount:      amount,
			OperationID: uint64(operationID),
		},
		State:    deposit.State(state),
		Approved: approved,
	}
	if approveTxRaw != nil {
		rec.ApproveTxHash, err = toHash(approveTxRaw)
		if err != nil {
			return deposit.Record{}, err
		}
	}
	if depositTxRaw != nil {
		rec.DepositTxHash, err = toHash(depositTxRaw)
		if err != nil {
			return deposit.Record{}, err
		}
	}
	if failReason != nil {
		rec.FailReason = *failReason
	}
	return rec, nil
}

func (s *Store) ListByState(ctx context.Context, state deposit.State, limit int) ([]deposit.Record, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT attempt_id
		FROM deposit_attempts
		WHERE state = $1
		ORDER BY created_at ASC, attempt_id ASC
		LIMIT $2
	`, int16(state), limit)
	if err != nil {
		return nil, fmt.Errorf("deposit/postgres: list by state: %w", err)
	}
	defer rows.Close()

	ids := make([]common.Hash, 0, limit)
	for rows.Next() {
		var idRaw []byte
		if err := rows.Scan(&idRaw); err != nil {
			return nil, fmt.Errorf("deposit/postgres: scan list row: %w", err)
		}
		id, err := toHash(idRaw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deposit/postgres: list by state rows: %w", err)
	}

	out := make([]deposit.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) MarkApproving(ctx context.Context, attemptID common.Hash, approveTxHash common.Hash) error {
	rec, err := s.Get(ctx, attemptID)
	if err != nil {
		return err
	}
	if rec.State >= deposit.StateSubmitted {
		return deposit.ErrInvalidTransition
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE deposit_attempts
		SET state = $2, approved = TRUE, approve_tx_hash = $3, updated_at = now()
		WHERE attempt_id = $1 AND state < $4
	`, attemptID[:], int16(deposit.StateApproving), approveTxHash[:], int16(deposit.StateSubmitted))
	if err != nil {
		return fmt.Errorf("deposit/postgres: mark approving: %w", err)
	}
	return nil
}

func (s *Store) MarkSubmitted(ctx context.Context, attemptID common.Hash, depositTxHash common.Hash) error {
	rec, err := s.Get(ctx, attemptID)
	if err != nil {
		return err
	}
	if rec.State >= deposit.StateConfirmed {
		return deposit.ErrInvalidTransition
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE deposit_attempts
		SET state = $2, deposit_tx_hash = $3, updated_at = now()
		WHERE attempt_id = $1 AND state < $4
	`, attemptID[:], int16(deposit.StateSubmitted), depositTxHash[:], int16(deposit.StateConfirmed))
	if err != nil {
		return fmt.Errorf("deposit/postgres: mark submitted: %w", err)
	}
	return nil
}

func (s *Store) MarkConfirmed(ctx context.Context, attemptID common.Hash, depositTxHash common.Hash) error {
	rec, err := s.Get(ctx, attemptID)
	if err != nil {
		return err
	}
	if rec.State == deposit.StateConfirmed {
		if rec.DepositTxHash != depositTxHash {
			return deposit.ErrAttemptMismatch
		}
		return nil
	}
	if rec.State != deposit.StateSubmitted {
		return deposit.ErrInvalidTransition
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE deposit_attempts
		SET state = $2, deposit_tx_hash = $3, updated_at = now()
		WHERE attempt_id = $1 AND state = $4
	`, attemptID[:], int16(deposit.StateConfirmed), depositTxHash[:], int16(deposit.StateSubmitted))
	if err != nil {
		return fmt.Errorf("deposit/postgres: mark confirmed: %w", err)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, attemptID common.Hash, reason string) error {
	rec, err := s.Get(ctx, attemptID)
	if err != nil {
		return err
	}
	if rec.State == deposit.StateFailed {
		return nil
	}
	if rec.State == deposit.StateConfirmed {
		return deposit.ErrInvalidTransition
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE deposit_attempts
		SET state = $2, fail_reason = $3, updated_at = now()
		WHERE attempt_id = $1 AND state < $4
	`, attemptID[:], int16(deposit.StateFailed), reason, int16(deposit.StateConfirmed))
	if err != nil {
		return fmt.Errorf("deposit/postgres: mark failed: %w", err)
	}
	return nil
}

func toHash(b []byte) (common.Hash, error) {
	if len(b) != 32 {
		return common.Hash{}, fmt.Errorf("deposit/postgres: expected 32 bytes, got %d", len(b))
	}
	return common.BytesToHash(b), nil
}

func toAddress(b []byte) (common.Address, error) {
	if len(b) != 20 {
		return common.Address{}, fmt.Errorf("deposit/postgres: expected 20 bytes, got %d", len(b))
	}
	return common.BytesToAddress(b), nil
}
