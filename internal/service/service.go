// Package service wraps the deposit flow with the bookkeeping collaborators:
// the attempt history store, the event queue, and the receipt archive. The
// flow decides whether a deposit happens; everything in this package is
// best-effort reporting and never fails a deposit that already confirmed.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stackpool/savingsd/internal/deposit"
	"github.com/stackpool/savingsd/internal/depositevent"
	"github.com/stackpool/savingsd/internal/flow"
	"github.com/stackpool/savingsd/internal/idempotency"
	"github.com/stackpool/savingsd/internal/receipts"
	"github.com/stackpool/savingsd/internal/wallet"
)

var ErrInvalidConfig = errors.New("service: invalid config")

// DepositFlow is the orchestrator surface the service drives.
type DepositFlow interface {
	Deposit(ctx context.Context, amount *big.Int) (flow.Result, error)
	Reset()
	Snapshot() flow.Snapshot
}

// EventPublisher publishes deposit lifecycle events. *queue.EventProducer
// satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, p depositevent.Payload) error
}

type Config struct {
	PoolAddress  common.Address
	TokenAddress common.Address

	Now func() time.Time
}

type Service struct {
	cfg     Config
	log     *slog.Logger
	flow    DepositFlow
	session wallet.Session
	store   deposit.Store

	// Optional collaborators; nil disables the concern.
	events  EventPublisher
	archive receipts.Archive
}

func New(cfg Config, fl DepositFlow, session wallet.Session, store deposit.Store, events EventPublisher, archive receipts.Archive, log *slog.Logger) (*Service, error) {
	if (cfg.PoolAddress == common.Address{}) || (cfg.TokenAddress == common.Address{}) {
		return nil, fmt.Errorf("%w: pool and token addresses must be non-zero", ErrInvalidConfig)
	}
	if fl == nil || session == nil || store == nil {
		return nil, fmt.Errorf("%w: nil flow/session/store", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		flow:    fl,
		session: session,
		store:   store,
		events:  events,
		archive: archive,
	}, nil
}

// Deposit runs one deposit through the flow and records its outcome. The
// returned error is the flow's verdict; history, queue, and archive failures
// are logged and swallowed.
func (s *Service) Deposit(ctx context.Context, amount *big.Int) (deposit.Record, error) {
	res, flowErr := s.flow.Deposit(ctx, amount)

	if flowErr == nil {
		rec := s.recordConfirmed(ctx, res)
		return rec, nil
	}

	// Rejected-at-the-door and abandoned operations have no attempt identity
	// to record: nothing was started, or a reset already disowned it.
	if errors.Is(flowErr, flow.ErrBusy) ||
		errors.Is(flowErr, flow.ErrSuperseded) ||
		errors.Is(flowErr, flow.ErrInvalidAmount) ||
		errors.Is(flowErr, flow.ErrBelowMinimum) {
		return deposit.Record{}, flowErr
	}

	rec := s.recordFailed(ctx, amount, flowErr)
	return rec, flowErr
}

func (s *Service) Reset() {
	s.flow.Reset()
}

func (s *Service) Snapshot() flow.Snapshot {
	return s.flow.Snapshot()
}

// Attempt returns one attempt from the history store.
func (s *Service) Attempt(ctx context.Context, attemptID common.Hash) (deposit.Record, error) {
	return s.store.Get(ctx, attemptID)
}

func (s *Service) recordConfirmed(ctx context.Context, res flow.Result) deposit.Record {
	attempt := deposit.Attempt{
		AttemptID:   idempotency.AttemptIDV1(res.Account, s.cfg.PoolAddress, res.Amount, res.OperationID),
		Account:     res.Account,
		Pool:        s.cfg.PoolAddress,
		Token:       s.cfg.TokenAddress,
		Amount:      res.Amount,
		OperationID: res.OperationID,
	}

	if _, _, err := s.store.Create(ctx, attempt); err != nil {
		s.log.Error("record attempt", "attemptId", attempt.AttemptID, "err", err)
	}
	if res.Approved {
		if err := s.store.MarkApproving(ctx, attempt.AttemptID, res.ApproveTxHash); err != nil {
			s.log.Error("record approval", "attemptId", attempt.AttemptID, "err", err)
		}
	}
	if err := s.store.MarkSubmitted(ctx, attempt.AttemptID, res.DepositTxHash); err != nil {
		s.log.Error("record submission", "attemptId", attempt.AttemptID, "err", err)
	}
	if err := s.store.MarkConfirmed(ctx, attempt.AttemptID, res.DepositTxHash); err != nil {
		s.log.Error("record confirmation", "attemptId", attempt.AttemptID, "err", err)
	}

	rec, err := s.store.Get(ctx, attempt.AttemptID)
	if err != nil {
		// The store failed above; synthesize the record so callers still see
		// what happened.
		rec = deposit.Record{
			Attempt:       attempt,
			State:         deposit.StateConfirmed,
			Approved:      res.Approved,
			ApproveTxHash: res.ApproveTxHash,
			DepositTxHash: res.DepositTxHash,
		}
	}

	payload := s.publish(ctx, rec)
	s.archiveReceipts(ctx, payload, res)
	return rec
}

func (s *Service) recordFailed(ctx context.Context, amount *big.Int, flowErr error) deposit.Record {
	account, ok := s.session.Address()
	if !ok {
		// No wallet, no attempt identity.
		return deposit.Record{}
	}
	snap := s.flow.Snapshot()

	attempt := deposit.Attempt{
		AttemptID:   idempotency.AttemptIDV1(account, s.cfg.PoolAddress, amount, snap.OperationID),
		Account:     account,
		Pool:        s.cfg.PoolAddress,
		Token:       s.cfg.TokenAddress,
		Amount:      amount,
		OperationID: snap.OperationID,
	}

	if _, _, err := s.store.Create(ctx, attempt); err != nil {
		s.log.Error("record attempt", "attemptId", attempt.AttemptID, "err", err)
	}
	if snap.ApproveTxHash != (common.Hash{}) {
		if err := s.store.MarkApproving(ctx, attempt.AttemptID, snap.ApproveTxHash); err != nil {
			s.log.Error("record approval", "attemptId", attempt.AttemptID, "err", err)
		}
	}
	if snap.DepositTxHash != (common.Hash{}) {
		if err := s.store.MarkSubmitted(ctx, attempt.AttemptID, snap.DepositTxHash); err != nil {
			s.log.Error("record submission", "attemptId", attempt.AttemptID, "err", err)
		}
	}
	if err := s.store.MarkFailed(ctx, attempt.AttemptID, flowErr.Error()); err != nil {
		s.log.Error("record failure", "attemptId", attempt.AttemptID, "err", err)
	}

	rec, err := s.store.Get(ctx, attempt.AttemptID)
	if err != nil {
		rec = deposit.Record{
			Attempt:    attempt,
			State:      deposit.StateFailed,
			FailReason: flowErr.Error(),
		}
	}

	s.publish(ctx, rec)
	return rec
}

func (s *Service) publish(ctx context.Context, rec deposit.Record) depositevent.Payload {
	payload, err := depositevent.BuildPayload(rec)
	if err != nil {
		s.log.Error("build deposit event", "attemptId", rec.Attempt.AttemptID, "err", err)
		return depositevent.Payload{}
	}
	if s.events == nil {
		return payload
	}
	if err := s.events.Publish(ctx, payload); err != nil {
		s.log.Error("publish deposit event", "attemptId", rec.Attempt.AttemptID, "err", err)
	}
	return payload
}

func (s *Service) archiveReceipts(ctx context.Context, payload depositevent.Payload, res flow.Result) {
	if s.archive == nil || payload.Version == "" {
		return
	}

	doc := receipts.Document{
		Payload:        payload,
		ApproveReceipt: res.ApproveReceipt,
		DepositReceipt: res.DepositReceipt,
		ArchivedAt:     s.cfg.Now().UTC(),
	}
	if err := s.archive.Save(ctx, doc); err != nil {
		s.log.Error("archive receipts", "attemptId", payload.AttemptID, "err", err)
	}
}
