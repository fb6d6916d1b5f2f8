package service

import (
	"context"
	stderrors "errors"

	"github.com/lead-router/internal/errors"
	"github.com/lead-router/internal/models"
	"github.com/lead-router/internal/storage"
	"github.com/lead-router/internal/types"
)

// IdempotencyGuard makes payment processing at-most-once per payment id. A payment is
// processed once a final entry (Success or Credits Added) exists in the purchase log.
type IdempotencyGuard struct {
	log    PurchaseLogRepository
	locker PaymentLocker
}

// NewIdempotencyGuard creates a guard. A nil locker relies on the unique index alone.
func NewIdempotencyGuard(log PurchaseLogRepository, locker PaymentLocker) *IdempotencyGuard {
	return &IdempotencyGuard{log: log, locker: locker}
}

// IsProcessed reports whether the payment already has a final outcome
func (g *IdempotencyGuard) IsProcessed(ctx context.Context, paymentID string) (bool, error) {
	_, err := g.log.FindFinal(ctx, paymentID)
	if err == nil {
		return true, nil
	}
	if stderrors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return false, errors.NewDatabaseError("check payment", err)
}

// Outcome returns the final log entry for a processed payment
func (g *IdempotencyGuard) Outcome(ctx context.Context, paymentID string) (*models.PurchaseLogEntry, error) {
	e, err := g.log.FindFinal(ctx, paymentID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewNotFoundError("payment", paymentID)
		}
		return nil, errors.NewDatabaseError("find payment outcome", err)
	}
	return e, nil
}

// RecordAttempt logs the arrival of an event. Attempts never block reprocessing.
func (g *IdempotencyGuard) RecordAttempt(ctx context.Context, e models.PurchaseLogEntry) error {
	e.Status = types.PurchaseAttempted
	if err := g.log.Append(ctx, &e); err != nil {
		return errors.NewDatabaseError("record attempt", err)
	}
	return nil
}

// RecordOutcome logs a final status. A second final entry for the same payment is
// refused by the store and reported as DuplicatePayment.
func (g *IdempotencyGuard) RecordOutcome(ctx context.Context, e models.PurchaseLogEntry, status types.PurchaseStatus) error {
	e.Status = status
	if err := g.log.Append(ctx, &e); err != nil {
		if stderrors.Is(err, storage.ErrDuplicate) {
			return errors.NewDuplicatePaymentError(e.PaymentID)
		}
		return errors.NewDatabaseError("record outcome", err)
	}
	return nil
}

// RecordRejection logs a terminal Rejected:<reason> entry
func (g *IdempotencyGuard) RecordRejection(ctx context.Context, e models.PurchaseLogEntry, reason string) error {
	e.Status = types.Rejected(reason)
	if err := g.log.Append(ctx, &e); err != nil {
		return errors.NewDatabaseError("record rejection", err)
	}
	return nil
}

// Lock serializes concurrent deliveries of the same payment. A held lock is reported
// as PaymentInProgress so the gateway retries later.
func (g *IdempotencyGuard) Lock(ctx context.Context, paymentID string) (func(), error) {
	if g.locker == nil {
		return func() {}, nil
	}

	release, ok, err := g.locker.Acquire(ctx, paymentID)
	if err != nil {
		return nil, errors.NewInternalError("failed to acquire payment lock", err)
	}
	if !ok {
		return nil, errors.NewPaymentInProgressError(paymentID)
	}
	return release, nil
}
