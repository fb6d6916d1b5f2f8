package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lead-router/internal/models"
	"github.com/lead-router/internal/types"
)

const purchaseLogColumns = `
	id, payment_id, status, amount_cents, currency, correlation_token,
	buyer_email, product, note, created_at`

// PurchaseLogRepository is the append-only log of observed payment events
type PurchaseLogRepository struct {
	db *PostgresDB
}

// NewPurchaseLogRepository creates a new purchase log repository
func NewPurchaseLogRepository(db *PostgresDB) *PurchaseLogRepository {
	return &PurchaseLogRepository{db: db}
}

func scanPurchaseLogEntry(row pgx.Row) (*models.PurchaseLogEntry, error) {
	var e models.PurchaseLogEntry
	err := row.Scan(
		&e.ID,
		&e.PaymentID,
		&e.Status,
		&e.AmountCents,
		&e.Currency,
		&e.CorrelationToken,
		&e.BuyerEmail,
		&e.Product,
		&e.Note,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Append writes an entry. A second final entry for the same payment id returns ErrDuplicate.
func (r *PurchaseLogRepository) Append(ctx context.Context, e *models.PurchaseLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = time.Now().UTC()

	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO purchase_log (`+purchaseLogColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		e.ID,
		e.PaymentID,
		e.Status,
		e.AmountCents,
		e.Currency,
		e.CorrelationToken,
		e.BuyerEmail,
		e.Product,
		e.Note,
		e.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to append purchase log entry: %w", err)
	}
	return nil
}

// FindFinal returns the entry that marked the payment processed, or ErrNotFound
func (r *PurchaseLogRepository) FindFinal(ctx context.Context, paymentID string) (*models.PurchaseLogEntry, error) {
	query := `SELECT ` + purchaseLogColumns + `
		FROM purchase_log
		WHERE payment_id = $1 AND status IN ($2, $3)
		LIMIT 1`

	e, err := scanPurchaseLogEntry(r.db.Pool().QueryRow(ctx, query,
		paymentID, types.PurchaseSuccess, types.PurchaseCreditsAdded))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find processed payment: %w", err)
	}
	return e, nil
}

// ListByPayment returns every entry for a payment id in arrival order
func (r *PurchaseLogRepository) ListByPayment(ctx context.Context, paymentID string) ([]*models.PurchaseLogEntry, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT `+purchaseLogColumns+`
		FROM purchase_log
		WHERE payment_id = $1
		ORDER BY created_at, id`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchase log: %w", err)
	}
	defer rows.Close()

	var entries []*models.PurchaseLogEntry
	for rows.Next() {
		e, err := scanPurchaseLogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan purchase log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
