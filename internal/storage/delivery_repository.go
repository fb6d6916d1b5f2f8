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

const deliveryColumns = `
	id, lead_id, provider_id, recipient, kind, payment_id, status, attempts,
	last_error, created_at, updated_at`

// DeliveryRepository tracks outbound notification attempts
type DeliveryRepository struct {
	db *PostgresDB
}

// NewDeliveryRepository creates a new delivery repository
func NewDeliveryRepository(db *PostgresDB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

func scanDelivery(row pgx.Row) (*models.Delivery, error) {
	var d models.Delivery
	err := row.Scan(
		&d.ID,
		&d.LeadID,
		&d.ProviderID,
		&d.Recipient,
		&d.Kind,
		&d.PaymentID,
		&d.Status,
		&d.Attempts,
		&d.LastError,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DeliveryRepository) queryDeliveries(ctx context.Context, query string, args ...interface{}) ([]*models.Delivery, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var out []*models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Create records a pending delivery before the send is attempted. A second purchase
// delivery for the same payment id returns ErrDuplicate.
func (r *DeliveryRepository) Create(ctx context.Context, d *models.Delivery) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = types.DeliveryPending
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO deliveries (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		d.ID,
		d.LeadID,
		d.ProviderID,
		d.Recipient,
		d.Kind,
		d.PaymentID,
		d.Status,
		d.Attempts,
		d.LastError,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create delivery: %w", err)
	}
	return nil
}

// Reclaim moves a failed delivery, or one left pending since before staleBefore, back to
// pending. It reports false when another caller got there first or the row went out.
func (r *DeliveryRepository) Reclaim(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE deliveries
		SET status = $2, updated_at = NOW()
		WHERE id = $1
		  AND (status = $3 OR (status = $2 AND updated_at < $4))
	`, id, types.DeliveryPending, types.DeliveryFailed, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to reclaim delivery: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetByID retrieves a delivery by ID
func (r *DeliveryRepository) GetByID(ctx context.Context, id string) (*models.Delivery, error) {
	d, err := scanDelivery(r.db.Pool().QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return d, nil
}

// MarkResult records the outcome of one send attempt
func (r *DeliveryRepository) MarkResult(ctx context.Context, id string, status types.DeliveryStatus, lastErr string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE deliveries
		SET status = $2, last_error = $3, attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1
	`, id, status, lastErr)
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindByPayment returns the purchase delivery for a payment, preferring one that went
// out, then the newest. Returns ErrNotFound when none exists.
func (r *DeliveryRepository) FindByPayment(ctx context.Context, paymentID string) (*models.Delivery, error) {
	d, err := scanDelivery(r.db.Pool().QueryRow(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries
		WHERE payment_id = $1 AND kind = $2
		ORDER BY (status IN ($3, $4)) DESC, created_at DESC, id DESC
		LIMIT 1
	`, paymentID, types.DeliveryPurchase, types.DeliverySent, types.DeliveryResent))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find delivery by payment: %w", err)
	}
	return d, nil
}

// ListByLead returns every delivery recorded for a lead
func (r *DeliveryRepository) ListByLead(ctx context.Context, leadID string) ([]*models.Delivery, error) {
	return r.queryDeliveries(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries
		WHERE lead_id = $1
		ORDER BY created_at
	`, leadID)
}

// ListFailed returns failed deliveries that still have attempts left, oldest first
func (r *DeliveryRepository) ListFailed(ctx context.Context, maxAttempts, limit int) ([]*models.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.queryDeliveries(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries
		WHERE status = $1 AND attempts < $2
		ORDER BY updated_at
		LIMIT $3
	`, types.DeliveryFailed, maxAttempts, limit)
}

// FailDangling marks deliveries stuck in pending since before cutoff as failed
func (r *DeliveryRepository) FailDangling(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE deliveries
		SET status = $1, last_error = 'dangling: no send outcome recorded', updated_at = NOW()
		WHERE status = $2 AND updated_at < $3
	`, types.DeliveryFailed, types.DeliveryPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to fail dangling deliveries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
