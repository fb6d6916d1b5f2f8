package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lead-router/internal/models"
	"github.com/lead-router/internal/types"
)

const leadColumns = `
	id, name, phone, email, zip, project_size, timeframe, project_type, note,
	direct_provider_id, direct_provider_name, status, assigned_provider_id,
	credits_charged, purchased_by, purchased_at, payment_id, email_sent,
	created_at, updated_at`

// LeadRepository handles lead persistence. Leads are never deleted.
type LeadRepository struct {
	db *PostgresDB
}

// NewLeadRepository creates a new lead repository
func NewLeadRepository(db *PostgresDB) *LeadRepository {
	return &LeadRepository{db: db}
}

func scanLead(row pgx.Row) (*models.Lead, error) {
	var l models.Lead
	err := row.Scan(
		&l.ID,
		&l.Name,
		&l.Phone,
		&l.Email,
		&l.Zip,
		&l.ProjectSize,
		&l.Timeframe,
		&l.ProjectType,
		&l.Note,
		&l.DirectProviderID,
		&l.DirectProviderName,
		&l.Status,
		&l.AssignedProviderID,
		&l.CreditsCharged,
		&l.PurchasedBy,
		&l.PurchasedAt,
		&l.PaymentID,
		&l.EmailSent,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// Create inserts a new lead in status New. A taken id returns ErrDuplicate.
func (r *LeadRepository) Create(ctx context.Context, l *models.Lead) error {
	now := time.Now().UTC()
	l.Status = types.LeadStatusNew
	l.CreatedAt = now
	l.UpdatedAt = now

	query := `
		INSERT INTO leads (id, name, phone, email, zip, project_size, timeframe, project_type, note,
			direct_provider_id, direct_provider_name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.Pool().Exec(ctx, query,
		l.ID,
		l.Name,
		l.Phone,
		l.Email,
		l.Zip,
		l.ProjectSize,
		l.Timeframe,
		l.ProjectType,
		l.Note,
		l.DirectProviderID,
		l.DirectProviderName,
		l.Status,
		l.CreatedAt,
		l.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create lead: %w", err)
	}
	return nil
}

// GetByID retrieves a lead by ID
func (r *LeadRepository) GetByID(ctx context.Context, id string) (*models.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE id = $1`

	l, err := scanLead(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get lead: %w", err)
	}
	return l, nil
}

// predecessors lists the statuses a lead may move to target from
func predecessors(target types.LeadStatus) []string {
	var from []string
	for _, s := range []types.LeadStatus{types.LeadStatusNew, types.LeadStatusSent, types.LeadStatusNoCoverage, types.LeadStatusPurchased} {
		if s.CanTransition(target) {
			from = append(from, string(s))
		}
	}
	return from
}

// MarkStatus moves a lead forward. It reports false when the lead's current status
// does not allow the transition; the row is left untouched in that case.
func (r *LeadRepository) MarkStatus(ctx context.Context, id string, status types.LeadStatus) (bool, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE leads SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, status, predecessors(status))
	if err != nil {
		return false, fmt.Errorf("failed to update lead status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// RecordPurchase stores a single-lead purchase and moves the lead to Purchased.
// The first purchase sets the lead's buyer fields. A repeated payment id returns ErrDuplicate.
func (r *LeadRepository) RecordPurchase(ctx context.Context, p *models.LeadPurchase) (*models.Lead, error) {
	p.CreatedAt = time.Now().UTC()

	var lead *models.Lead
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO lead_purchases (payment_id, lead_id, buyer_email, amount_cents, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, p.PaymentID, p.LeadID, p.BuyerEmail, p.AmountCents, p.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			if isForeignKeyViolation(err) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to record purchase: %w", err)
		}

		lead, err = scanLead(tx.QueryRow(ctx, `
			UPDATE leads SET
				status = $2,
				purchased_by = COALESCE(purchased_by, $3),
				purchased_at = COALESCE(purchased_at, $4),
				payment_id = COALESCE(payment_id, $5),
				updated_at = NOW()
			WHERE id = $1
			RETURNING `+leadColumns,
			p.LeadID, types.LeadStatusPurchased, p.BuyerEmail, p.CreatedAt, p.PaymentID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to mark lead purchased: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lead, nil
}

// SetEmailSent flags that the purchased lead was emailed to its buyer
func (r *LeadRepository) SetEmailSent(ctx context.Context, id string) error {
	tag, err := r.db.Pool().Exec(ctx,
		`UPDATE leads SET email_sent = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to set email sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Search returns leads matching the filter, newest first
func (r *LeadRepository) Search(ctx context.Context, f models.LeadFilter) ([]*models.Lead, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Zip != "" {
		add("zip = $%d", f.Zip)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.ProviderID != "" {
		add("(assigned_provider_id = $%[1]d OR direct_provider_id = $%[1]d OR id IN (SELECT lead_id FROM lead_assignments WHERE provider_id = $%[1]d))", f.ProviderID)
	}
	if f.Query != "" {
		add("(name ILIKE $%[1]d OR email ILIKE $%[1]d OR phone ILIKE $%[1]d)", "%"+f.Query+"%")
	}

	query := `SELECT ` + leadColumns + ` FROM leads`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search leads: %w", err)
	}
	defer rows.Close()

	var leads []*models.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lead: %w", err)
		}
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

// CoverageGaps counts NoCoverage leads per zip since the given time
func (r *LeadRepository) CoverageGaps(ctx context.Context, since time.Time, limit int) ([]models.CoverageGap, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT zip, COUNT(*), MAX(created_at)
		FROM leads
		WHERE status = $1 AND created_at >= $2
		GROUP BY zip
		ORDER BY COUNT(*) DESC, zip
		LIMIT $3
	`, types.LeadStatusNoCoverage, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query coverage gaps: %w", err)
	}
	defer rows.Close()

	var gaps []models.CoverageGap
	for rows.Next() {
		var g models.CoverageGap
		if err := rows.Scan(&g.Zip, &g.LeadCount, &g.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan coverage gap: %w", err)
		}
		gaps = append(gaps, g)
	}
	return gaps, rows.Err()
}

// ListAssignments returns the providers a lead was delivered to in full
func (r *LeadRepository) ListAssignments(ctx context.Context, leadID string) ([]*models.LeadAssignment, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT lead_id, provider_id, credits_charged, transaction_id, created_at
		FROM lead_assignments
		WHERE lead_id = $1
		ORDER BY created_at
	`, leadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	var out []*models.LeadAssignment
	for rows.Next() {
		var a models.LeadAssignment
		if err := rows.Scan(&a.LeadID, &a.ProviderID, &a.CreditsCharged, &a.TransactionID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
