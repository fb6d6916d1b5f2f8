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

const providerColumns = `
	id, email, company_name, phone, service_zips, credit_balance, status,
	total_leads_received, plan, is_premium, is_verified, is_priority,
	premium_expires_at, created_at, updated_at`

// ProviderRepository handles provider persistence
type ProviderRepository struct {
	db *PostgresDB
}

// NewProviderRepository creates a new provider repository
func NewProviderRepository(db *PostgresDB) *ProviderRepository {
	return &ProviderRepository{db: db}
}

func scanProvider(row pgx.Row) (*models.Provider, error) {
	var p models.Provider
	err := row.Scan(
		&p.ID,
		&p.Email,
		&p.CompanyName,
		&p.Phone,
		&p.ServiceZips,
		&p.CreditBalance,
		&p.Status,
		&p.TotalLeadsReceived,
		&p.Plan,
		&p.IsPremium,
		&p.IsVerified,
		&p.IsPriority,
		&p.PremiumExpiresAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *ProviderRepository) queryProviders(ctx context.Context, query string, args ...interface{}) ([]*models.Provider, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query providers: %w", err)
	}
	defer rows.Close()

	var providers []*models.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// Create inserts a provider with a zero balance. A taken email returns ErrDuplicate.
func (r *ProviderRepository) Create(ctx context.Context, p *models.Provider) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = types.ProviderActive
	}
	if p.ServiceZips == nil {
		p.ServiceZips = []string{}
	}
	p.Email = models.NormalizeEmail(p.Email)
	p.CreditBalance = 0
	p.TotalLeadsReceived = 0
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	query := `
		INSERT INTO providers (id, email, company_name, phone, service_zips, credit_balance, status,
			total_leads_received, plan, is_premium, is_verified, is_priority, premium_expires_at,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, 0, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		p.ID,
		p.Email,
		p.CompanyName,
		p.Phone,
		p.ServiceZips,
		p.Status,
		p.Plan,
		p.IsPremium,
		p.IsVerified,
		p.IsPriority,
		p.PremiumExpiresAt,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create provider: %w", err)
	}
	return nil
}

// GetByID retrieves a provider by ID
func (r *ProviderRepository) GetByID(ctx context.Context, id string) (*models.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM providers WHERE id = $1`

	p, err := scanProvider(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	return p, nil
}

// GetByEmail retrieves a provider by normalized email
func (r *ProviderRepository) GetByEmail(ctx context.Context, email string) (*models.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM providers WHERE email = $1`

	p, err := scanProvider(r.db.Pool().QueryRow(ctx, query, models.NormalizeEmail(email)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get provider by email: %w", err)
	}
	return p, nil
}

// ListActiveByCompanyName returns active providers whose company name matches case-insensitively
func (r *ProviderRepository) ListActiveByCompanyName(ctx context.Context, name string) ([]*models.Provider, error) {
	query := `SELECT ` + providerColumns + `
		FROM providers
		WHERE LOWER(company_name) = LOWER($1) AND status = $2
		ORDER BY created_at`
	return r.queryProviders(ctx, query, name, types.ProviderActive)
}

// ListActiveByZip returns active providers serving the zip
func (r *ProviderRepository) ListActiveByZip(ctx context.Context, zip string) ([]*models.Provider, error) {
	query := `SELECT ` + providerColumns + `
		FROM providers
		WHERE $1 = ANY(service_zips) AND status = $2
		ORDER BY created_at`
	return r.queryProviders(ctx, query, zip, types.ProviderActive)
}

// List returns providers page by page
func (r *ProviderRepository) List(ctx context.Context, limit, offset int) ([]*models.Provider, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + providerColumns + ` FROM providers ORDER BY created_at LIMIT $1 OFFSET $2`
	return r.queryProviders(ctx, query, limit, offset)
}

// SetStatus activates or soft-deactivates a provider
func (r *ProviderRepository) SetStatus(ctx context.Context, id string, status types.ProviderStatus) error {
	tag, err := r.db.Pool().Exec(ctx,
		`UPDATE providers SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to set provider status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ExtendPremium grants perks and pushes the expiry out by period from the later of now
// and the current expiry, in one statement.
func (r *ProviderRepository) ExtendPremium(ctx context.Context, id string, perks models.Perks, plan string, period time.Duration) (*models.Provider, error) {
	query := `
		UPDATE providers SET
			is_premium = is_premium OR $2,
			is_verified = is_verified OR $3,
			is_priority = is_priority OR $4,
			plan = CASE WHEN $5 = '' THEN plan ELSE $5 END,
			premium_expires_at = GREATEST(COALESCE(premium_expires_at, NOW()), NOW()) + make_interval(secs => $6),
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + providerColumns

	p, err := scanProvider(r.db.Pool().QueryRow(ctx, query,
		id, perks.Premium, perks.Verified, perks.Priority, plan, period.Seconds()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to extend premium: %w", err)
	}
	return p, nil
}

// ExpirePremium clears perks of providers whose premium period ended before now
func (r *ProviderRepository) ExpirePremium(ctx context.Context, now time.Time) (int, error) {
	query := `
		UPDATE providers SET
			is_premium = FALSE,
			is_verified = FALSE,
			is_priority = FALSE,
			updated_at = NOW()
		WHERE premium_expires_at IS NOT NULL AND premium_expires_at < $1
			AND (is_premium OR is_verified OR is_priority)
	`
	tag, err := r.db.Pool().Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire premium: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
