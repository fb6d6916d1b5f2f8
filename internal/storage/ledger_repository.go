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

// LedgerRepository owns every credit balance mutation. Balances only change together
// with an appended credit transaction, inside one database transaction.
type LedgerRepository struct {
	db *PostgresDB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *PostgresDB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// providerMissingOr tells a failed conditional update on a missing provider apart from
// one that failed its balance guard.
func providerMissingOr(ctx context.Context, tx pgx.Tx, providerID string, otherwise error) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM providers WHERE id = $1)`, providerID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check provider: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return otherwise
}

// debitRefusal explains why the conditional lead debit matched no provider row
func debitRefusal(ctx context.Context, tx pgx.Tx, providerID string) error {
	var status types.ProviderStatus
	err := tx.QueryRow(ctx, `SELECT status FROM providers WHERE id = $1`, providerID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check provider: %w", err)
	}
	if status != types.ProviderActive {
		return ErrProviderInactive
	}
	return ErrInsufficientBalance
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) error {
	query := `
		INSERT INTO credit_transactions (id, provider_id, type, amount, balance_after, reference, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := tx.Exec(ctx, query,
		t.ID,
		t.ProviderID,
		t.Type,
		t.Amount,
		t.BalanceAfter,
		t.Reference,
		t.Note,
		t.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert credit transaction: %w", err)
	}
	return nil
}

// DebitForLead charges a provider for a full lead delivery. The balance decrement,
// the lead_debit transaction, the assignment row and the lead update commit together.
// Returns ErrInsufficientBalance when the balance is short, ErrProviderInactive when
// the provider was deactivated, and ErrDuplicate when the provider was already charged
// for this lead; none of these mutates anything.
func (r *LedgerRepository) DebitForLead(ctx context.Context, providerID, leadID string, amount int) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	t := &models.CreditTransaction{
		ID:         uuid.New().String(),
		ProviderID: providerID,
		Type:       types.TxLeadDebit,
		Amount:     -amount,
		Reference:  leadID,
		CreatedAt:  time.Now().UTC(),
	}

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE providers
			SET credit_balance = credit_balance - $2,
				total_leads_received = total_leads_received + 1,
				updated_at = NOW()
			WHERE id = $1 AND credit_balance >= $2 AND status = $3
			RETURNING credit_balance
		`, providerID, amount, types.ProviderActive).Scan(&t.BalanceAfter)
		if errors.Is(err, pgx.ErrNoRows) {
			return debitRefusal(ctx, tx, providerID)
		}
		if err != nil {
			return fmt.Errorf("failed to debit provider: %w", err)
		}

		if err := insertTransaction(ctx, tx, t); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO lead_assignments (lead_id, provider_id, credits_charged, transaction_id, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, leadID, providerID, amount, t.ID, t.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			if isForeignKeyViolation(err) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to record assignment: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE leads
			SET status = CASE WHEN status = $3 THEN $4 ELSE status END,
				assigned_provider_id = COALESCE(assigned_provider_id, $2),
				credits_charged = credits_charged + 1,
				updated_at = NOW()
			WHERE id = $1
		`, leadID, providerID, types.LeadStatusNew, types.LeadStatusSent)
		if err != nil {
			return fmt.Errorf("failed to update lead: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Apply adds a signed amount to a provider's balance and appends the transaction.
// Unless allowNegative is set the resulting balance may not drop below zero.
// A payment-sourced transaction whose reference was already applied returns ErrDuplicate.
func (r *LedgerRepository) Apply(ctx context.Context, t *models.CreditTransaction, allowNegative bool) (*models.CreditTransaction, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = time.Now().UTC()

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE providers
			SET credit_balance = credit_balance + $2, updated_at = NOW()
			WHERE id = $1 AND ($3 OR credit_balance + $2 >= 0)
			RETURNING credit_balance
		`, t.ProviderID, t.Amount, allowNegative).Scan(&t.BalanceAfter)
		if errors.Is(err, pgx.ErrNoRows) {
			return providerMissingOr(ctx, tx, t.ProviderID, ErrInsufficientBalance)
		}
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
		return insertTransaction(ctx, tx, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTransactions returns a provider's ledger, newest first
func (r *LedgerRepository) ListTransactions(ctx context.Context, providerID string, limit int) ([]*models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, provider_id, type, amount, balance_after, reference, note, created_at
		FROM credit_transactions
		WHERE provider_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, providerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []*models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.ProviderID, &t.Type, &t.Amount, &t.BalanceAfter, &t.Reference, &t.Note, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, &t)
	}
	return txs, rows.Err()
}

// HasPaymentCredit reports whether a payment reference already credited a provider
func (r *LedgerRepository) HasPaymentCredit(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM credit_transactions
			WHERE reference = $1 AND type IN ($2, $3)
		)
	`, reference, types.TxPurchaseCredit, types.TxSubscriptionRenewal).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check payment credit: %w", err)
	}
	return exists, nil
}

const reconcileQuery = `
	SELECT p.id, p.credit_balance, COALESCE(SUM(t.amount), 0), COUNT(t.id)
	FROM providers p
	LEFT JOIN credit_transactions t ON t.provider_id = p.id
`

func scanReconciliation(row pgx.Row) (*models.LedgerReconciliation, error) {
	var rec models.LedgerReconciliation
	if err := row.Scan(&rec.ProviderID, &rec.CreditBalance, &rec.TransactionSum, &rec.TransactionCount); err != nil {
		return nil, err
	}
	rec.Consistent = rec.CreditBalance == rec.TransactionSum
	return &rec, nil
}

// Reconcile compares one provider's balance with the sum of its transactions
func (r *LedgerRepository) Reconcile(ctx context.Context, providerID string) (*models.LedgerReconciliation, error) {
	query := reconcileQuery + ` WHERE p.id = $1 GROUP BY p.id, p.credit_balance`

	rec, err := scanReconciliation(r.db.Pool().QueryRow(ctx, query, providerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to reconcile ledger: %w", err)
	}
	return rec, nil
}

// ListInconsistent returns every provider whose balance disagrees with its ledger
func (r *LedgerRepository) ListInconsistent(ctx context.Context) ([]*models.LedgerReconciliation, error) {
	query := reconcileQuery + `
		GROUP BY p.id, p.credit_balance
		HAVING p.credit_balance <> COALESCE(SUM(t.amount), 0)
		ORDER BY p.id`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to audit ledger: %w", err)
	}
	defer rows.Close()

	var out []*models.LedgerReconciliation
	for rows.Next() {
		rec, err := scanReconciliation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
