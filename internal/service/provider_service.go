package service

import (
	"context"
	stderrors "errors"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/lead-router/internal/errors"
	"github.com/lead-router/internal/logging"
	"github.com/lead-router/internal/models"
	"github.com/lead-router/internal/storage"
	"github.com/lead-router/internal/types"
)

// RegisterProviderInput is the payload for explicit provider registration
type RegisterProviderInput struct {
	Email       string   `json:"email" validate:"required,email,max=254"`
	CompanyName string   `json:"companyName" validate:"omitempty,max=200"`
	Phone       string   `json:"phone" validate:"omitempty,phone,max=40"`
	ServiceZips []string `json:"serviceZips" validate:"omitempty,max=500,dive,zip5"`
}

// BalanceQueryInput proves provider identity with the email and phone suffix
type BalanceQueryInput struct {
	Email      string `json:"email" validate:"required,email"`
	PhoneLast4 string `json:"phoneLast4" validate:"required,len=4,numeric"`
}

// BalanceView is the provider-facing balance answer
type BalanceView struct {
	Balance            int    `json:"balance"`
	Plan               string `json:"plan"`
	TotalLeadsReceived int    `json:"totalLeadsReceived"`
	IsPremium          bool   `json:"isPremium"`
}

// ProviderService manages provider accounts
type ProviderService struct {
	providers ProviderRepository
	validate  *validator.Validate
}

// NewProviderService creates a new provider service
func NewProviderService(providers ProviderRepository) *ProviderService {
	return &ProviderService{providers: providers, validate: newValidator()}
}

// Register creates a provider with a zero balance
func (s *ProviderService) Register(ctx context.Context, input *RegisterProviderInput) (*models.Provider, error) {
	input.Email = strings.TrimSpace(input.Email)
	if err := validateStruct(s.validate, input); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(input.CompanyName)
	if name == "" {
		name = CompanyNameFromEmail(input.Email)
	}

	p := &models.Provider{
		Email:       models.NormalizeEmail(input.Email),
		CompanyName: name,
		Phone:       strings.TrimSpace(input.Phone),
		ServiceZips: dedupe(input.ServiceZips),
		Status:      types.ProviderActive,
	}
	if err := s.providers.Create(ctx, p); err != nil {
		if stderrors.Is(err, storage.ErrDuplicate) {
			return nil, errors.NewConflictError("a provider with this email already exists")
		}
		return nil, errors.NewDatabaseError("create provider", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"providerId": p.ID,
		"zips":       len(p.ServiceZips),
	}).Info("Provider registered")
	return p, nil
}

// GetOrCreateProvider finds a provider by email or creates one with a company name
// derived from the email when none is given. Returns whether it created the provider.
func (s *ProviderService) GetOrCreateProvider(ctx context.Context, email, companyName string) (*models.Provider, bool, error) {
	email = models.NormalizeEmail(email)
	if email == "" {
		return nil, false, errors.NewValidationError("email", "required")
	}
	if err := s.validate.Var(email, "email,max=254"); err != nil {
		return nil, false, errors.NewValidationError("email", "email")
	}

	p, err := s.providers.GetByEmail(ctx, email)
	if err == nil {
		return p, false, nil
	}
	if !stderrors.Is(err, storage.ErrNotFound) {
		return nil, false, errors.NewDatabaseError("get provider by email", err)
	}

	name := strings.TrimSpace(companyName)
	if name == "" {
		name = CompanyNameFromEmail(email)
	}
	p = &models.Provider{Email: email, CompanyName: name, Status: types.ProviderActive}

	if err := s.providers.Create(ctx, p); err != nil {
		if !stderrors.Is(err, storage.ErrDuplicate) {
			return nil, false, errors.NewDatabaseError("create provider", err)
		}
		// lost a create race; the winner's row is authoritative
		p, err = s.providers.GetByEmail(ctx, email)
		if err != nil {
			return nil, false, errors.NewDatabaseError("get provider by email", err)
		}
		return p, false, nil
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"providerId":  p.ID,
		"companyName": p.CompanyName,
	}).Info("Provider created from payment")
	return p, true, nil
}

// CompanyNameFromEmail derives a display name from an email's local part:
// "john.smith@x.com" becomes "John Smith".
func CompanyNameFromEmail(email string) string {
	local := email
	if at := strings.IndexByte(email, '@'); at >= 0 {
		local = email[:at]
	}

	words := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == '+'
	})
	for i, w := range words {
		runes := []rune(strings.ToLower(w))
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	if len(words) == 0 {
		return email
	}
	return strings.Join(words, " ")
}

// QueryBalance answers a provider's balance question. Any mismatch between email and
// phone reports the same not-found error so the endpoint does not leak accounts.
func (s *ProviderService) QueryBalance(ctx context.Context, input *BalanceQueryInput) (*BalanceView, error) {
	input.Email = strings.TrimSpace(input.Email)
	if err := validateStruct(s.validate, input); err != nil {
		return nil, err
	}

	notFound := errors.NewNotFoundError("provider", "no provider matches these details")

	p, err := s.providers.GetByEmail(ctx, models.NormalizeEmail(input.Email))
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, notFound
		}
		return nil, errors.NewDatabaseError("get provider by email", err)
	}

	digits := onlyDigits(p.Phone)
	if len(digits) < 4 || digits[len(digits)-4:] != input.PhoneLast4 {
		return nil, notFound
	}

	return &BalanceView{
		Balance:            p.CreditBalance,
		Plan:               p.Plan,
		TotalLeadsReceived: p.TotalLeadsReceived,
		IsPremium:          p.IsPremium,
	}, nil
}

// SetStatus activates or soft-deactivates a provider
func (s *ProviderService) SetStatus(ctx context.Context, providerID string, status types.ProviderStatus) error {
	if status != types.ProviderActive && status != types.ProviderInactive {
		return errors.NewValidationError("status", "must be Active or Inactive")
	}
	if err := s.providers.SetStatus(ctx, providerID, status); err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return errors.NewNotFoundError("provider", providerID)
		}
		return errors.NewDatabaseError("set provider status", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"providerId": providerID,
		"status":     status,
	}).Info("Provider status changed")
	return nil
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
