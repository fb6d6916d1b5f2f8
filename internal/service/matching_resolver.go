package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/lead-router/internal/logging"
	"github.com/lead-router/internal/models"
	"github.com/lead-router/internal/storage"
)

// MatchPath names the rule that produced a match
type MatchPath string

const (
	MatchDirectID   MatchPath = "direct_id"
	MatchDirectName MatchPath = "direct_name"
	MatchZip        MatchPath = "zip"
	MatchNone       MatchPath = "none"
)

// ProviderRef identifies a matched provider. It carries only what dispatch needs.
type ProviderRef struct {
	ID          string
	Email       string
	CompanyName string
}

// Match is the result of resolving a lead
type Match struct {
	Path       MatchPath
	Candidates []ProviderRef
}

// CandidateRanker orders zip candidates before dispatch
type CandidateRanker func(lead *models.Lead, candidates []ProviderRef) []ProviderRef

// IdentityRanker keeps candidates in store order
func IdentityRanker(_ *models.Lead, candidates []ProviderRef) []ProviderRef {
	return candidates
}

// MatchingResolver decides which providers are entitled to a lead
type MatchingResolver struct {
	providers ProviderRepository
	rank      CandidateRanker
}

// NewMatchingResolver creates a resolver. A nil ranker keeps store order.
func NewMatchingResolver(providers ProviderRepository, rank CandidateRanker) *MatchingResolver {
	if rank == nil {
		rank = IdentityRanker
	}
	return &MatchingResolver{providers: providers, rank: rank}
}

// Resolve applies direct-by-id, then direct-by-name, then zip fallback. The first
// rule that yields an active provider wins. An empty match is not an error.
func (r *MatchingResolver) Resolve(ctx context.Context, lead *models.Lead) (*Match, error) {
	logger := logging.FromContext(ctx).WithField("leadId", lead.ID)

	if id := strings.TrimSpace(lead.DirectProviderID); id != "" {
		p, err := r.providers.GetByID(ctx, id)
		switch {
		case err == nil && p.IsActive():
			return &Match{Path: MatchDirectID, Candidates: []ProviderRef{refOf(p)}}, nil
		case err == nil, stderrors.Is(err, storage.ErrNotFound):
			logger.WithField("providerId", id).Info("Direct provider id not routable, trying next rule")
		default:
			return nil, fmt.Errorf("failed to look up provider %s: %w", id, err)
		}
	}

	if name := strings.TrimSpace(lead.DirectProviderName); name != "" {
		providers, err := r.providers.ListActiveByCompanyName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to look up provider by name: %w", err)
		}
		if len(providers) > 0 {
			return &Match{Path: MatchDirectName, Candidates: refsOf(providers)}, nil
		}
		logger.WithField("providerName", name).Info("Direct provider name not routable, trying zip")
	}

	providers, err := r.providers.ListActiveByZip(ctx, lead.Zip)
	if err != nil {
		return nil, fmt.Errorf("failed to look up providers for zip %s: %w", lead.Zip, err)
	}
	if len(providers) == 0 {
		return &Match{Path: MatchNone}, nil
	}
	return &Match{Path: MatchZip, Candidates: r.rank(lead, refsOf(providers))}, nil
}

func refOf(p *models.Provider) ProviderRef {
	return ProviderRef{ID: p.ID, Email: p.Email, CompanyName: p.CompanyName}
}

func refsOf(providers []*models.Provider) []ProviderRef {
	refs := make([]ProviderRef, 0, len(providers))
	for _, p := range providers {
		refs = append(refs, refOf(p))
	}
	return refs
}
