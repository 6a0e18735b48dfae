// Package ownership arbitrates which credential may write a card's transactions
// when the same card is visible from several logins. First claim wins and is
// permanent until the owning credential is deleted.
package ownership

import (
	"context"
	"fmt"
	"strings"

	"github.com/cardledger/cardledger/internal/domain"
)

// Decision is the result of admitting one card for one credential.
type Decision struct {
	Allowed bool
	Owner   string // empty when the card has no account number
}

// Registry wraps the persisted claim table.
type Registry struct {
	store domain.OwnershipStore
}

// New creates a Registry backed by store.
func New(store domain.OwnershipStore) *Registry {
	return &Registry{store: store}
}

// CheckOwner returns the credential that owns the card when it is not
// requestingCredentialID, or "" when the card is unclaimed or already the
// requester's.
func (r *Registry) CheckOwner(ctx context.Context, vendor, accountNumber, requestingCredentialID string) (string, error) {
	owner, err := r.store.CardOwner(ctx, vendor, strings.TrimSpace(accountNumber))
	if err != nil {
		return "", fmt.Errorf("check owner %s/%s: %w", vendor, accountNumber, err)
	}
	if owner == requestingCredentialID {
		return "", nil
	}
	return owner, nil
}

// Claim records credentialID as owner if the card is unclaimed. Idempotent.
// It returns whichever credential owns the card afterwards.
func (r *Registry) Claim(ctx context.Context, vendor, accountNumber, credentialID string) (string, error) {
	owner, err := r.store.ClaimCard(ctx, vendor, strings.TrimSpace(accountNumber), credentialID)
	if err != nil {
		return "", fmt.Errorf("claim %s/%s: %w", vendor, accountNumber, err)
	}
	return owner, nil
}

// Admit claims the card for credentialID when free and reports whether
// credentialID may write its transactions. Cards without an account number
// cannot be arbitrated and are always admitted.
func (r *Registry) Admit(ctx context.Context, vendor, accountNumber, credentialID string) (Decision, error) {
	if strings.TrimSpace(accountNumber) == "" {
		return Decision{Allowed: true}, nil
	}
	other, err := r.CheckOwner(ctx, vendor, accountNumber, credentialID)
	if err != nil {
		return Decision{}, err
	}
	if other != "" {
		return Decision{Allowed: false, Owner: other}, nil
	}
	// The claim settles a race with another credential claiming meanwhile.
	owner, err := r.Claim(ctx, vendor, accountNumber, credentialID)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: owner == credentialID, Owner: owner}, nil
}
