// Package profile guarantees a customer profile row exists before any
// message handler runs.
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ShopFlow/internal/models"
	"github.com/BTreeMap/ShopFlow/internal/phone"
	"github.com/BTreeMap/ShopFlow/internal/store"
	"github.com/BTreeMap/ShopFlow/internal/util"
)

// Guarantor ensures per-(tenant, phone) customer profiles exist, tolerating
// concurrent first-contact races via insert-then-reread.
type Guarantor struct {
	repo store.ProfileRepo
}

// NewGuarantor creates a profile guarantor backed by a ProfileRepo.
func NewGuarantor(repo store.ProfileRepo) *Guarantor {
	slog.Debug("Creating profile Guarantor")
	return &Guarantor{repo: repo}
}

// EnsureProfile returns the profile for the canonical phone, creating a
// default row if none exists. created reports whether this call inserted the
// row. When two handlers race, exactly one insert wins and both callers
// converge on the same stored profile.
func (g *Guarantor) EnsureProfile(ctx context.Context, tenantID, rawPhone string) (*models.CustomerProfile, bool, error) {
	canonical := phone.Normalize(rawPhone)
	if canonical == "" {
		return nil, false, models.ErrEmptyPhone
	}
	slog.Debug("Guarantor.EnsureProfile", "tenantID", tenantID, "phone", canonical)

	existing, err := g.repo.GetProfile(tenantID, canonical)
	if err != nil {
		return nil, false, fmt.Errorf("profile lookup failed: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	now := time.Now()
	p := models.CustomerProfile{
		ID:        util.GenerateProfileID(),
		TenantID:  tenantID,
		Phone:     canonical,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = g.repo.InsertProfile(p)
	if err == nil {
		slog.Info("Guarantor.EnsureProfile created profile", "id", p.ID, "tenantID", tenantID, "phone", canonical)
		return &p, true, nil
	}
	if err != models.ErrProfileExists {
		return nil, false, fmt.Errorf("profile insert failed: %w", err)
	}

	// Lost the insert race; the winner's row is authoritative.
	slog.Debug("Guarantor.EnsureProfile insert race lost, re-reading", "tenantID", tenantID, "phone", canonical)
	existing, err = g.repo.GetProfile(tenantID, canonical)
	if err != nil {
		return nil, false, fmt.Errorf("profile re-read failed: %w", err)
	}
	if existing == nil {
		return nil, false, fmt.Errorf("profile vanished after duplicate insert for %s", canonical)
	}
	return existing, false, nil
}
