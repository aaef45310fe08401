package profile

import (
	"context"
	"sync"
	"testing"

	"github.com/BTreeMap/ShopFlow/internal/models"
	"github.com/BTreeMap/ShopFlow/internal/store"
)

func TestEnsureProfileCreatesDefault(t *testing.T) {
	g := NewGuarantor(store.NewInMemoryStore())

	p, created, err := g.EnsureProfile(context.Background(), "t1", "+919876543210")
	if err != nil {
		t.Fatalf("EnsureProfile: %v", err)
	}
	if !created {
		t.Error("expected created=true on first contact")
	}
	if p.Phone != "919876543210" {
		t.Errorf("profile stored under %q, want canonical digits", p.Phone)
	}
	if p.TaxPreference != models.TaxPreferenceUnset {
		t.Errorf("expected unset tax preference, got %q", p.TaxPreference)
	}
}

func TestEnsureProfileIdempotent(t *testing.T) {
	g := NewGuarantor(store.NewInMemoryStore())
	ctx := context.Background()

	first, created, err := g.EnsureProfile(ctx, "t1", "+919876543210")
	if err != nil || !created {
		t.Fatalf("first EnsureProfile: created=%v err=%v", created, err)
	}

	// Same customer through a different wire form.
	second, created, err := g.EnsureProfile(ctx, "t1", "919876543210@s.whatsapp.net")
	if err != nil {
		t.Fatalf("second EnsureProfile: %v", err)
	}
	if created {
		t.Error("expected created=false on repeat contact")
	}
	if second.ID != first.ID {
		t.Errorf("expected same profile, got %s and %s", first.ID, second.ID)
	}
}

func TestEnsureProfileEmptyPhone(t *testing.T) {
	g := NewGuarantor(store.NewInMemoryStore())
	if _, _, err := g.EnsureProfile(context.Background(), "t1", "no digits"); err != models.ErrEmptyPhone {
		t.Errorf("expected ErrEmptyPhone, got %v", err)
	}
}

// raceRepo forces the insert race: every InsertProfile after the first
// reports a duplicate.
type raceRepo struct {
	mu       sync.Mutex
	inserted *models.CustomerProfile
	gets     int
}

func (r *raceRepo) GetProfile(tenantID, phone string) (*models.CustomerProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gets++
	if r.inserted == nil {
		return nil, nil
	}
	p := *r.inserted
	return &p, nil
}

func (r *raceRepo) InsertProfile(p models.CustomerProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inserted != nil {
		return models.ErrProfileExists
	}
	r.inserted = &p
	return nil
}

func (r *raceRepo) UpdateTaxPreference(tenantID, phone string, pref models.TaxPreference, taxNumber string) error {
	return nil
}
func (r *raceRepo) UpdateProfileName(tenantID, phone, name string) error { return nil }

func TestEnsureProfileConcurrentConvergence(t *testing.T) {
	repo := &raceRepo{}
	g := NewGuarantor(repo)
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, _, err := g.EnsureProfile(ctx, "t1", "+919876543210")
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = p.ID
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("goroutine %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("goroutine %d converged on %s, others on %s", i, ids[i], ids[0])
		}
	}
}
