package convo

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/ShopFlow/internal/models"
	"github.com/BTreeMap/ShopFlow/internal/phone"
	"github.com/BTreeMap/ShopFlow/internal/store"
	"github.com/BTreeMap/ShopFlow/internal/util"
)

// Store is the state manager for conversations. Lookups try the exact phone
// variants first and fall back to a loose national-suffix match; when several
// rows exist for the same customer the most recently created one wins.
type Store struct {
	repo store.ConvoRepo
}

// NewStore creates a conversation state manager backed by a ConvoRepo.
func NewStore(repo store.ConvoRepo) *Store {
	slog.Debug("Creating conversation Store")
	return &Store{repo: repo}
}

// find resolves the conversation row for a raw phone, or nil when none exists.
func (s *Store) find(tenantID, rawPhone string) (*models.Conversation, error) {
	variants := phone.Variants(rawPhone)
	if len(variants) == 0 {
		return nil, nil
	}
	c, err := s.repo.GetConversationByPhones(tenantID, variants)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return c, nil
	}
	return s.repo.GetConversationByPhoneSuffix(tenantID, phone.NationalSuffix(rawPhone))
}

// GetState returns the current state and conversation ID for a phone.
// A missing conversation reads as (StateInitial, "") without error.
func (s *Store) GetState(ctx context.Context, tenantID, rawPhone string) (models.State, string, error) {
	slog.Debug("ConvoStore.GetState", "tenantID", tenantID, "phone", phone.Normalize(rawPhone))

	c, err := s.find(tenantID, rawPhone)
	if err != nil {
		slog.Error("ConvoStore.GetState lookup error", "error", err, "tenantID", tenantID)
		return models.StateInitial, "", err
	}
	if c == nil {
		return models.StateInitial, "", nil
	}
	return c.State, c.ID, nil
}

// SetState moves the conversation to next. Unless force is set the move is
// validated against the transition table; an illegal move returns
// models.ErrInvalidTransition and leaves the stored state untouched.
// The conversation row is created on first write using the canonical phone.
func (s *Store) SetState(ctx context.Context, tenantID, rawPhone string, next models.State, force bool) (models.State, models.State, error) {
	canonical := phone.Normalize(rawPhone)
	slog.Debug("ConvoStore.SetState", "tenantID", tenantID, "phone", canonical, "next", next, "force", force)

	if canonical == "" {
		return models.StateInitial, models.StateInitial, models.ErrEmptyPhone
	}

	c, err := s.find(tenantID, rawPhone)
	if err != nil {
		slog.Error("ConvoStore.SetState lookup error", "error", err, "tenantID", tenantID)
		return models.StateInitial, models.StateInitial, err
	}

	prev := models.StateInitial
	if c != nil {
		prev = c.State
	}

	if !force && !IsValidTransition(prev, next) {
		slog.Warn("ConvoStore.SetState invalid transition", "tenantID", tenantID, "phone", canonical, "from", prev, "to", next)
		return prev, prev, models.ErrInvalidTransition
	}

	now := time.Now()
	if c == nil {
		c = &models.Conversation{
			ID:             util.GenerateConversationID(),
			TenantID:       tenantID,
			Phone:          canonical,
			RawPhone:       rawPhone,
			State:          next,
			CreatedAt:      now,
			UpdatedAt:      now,
			LastActivityAt: now,
		}
		if err := s.repo.CreateConversation(*c); err != nil {
			slog.Error("ConvoStore.SetState create error", "error", err, "tenantID", tenantID, "phone", canonical)
			return prev, prev, err
		}
		slog.Info("ConvoStore.SetState created conversation", "id", c.ID, "tenantID", tenantID, "state", next)
		return prev, next, nil
	}

	if err := s.repo.UpdateConversationState(c.ID, next); err != nil {
		slog.Error("ConvoStore.SetState update error", "error", err, "id", c.ID, "to", next)
		return prev, prev, err
	}
	slog.Info("ConvoStore.SetState transitioned", "id", c.ID, "tenantID", tenantID, "from", prev, "to", next)
	return prev, next, nil
}

// ResetState forces the conversation back to StateInitial. It never returns
// an error: reset is the abort path and must not fail the caller. Failures
// are logged and the reset becomes a no-op.
func (s *Store) ResetState(ctx context.Context, tenantID, rawPhone string) {
	if _, _, err := s.SetState(ctx, tenantID, rawPhone, models.StateInitial, true); err != nil {
		slog.Error("ConvoStore.ResetState failed", "error", err, "tenantID", tenantID, "phone", phone.Normalize(rawPhone))
	}
}

// GetContext returns the conversation's context map, nil when no conversation
// or no context exists.
func (s *Store) GetContext(ctx context.Context, tenantID, rawPhone string) (map[string]string, error) {
	c, err := s.find(tenantID, rawPhone)
	if err != nil {
		slog.Error("ConvoStore.GetContext lookup error", "error", err, "tenantID", tenantID)
		return nil, err
	}
	if c == nil {
		return nil, nil
	}
	return c.Context, nil
}

// SetContextValue writes one key into the conversation's context map,
// creating the conversation row (in StateInitial) if needed.
func (s *Store) SetContextValue(ctx context.Context, tenantID, rawPhone, key, value string) error {
	canonical := phone.Normalize(rawPhone)
	if canonical == "" {
		return models.ErrEmptyPhone
	}

	c, err := s.find(tenantID, rawPhone)
	if err != nil {
		slog.Error("ConvoStore.SetContextValue lookup error", "error", err, "tenantID", tenantID)
		return err
	}

	now := time.Now()
	if c == nil {
		c = &models.Conversation{
			ID:             util.GenerateConversationID(),
			TenantID:       tenantID,
			Phone:          canonical,
			RawPhone:       rawPhone,
			Context:        map[string]string{key: value},
			CreatedAt:      now,
			UpdatedAt:      now,
			LastActivityAt: now,
		}
		if err := s.repo.CreateConversation(*c); err != nil {
			slog.Error("ConvoStore.SetContextValue create error", "error", err, "tenantID", tenantID, "phone", canonical)
			return err
		}
		return nil
	}

	if c.Context == nil {
		c.Context = make(map[string]string)
	}
	c.Context[key] = value
	if err := s.repo.UpdateConversationContext(c.ID, c.Context); err != nil {
		slog.Error("ConvoStore.SetContextValue update error", "error", err, "id", c.ID, "key", key)
		return err
	}
	return nil
}
