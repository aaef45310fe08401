// Package registration runs the short onboarding dialogue for customers who
// want a named business account. Progress is kept in the store with a TTL so
// a restart or an abandoned session never wedges the funnel.
package registration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ShopFlow/internal/messaging"
	"github.com/BTreeMap/ShopFlow/internal/models"
	"github.com/BTreeMap/ShopFlow/internal/phone"
	"github.com/BTreeMap/ShopFlow/internal/store"
)

// ProgressTTL is how long an in-flight registration survives without a reply.
const ProgressTTL = 30 * time.Minute

// Registration steps, in order.
const (
	StepBusinessName = "business_name"
	StepCategory     = "category"
	StepConfirm      = "confirm"
)

// Data keys within the progress row.
const (
	dataKeyBusinessName = "business_name"
	dataKeyCategory     = "category"
)

// Registration request keywords, compared against the whole trimmed message
// the same way escape keywords are.
var requestKeywords = map[string]bool{
	"register":       true,
	"sign up":        true,
	"signup":         true,
	"new account":    true,
	"create account": true,
}

// IsRegistrationRequest reports whether the message asks to start the
// onboarding dialogue.
func IsRegistrationRequest(text string) bool {
	return requestKeywords[strings.ToLower(strings.TrimSpace(text))]
}

// Manager drives the registration dialogue.
type Manager struct {
	repo     store.RegistrationRepo
	profiles store.ProfileRepo
	msg      messaging.Service
}

// NewManager creates a registration manager.
func NewManager(repo store.RegistrationRepo, profiles store.ProfileRepo, msg messaging.Service) *Manager {
	slog.Debug("Creating registration Manager")
	return &Manager{repo: repo, profiles: profiles, msg: msg}
}

// InProgress reports whether the phone has a live registration row.
func (m *Manager) InProgress(ctx context.Context, tenantID, rawPhone string) bool {
	reg, err := m.repo.GetRegistration(tenantID, phone.Normalize(rawPhone))
	if err != nil {
		slog.Error("Registration.InProgress lookup error", "error", err, "tenantID", tenantID)
		return false
	}
	return reg != nil
}

// Begin starts a new registration dialogue for the phone.
func (m *Manager) Begin(ctx context.Context, tenantID, rawPhone string) error {
	canonical := phone.Normalize(rawPhone)
	if canonical == "" {
		return models.ErrEmptyPhone
	}

	now := time.Now()
	err := m.repo.PutRegistration(models.RegistrationProgress{
		TenantID:  tenantID,
		Phone:     canonical,
		Step:      StepBusinessName,
		ExpiresAt: now.Add(ProgressTTL),
		UpdatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("begin registration failed: %w", err)
	}
	slog.Info("Registration.Begin", "tenantID", tenantID, "phone", canonical)
	return m.msg.SendMessage(ctx, rawPhone, "Let's set up your business account. What's your business name?")
}

// Abort drops any in-flight registration row for the phone, so an escape
// keyword really ends the dialogue instead of parking it.
func (m *Manager) Abort(ctx context.Context, tenantID, rawPhone string) {
	canonical := phone.Normalize(rawPhone)
	if err := m.repo.DeleteRegistration(tenantID, canonical); err != nil {
		slog.Error("Registration.Abort delete failed", "error", err, "tenantID", tenantID, "phone", canonical)
	}
}

// HandleMessage advances the dialogue one step. The caller has already
// established that a live registration row exists.
func (m *Manager) HandleMessage(ctx context.Context, tenantID string, msg models.InboundMessage) error {
	canonical := phone.Normalize(msg.From)
	reg, err := m.repo.GetRegistration(tenantID, canonical)
	if err != nil {
		return fmt.Errorf("registration lookup failed: %w", err)
	}
	if reg == nil {
		// Expired between the dispatcher's check and now; start over.
		return m.Begin(ctx, tenantID, msg.From)
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return m.msg.SendMessage(ctx, msg.From, "Please reply with text to continue your registration.")
	}

	if reg.Data == nil {
		reg.Data = make(map[string]string)
	}

	switch reg.Step {
	case StepBusinessName:
		reg.Data[dataKeyBusinessName] = text
		reg.Step = StepCategory
		if err := m.save(reg); err != nil {
			return err
		}
		return m.msg.SendMessage(ctx, msg.From, "Got it. What do you deal in? (e.g. hardware, textiles, electronics)")

	case StepCategory:
		reg.Data[dataKeyCategory] = text
		reg.Step = StepConfirm
		if err := m.save(reg); err != nil {
			return err
		}
		summary := fmt.Sprintf("Business: %s\nCategory: %s\nReply YES to confirm or NO to start over.",
			reg.Data[dataKeyBusinessName], reg.Data[dataKeyCategory])
		return m.msg.SendMessage(ctx, msg.From, summary)

	case StepConfirm:
		switch strings.ToLower(text) {
		case "yes", "y", "haan", "ha":
			return m.complete(ctx, tenantID, msg.From, reg)
		case "no", "n", "nahi":
			reg.Step = StepBusinessName
			reg.Data = nil
			if err := m.save(reg); err != nil {
				return err
			}
			return m.msg.SendMessage(ctx, msg.From, "No problem, let's start over. What's your business name?")
		default:
			return m.msg.SendMessage(ctx, msg.From, "Please reply YES to confirm or NO to start over.")
		}

	default:
		slog.Warn("Registration.HandleMessage unknown step, restarting", "tenantID", tenantID, "step", reg.Step)
		return m.Begin(ctx, tenantID, msg.From)
	}
}

// save refreshes the row's expiry along with the new step data.
func (m *Manager) save(reg *models.RegistrationProgress) error {
	now := time.Now()
	reg.ExpiresAt = now.Add(ProgressTTL)
	reg.UpdatedAt = now
	if err := m.repo.PutRegistration(*reg); err != nil {
		return fmt.Errorf("save registration failed: %w", err)
	}
	return nil
}

// complete writes the collected name onto the customer profile and clears the
// progress row.
func (m *Manager) complete(ctx context.Context, tenantID, rawPhone string, reg *models.RegistrationProgress) error {
	canonical := phone.Normalize(rawPhone)
	name := reg.Data[dataKeyBusinessName]

	if err := m.profiles.UpdateProfileName(tenantID, canonical, name); err != nil {
		slog.Error("Registration.complete profile update failed", "error", err, "tenantID", tenantID, "phone", canonical)
		return fmt.Errorf("registration completion failed: %w", err)
	}
	if err := m.repo.DeleteRegistration(tenantID, canonical); err != nil {
		slog.Error("Registration.complete delete failed", "error", err, "tenantID", tenantID, "phone", canonical)
	}
	slog.Info("Registration.complete registered business", "tenantID", tenantID, "phone", canonical, "name", name)
	return m.msg.SendMessage(ctx, rawPhone, fmt.Sprintf("Welcome aboard, %s! You're all set. Send a product code any time to order.", name))
}
