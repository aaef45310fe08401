// Package store provides an in-memory store implementation, used in tests and
// for ephemeral deployments.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ShopFlow/internal/models"
	"github.com/BTreeMap/ShopFlow/internal/util"
)

// Compile-time check that InMemoryStore implements the full Store interface.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps all records in process memory guarded by a single lock.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation         // keyed by conversation ID
	profiles      map[string]models.CustomerProfile      // keyed by tenantID|phone
	tenants       map[string]models.Tenant               // keyed by tenant ID
	orders        map[string]models.Order                // keyed by order ID
	registrations map[string]models.RegistrationProgress // keyed by tenantID|phone
	inbound       map[string]time.Time                   // keyed by tenantID|messageID
	outbox        map[string]OutboxMessage               // keyed by message ID
	syncJobs      map[string]SyncJob                     // keyed by job ID
}

// NewInMemoryStore creates a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]models.Conversation),
		profiles:      make(map[string]models.CustomerProfile),
		tenants:       make(map[string]models.Tenant),
		orders:        make(map[string]models.Order),
		registrations: make(map[string]models.RegistrationProgress),
		inbound:       make(map[string]time.Time),
		outbox:        make(map[string]OutboxMessage),
		syncJobs:      make(map[string]SyncJob),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func profileKey(tenantID, phone string) string { return tenantID + "|" + phone }

func (s *InMemoryStore) GetConversationByPhones(tenantID string, phones []string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.Conversation
	for _, c := range s.conversations {
		if c.TenantID != tenantID {
			continue
		}
		for _, p := range phones {
			if c.Phone == p {
				if best == nil || c.CreatedAt.After(best.CreatedAt) {
					cc := c
					best = &cc
				}
			}
		}
	}
	return best, nil
}

func (s *InMemoryStore) GetConversationByPhoneSuffix(tenantID, suffix string) (*models.Conversation, error) {
	if suffix == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.Conversation
	for _, c := range s.conversations {
		if c.TenantID != tenantID || !strings.HasSuffix(c.Phone, suffix) {
			continue
		}
		if best == nil || c.CreatedAt.After(best.CreatedAt) {
			cc := c
			best = &cc
		}
	}
	return best, nil
}

func (s *InMemoryStore) CreateConversation(c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c
	return nil
}

func (s *InMemoryStore) UpdateConversationState(id string, state models.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return models.ErrConversationNotFound
	}
	now := time.Now()
	c.State = state
	c.UpdatedAt = now
	c.LastActivityAt = now
	s.conversations[id] = c
	return nil
}

func (s *InMemoryStore) UpdateConversationContext(id string, context map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return models.ErrConversationNotFound
	}
	c.Context = context
	c.UpdatedAt = time.Now()
	s.conversations[id] = c
	return nil
}

func (s *InMemoryStore) GetProfile(tenantID, phone string) (*models.CustomerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[profileKey(tenantID, phone)]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) InsertProfile(p models.CustomerProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := profileKey(p.TenantID, p.Phone)
	if _, ok := s.profiles[key]; ok {
		return models.ErrProfileExists
	}
	s.profiles[key] = p
	return nil
}

func (s *InMemoryStore) UpdateTaxPreference(tenantID, phone string, pref models.TaxPreference, taxNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := profileKey(tenantID, phone)
	p, ok := s.profiles[key]
	if !ok {
		return nil
	}
	p.TaxPreference = pref
	p.TaxNumber = taxNumber
	p.UpdatedAt = time.Now()
	s.profiles[key] = p
	return nil
}

func (s *InMemoryStore) UpdateProfileName(tenantID, phone, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := profileKey(tenantID, phone)
	p, ok := s.profiles[key]
	if !ok {
		return nil
	}
	p.Name = name
	p.UpdatedAt = time.Now()
	s.profiles[key] = p
	return nil
}

// AddTenant inserts a tenant record. Only used in tests and bootstrap code.
func (s *InMemoryStore) AddTenant(t models.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
}

func (s *InMemoryStore) GetTenantByBotPhone(botPhone string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.BotPhone == botPhone {
			tt := t
			return &tt, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) GetTenantByID(id string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *InMemoryStore) ListTenants() ([]models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenants := make([]models.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		tenants = append(tenants, t)
	}
	return tenants, nil
}

func (s *InMemoryStore) CreateOrder(o models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
	return nil
}

func (s *InMemoryStore) GetOrder(id string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *InMemoryStore) ListOrdersByTenant(tenantID string, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var orders []models.Order
	for _, o := range s.orders {
		if o.TenantID == tenantID {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (s *InMemoryStore) UpdateOrderSyncStatus(id string, status models.SyncStatus, syncError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil
	}
	o.SyncStatus = status
	o.SyncError = syncError
	o.UpdatedAt = time.Now()
	s.orders[id] = o
	return nil
}

func (s *InMemoryStore) RecordInboundMessage(tenantID, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantID + "|" + messageID
	if _, seen := s.inbound[key]; seen {
		return false, nil
	}
	s.inbound[key] = time.Now()
	return true, nil
}

func (s *InMemoryStore) GetRegistration(tenantID, phone string) (*models.RegistrationProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.registrations[profileKey(tenantID, phone)]
	if !ok {
		return nil, nil
	}
	if time.Now().After(r.ExpiresAt) {
		return nil, nil
	}
	return &r, nil
}

func (s *InMemoryStore) PutRegistration(p models.RegistrationProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registrations[profileKey(p.TenantID, p.Phone)] = p
	return nil
}

func (s *InMemoryStore) DeleteRegistration(tenantID, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.registrations, profileKey(tenantID, phone))
	return nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(tenantID, phone, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusCanceled {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	id := util.GenerateRandomID("outbox_", 32)
	s.outbox[id] = OutboxMessage{
		ID: id, TenantID: tenantID, Phone: phone, Kind: kind, PayloadJSON: payloadJSON,
		Status: OutboxStatusQueued, DedupeKey: dedupeKey, CreatedAt: now, UpdatedAt: now,
	}
	return id, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		m := due[i]
		m.Status = OutboxStatusSending
		m.LockedAt = &now
		m.UpdatedAt = now
		s.outbox[m.ID] = m
		due[i] = m
	}
	return due, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return nil
	}
	m.Status = OutboxStatusSent
	m.UpdatedAt = time.Now()
	s.outbox[id] = m
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return nil
	}
	m.Status = OutboxStatusQueued
	m.Attempts++
	m.LastError = errMsg
	m.NextAttemptAt = &nextAttemptAt
	m.LockedAt = nil
	m.UpdatedAt = time.Now()
	s.outbox[id] = m
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now()
			s.outbox[id] = m
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) EnqueueSyncJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.syncJobs {
			if j.DedupeKey == dedupeKey && j.Status != SyncJobStatusDone && j.Status != SyncJobStatusCanceled {
				return j.ID, nil
			}
		}
	}
	now := time.Now()
	id := util.GenerateRandomID("sync_", 32)
	s.syncJobs[id] = SyncJob{
		ID: id, Kind: kind, RunAt: runAt, PayloadJSON: payloadJSON,
		Status: SyncJobStatusQueued, MaxAttempts: 5, DedupeKey: dedupeKey,
		CreatedAt: now, UpdatedAt: now,
	}
	return id, nil
}

func (s *InMemoryStore) ClaimDueSyncJobs(now time.Time, limit int) ([]SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []SyncJob
	for _, j := range s.syncJobs {
		if j.Status == SyncJobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		j := due[i]
		j.Status = SyncJobStatusRunning
		j.LockedAt = &now
		j.UpdatedAt = now
		s.syncJobs[j.ID] = j
		due[i] = j
	}
	return due, nil
}

func (s *InMemoryStore) CompleteSyncJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.syncJobs[id]
	if !ok {
		return nil
	}
	j.Status = SyncJobStatusDone
	j.UpdatedAt = time.Now()
	s.syncJobs[id] = j
	return nil
}

func (s *InMemoryStore) FailSyncJob(id string, errMsg string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.syncJobs[id]
	if !ok {
		return nil
	}
	j.Attempt++
	j.LastError = errMsg
	j.LockedAt = nil
	if j.Attempt >= j.MaxAttempts {
		j.Status = SyncJobStatusFailed
	} else {
		j.Status = SyncJobStatusQueued
		j.RunAt = nextRunAt
	}
	j.UpdatedAt = time.Now()
	s.syncJobs[id] = j
	return nil
}

func (s *InMemoryStore) RequeueStaleRunningSyncJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.syncJobs {
		if j.Status == SyncJobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = SyncJobStatusQueued
			j.LockedAt = nil
			j.UpdatedAt = time.Now()
			s.syncJobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetSyncJob(id string) (*SyncJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.syncJobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}
