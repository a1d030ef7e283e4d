package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/creator-membership/backend/internal/models"
	"github.com/PortNumber53/creator-membership/backend/internal/paypal"
	"github.com/PortNumber53/creator-membership/backend/internal/store"
)

// memStore is an in-memory stand-in for the Postgres store with the same
// conflict and guard semantics.
type memStore struct {
	mu     sync.Mutex
	events map[string]models.WebhookEvent
	subs   map[string]*models.Subscription
	tiers  map[string]models.Tier
	elite  map[string]*models.EliteMembership

	ledgerErr error
	upsertErr error
	applyErr  error
	tierErr   error
	// seatRaces makes the next n CreateEliteMembership calls lose the seat race.
	seatRaces int
}

func newMemStore() *memStore {
	return &memStore{
		events: make(map[string]models.WebhookEvent),
		subs:   make(map[string]*models.Subscription),
		tiers:  make(map[string]models.Tier),
		elite:  make(map[string]*models.EliteMembership),
	}
}

func (m *memStore) RecordWebhookEvent(_ context.Context, ev models.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ledgerErr != nil {
		return m.ledgerErr
	}
	if _, ok := m.events[ev.EventID]; ok {
		return store.ErrDuplicateEvent
	}
	m.events[ev.EventID] = ev
	return nil
}

func copySub(s *models.Subscription) *models.Subscription {
	c := *s
	return &c
}

func (m *memStore) putSub(s models.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[s.SubscriptionID] = copySub(&s)
}

func (m *memStore) sub(id string) *models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil
	}
	return copySub(s)
}

func (m *memStore) UpsertSubscription(_ context.Context, sub models.Subscription) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}

	existing, ok := m.subs[sub.SubscriptionID]
	if !ok {
		row := copySub(&sub)
		row.CreatedAt = time.Now()
		row.UpdatedAt = row.CreatedAt
		m.subs[sub.SubscriptionID] = row
		return copySub(row), nil
	}

	if sub.UserID != nil {
		existing.UserID = sub.UserID
	}
	if sub.Tier != "" {
		existing.Tier = sub.Tier
	}
	if sub.Cadence != "" {
		existing.Cadence = sub.Cadence
	}
	if sub.BillingOption != nil {
		existing.BillingOption = sub.BillingOption
	}
	if sub.TotalCycles != nil {
		existing.TotalCycles = sub.TotalCycles
	}
	if sub.NextBillingTime != nil {
		existing.NextBillingTime = sub.NextBillingTime
	}
	existing.Status = sub.Status
	existing.UpdatedAt = time.Now()
	return copySub(existing), nil
}

func (m *memStore) GetSubscription(_ context.Context, id string) (*models.Subscription, error) {
	s := m.sub(id)
	if s == nil {
		return nil, store.ErrSubscriptionNotFound
	}
	return s, nil
}

func (m *memStore) UpdateSubscriptionIdentity(_ context.Context, id string, identity models.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return store.ErrSubscriptionNotFound
	}
	if s.UserID == nil && identity.UserID != "" {
		u := identity.UserID
		s.UserID = &u
	}
	if s.Tier == "" {
		s.Tier = identity.Tier
	}
	if s.Cadence == "" {
		s.Cadence = identity.Cadence
	}
	if s.BillingOption == nil && identity.BillingOption != "" {
		o := identity.BillingOption
		s.BillingOption = &o
	}
	if s.TotalCycles == nil {
		s.TotalCycles = identity.TotalCycles()
	}
	return nil
}

func (m *memStore) ApplySubscriptionPayment(_ context.Context, app models.PaymentApplication) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return nil, m.applyErr
	}
	s, ok := m.subs[app.SubscriptionID]
	if !ok {
		return nil, store.ErrSubscriptionNotFound
	}
	if app.PaidAt != nil && s.LastPaymentAt != nil && s.LastPaymentAt.Equal(*app.PaidAt) {
		return nil, store.ErrPaymentAlreadyApplied
	}

	s.CyclesPaid++
	if app.MembershipExpiresAt != nil && (s.MembershipExpiresAt == nil || app.MembershipExpiresAt.After(*s.MembershipExpiresAt)) {
		e := *app.MembershipExpiresAt
		s.MembershipExpiresAt = &e
	}
	if app.NextBillingTime != nil {
		n := *app.NextBillingTime
		s.NextBillingTime = &n
	}
	if app.PaidAt != nil {
		p := *app.PaidAt
		s.LastPaymentAt = &p
	}
	s.Status = models.SubscriptionActive
	return copySub(s), nil
}

func (m *memStore) UpdateSubscriptionStatus(_ context.Context, id string, status models.SubscriptionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return store.ErrSubscriptionNotFound
	}
	s.Status = status
	return nil
}

func (m *memStore) SetUserMembershipTier(_ context.Context, userID string, tier models.Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tierErr != nil {
		return m.tierErr
	}
	m.tiers[userID] = tier
	return nil
}

func (m *memStore) tier(userID string) models.Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tiers[userID]
}

func (m *memStore) GetActiveEliteMembership(_ context.Context, userID string) (*models.EliteMembership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.elite {
		if e.UserID == userID && e.Occupied() {
			c := *e
			return &c, nil
		}
	}
	return nil, store.ErrEliteMembershipNotFound
}

func (m *memStore) ListOccupiedSeats(_ context.Context) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var seats []int
	for _, e := range m.elite {
		if e.Occupied() && e.SeatNumber != nil {
			seats = append(seats, *e.SeatNumber)
		}
	}
	sort.Ints(seats)
	return seats, nil
}

func (m *memStore) CreateEliteMembership(_ context.Context, em *models.EliteMembership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seatRaces > 0 {
		m.seatRaces--
		// Simulate a concurrent delivery taking the seat first.
		seat := *em.SeatNumber
		m.elite[uuid.NewString()] = &models.EliteMembership{
			ID: uuid.NewString(), UserID: "racer-" + uuid.NewString(),
			Status: models.EliteMonthlyActive, MonthsPaidCount: 1, SeatNumber: &seat,
		}
		return store.ErrSeatTaken
	}
	for _, e := range m.elite {
		if !e.Occupied() {
			continue
		}
		if e.UserID == em.UserID {
			return store.ErrEliteMembershipExists
		}
		if e.SeatNumber != nil && em.SeatNumber != nil && *e.SeatNumber == *em.SeatNumber {
			return store.ErrSeatTaken
		}
	}
	if em.ID == "" {
		em.ID = uuid.NewString()
	}
	c := *em
	m.elite[em.ID] = &c
	return nil
}

func (m *memStore) RecordElitePayment(_ context.Context, id string, paidAt time.Time) (*models.EliteMembership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.elite[id]
	if !ok {
		return nil, store.ErrEliteMembershipNotFound
	}
	e.MonthsPaidCount++
	p := paidAt
	e.LastPaymentAt = &p
	c := *e
	return &c, nil
}

func (m *memStore) GrantLifetime(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.elite[id]
	if !ok || e.Status != models.EliteMonthlyActive {
		return false, nil
	}
	e.Status = models.EliteLifetime
	a := at
	e.LifetimeGrantedAt = &a
	return true, nil
}

func (m *memStore) ReleaseEliteSeat(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.elite[id]
	if !ok || e.Status != models.EliteMonthlyActive || e.MonthsPaidCount >= models.EliteLifetimeMonths {
		return false, nil
	}
	e.Status = models.EliteCanceled
	e.SeatNumber = nil
	return true, nil
}

// membership returns the most relevant membership of userID, occupied first.
func (m *memStore) membership(userID string) *models.EliteMembership {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.EliteMembership
	for _, e := range m.elite {
		if e.UserID != userID {
			continue
		}
		if found == nil || e.Occupied() {
			c := *e
			found = &c
		}
	}
	return found
}

func (m *memStore) addElite(userID string, status models.EliteStatus, months int, seat int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	s := seat
	m.elite[id] = &models.EliteMembership{
		ID: id, UserID: userID, Status: status, MonthsPaidCount: months, SeatNumber: &s,
	}
	return id
}

type fakeLookup struct {
	mu      sync.Mutex
	details map[string]*paypal.SubscriptionDetails
	err     error
	calls   int
}

func (f *fakeLookup) GetSubscription(_ context.Context, id string) (*paypal.SubscriptionDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	d, ok := f.details[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return d, nil
}

type fakeCanceler struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeCanceler) CancelSubscription(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	return f.err
}

type fakeQueue struct {
	mu     sync.Mutex
	queued []string
	err    error
}

func (f *fakeQueue) EnqueueProviderCancel(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.queued = append(f.queued, id)
	return nil
}

type fakeSignatureAPI struct {
	status string
	err    error
	last   paypal.VerifyRequest
	calls  int
}

func (f *fakeSignatureAPI) VerifyWebhookSignature(_ context.Context, req paypal.VerifyRequest) (string, error) {
	f.calls++
	f.last = req
	return f.status, f.err
}

func timePtr(t time.Time) *time.Time { return &t }

func strPtr(s string) *string { return &s }

func optPtr(o models.BillingOption) *models.BillingOption { return &o }
