package webhooks

import (
	"context"
	"sort"
	"sync"
)

type mockStore struct {
	mu         sync.Mutex
	subs       map[string]*Subscription
	deliveries []*Delivery
	listErr    error
}

func newMockStore(subs ...*Subscription) *mockStore {
	m := &mockStore{subs: make(map[string]*Subscription)}
	for _, s := range subs {
		m.subs[s.ID] = s
	}
	return m
}

func (m *mockStore) CreateSubscription(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *mockStore) GetSubscription(_ context.Context, merchantID, id string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || s.MerchantID != merchantID {
		return nil, ErrSubscriptionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockStore) ListSubscriptions(_ context.Context, merchantID string, activeOnly bool) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*Subscription
	for _, s := range m.subs {
		if s.MerchantID != merchantID || (activeOnly && !s.Active) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) DeactivateSubscription(_ context.Context, merchantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || s.MerchantID != merchantID {
		return ErrSubscriptionNotFound
	}
	s.Active = false
	return nil
}

func (m *mockStore) RecordDelivery(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, d)
	return nil
}

func (m *mockStore) ListDeliveries(_ context.Context, subscriptionID string, limit int) ([]*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Delivery
	for _, d := range m.deliveries {
		if d.SubscriptionID == subscriptionID {
			out = append(out, d)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) recorded() []*Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Delivery, len(m.deliveries))
	copy(out, m.deliveries)
	return out
}
