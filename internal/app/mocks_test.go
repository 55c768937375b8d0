package app

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/snallabot/twitch-notifier/internal/domain"
)

// --- In-memory subscription repository ---

type memRepo struct {
	mu   sync.Mutex
	subs map[string]domain.Subscription

	createErr error
	getErr    error
}

func newMemRepo() *memRepo {
	return &memRepo{subs: make(map[string]domain.Subscription)}
}

func (r *memRepo) Create(_ context.Context, sub domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	if _, ok := r.subs[sub.BroadcasterID]; ok {
		return domain.ErrSubscriptionExists
	}
	sub.Tenants = maps.Clone(sub.Tenants)
	r.subs[sub.BroadcasterID] = sub
	return nil
}

func (r *memRepo) Get(_ context.Context, broadcasterID string) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	sub, ok := r.subs[broadcasterID]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	sub.Tenants = maps.Clone(sub.Tenants)
	return &sub, nil
}

func (r *memRepo) AddTenant(_ context.Context, broadcasterID, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[broadcasterID]
	if !ok {
		return domain.ErrSubscriptionNotFound
	}
	sub.Tenants[tenantID] = domain.TenantState{Subscribed: true}
	r.subs[broadcasterID] = sub
	return nil
}

func (r *memRepo) RemoveTenant(_ context.Context, broadcasterID, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[broadcasterID]
	if !ok {
		return domain.ErrSubscriptionNotFound
	}
	delete(sub.Tenants, tenantID)
	r.subs[broadcasterID] = sub
	return nil
}

func (r *memRepo) UpdateSubscriptionID(_ context.Context, broadcasterID, subscriptionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[broadcasterID]
	if !ok {
		return domain.ErrSubscriptionNotFound
	}
	sub.SubscriptionID = subscriptionID
	r.subs[broadcasterID] = sub
	return nil
}

func (r *memRepo) Delete(_ context.Context, broadcasterID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, broadcasterID)
	return nil
}

func (r *memRepo) ListByTenant(_ context.Context, tenantID string) ([]domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Subscription
	for _, sub := range r.subs {
		if sub.Tenants[tenantID].Subscribed {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (r *memRepo) List(_ context.Context) ([]domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out, nil
}

func (r *memRepo) put(sub domain.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.BroadcasterID] = sub
}

func (r *memRepo) get(broadcasterID string) (domain.Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[broadcasterID]
	return sub, ok
}

// --- Fake Twitch API ---

// fakeTwitch models the upstream subscription set. Function fields override
// the default behavior.
type fakeTwitch struct {
	mu       sync.Mutex
	upstream map[string]domain.UpstreamSubscription
	nextID   int
	created  []string
	deleted  []string

	getBroadcasterFn func(ctx context.Context, login string) (*domain.Broadcaster, error)
	getChannelInfoFn func(ctx context.Context, broadcasterID string) (*domain.ChannelInfo, error)
	createFn         func(ctx context.Context, broadcasterID string) (string, error)
	deleteFn         func(ctx context.Context, subscriptionID string) error
}

const testCallbackURL = "https://notifier.example.com/events"

func newFakeTwitch() *fakeTwitch {
	return &fakeTwitch{upstream: make(map[string]domain.UpstreamSubscription)}
}

// broadcasterIDFor derives a stable id from a login for tests.
func broadcasterIDFor(login string) string {
	return "id-" + login
}

func (f *fakeTwitch) GetBroadcaster(ctx context.Context, login string) (*domain.Broadcaster, error) {
	if f.getBroadcasterFn != nil {
		return f.getBroadcasterFn(ctx, login)
	}
	return &domain.Broadcaster{ID: broadcasterIDFor(login), Login: login, DisplayName: login}, nil
}

func (f *fakeTwitch) GetChannelInfo(ctx context.Context, broadcasterID string) (*domain.ChannelInfo, error) {
	if f.getChannelInfoFn != nil {
		return f.getChannelInfoFn(ctx, broadcasterID)
	}
	return &domain.ChannelInfo{BroadcasterID: broadcasterID, BroadcasterName: "Streamer", Title: "Playing games"}, nil
}

func (f *fakeTwitch) CreateStreamOnlineSubscription(ctx context.Context, broadcasterID string) (string, error) {
	if f.createFn != nil {
		return f.createFn(ctx, broadcasterID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("sub-%d", f.nextID)
	f.upstream[id] = domain.UpstreamSubscription{
		ID:            id,
		Status:        domain.UpstreamStatusEnabled,
		Type:          "stream.online",
		BroadcasterID: broadcasterID,
		Callback:      testCallbackURL,
	}
	f.created = append(f.created, id)
	return id, nil
}

func (f *fakeTwitch) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, subscriptionID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.upstream, subscriptionID)
	f.deleted = append(f.deleted, subscriptionID)
	return nil
}

func (f *fakeTwitch) ListStreamOnlineSubscriptions(_ context.Context) ([]domain.UpstreamSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.UpstreamSubscription, 0, len(f.upstream))
	for _, u := range f.upstream {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeTwitch) addUpstream(u domain.UpstreamSubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upstream[u.ID] = u
}

func (f *fakeTwitch) upstreamFor(broadcasterID string) []domain.UpstreamSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.UpstreamSubscription
	for _, u := range f.upstream {
		if u.BroadcasterID == broadcasterID {
			out = append(out, u)
		}
	}
	return out
}

func (f *fakeTwitch) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// --- Fake event sender ---

type fakeSender struct {
	mu      sync.Mutex
	configs map[string]domain.FilterConfig
	sent    []domain.Notification

	latestFn func(ctx context.Context, tenantID string) (domain.FilterConfig, error)
	sendFn   func(ctx context.Context, n domain.Notification) error
}

func newFakeSender() *fakeSender {
	return &fakeSender{configs: make(map[string]domain.FilterConfig)}
}

func (s *fakeSender) LatestFilterConfig(ctx context.Context, tenantID string) (domain.FilterConfig, error) {
	if s.latestFn != nil {
		return s.latestFn(ctx, tenantID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[tenantID]
	if !ok {
		return domain.FilterConfig{}, domain.ErrFilterConfigNotFound
	}
	return cfg, nil
}

func (s *fakeSender) SendNotification(ctx context.Context, n domain.Notification) error {
	if s.sendFn != nil {
		if err := s.sendFn(ctx, n); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return nil
}

func (s *fakeSender) setConfig(tenantID, keyword string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[tenantID] = domain.FilterConfig{
		TenantID:     tenantID,
		ChannelID:    "channel-" + tenantID,
		TitleKeyword: keyword,
		Timestamp:    time.Now(),
	}
}

func (s *fakeSender) sentTo() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, n := range s.sent {
		out = append(out, n.TenantID)
	}
	return out
}

// --- In-process locker ---

type memLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}

	lockErr error
	locks   []string
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]chan struct{})}
}

func (l *memLocker) Lock(ctx context.Context, key string) (func(), error) {
	for {
		unlock, acquired, err := l.TryLock(ctx, key)
		if err != nil || acquired {
			return unlock, err
		}

		l.mu.Lock()
		ch := l.held[key]
		l.mu.Unlock()
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *memLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lockErr != nil {
		return nil, false, l.lockErr
	}
	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	ch := make(chan struct{})
	l.held[key] = ch
	l.locks = append(l.locks, key)
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		close(ch)
	}, true, nil
}

func (l *memLocker) isHeld(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
