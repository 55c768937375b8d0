package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/snallabot/twitch-notifier/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const streamerURL = "https://www.twitch.tv/streamer"

func newTestSubscriptionService() (*SubscriptionService, *memRepo, *fakeTwitch, *memLocker) {
	repo := newMemRepo()
	tw := newFakeTwitch()
	locker := newMemLocker()
	return NewSubscriptionService(repo, tw, locker), repo, tw, locker
}

// assertConsistent checks that a record exists iff a tenant is subscribed and
// that exactly one upstream subscription backs it.
func assertConsistent(t *testing.T, repo *memRepo, tw *fakeTwitch, broadcasterID string) {
	t.Helper()

	sub, ok := repo.get(broadcasterID)
	upstream := tw.upstreamFor(broadcasterID)
	if !ok {
		assert.Empty(t, upstream, "no record, so no upstream subscription")
		return
	}
	assert.NotEmpty(t, sub.SubscribedTenants(), "record without subscribed tenants")
	require.Len(t, upstream, 1, "exactly one upstream subscription")
	assert.Equal(t, sub.SubscriptionID, upstream[0].ID)
	for id, state := range sub.Tenants {
		assert.True(t, state.Subscribed, "tenant %s present but not subscribed", id)
	}
}

func TestAddTenant_CreatesSubscription(t *testing.T) {
	svc, repo, tw, locker := newTestSubscriptionService()

	require.NoError(t, svc.AddTenant(context.Background(), streamerURL, "guild-a"))

	sub, ok := repo.get("id-streamer")
	require.True(t, ok)
	assert.Equal(t, "streamer", sub.BroadcasterName)
	assert.Equal(t, "sub-1", sub.SubscriptionID)
	assert.Equal(t, []string{"guild-a"}, sub.SubscribedTenants())
	assert.Equal(t, []string{"subscription:id-streamer"}, locker.locks)
	assert.False(t, locker.isHeld("subscription:id-streamer"), "lock must be released")
	assertConsistent(t, repo, tw, "id-streamer")
}

func TestAddTenant_Idempotent(t *testing.T) {
	svc, repo, tw, _ := newTestSubscriptionService()
	ctx := context.Background()

	require.NoError(t, svc.AddTenant(ctx, streamerURL, "guild-a"))
	require.NoError(t, svc.AddTenant(ctx, streamerURL, "guild-a"))

	sub, _ := repo.get("id-streamer")
	assert.Equal(t, []string{"guild-a"}, sub.SubscribedTenants())
	assert.Len(t, tw.created, 1, "second add must not create another upstream subscription")
	assertConsistent(t, repo, tw, "id-streamer")
}

func TestAddTenant_SecondTenantMerges(t *testing.T) {
	svc, repo, tw, _ := newTestSubscriptionService()
	ctx := context.Background()

	require.NoError(t, svc.AddTenant(ctx, streamerURL, "guild-a"))
	require.NoError(t, svc.AddTenant(ctx, "twitch.tv/Streamer", "guild-b"))

	sub, _ := repo.get("id-streamer")
	assert.ElementsMatch(t, []string{"guild-a", "guild-b"}, sub.SubscribedTenants())
	assert.Len(t, tw.created, 1)
	assertConsistent(t, repo, tw, "id-streamer")
}

func TestAddTenant_InvalidURL(t *testing.T) {
	svc, _, tw, _ := newTestSubscriptionService()

	err := svc.AddTenant(context.Background(), "https://youtube.com/streamer", "guild-a")
	require.ErrorIs(t, err, domain.ErrInvalidTwitchURL)
	assert.Empty(t, tw.created)
}

func TestAddTenant_UnknownBroadcaster(t *testing.T) {
	svc, repo, tw, _ := newTestSubscriptionService()
	tw.getBroadcasterFn = func(_ context.Context, login string) (*domain.Broadcaster, error) {
		return nil, domain.ErrBroadcasterNotFound
	}

	err := svc.AddTenant(context.Background(), streamerURL, "guild-a")
	require.ErrorIs(t, err, domain.ErrBroadcasterNotFound)
	_, ok := repo.get("id-streamer")
	assert.False(t, ok)
}

func TestAddTenant_UpstreamCreateFails(t *testing.T) {
	svc, repo, tw, _ := newTestSubscriptionService()
	tw.createFn = func(_ context.Context, _ string) (string, error) {
		return "", errors.New("twitch down")
	}

	err := svc.AddTenant(context.Background(), streamerURL, "guild-a")
	require.Error(t, err)
	_, ok := repo.get("id-streamer")
	assert.False(t, ok, "no record without an upstream subscription")
}

func TestAddTenant_PersistFailureCompensates(t *testing.T) {
	svc, repo, tw, _ := newTestSubscriptionService()
	repo.createErr = errors.New("db down")

	err := svc.AddTenant(context.Background(), streamerURL, "guild-a")
	require.Error(t, err)
	assert.Equal(t, []string{"sub-1"}, tw.deletedIDs(), "upstream subscription must be rolled back")
	assert.Empty(t, tw.upstreamFor("id-streamer"))
}

func TestAddTenant_ConflictWithOtherProcess(t *testing.T) {
	svc, repo, tw, _ := newTestSubscriptionService()

	// Another instance created the record between our AddTenant miss and
	// our Create.
	tw.createFn = func(ctx context.Context, broadcasterID string) (string, error) {
		tw.createFn = nil
		winnerID, _ := tw.CreateStreamOnlineSubscription(ctx, broadcasterID)
		repo.put(domain.Subscription{
			BroadcasterID:   broadcasterID,
			BroadcasterName: "streamer",
			SubscriptionID:  winnerID,
			Tenants:         map[string]domain.TenantState{"guild-b": {Subscribed: true}},
		})
		return tw.CreateStreamOnlineSubscription(ctx, broadcasterID)
	}

	require.NoError(t, svc.AddTenant(context.Background(), streamerURL, "guild-a"))

	sub, _ := repo.get("id-streamer")
	assert.Equal(t, "sub-1", sub.SubscriptionID)
	assert.ElementsMatch(t, []string{"guild-a", "guild-b"}, sub.SubscribedTenants())
	assert.Equal(t, []string{"sub-2"}, tw.deletedIDs(), "loser's upstream subscription is deleted")
	assertConsistent(t, repo, tw, "id-streamer")
}

func TestAddTenant_ConflictWithSameUpstreamIDKeepsIt(t *testing.T) {
	svc, repo, tw, _ := newTestSubscriptionService()

	tw.createFn = func(_ context.Context, broadcasterID string) (string, error) {
		repo.put(domain.Subscription{
			BroadcasterID:  broadcasterID,
			SubscriptionID: "shared",
			Tenants:        map[string]domain.TenantState{"guild-b": {Subscribed: true}},
		})
		return "shared", nil
	}

	require.NoError(t, svc.AddTenant(context.Background(), streamerURL, "guild-a"))
	assert.Empty(t, tw.deletedIDs(), "shared upstream subscription must survive")
}

func TestAddTenant_ConcurrentFirstAdds(t *testing.T) {
	repo := newMemRepo()
	tw := newFakeTwitch()
	// No locker: concurrent first adds in one process rely on create collapsing
	// and conflict handling.
	svc := NewSubscriptionService(repo, tw, nil)

	tenants := []string{"guild-a", "guild-b", "guild-c", "guild-d", "guild-e"}
	var wg sync.WaitGroup
	for _, tenant := range tenants {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.AddTenant(context.Background(), streamerURL, tenant))
		}()
	}
	wg.Wait()

	sub, ok := repo.get("id-streamer")
	require.True(t, ok)
	assert.ElementsMatch(t, tenants, sub.SubscribedTenants())
	assertConsistent(t, repo, tw, "id-streamer")
}

func TestAddTenant_LockTimeout(t *testing.T) {
	svc, repo, tw, locker := newTestSubscriptionService()
	locker.lockErr = domain.ErrLockTimeout

	err := svc.AddTenant(context.Background(), streamerURL, "guild-a")
	require.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.Empty(t, tw.created)
	_, ok := repo.get("id-streamer")
	assert.False(t, ok)
}

func TestAddTenant_LockBackendDownProceedsUnlocked(t *testing.T) {
	svc, repo, _, locker := newTestSubscriptionService()
	locker.lockErr = errors.New("redis circuit breaker open")

	require.NoError(t, svc.AddTenant(context.Background(), streamerURL, "guild-a"))
	_, ok := repo.get("id-streamer")
	assert.True(t, ok)
}

func TestRemoveTenant_NonLastKeepsSubscription(t *testing.T) {
	svc, repo, tw, _ := newTestSubscriptionService()
	ctx := context.Background()

	require.NoError(t, svc.AddTenant(ctx, streamerURL, "guild-a"))
	require.NoError(t, svc.AddTenant(ctx, streamerURL, "guild-b"))
	before, _ := repo.get("id-streamer")

	require.NoError(t, svc.RemoveTenant(ctx, streamerURL, "guild-a"))

	after, ok := repo.get("id-streamer")
	require.True(t, ok)
	assert.Equal(t, before.SubscriptionID, after.SubscriptionID)
	assert.Equal(t, []string{"guild-b"}, after.SubscribedTenants())
	assert.Empty(t, tw.deletedIDs())
	assertConsistent(t, repo, tw, "id-streamer")
}

func TestRemoveTenant_LastDeletesEverything(t *testing.T) {
	svc, repo, tw, _ := newTestSubscriptionService()
	ctx := context.Background()

	require.NoError(t, svc.AddTenant(ctx, streamerURL, "guild-a"))
	require.NoError(t, svc.RemoveTenant(ctx, streamerURL, "guild-a"))

	_, ok := repo.get("id-streamer")
	assert.False(t, ok)
	assert.Equal(t, []string{"sub-1"}, tw.deletedIDs())
	assertConsistent(t, repo, tw, "id-streamer")
}

func TestRemoveTenant_NotSubscribed(t *testing.T) {
	svc, _, _, _ := newTestSubscriptionService()

	err := svc.RemoveTenant(context.Background(), streamerURL, "guild-a")
	require.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
}

func TestRemoveTenant_OtherTenantNotSubscribed(t *testing.T) {
	svc, repo, tw, _ := newTestSubscriptionService()
	ctx := context.Background()
	require.NoError(t, svc.AddTenant(ctx, streamerURL, "guild-a"))

	err := svc.RemoveTenant(ctx, streamerURL, "guild-b")
	require.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
	assert.Empty(t, tw.deletedIDs())
	assertConsistent(t, repo, tw, "id-streamer")
}

func TestRemoveTenant_UpstreamDeleteFailsKeepsRecord(t *testing.T) {
	svc, repo, tw, _ := newTestSubscriptionService()
	ctx := context.Background()
	require.NoError(t, svc.AddTenant(ctx, streamerURL, "guild-a"))

	tw.deleteFn = func(_ context.Context, _ string) error { return errors.New("twitch down") }

	require.Error(t, svc.RemoveTenant(ctx, streamerURL, "guild-a"))
	_, ok := repo.get("id-streamer")
	assert.True(t, ok, "record stays so the removal can be retried")
}

func TestAddAddRemoveRemoveScenario(t *testing.T) {
	svc, repo, tw, _ := newTestSubscriptionService()
	ctx := context.Background()

	require.NoError(t, svc.AddTenant(ctx, streamerURL, "guild-a"))
	assertConsistent(t, repo, tw, "id-streamer")
	first, _ := repo.get("id-streamer")

	require.NoError(t, svc.AddTenant(ctx, streamerURL, "guild-b"))
	assertConsistent(t, repo, tw, "id-streamer")

	require.NoError(t, svc.RemoveTenant(ctx, streamerURL, "guild-a"))
	assertConsistent(t, repo, tw, "id-streamer")
	mid, _ := repo.get("id-streamer")
	assert.Equal(t, first.SubscriptionID, mid.SubscriptionID)

	require.NoError(t, svc.RemoveTenant(ctx, streamerURL, "guild-b"))
	assertConsistent(t, repo, tw, "id-streamer")
	_, ok := repo.get("id-streamer")
	assert.False(t, ok)
	assert.Len(t, tw.created, 1)
	assert.Len(t, tw.deletedIDs(), 1)
}

func TestListTenantEntities(t *testing.T) {
	svc, _, _, _ := newTestSubscriptionService()
	ctx := context.Background()

	require.NoError(t, svc.AddTenant(ctx, "https://www.twitch.tv/alpha", "guild-a"))
	require.NoError(t, svc.AddTenant(ctx, "https://www.twitch.tv/beta", "guild-a"))
	require.NoError(t, svc.AddTenant(ctx, "https://www.twitch.tv/gamma", "guild-b"))

	urls, err := svc.ListTenantEntities(ctx, "guild-a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://www.twitch.tv/alpha", "https://www.twitch.tv/beta"}, urls)

	urls, err = svc.ListTenantEntities(ctx, "guild-unknown")
	require.NoError(t, err)
	assert.Empty(t, urls)
}
