package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapbot/internal/eventbus"
	"mapbot/internal/storage"
	logx "mapbot/pkg/logx"
)

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: t.TempDir()}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSyncOnceMergesOwners(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	_, err := st.AddRecipient(ctx, "1")
	require.NoError(t, err)
	require.NoError(t, st.PrependLink(ctx, "1", storage.LinkRecord{Name: "a.map", URL: "https://x/a", Timestamp: 1}))
	require.NoError(t, st.PrependLink(ctx, "2", storage.LinkRecord{Name: "b.map", URL: "https://x/b", Timestamp: 2}))
	require.NoError(t, st.PrependLink(ctx, "3", storage.LinkRecord{Name: "c.map", URL: "https://x/c", Timestamp: 3}))

	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	svc := New(Config{Spec: Off}, st, bus, logx.Nop())
	res, err := svc.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Owners)
	assert.Equal(t, 2, res.Added)

	users, err := st.Recipients(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2", "3"}, users)

	require.Len(t, events, 1)
	ev := <-events
	assert.Equal(t, eventbus.RecipientsSynced, ev.Type)

	// Idempotent.
	res, err = svc.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Added)
}

func TestSyncOnceKeepsPrunedRecipientsOut(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	_, err := st.MergeRecipients(ctx, []string{"1", "2", "3"})
	require.NoError(t, err)
	require.NoError(t, st.PrependLink(ctx, "2", storage.LinkRecord{Name: "b.map", URL: "https://x/b", Timestamp: 2}))

	// what a broadcast does after an unreachable send
	removed, err := st.RemoveRecipient(ctx, "2")
	require.NoError(t, err)
	require.True(t, removed)

	svc := New(Config{Spec: Off}, st, nil, logx.Nop())
	res, err := svc.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Owners)
	assert.Zero(t, res.Added)

	users, err := st.Recipients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3"}, users)

	// an inbound message re-subscribes them
	_, err = st.AddRecipient(ctx, "2")
	require.NoError(t, err)
	users, err = st.Recipients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3", "2"}, users)
}

type failingStore struct{}

func (failingStore) LinkOwners(context.Context) ([]string, error) { return nil, errors.New("disk gone") }
func (failingStore) MergeRecipients(context.Context, []string) (int, error) {
	return 0, errors.New("unreachable")
}

func TestStartToleratesSyncFailure(t *testing.T) {
	svc := New(Config{Spec: Off}, failingStore{}, nil, logx.Nop())
	require.NoError(t, svc.Start(context.Background()))
	_, ok := svc.Next()
	assert.False(t, ok)
	svc.Stop(context.Background())
}

func TestScheduleAndApply(t *testing.T) {
	st := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := New(Config{Spec: "@every 1h", Timezone: "UTC"}, st, nil, logx.Nop())
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop(context.Background())

	next, ok := svc.Next()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, 5*time.Second)

	require.NoError(t, svc.Apply(Config{Spec: Off}))
	_, ok = svc.Next()
	assert.False(t, ok)

	require.NoError(t, svc.Apply(Config{Spec: "0 3 * * *", Timezone: "Europe/Moscow"}))
	next, ok = svc.Next()
	require.True(t, ok)
	assert.Equal(t, 3, next.Hour())

	assert.Error(t, svc.Apply(Config{Spec: "not a spec"}))
}

func TestScheduledRunSyncs(t *testing.T) {
	st := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := New(Config{Spec: "@every 1s"}, st, nil, logx.Nop())
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop(context.Background())

	require.NoError(t, st.PrependLink(ctx, "42", storage.LinkRecord{Name: "a.map", URL: "https://x/a", Timestamp: 1}))
	require.Eventually(t, func() bool {
		users, err := st.Recipients(ctx)
		return err == nil && len(users) == 1 && users[0] == "42"
	}, 3*time.Second, 50*time.Millisecond)
}
