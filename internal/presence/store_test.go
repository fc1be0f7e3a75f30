package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

type storeFixture struct {
	ctx   context.Context
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	store *Store
}

func setup(t *testing.T) *storeFixture {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := NewStore(rdb, 3, zerolog.Nop())
	require.NoError(t, err)

	return &storeFixture{ctx: ctx, mr: mr, rdb: rdb, store: store}
}

func TestNewStore_NilClient(t *testing.T) {
	_, err := NewStore(nil, 0, zerolog.Nop())
	assert.Error(t, err)
}

func TestMarkOnline_WritesRecordAndGroups(t *testing.T) {
	f := setup(t)
	id := notify.Identity{UserID: "u1", AgencyID: "a1", TeamID: "t1"}

	require.NoError(t, f.store.MarkOnline(f.ctx, id, time.Minute))

	rec, err := f.store.Get(f.ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "a1", rec.AgencyID)
	assert.Equal(t, "t1", rec.TeamID)
	assert.NotZero(t, rec.LastSeen)

	team, err := f.store.ListOnline(f.ctx, GroupTeam, "t1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, team)

	agency, err := f.store.ListOnline(f.ctx, GroupAgency, "a1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, agency)

	assert.Equal(t, time.Minute, f.mr.TTL("presence:user:u1"))
	assert.Equal(t, time.Minute, f.mr.TTL("online:team:t1"))
}

func TestPresence_ExpiresWithoutRefresh(t *testing.T) {
	f := setup(t)
	id := notify.Identity{UserID: "u1", TeamID: "t1"}

	require.NoError(t, f.store.AddSession(f.ctx, "u1", "s1", 30*time.Second))
	require.NoError(t, f.store.MarkOnline(f.ctx, id, 30*time.Second))

	online, err := f.store.IsOnline(f.ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)

	f.mr.FastForward(31 * time.Second)

	online, err = f.store.IsOnline(f.ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online, "presence must lapse once the TTL passes without a heartbeat")

	rec, err := f.store.Get(f.ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRefresh_ExtendsAllKeys(t *testing.T) {
	f := setup(t)
	id := notify.Identity{UserID: "u1", AgencyID: "a1", TeamID: "t1"}

	require.NoError(t, f.store.AddSession(f.ctx, "u1", "s1", 30*time.Second))
	require.NoError(t, f.store.MarkOnline(f.ctx, id, 30*time.Second))

	f.mr.FastForward(20 * time.Second)
	require.NoError(t, f.store.Refresh(f.ctx, id, "s1", 30*time.Second))
	f.mr.FastForward(20 * time.Second)

	online, err := f.store.IsOnline(f.ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)
	assert.True(t, f.mr.Exists("presence:user:u1"))
	assert.True(t, f.mr.Exists("online:agency:a1"))
	assert.True(t, f.mr.Exists("online:team:t1"))
}

func TestSessions_LastSocketWins(t *testing.T) {
	f := setup(t)

	require.NoError(t, f.store.AddSession(f.ctx, "u1", "s1", time.Minute))
	require.NoError(t, f.store.AddSession(f.ctx, "u1", "s2", time.Minute))

	remaining, err := f.store.RemoveSession(f.ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)

	online, err := f.store.IsOnline(f.ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online, "user stays online while another socket is live")

	remaining, err = f.store.RemoveSession(f.ctx, "u1", "s2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

func TestAddSession_TrimsToMostRecent(t *testing.T) {
	f := setup(t)

	for _, h := range []string{"s1", "s2", "s3", "s4"} {
		require.NoError(t, f.store.AddSession(f.ctx, "u1", h, time.Minute))
	}

	handles, err := f.store.Sessions(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s4", "s3", "s2"}, handles)
}

func TestMarkOffline_Idempotent(t *testing.T) {
	f := setup(t)
	id := notify.Identity{UserID: "u1", AgencyID: "a1", TeamID: "t1"}

	require.NoError(t, f.store.AddSession(f.ctx, "u1", "s1", time.Minute))
	require.NoError(t, f.store.MarkOnline(f.ctx, id, time.Minute))
	_, err := f.store.RemoveSession(f.ctx, "u1", "s1")
	require.NoError(t, err)

	require.NoError(t, f.store.MarkOffline(f.ctx, id))
	require.NoError(t, f.store.MarkOffline(f.ctx, id))

	team, err := f.store.ListOnline(f.ctx, GroupTeam, "t1", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, team)
	assert.False(t, f.mr.Exists("presence:sessions:u1"))
	assert.False(t, f.mr.Exists("presence:user:u1"))
	assert.False(t, f.mr.Exists("presence:index"))
}

func TestMarkOffline_KeepsUserWithLiveSession(t *testing.T) {
	f := setup(t)
	id := notify.Identity{UserID: "u1", AgencyID: "a1", TeamID: "t1"}

	require.NoError(t, f.store.AddSession(f.ctx, "u1", "s1", time.Minute))
	require.NoError(t, f.store.MarkOnline(f.ctx, id, time.Minute))

	require.NoError(t, f.store.MarkOffline(f.ctx, id))

	handles, err := f.store.Sessions(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, handles)
	team, err := f.store.ListOnline(f.ctx, GroupTeam, "t1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, team)
	assert.True(t, f.mr.Exists("presence:user:u1"))
}

// A reconnect handled by another process lands between this process's last
// RemoveSession and its MarkOffline. The new socket must stay online.
func TestReconnectDuringCleanup_StaysOnline(t *testing.T) {
	f := setup(t)
	id := notify.Identity{UserID: "u1", AgencyID: "a1", TeamID: "t1"}

	require.NoError(t, f.store.AddSession(f.ctx, "u1", "old", time.Minute))
	require.NoError(t, f.store.MarkOnline(f.ctx, id, time.Minute))

	remaining, err := f.store.RemoveSession(f.ctx, "u1", "old")
	require.NoError(t, err)
	require.Equal(t, int64(0), remaining)

	require.NoError(t, f.store.AddSession(f.ctx, "u1", "new", time.Minute))
	require.NoError(t, f.store.MarkOnline(f.ctx, id, time.Minute))

	require.NoError(t, f.store.MarkOffline(f.ctx, id))
	require.NoError(t, f.store.Refresh(f.ctx, id, "new", time.Minute))
	require.NoError(t, f.store.Refresh(f.ctx, id, "new", time.Minute))

	handles, err := f.store.Sessions(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, handles)
	online, err := f.store.IsOnline(f.ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)
}

func TestRefresh_RestoresMissingHandle(t *testing.T) {
	f := setup(t)
	id := notify.Identity{UserID: "u1", TeamID: "t1"}

	require.NoError(t, f.store.AddSession(f.ctx, "u1", "s1", time.Minute))
	require.NoError(t, f.store.AddSession(f.ctx, "u1", "s2", time.Minute))
	f.mr.Del("presence:sessions:u1")

	require.NoError(t, f.store.Refresh(f.ctx, id, "s1", time.Minute))
	require.NoError(t, f.store.Refresh(f.ctx, id, "s1", time.Minute))

	handles, err := f.store.Sessions(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, handles, "refresh must not duplicate the handle")
	assert.Equal(t, time.Minute, f.mr.TTL("presence:sessions:u1"))
}

func TestRefresh_RequiresHandle(t *testing.T) {
	f := setup(t)
	assert.Error(t, f.store.Refresh(f.ctx, notify.Identity{UserID: "u1"}, "", time.Minute))
}

func TestListOnline_WarmsGroupTTL(t *testing.T) {
	f := setup(t)
	id := notify.Identity{UserID: "u1", TeamID: "t1"}
	require.NoError(t, f.store.MarkOnline(f.ctx, id, 30*time.Second))

	f.mr.FastForward(20 * time.Second)
	require.Equal(t, 10*time.Second, f.mr.TTL("online:team:t1"))

	members, err := f.store.ListOnline(f.ctx, GroupTeam, "t1", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, members)
	assert.Equal(t, 30*time.Second, f.mr.TTL("online:team:t1"))

	// The record was not touched by the read and lapses on its own schedule.
	f.mr.FastForward(15 * time.Second)
	assert.False(t, f.mr.Exists("presence:user:u1"))
	assert.True(t, f.mr.Exists("online:team:t1"))
}

func TestPartition(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.store.AddSession(f.ctx, "u2", "s1", time.Minute))

	online, offline, err := f.store.Partition(f.ctx, []string{"u1", "u2", "u3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, online)
	assert.Equal(t, []string{"u1", "u3"}, offline)

	online, offline, err = f.store.Partition(f.ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, online)
	assert.Empty(t, offline)
}

func TestFindStale(t *testing.T) {
	f := setup(t)
	clock := time.Now()
	f.store.now = func() time.Time { return clock }

	crashed := notify.Identity{UserID: "crashed", TeamID: "t1"}
	alive := notify.Identity{UserID: "alive", TeamID: "t1"}
	for _, id := range []notify.Identity{crashed, alive} {
		require.NoError(t, f.store.AddSession(f.ctx, id.UserID, "s-"+id.UserID, 30*time.Second))
		require.NoError(t, f.store.MarkOnline(f.ctx, id, 30*time.Second))
	}

	// Only "alive" keeps heartbeating.
	f.mr.FastForward(20 * time.Second)
	clock = clock.Add(20 * time.Second)
	require.NoError(t, f.store.Refresh(f.ctx, alive, "s-alive", 30*time.Second))

	f.mr.FastForward(20 * time.Second)
	clock = clock.Add(20 * time.Second)

	stale, err := f.store.FindStale(f.ctx, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, crashed, stale[0])

	require.NoError(t, f.store.MarkOffline(f.ctx, stale[0]))
	stale, err = f.store.FindStale(f.ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, stale)
}
