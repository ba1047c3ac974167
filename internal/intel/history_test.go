package intel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisHistory(t *testing.T) (*RedisHistory, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	h := NewRedisHistory(client, DefaultRetention)
	h.now = func() time.Time { return testNow }
	t.Cleanup(func() { h.Close() }) //nolint:errcheck
	return h, mr
}

func newTestMemoryHistory() *MemoryHistory {
	h := NewMemoryHistory(DefaultRetention)
	h.now = func() time.Time { return testNow }
	return h
}

func snap(domain string, share float64, age time.Duration) Snapshot {
	return Snapshot{Domain: domain, Facts: Facts{MarketShare: share}, RecordedAt: testNow.Add(-age).UTC()}
}

// historyContract runs the behavior every History must share.
func historyContract(t *testing.T, h History) {
	ctx := context.Background()
	day := 24 * time.Hour

	require.NoError(t, h.Append(ctx, snap("a.com", 2, 2*day)))
	require.NoError(t, h.Append(ctx, snap("a.com", 1, 3*day)))
	require.NoError(t, h.Append(ctx, snap("a.com", 3, day)))
	require.NoError(t, h.Append(ctx, snap("b.com", 9, 0)))

	points, err := h.Points(ctx, "a.com")
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, []float64{1, 2, 3}, []float64{points[0].MarketShare, points[1].MarketShare, points[2].MarketShare},
		"points come back oldest first")
	assert.True(t, points[2].RecordedAt.Equal(testNow.Add(-day)))

	// An append prunes points that fell out of the window.
	require.NoError(t, h.Append(ctx, snap("c.com", 5, 91*day)))
	require.NoError(t, h.Append(ctx, snap("c.com", 6, 89*day)))
	points, err = h.Points(ctx, "c.com")
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.InDelta(t, 6, points[0].MarketShare, 1e-9)

	missing, err := h.Points(ctx, "nobody.com")
	require.NoError(t, err)
	assert.Empty(t, missing)

	domains, err := h.Domains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.com", "b.com", "c.com"}, domains)
}

// expiryContract checks that reads age points out without any new append.
func expiryContract(t *testing.T, h History, setNow func(time.Time)) {
	ctx := context.Background()
	require.NoError(t, h.Append(ctx, snap("quiet.com", 4, 0)))
	require.NoError(t, h.Append(ctx, snap("busy.com", 1, 0)))

	setNow(testNow.Add(120 * 24 * time.Hour))
	require.NoError(t, h.Append(ctx, Snapshot{Domain: "busy.com", Facts: Facts{MarketShare: 2}, RecordedAt: testNow.Add(119 * 24 * time.Hour)}))

	points, err := h.Points(ctx, "quiet.com")
	require.NoError(t, err)
	assert.Empty(t, points)

	points, err = h.Points(ctx, "busy.com")
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.InDelta(t, 2, points[0].MarketShare, 1e-9)

	domains, err := h.Domains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"busy.com"}, domains)
}

// replaceContract checks that a second snapshot at the same instant
// replaces the first.
func replaceContract(t *testing.T, h History) {
	ctx := context.Background()
	day := 24 * time.Hour
	require.NoError(t, h.Append(ctx, snap("a.com", 1, 2*day)))
	require.NoError(t, h.Append(ctx, snap("a.com", 2, day)))
	require.NoError(t, h.Append(ctx, snap("a.com", 5, day)))

	points, err := h.Points(ctx, "a.com")
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.InDelta(t, 1, points[0].MarketShare, 1e-9)
	assert.InDelta(t, 5, points[1].MarketShare, 1e-9)
}

func TestMemoryHistory(t *testing.T) {
	historyContract(t, newTestMemoryHistory())
	replaceContract(t, newTestMemoryHistory())

	h := newTestMemoryHistory()
	expiryContract(t, h, func(now time.Time) { h.now = func() time.Time { return now } })
}

func TestRedisHistory(t *testing.T) {
	h, _ := newTestRedisHistory(t)
	historyContract(t, h)

	h, _ = newTestRedisHistory(t)
	replaceContract(t, h)

	h, mr := newTestRedisHistory(t)
	expiryContract(t, h, func(now time.Time) { h.now = func() time.Time { return now } })
	members, err := mr.Members("intel:domains")
	require.NoError(t, err)
	assert.Equal(t, []string{"busy.com"}, members, "expired domains leave the index")
}

func TestRedisHistory_StoresSortedSet(t *testing.T) {
	h, mr := newTestRedisHistory(t)
	require.NoError(t, h.Append(context.Background(), snap("a.com", 1, 0)))

	members, err := mr.ZMembers("intel:snapshots:a.com")
	require.NoError(t, err)
	assert.Len(t, members, 1)
	assert.True(t, mr.Exists("intel:domains"))
}

func TestDialRedisHistory(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	h, err := DialRedisHistory(context.Background(), "redis://"+mr.Addr()+"/0", 0)
	require.NoError(t, err)
	defer h.Close() //nolint:errcheck
	assert.Equal(t, DefaultRetention, h.retention)

	_, err = DialRedisHistory(context.Background(), "not a url", 0)
	assert.Error(t, err)
}

func TestMemoryHistory_ConcurrentAppends(t *testing.T) {
	h := newTestMemoryHistory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Append(ctx, snap("a.com", float64(i), time.Duration(i)*time.Minute))
		}()
	}
	wg.Wait()

	points, err := h.Points(ctx, "a.com")
	require.NoError(t, err)
	require.Len(t, points, 50)
	for i := 1; i < len(points); i++ {
		assert.False(t, points[i].RecordedAt.Before(points[i-1].RecordedAt))
	}
}
