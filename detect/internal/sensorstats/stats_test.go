package sensorstats

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestFlushAndGet(t *testing.T) {
	_, rdb := setupTestRedis(t)
	ctx := context.Background()
	c := NewClient(rdb, "engine-a")

	require.NoError(t, c.Flush(ctx, &Batch{SensorID: "tap-dc1", Records: 120, Rejected: 3}))
	require.NoError(t, c.Flush(ctx, &Batch{SensorID: "tap-dc1", Frames: 30}))
	require.NoError(t, NewClient(rdb, "engine-b").Flush(ctx, &Batch{SensorID: "tap-dc1", Records: 10}))

	st, err := c.Get(ctx, "tap-dc1")
	require.NoError(t, err)
	assert.Equal(t, "tap-dc1", st.SensorID)
	assert.EqualValues(t, 130, st.TotalRecords)
	assert.EqualValues(t, 30, st.TotalFrames)
	assert.EqualValues(t, 3, st.Rejected)
	assert.EqualValues(t, 160, st.AcceptedLast24h)
	require.NotNil(t, st.LastSeenAt)
	assert.WithinDuration(t, time.Now(), *st.LastSeenAt, 5*time.Second)
	assert.Len(t, st.Engines, 2)
	assert.Contains(t, st.Engines, "engine-a")
}

func TestGet_Unknown(t *testing.T) {
	_, rdb := setupTestRedis(t)
	st, err := NewClient(rdb, "e").Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, st.LastSeenAt)
	assert.Zero(t, st.TotalRecords)
	assert.Empty(t, st.Engines)
}

func TestFlush_Empty(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	require.NoError(t, NewClient(rdb, "e").Flush(context.Background(), &Batch{SensorID: "idle"}))
	assert.Empty(t, mr.Keys())
}

func TestActive(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	ctx := context.Background()
	c := NewClient(rdb, "e")
	for _, id := range []string{"tap-a", "tap-b"} {
		require.NoError(t, c.Flush(ctx, &Batch{SensorID: id, Records: 1}))
	}
	mr.HSet(statsPrefix+"tap-old", "last_seen_at", "1")

	got, err := c.Active(ctx, time.Hour)
	require.NoError(t, err)
	sort.Strings(got)
	assert.Equal(t, []string{"tap-a", "tap-b"}, got)
}

func TestCollector(t *testing.T) {
	_, rdb := setupTestRedis(t)
	client := NewClient(rdb, "e")
	col := NewCollector(client, time.Hour, nil)

	col.Record("tap-a", KindRecord, 50, 2)
	col.Record("tap-a", KindFrame, 7, 0)
	col.Record("tap-b", KindRecord, 1, 0)
	assert.Equal(t, map[string]int64{"tap-a": 57, "tap-b": 1}, col.Pending())

	col.Stop()
	assert.Empty(t, col.Pending())

	st, err := client.Get(context.Background(), "tap-a")
	require.NoError(t, err)
	assert.EqualValues(t, 50, st.TotalRecords)
	assert.EqualValues(t, 7, st.TotalFrames)
	assert.EqualValues(t, 2, st.Rejected)
}

func TestCollector_RetainsFailedBatches(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	col := NewCollector(NewClient(rdb, "e"), time.Hour, nil)
	defer col.Stop()

	col.Record("tap-a", KindRecord, 5, 0)
	mr.SetError("LOADING")
	col.Flush()
	assert.Equal(t, map[string]int64{"tap-a": 5}, col.Pending())

	mr.SetError("")
	col.Record("tap-a", KindRecord, 3, 0)
	col.Flush()
	assert.Empty(t, col.Pending())
}
