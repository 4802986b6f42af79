package emitter

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/sink"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func alert(tt models.ThreatType, src, dst string, offset time.Duration) *models.Alert {
	a := models.NewAlert(tt, "test", tt.String())
	a.Timestamp = epoch.Add(offset)
	a.Source = src
	a.Destination = dst
	return a
}

func count(alerts []*models.Alert, tt models.ThreatType) int {
	n := 0
	for _, a := range alerts {
		if a.ThreatType == tt {
			n++
		}
	}
	return n
}

type fakeDLQ struct {
	mu      sync.Mutex
	entries map[string]int
	cause   error
}

func (f *fakeDLQ) DeadLetter(_ context.Context, s string, alerts []*models.Alert, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries == nil {
		f.entries = make(map[string]int)
	}
	f.entries[s] += len(alerts)
	f.cause = cause
	return nil
}

type fakeTrigger struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeTrigger) Trigger(_ context.Context, a *models.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, a.ID)
	return nil
}

func TestDedup(t *testing.T) {
	tests := []struct {
		name   string
		alerts []*models.Alert
		want   int
	}{
		{
			name: "identical within window",
			alerts: []*models.Alert{
				alert(models.ThreatPortScan, "10.0.0.5", "10.0.0.9", 0),
				alert(models.ThreatPortScan, "10.0.0.5", "10.0.0.9", 30*time.Second),
				alert(models.ThreatPortScan, "10.0.0.5", "10.0.0.9", 59*time.Second),
			},
			want: 1,
		},
		{
			name: "after the window",
			alerts: []*models.Alert{
				alert(models.ThreatPortScan, "10.0.0.5", "10.0.0.9", 0),
				alert(models.ThreatPortScan, "10.0.0.5", "10.0.0.9", 61*time.Second),
			},
			want: 2,
		},
		{
			name: "different destination or threat",
			alerts: []*models.Alert{
				alert(models.ThreatPortScan, "10.0.0.5", "10.0.0.9", 0),
				alert(models.ThreatPortScan, "10.0.0.5", "10.0.0.10", 0),
				alert(models.ThreatSYNFlood, "10.0.0.5", "10.0.0.9", 0),
			},
			want: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := sink.NewMemory()
			e := New([]sink.Sink{mem}, WithSuppressor(NewSuppressor(time.Minute, nil, nil)))
			for _, a := range tt.alerts {
				e.Emit(a)
			}
			require.NoError(t, e.Close(context.Background()))
			assert.Len(t, mem.Alerts(), tt.want)
		})
	}
}

func TestSuppressor_Redis(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	a := NewSuppressor(time.Minute, client, nil)
	b := NewSuppressor(time.Minute, client, nil)
	first := alert(models.ThreatBruteForce, "203.0.113.7", "10.0.0.5", 0)

	assert.False(t, a.Suppressed(ctx, first))
	assert.True(t, b.Suppressed(ctx, alert(models.ThreatBruteForce, "203.0.113.7", "10.0.0.5", time.Second)),
		"second instance sees the first instance's alert")
	assert.True(t, mr.Exists(RedisKey(first.DedupKey())))

	mr.FastForward(61 * time.Second)
	assert.False(t, b.Suppressed(ctx, alert(models.ThreatBruteForce, "203.0.113.7", "10.0.0.5", 2*time.Minute)))

	t.Run("fails open", func(t *testing.T) {
		mr.Close()
		s := NewSuppressor(time.Minute, client, nil)
		assert.False(t, s.Suppressed(ctx, alert(models.ThreatSQLInjection, "203.0.113.7", "10.0.0.5", 0)))
	})
}

func TestSuppressor_Prune(t *testing.T) {
	s := NewSuppressor(time.Minute, nil, nil)
	ctx := context.Background()
	s.Suppressed(ctx, alert(models.ThreatPortScan, "a", "b", 0))
	s.Suppressed(ctx, alert(models.ThreatPortScan, "c", "d", 2*time.Minute))
	assert.Equal(t, 1, s.Prune())
	assert.Equal(t, 1, s.Len())
}

func TestBackpressure(t *testing.T) {
	mem := sink.NewMemory()
	e := New([]sink.Sink{mem}, WithQueueSize(8))

	for i := 0; i < 10; i++ {
		e.Emit(alert(models.ThreatPortScan, fmt.Sprintf("10.0.0.%d", i), "10.0.1.1", 0))
	}
	assert.Equal(t, 8, e.Pending())

	e.drain()
	assert.Equal(t, 1, count(mem.Alerts(), models.ThreatPipelineBackpressure), "one alert per overflow episode")
	assert.Equal(t, 8, count(mem.Alerts(), models.ThreatPortScan), "oldest alerts were dropped")
	assert.Equal(t, models.ThreatPipelineBackpressure, mem.Alerts()[0].ThreatType, "delivered ahead of the queue")

	for i := 0; i < 10; i++ {
		e.Emit(alert(models.ThreatHostSweep, fmt.Sprintf("10.0.0.%d", i), "", 0))
	}
	require.NoError(t, e.Close(context.Background()))
	assert.Equal(t, 2, count(mem.Alerts(), models.ThreatPipelineBackpressure), "re-armed after the queue drained")

	for _, a := range mem.Alerts() {
		if a.ThreatType == models.ThreatPipelineBackpressure {
			assert.Equal(t, models.CategoryOperational, a.Category)
			assert.Equal(t, Name, a.Detector)
		}
	}
}

func TestBackpressure_SustainedOverflow(t *testing.T) {
	mem := sink.NewMemory()
	e := New([]sink.Sink{mem}, WithQueueSize(4))

	for i := 0; i < 20; i++ {
		e.Emit(alert(models.ThreatPortScan, fmt.Sprintf("10.0.0.%d", i), "10.0.1.1", 0))
	}
	assert.Equal(t, 4, e.Pending())
	require.NoError(t, e.Close(context.Background()))

	assert.Equal(t, 1, count(mem.Alerts(), models.ThreatPipelineBackpressure))
	assert.Equal(t, 4, count(mem.Alerts(), models.ThreatPortScan))
}

func TestBackpressure_Started(t *testing.T) {
	mem := sink.NewMemory()
	e := New([]sink.Sink{mem}, WithQueueSize(2))
	for i := 0; i < 6; i++ {
		e.Emit(alert(models.ThreatPortScan, fmt.Sprintf("10.0.0.%d", i), "10.0.1.1", 0))
	}
	e.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))
	assert.Equal(t, 1, count(mem.Alerts(), models.ThreatPipelineBackpressure))
	assert.Equal(t, 2, count(mem.Alerts(), models.ThreatPortScan))
}

func TestClose_Flushes(t *testing.T) {
	mem := sink.NewMemory()
	e := New([]sink.Sink{mem}, WithQueueSize(1000))
	e.Start()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				e.Emit(alert(models.ThreatPortScan, fmt.Sprintf("10.%d.0.%d", p, i), "10.0.1.1", 0))
			}
		}(p)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))
	assert.Len(t, mem.Alerts(), 200)

	e.Emit(alert(models.ThreatPortScan, "10.9.9.9", "10.0.1.1", 0))
	assert.Equal(t, 0, e.Pending(), "emit after close is dropped")
	assert.NoError(t, e.Close(ctx), "second close is a no-op")
}

func TestSinkFailure_DeadLetters(t *testing.T) {
	good, bad := sink.NewMemory(), sink.NewMemory()
	bad.FailWith(errors.New("cluster unavailable"))
	dlq := &fakeDLQ{}

	e := New([]sink.Sink{bad, good}, WithDeadLetter(dlq))
	e.Emit(alert(models.ThreatPortScan, "10.0.0.5", "10.0.0.9", 0))
	e.Emit(alert(models.ThreatSYNFlood, "10.0.0.5", "10.0.0.9", 0))
	require.NoError(t, e.Close(context.Background()))

	assert.Len(t, good.Alerts(), 2, "other sinks still receive the batch")
	assert.Equal(t, 2, dlq.entries["memory"])
	assert.EqualError(t, dlq.cause, "cluster unavailable")
}

func TestEvidenceTrigger(t *testing.T) {
	trig := &fakeTrigger{}
	e := New([]sink.Sink{sink.NewMemory()}, WithEvidence(trig, models.SeverityHigh))

	low := alert(models.ThreatPortScan, "a", "b", 0)
	low.Severity = models.SeverityLow
	high := alert(models.ThreatSYNFlood, "a", "b", 0)
	high.Severity = models.SeverityHigh
	crit := alert(models.ThreatRansomware, "a", "b", 0)
	crit.Severity = models.SeverityCritical
	op := models.NewAlert(models.ThreatDetectorFault, "port_scan", "fault")
	op.Severity = models.SeverityCritical

	for _, a := range []*models.Alert{low, high, crit, op} {
		e.Emit(a)
	}
	require.NoError(t, e.Close(context.Background()))
	assert.ElementsMatch(t, []string{high.ID, crit.ID}, trig.ids)
}

func TestRateLimiter(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()
	now := epoch
	rl := NewRedisRateLimiter(client, 2, time.Minute)
	rl.now = func() time.Time { return now }

	for i, want := range []bool{true, true, false} {
		ok, err := rl.Allow(ctx, "10.0.0.5")
		require.NoError(t, err)
		assert.Equal(t, want, ok, "call %d", i)
	}
	ok, err := rl.Allow(ctx, "10.0.0.6")
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	now = now.Add(61 * time.Second)
	ok, err = rl.Allow(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.True(t, ok, "window slid past the earlier alerts")
}

func TestRateLimit_Emitter(t *testing.T) {
	_, client := setupTestRedis(t)
	mem := sink.NewMemory()
	e := New([]sink.Sink{mem}, WithRateLimiter(NewRedisRateLimiter(client, 3, time.Minute)))

	for i := 0; i < 5; i++ {
		e.Emit(alert(models.ThreatPortScan, "10.0.0.5", fmt.Sprintf("10.0.1.%d", i), 0))
	}
	e.Emit(models.NewAlert(models.ThreatFeedUnavailable, "indicators", "feed down"))
	require.NoError(t, e.Close(context.Background()))

	assert.Equal(t, 3, count(mem.Alerts(), models.ThreatPortScan))
	assert.Equal(t, 1, count(mem.Alerts(), models.ThreatFeedUnavailable), "operational alerts are not rate limited")
}

type fixedGeo struct{}

func (fixedGeo) Lookup(addr netip.Addr) *models.Geo {
	if addr.String() == "203.0.113.7" {
		return &models.Geo{Country: "NL"}
	}
	return nil
}

func TestGeoEnrichment(t *testing.T) {
	mem := sink.NewMemory()
	e := New([]sink.Sink{mem}, WithGeo(fixedGeo{}))
	in := alert(models.ThreatBruteForce, "203.0.113.7", "10.0.0.5", 0)
	e.Emit(in)
	require.NoError(t, e.Close(context.Background()))

	out := mem.Alerts()
	require.Len(t, out, 1)
	require.NotNil(t, out[0].SourceGeo)
	assert.Equal(t, "NL", out[0].SourceGeo.Country)
	assert.Nil(t, in.SourceGeo)
}

type tagReputation struct{}

func (tagReputation) Enrich(a *models.Alert) *models.Alert {
	return a.Clone().WithEvidence("src_abuse_score", "90")
}

func TestReputationEnrichment(t *testing.T) {
	mem := sink.NewMemory()
	e := New([]sink.Sink{mem}, WithGeo(fixedGeo{}), WithReputation(tagReputation{}))
	in := alert(models.ThreatBruteForce, "203.0.113.7", "10.0.0.5", 0)
	e.Emit(in)
	require.NoError(t, e.Close(context.Background()))

	out := mem.Alerts()
	require.Len(t, out, 1)
	assert.Equal(t, "90", out[0].Evidence["src_abuse_score"])
	require.NotNil(t, out[0].SourceGeo)
	assert.NotContains(t, in.Evidence, "src_abuse_score")
}
