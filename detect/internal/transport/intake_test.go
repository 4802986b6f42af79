package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-ndr/common/messaging"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/normalizer"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/sensorauth"
)

type fakeEngine struct {
	mu     sync.Mutex
	flows  []*models.Flow
	frames []models.Frame
	err    error
}

func (e *fakeEngine) SubmitFrame(fr models.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(fr.Data) < 14 {
		return models.NewParseError("frame", "short")
	}
	e.frames = append(e.frames, fr)
	return e.err
}

func (e *fakeEngine) SubmitFlow(f *models.Flow) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flows = append(e.flows, f)
	return e.err
}

func (e *fakeEngine) Mono() time.Duration { return 42 * time.Second }

type fixedSnapshot struct{ snap *config.Snapshot }

func (f fixedSnapshot) Current() *config.Snapshot { return f.snap }

func snapshot() fixedSnapshot {
	cfg := &config.Config{}
	cfg.Normalizer.MaxPayload = 8
	return fixedSnapshot{&config.Snapshot{Version: 1, Config: cfg, Networks: normalizer.DefaultNetworks()}}
}

type fakeSub struct {
	subject string
	queue   string
	valid   bool
}

func (s *fakeSub) Unsubscribe() error { s.valid = false; return nil }

type fakeSubscriber struct {
	subs []*fakeSub
	fail bool
}

func (f *fakeSubscriber) QueueSubscribe(subject, queue string, _ messaging.MessageHandler) (messaging.Subscription, error) {
	if f.fail && len(f.subs) == 1 {
		return nil, errors.New("permissions violation")
	}
	s := &fakeSub{subject: subject, queue: queue, valid: true}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeSubscriber) Close() error { return nil }

func TestStart(t *testing.T) {
	sub := &fakeSubscriber{}
	in := NewIntake(sub, &fakeEngine{}, snapshot())
	require.NoError(t, in.Start())
	require.Len(t, sub.subs, 2)
	assert.Equal(t, "ndr.flows.records.*", sub.subs[0].subject)
	assert.Equal(t, "ndr.flows.frames.*", sub.subs[1].subject)
	assert.Equal(t, "ndr-engine", sub.subs[0].queue)

	require.NoError(t, in.Stop())
	assert.False(t, sub.subs[0].valid)

	t.Run("partial failure unsubscribes", func(t *testing.T) {
		sub := &fakeSubscriber{fail: true}
		in := NewIntake(sub, &fakeEngine{}, snapshot())
		require.Error(t, in.Start())
		assert.False(t, sub.subs[0].valid)
	})
}

func recordsMsg(t *testing.T, sensor string, recs ...models.FlowRecord) *messaging.Message {
	t.Helper()
	data, err := json.Marshal(recs)
	require.NoError(t, err)
	return &messaging.Message{Subject: messaging.FlowRecordSubject(sensor), Data: data}
}

func TestHandleRecords(t *testing.T) {
	eng := &fakeEngine{}
	in := NewIntake(&fakeSubscriber{}, eng, snapshot())
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	msg := recordsMsg(t, "tap-dc1",
		models.FlowRecord{SrcIP: "203.0.113.5", DstIP: "10.0.0.10", SrcPort: 40000, DstPort: 22, Protocol: "tcp", Timestamp: ts, TCPFlags: 0x02, Payload: []byte("0123456789")},
		models.FlowRecord{SrcIP: "not-an-ip", DstIP: "10.0.0.10", Protocol: "tcp"},
		models.FlowRecord{SrcIP: "10.0.0.5", DstIP: "10.0.0.53", SrcPort: 5353, DstPort: 53, Protocol: "udp", Timestamp: ts},
	)
	require.NoError(t, in.HandleRecords(context.Background(), msg))

	require.Len(t, eng.flows, 2, "invalid record skipped")
	f := eng.flows[0]
	assert.Equal(t, "tap-dc1", f.SensorID)
	assert.Equal(t, 42*time.Second, f.Mono)
	assert.Equal(t, models.DirectionInbound, f.Direction)
	assert.Len(t, f.Payload, 8, "payload capped")
	assert.Equal(t, models.DirectionInternal, eng.flows[1].Direction)

	t.Run("undecodable batch", func(t *testing.T) {
		err := in.HandleRecords(context.Background(), &messaging.Message{Subject: "ndr.flows.records.tap-dc1", Data: []byte("{")})
		assert.ErrorIs(t, err, models.ErrParse)
	})
}

func TestHandleFrames(t *testing.T) {
	eng := &fakeEngine{}
	in := NewIntake(&fakeSubscriber{}, eng, snapshot())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	frames := []models.Frame{
		{Data: make([]byte, 60), Timestamp: now},
		{Data: []byte{1, 2}},
		{Data: make([]byte, 60)},
	}
	data, err := json.Marshal(frames)
	require.NoError(t, err)

	msg := &messaging.Message{Subject: messaging.FlowFrameSubject("tap-dmz"), Data: data, Timestamp: now.Add(time.Second)}
	require.NoError(t, in.HandleFrames(context.Background(), msg), "malformed frames are not batch errors")
	require.Len(t, eng.frames, 2)
	assert.Equal(t, "tap-dmz", eng.frames[0].SensorID)
	assert.Equal(t, now.Add(time.Second), eng.frames[1].Timestamp, "message time fills a missing capture time")
}

func TestAuthentication(t *testing.T) {
	v := sensorauth.NewVerifier("intake-secret-long-enough", time.Hour)
	tok, err := v.Issue("tap-dc1")
	require.NoError(t, err)

	rec := models.FlowRecord{SrcIP: "10.0.0.5", DstIP: "10.0.0.6", Protocol: "tcp"}
	tests := []struct {
		name    string
		sensor  string
		header  string
		wantErr error
	}{
		{name: "valid", sensor: "tap-dc1", header: "Bearer " + tok},
		{name: "missing", sensor: "tap-dc1", wantErr: sensorauth.ErrMissingToken},
		{name: "other sensor", sensor: "tap-dmz", header: "Bearer " + tok, wantErr: sensorauth.ErrSensorMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{}
			in := NewIntake(&fakeSubscriber{}, eng, snapshot(), WithVerifier(v))
			msg := recordsMsg(t, tt.sensor, rec)
			if tt.header != "" {
				msg.Metadata = map[string]string{messaging.HeaderAuthorization: tt.header}
			}
			err := in.HandleRecords(context.Background(), msg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, eng.flows)
				return
			}
			require.NoError(t, err)
			assert.Len(t, eng.flows, 1)
		})
	}
}

type countingRecorder struct {
	mu       sync.Mutex
	accepted map[string]int
	rejected map[string]int
}

func (r *countingRecorder) Record(sensor, kind string, accepted, rejected int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted[sensor+"/"+kind] += accepted
	r.rejected[sensor+"/"+kind] += rejected
}

func TestStats(t *testing.T) {
	rec := &countingRecorder{accepted: map[string]int{}, rejected: map[string]int{}}
	in := NewIntake(&fakeSubscriber{}, &fakeEngine{}, snapshot(), WithStats(rec))

	require.NoError(t, in.HandleRecords(context.Background(), recordsMsg(t, "tap-a",
		models.FlowRecord{SrcIP: "10.0.0.5", DstIP: "10.0.0.53", SrcPort: 5353, DstPort: 53, Protocol: "udp"},
		models.FlowRecord{SrcIP: "bogus", DstIP: "10.0.0.53", Protocol: "udp"},
	)))

	data, err := json.Marshal([]models.Frame{{Data: make([]byte, 60)}, {Data: []byte{1}}})
	require.NoError(t, err)
	require.NoError(t, in.HandleFrames(context.Background(), &messaging.Message{Subject: messaging.FlowFrameSubject("tap-a"), Data: data}))

	assert.Equal(t, 1, rec.accepted["tap-a/record"])
	assert.Equal(t, 1, rec.rejected["tap-a/record"])
	assert.Equal(t, 1, rec.accepted["tap-a/frame"])
	assert.Equal(t, 1, rec.rejected["tap-a/frame"])
}
