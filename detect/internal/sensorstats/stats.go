// Package sensorstats keeps Redis-backed intake statistics per sensor.
//
// Every engine instance writes to the same keys, so the numbers cover the
// whole deployment whichever instance a sensor's messages land on.
//
// Redis Key Structure:
//
//	ndr:sensor:stats:{sensor_id}               - Hash with totals and last seen
//	ndr:sensor:hourly:{sensor_id}:{YYYYMMDDHH} - Accepted inputs for one hour (expires 48h)
//	ndr:sensor:engines:{sensor_id}             - Hash of engine instance -> last seen
package sensorstats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	statsPrefix   = "ndr:sensor:stats:"
	hourlyPrefix  = "ndr:sensor:hourly:"
	enginesPrefix = "ndr:sensor:engines:"

	hourlyTTL  = 48 * time.Hour
	enginesTTL = 24 * time.Hour
)

// Stats is the intake summary of one sensor.
type Stats struct {
	SensorID        string            `json:"sensor_id"`
	LastSeenAt      *time.Time        `json:"last_seen_at,omitempty"`
	TotalRecords    int64             `json:"total_records"`
	TotalFrames     int64             `json:"total_frames"`
	Rejected        int64             `json:"rejected"`
	AcceptedLastHr  int64             `json:"accepted_last_hour"`
	AcceptedLast24h int64             `json:"accepted_last_24h"`
	Engines         map[string]string `json:"engines,omitempty"` // instance -> last seen
	RetrievedAt     time.Time         `json:"retrieved_at"`
}

// Client reads and writes sensor statistics.
type Client struct {
	redis      *redis.Client
	instanceID string
}

// NewClient returns a client on an existing Redis connection. instanceID
// names this engine instance, e.g. the hostname or pod name.
func NewClient(client *redis.Client, instanceID string) *Client {
	return &Client{redis: client, instanceID: instanceID}
}

// Batch accumulates counts for one sensor between flushes.
type Batch struct {
	SensorID string
	Records  int64
	Frames   int64
	Rejected int64
}

func (b *Batch) accepted() int64 { return b.Records + b.Frames }

func (b *Batch) merge(o *Batch) {
	b.Records += o.Records
	b.Frames += o.Frames
	b.Rejected += o.Rejected
}

// Flush writes a batch in one pipeline.
func (c *Client) Flush(ctx context.Context, b *Batch) error {
	if b.accepted() == 0 && b.Rejected == 0 {
		return nil
	}
	now := time.Now()
	nowUnix := strconv.FormatInt(now.Unix(), 10)

	pipe := c.redis.Pipeline()
	statsKey := statsPrefix + b.SensorID
	pipe.HSet(ctx, statsKey, "last_seen_at", nowUnix)
	pipe.HIncrBy(ctx, statsKey, "records", b.Records)
	pipe.HIncrBy(ctx, statsKey, "frames", b.Frames)
	pipe.HIncrBy(ctx, statsKey, "rejected", b.Rejected)

	if n := b.accepted(); n > 0 {
		hourlyKey := hourlyPrefix + b.SensorID + ":" + now.Format("2006010215")
		pipe.IncrBy(ctx, hourlyKey, n)
		pipe.Expire(ctx, hourlyKey, hourlyTTL)
	}

	enginesKey := enginesPrefix + b.SensorID
	pipe.HSet(ctx, enginesKey, c.instanceID, nowUnix)
	pipe.Expire(ctx, enginesKey, enginesTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to flush sensor stats: %w", err)
	}
	return nil
}

// Get returns the statistics of one sensor. An unknown sensor has zero
// counts and no LastSeenAt.
func (c *Client) Get(ctx context.Context, sensorID string) (*Stats, error) {
	now := time.Now()

	pipe := c.redis.Pipeline()
	statsCmd := pipe.HGetAll(ctx, statsPrefix+sensorID)
	hourly := make([]*redis.StringCmd, 24)
	for i := range hourly {
		hour := now.Add(-time.Duration(i) * time.Hour).Format("2006010215")
		hourly[i] = pipe.Get(ctx, hourlyPrefix+sensorID+":"+hour)
	}
	enginesCmd := pipe.HGetAll(ctx, enginesPrefix+sensorID)

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get sensor stats: %w", err)
	}

	st := &Stats{SensorID: sensorID, RetrievedAt: now, Engines: make(map[string]string)}
	if fields, err := statsCmd.Result(); err == nil {
		if unix, err := strconv.ParseInt(fields["last_seen_at"], 10, 64); err == nil {
			t := time.Unix(unix, 0).UTC()
			st.LastSeenAt = &t
		}
		st.TotalRecords, _ = strconv.ParseInt(fields["records"], 10, 64)
		st.TotalFrames, _ = strconv.ParseInt(fields["frames"], 10, 64)
		st.Rejected, _ = strconv.ParseInt(fields["rejected"], 10, 64)
	}
	for i, cmd := range hourly {
		if n, err := cmd.Int64(); err == nil {
			if i == 0 {
				st.AcceptedLastHr = n
			}
			st.AcceptedLast24h += n
		}
	}
	if engines, err := enginesCmd.Result(); err == nil {
		for instance, seen := range engines {
			if unix, err := strconv.ParseInt(seen, 10, 64); err == nil {
				st.Engines[instance] = time.Unix(unix, 0).UTC().Format(time.RFC3339)
			}
		}
	}
	return st, nil
}

// Active returns the sensors seen within since.
func (c *Client) Active(ctx context.Context, since time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-since).Unix()
	var sensors []string
	iter := c.redis.Scan(ctx, 0, statsPrefix+"*", 1000).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		seen, err := c.redis.HGet(ctx, key, "last_seen_at").Int64()
		if err == nil && seen >= cutoff {
			sensors = append(sensors, strings.TrimPrefix(key, statsPrefix))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan sensors: %w", err)
	}
	return sensors, nil
}
