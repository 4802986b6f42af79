package nats

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-ndr/common/config"
)

func TestFromConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := FromConfig(config.NATSConfig{})
		assert.Equal(t, nats.DefaultURL, cfg.URL)
		assert.Equal(t, "telhawk-ndr", cfg.Name)
		assert.Equal(t, -1, cfg.MaxReconnects)
		assert.Equal(t, 2*time.Second, cfg.ReconnectWait)
		assert.Equal(t, 5*time.Second, cfg.Timeout)
	})

	t.Run("overrides", func(t *testing.T) {
		cfg := FromConfig(config.NATSConfig{
			URL:           "nats://bus:4222",
			Name:          "engine-a",
			MaxReconnects: 10,
			ReconnectWait: time.Second,
			Token:         "s3cret",
		})
		assert.Equal(t, "nats://bus:4222", cfg.URL)
		assert.Equal(t, "engine-a", cfg.Name)
		assert.Equal(t, 10, cfg.MaxReconnects)
		assert.Equal(t, time.Second, cfg.ReconnectWait)
		assert.Equal(t, "s3cret", cfg.Token)
	})
}

func TestToMessage(t *testing.T) {
	msg := nats.NewMsg("ndr.flows.records.tap-1")
	msg.Data = []byte(`[]`)
	msg.Reply = "_INBOX.1"
	msg.Header.Set("Nats-Msg-Id", "abc")

	m := toMessage(msg)
	assert.Equal(t, "ndr.flows.records.tap-1", m.Subject)
	assert.Equal(t, "_INBOX.1", m.Reply)
	assert.Equal(t, []byte(`[]`), m.Data)
	require.NotNil(t, m.Metadata)
	assert.Equal(t, "abc", m.Metadata["Nats-Msg-Id"])
	assert.False(t, m.Timestamp.IsZero())

	assert.Nil(t, toMessage(nats.NewMsg("x")).Metadata)
}
