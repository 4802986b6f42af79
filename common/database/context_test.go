package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContexts(t *testing.T) {
	tests := []struct {
		name string
		fn   func(context.Context) (context.Context, context.CancelFunc)
		want time.Duration
	}{
		{"read", ReadContext, ReadTimeout},
		{"write", WriteContext, WriteTimeout},
		{"bulk", BulkContext, BulkTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := tt.fn(context.Background())
			defer cancel()
			deadline, ok := ctx.Deadline()
			assert.True(t, ok)
			assert.WithinDuration(t, time.Now().Add(tt.want), deadline, time.Second)
		})
	}

	t.Run("parent deadline wins", func(t *testing.T) {
		parent, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		defer cancel()
		ctx, cancel2 := BulkContext(parent)
		defer cancel2()
		deadline, _ := ctx.Deadline()
		assert.WithinDuration(t, time.Now(), deadline, time.Second)
	})
}
