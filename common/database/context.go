// Package database holds the operation deadlines shared by the NDR
// PostgreSQL repositories.
package database

import (
	"context"
	"time"
)

const (
	// ReadTimeout bounds a full indicator listing, which runs on every
	// feed refresh.
	ReadTimeout = 10 * time.Second

	// WriteTimeout bounds single-row changes.
	WriteTimeout = 5 * time.Second

	// BulkTimeout bounds batched imports.
	BulkTimeout = 30 * time.Second
)

// ReadContext derives a context bounded by ReadTimeout.
func ReadContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, ReadTimeout)
}

// WriteContext derives a context bounded by WriteTimeout.
func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, WriteTimeout)
}

// BulkContext derives a context bounded by BulkTimeout.
func BulkContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, BulkTimeout)
}
