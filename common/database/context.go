// Package database holds timeout conventions shared by every store implementation.
package database

import (
	"context"
	"time"
)

const (
	// DefaultQueryTimeout bounds single-row and list reads.
	DefaultQueryTimeout = 5 * time.Second

	// DefaultWriteTimeout bounds inserts, updates and short transactions.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultBulkTimeout bounds migrations and sweeps over many rows.
	DefaultBulkTimeout = 30 * time.Second
)

// QueryContext creates a context with DefaultQueryTimeout.
func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return bounded(parent, DefaultQueryTimeout)
}

// WriteContext creates a context with DefaultWriteTimeout.
func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return bounded(parent, DefaultWriteTimeout)
}

// BulkContext creates a context with DefaultBulkTimeout.
func BulkContext(parent context.Context) (context.Context, context.CancelFunc) {
	return bounded(parent, DefaultBulkTimeout)
}

// bounded keeps an earlier parent deadline instead of extending it.
func bounded(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := parent.Deadline(); ok && time.Until(deadline) < d {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}
