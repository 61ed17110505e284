// Package database holds per-operation timeouts shared by the buffer and event stores.
package database

import (
	"context"
	"time"
)

const (
	// DefaultQueryTimeout bounds point lookups and page queries.
	DefaultQueryTimeout = 5 * time.Second

	// DefaultWriteTimeout bounds a single put or delete.
	DefaultWriteTimeout = 10 * time.Second
)

// QueryContext derives a context bounded by DefaultQueryTimeout. An earlier
// parent deadline still applies.
func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultQueryTimeout)
}

// WriteContext derives a context bounded by DefaultWriteTimeout.
func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultWriteTimeout)
}
