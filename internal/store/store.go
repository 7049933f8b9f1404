// Package store persists alert buckets: one mapping per direction from user
// identity to that user's JSON encoded alert set.
package store

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrUnavailable wraps every transport failure reported by a store adapter.
var ErrUnavailable = errors.New("threshold store unavailable")

// Store is the contract the registry and the match engine need from the
// persistent key-value store.
type Store interface {
	// GetAll returns every user entry of a bucket.
	GetAll(ctx context.Context, bucket string) (map[string]string, error)
	// Get returns one user's entry and whether it exists.
	Get(ctx context.Context, bucket, user string) (string, bool, error)
	// Set replaces one user's entry.
	Set(ctx context.Context, bucket, user, value string) error
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	Close() error
}

var storeErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "store_errors_total",
		Help: "Total number of failed threshold store operations",
	},
	[]string{"backend", "operation"},
)

func init() {
	prometheus.MustRegister(storeErrorsTotal)
}

// ObserveError counts a failed operation of a store backend.
func ObserveError(backend, operation string) {
	storeErrorsTotal.WithLabelValues(backend, operation).Inc()
}
