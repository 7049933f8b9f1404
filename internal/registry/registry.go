// Package registry registers, removes and lists a user's price thresholds on
// top of the threshold store.
//
// Writes are read-modify-write cycles on one JSON entry. They are serialized
// per (user, direction) inside the process so two concurrent registrations
// for the same user cannot lose an update. Readers such as the match engine
// take no lock and may observe a write that is still in progress on the
// other bucket.
package registry

import (
	"context"
	"fmt"
	"sync"

	"pricealert/internal/models"
	"pricealert/internal/tracing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EntryStore is the part of the threshold store the registry uses.
type EntryStore interface {
	Get(ctx context.Context, bucket, user string) (string, bool, error)
	Set(ctx context.Context, bucket, user, value string) error
}

// Registry is safe for concurrent use.
type Registry struct {
	store EntryStore

	mu    sync.Mutex
	locks map[lockKey]*entryLock
}

type lockKey struct {
	user      string
	direction models.Direction
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func New(s EntryStore) *Registry {
	return &Registry{
		store: s,
		locks: make(map[lockKey]*entryLock),
	}
}

// SetThreshold upserts instrument -> price in the user's set for direction.
// The instrument is upper-cased before it is stored.
func (r *Registry) SetThreshold(ctx context.Context, user string, dir models.Direction, instrument string, price float64) (err error) {
	ctx, span := otel.Tracer(tracing.TracerName).Start(ctx, "Registry.SetThreshold")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("user_id", user), attribute.String("direction", dir.String()))

	symbol := models.NormalizeSymbol(instrument)

	unlock := r.lock(user, dir)
	defer unlock()

	set, _, err := r.load(ctx, user, dir)
	if err != nil {
		return err
	}
	set[symbol] = price
	return r.save(ctx, user, dir, set)
}

// DeleteThreshold removes instrument from both direction sets of the user.
// An absent instrument is not an error. Every bucket that holds an entry for
// the user is written back, whether or not it contained the instrument.
func (r *Registry) DeleteThreshold(ctx context.Context, user, instrument string) (err error) {
	ctx, span := otel.Tracer(tracing.TracerName).Start(ctx, "Registry.DeleteThreshold")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("user_id", user))

	symbol := models.NormalizeSymbol(instrument)

	// Directions are always locked in the same order.
	for _, dir := range models.Directions {
		if err := r.deleteFrom(ctx, user, dir, symbol); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) deleteFrom(ctx context.Context, user string, dir models.Direction, symbol string) error {
	unlock := r.lock(user, dir)
	defer unlock()

	set, found, err := r.load(ctx, user, dir)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	delete(set, symbol)
	return r.save(ctx, user, dir, set)
}

// ListThresholds returns the user's Above and Below sets. Missing entries
// come back as empty sets.
func (r *Registry) ListThresholds(ctx context.Context, user string) (above, below models.UserAlertSet, err error) {
	ctx, span := otel.Tracer(tracing.TracerName).Start(ctx, "Registry.ListThresholds")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("user_id", user))

	if above, _, err = r.load(ctx, user, models.Above); err != nil {
		return nil, nil, err
	}
	if below, _, err = r.load(ctx, user, models.Below); err != nil {
		return nil, nil, err
	}
	return above, below, nil
}

func (r *Registry) load(ctx context.Context, user string, dir models.Direction) (models.UserAlertSet, bool, error) {
	raw, found, err := r.store.Get(ctx, dir.Bucket(), user)
	if err != nil {
		return nil, false, fmt.Errorf("load %s for user %s: %w", dir.Bucket(), user, err)
	}
	if !found {
		return models.UserAlertSet{}, false, nil
	}
	set, err := models.DecodeAlertSet(raw)
	if err != nil {
		return nil, true, fmt.Errorf("load %s for user %s: %w", dir.Bucket(), user, err)
	}
	return set, true, nil
}

func (r *Registry) save(ctx context.Context, user string, dir models.Direction, set models.UserAlertSet) error {
	raw, err := set.Encode()
	if err != nil {
		return fmt.Errorf("encode %s for user %s: %w", dir.Bucket(), user, err)
	}
	if err := r.store.Set(ctx, dir.Bucket(), user, raw); err != nil {
		return fmt.Errorf("save %s for user %s: %w", dir.Bucket(), user, err)
	}
	return nil
}

// lock acquires the mutex of one (user, direction) entry. Idle mutexes are
// released from the map so it does not grow with the user base.
func (r *Registry) lock(user string, dir models.Direction) func() {
	key := lockKey{user: user, direction: dir}

	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &entryLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
