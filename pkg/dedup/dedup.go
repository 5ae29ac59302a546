// Package dedup provides a Redis-backed seen-before check for webhook event
// ids. Processors redeliver events, so the reconciliation path checks here
// before doing any work and records the id only after the work succeeded;
// the store's unique constraints remain the backstop when Redis is
// unavailable.
package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL covers the redelivery window of every processor we integrate
// with; Stripe retries for up to three days.
const DefaultTTL = 72 * time.Hour

type Deduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type Option func(*Deduper)

// WithTTL overrides how long an event id is remembered.
func WithTTL(ttl time.Duration) Option {
	return func(d *Deduper) { d.ttl = ttl }
}

// WithPrefix namespaces the keys, letting several deployments share one
// Redis.
func WithPrefix(prefix string) Option {
	return func(d *Deduper) { d.prefix = prefix }
}

func New(client *redis.Client, opts ...Option) *Deduper {
	if client == nil {
		panic("dedup: redis client is required")
	}
	d := &Deduper{client: client, prefix: "webhook:event:", ttl: DefaultTTL}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Seen reports whether the event id was previously recorded by Mark. It does
// not record anything itself: an event that fails mid-processing stays
// unmarked so the processor's redelivery is handled again.
func (d *Deduper) Seen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("dedup: empty event id")
	}
	n, err := d.client.Exists(ctx, d.prefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mark records a fully processed event id for the redelivery window.
func (d *Deduper) Mark(ctx context.Context, eventID string) error {
	if eventID == "" {
		return errors.New("dedup: empty event id")
	}
	return d.client.Set(ctx, d.prefix+eventID, 1, d.ttl).Err()
}
