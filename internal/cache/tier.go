// Package cache implements the tiered cache in front of the entitlement
// authority. Entries are a derived view: they are always rebuildable from the
// authoritative store, and a failing backend degrades to "always miss".
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/jmehdipour/entitlements/internal/metrics"
	"go.uber.org/zap"
)

type Namespace string

const (
	NamespaceACL          Namespace = "acl"
	NamespaceEntitlement  Namespace = "customer_entitlement"
	NamespaceSubscription Namespace = "subscription"
	NamespaceCustomer     Namespace = "customer"
	NamespaceUsageByHash  Namespace = "idempotent_request_usage_by_hash"
)

func (n Namespace) String() string { return string(n) }

// ReadOptions tune a single read.
type ReadOptions struct {
	// SkipCache forces a miss regardless of what is stored.
	SkipCache bool
}

type Options struct {
	TTL          map[Namespace]time.Duration
	DefaultTTL   time.Duration
	WriteTimeout time.Duration

	BreakerThreshold int
	BreakerOpenFor   time.Duration

	Logger *zap.Logger
}

type Tier struct {
	backend      Backend
	ttl          map[Namespace]time.Duration
	defaultTTL   time.Duration
	writeTimeout time.Duration
	br           *breaker
	log          *zap.Logger

	pending sync.WaitGroup
}

func NewTier(backend Backend, opts Options) *Tier {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Minute
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ttl := make(map[Namespace]time.Duration, len(opts.TTL))
	for ns, d := range opts.TTL {
		ttl[ns] = d
	}
	return &Tier{
		backend:      backend,
		ttl:          ttl,
		defaultTTL:   opts.DefaultTTL,
		writeTimeout: opts.WriteTimeout,
		br:           newBreaker(opts.BreakerThreshold, opts.BreakerOpenFor),
		log:          opts.Logger.Named("cache"),
	}
}

// Key builds a namespaced key. The first part must be the owning customer id.
func Key(ns Namespace, parts ...string) string {
	return string(ns) + ":" + strings.Join(parts, ":")
}

func (t *Tier) TTL(ns Namespace) time.Duration {
	if d, ok := t.ttl[ns]; ok && d > 0 {
		return d
	}
	return t.defaultTTL
}

// Get returns the stored entry. Any backend failure is reported as a miss.
func (t *Tier) Get(ctx context.Context, ns Namespace, key string, opts ReadOptions) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	if opts.SkipCache {
		metrics.CacheLookups.WithLabelValues(ns.String(), "skip").Inc()
		return Entry{}, false
	}
	if !t.br.allow() {
		metrics.CacheLookups.WithLabelValues(ns.String(), "breaker_open").Inc()
		return Entry{}, false
	}

	e, err := t.backend.Get(ctx, Key(ns, key))
	switch {
	case err == nil:
		t.br.success()
		metrics.CacheLookups.WithLabelValues(ns.String(), "hit").Inc()
		return e, true
	case errors.Is(err, ErrMiss):
		t.br.success()
		metrics.CacheLookups.WithLabelValues(ns.String(), "miss").Inc()
		return Entry{}, false
	default:
		t.br.failure()
		metrics.CacheLookups.WithLabelValues(ns.String(), "error").Inc()
		t.log.Warn("cache get failed, treating as miss", zap.String("namespace", ns.String()), zap.Error(err))
		return Entry{}, false
	}
}

// Set populates the entry in the background; the caller never waits on it.
func (t *Tier) Set(ns Namespace, key string, value []byte, version int64) {
	if t == nil {
		return
	}
	t.pending.Add(1)
	go func() {
		defer t.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
		defer cancel()
		if err := t.SetSync(ctx, ns, key, value, version); err != nil {
			t.log.Debug("async cache set failed", zap.String("namespace", ns.String()), zap.Error(err))
		}
	}()
}

// SetSync stores the entry and waits for the backend.
func (t *Tier) SetSync(ctx context.Context, ns Namespace, key string, value []byte, version int64) error {
	if t == nil {
		return nil
	}
	if !t.br.allow() {
		return fmt.Errorf("cache set %s: %w", ns, apperr.ErrUnavailable)
	}
	if _, err := t.backend.Set(ctx, Key(ns, key), Entry{Value: value, Version: version}, t.TTL(ns)); err != nil {
		t.br.failure()
		return apperr.Unavailable(fmt.Errorf("cache set %s: %w", ns, err))
	}
	t.br.success()
	return nil
}

// Invalidate drops a single entry.
func (t *Tier) Invalidate(ctx context.Context, ns Namespace, key string) error {
	return t.write(ctx, ns, func() error { return t.backend.Delete(ctx, Key(ns, key)) })
}

// InvalidateAll drops every entry of ns whose key starts with keyPrefix.
func (t *Tier) InvalidateAll(ctx context.Context, ns Namespace, keyPrefix string) error {
	return t.write(ctx, ns, func() error { return t.backend.DeletePrefix(ctx, Key(ns, keyPrefix)) })
}

// Supersede invalidates the entry and rejects any later write derived from a
// version older than version, such as an async populate still in flight.
func (t *Tier) Supersede(ctx context.Context, ns Namespace, key string, version int64) error {
	return t.write(ctx, ns, func() error { return t.backend.Fence(ctx, Key(ns, key), version, t.TTL(ns)) })
}

func (t *Tier) write(ctx context.Context, ns Namespace, fn func() error) error {
	if t == nil {
		return nil
	}
	// invalidations go through even while the breaker is open: they are the
	// only way to stop a stale entry from being served once it closes
	if err := fn(); err != nil {
		t.br.failure()
		t.log.Warn("cache invalidation failed", zap.String("namespace", ns.String()), zap.Error(err))
		return apperr.Unavailable(fmt.Errorf("cache invalidate %s: %w", ns, err))
	}
	t.br.success()
	return nil
}

// Close waits for in-flight background writes.
func (t *Tier) Close() {
	if t == nil {
		return
	}
	t.pending.Wait()
}

// GetJSON decodes a cached JSON value. Undecodable entries are misses.
func GetJSON[T any](ctx context.Context, t *Tier, ns Namespace, key string, opts ReadOptions) (*T, int64, bool) {
	e, ok := t.Get(ctx, ns, key, opts)
	if !ok {
		return nil, 0, false
	}
	var v T
	if err := json.Unmarshal(e.Value, &v); err != nil {
		return nil, 0, false
	}
	return &v, e.Version, true
}

// SetJSON encodes v and populates it in the background.
func SetJSON[T any](t *Tier, ns Namespace, key string, v *T, version int64) {
	if t == nil || v == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	t.Set(ns, key, b, version)
}
