// Package manager caches finalized profiles so each distinct fact set is
// resolved once.
package manager

import (
	"context"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/duynguyendang/ssdtprof/pkg/facts"
	"github.com/duynguyendang/ssdtprof/pkg/profile"
)

// DefaultCacheSize bounds the number of cached profiles.
const DefaultCacheSize = 256

// Resolver produces a profile for a fact set.
type Resolver interface {
	Resolve(s facts.Set) (*profile.Profile, error)
}

// ProfileManager serves profiles from an LRU cache keyed by the canonical
// fact set key. Concurrent misses for the same key share one resolution.
type ProfileManager struct {
	resolver  Resolver
	cache     *lru.Cache[string, *profile.Profile]
	flight    singleflight.Group
	metrics   *Metrics
	onResolve func(*profile.Profile)
}

// Option configures a ProfileManager.
type Option func(*options)

type options struct {
	size      int
	reg       prometheus.Registerer
	onResolve func(*profile.Profile)
}

// WithCacheSize sets the LRU capacity.
func WithCacheSize(n int) Option {
	return func(o *options) { o.size = n }
}

// WithRegisterer registers the metrics with reg instead of a private
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithOnResolve runs fn after every fresh resolution, before the profile is
// returned to waiters.
func WithOnResolve(fn func(*profile.Profile)) Option {
	return func(o *options) { o.onResolve = fn }
}

// NewProfileManager creates a manager over resolver.
func NewProfileManager(resolver Resolver, opts ...Option) (*ProfileManager, error) {
	o := options{size: DefaultCacheSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.size <= 0 {
		o.size = DefaultCacheSize
	}
	if o.reg == nil {
		o.reg = prometheus.NewRegistry()
	}

	m := &ProfileManager{
		resolver:  resolver,
		metrics:   NewMetrics(o.reg),
		onResolve: o.onResolve,
	}
	cache, err := lru.NewWithEvict[string, *profile.Profile](o.size, func(key string, _ *profile.Profile) {
		m.metrics.Evictions.Inc()
		slog.Debug("profile evicted", "key", key)
	})
	if err != nil {
		return nil, err
	}
	m.cache = cache
	return m, nil
}

// Get returns the profile for s, resolving it on a miss. Resolution errors
// are not cached.
func (m *ProfileManager) Get(ctx context.Context, s facts.Set) (*profile.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := s.Key()
	// Fast path: lru.Get updates recency
	if p, ok := m.cache.Get(key); ok {
		m.metrics.CacheHits.Inc()
		return p, nil
	}
	m.metrics.CacheMisses.Inc()

	ch := m.flight.DoChan(key, func() (any, error) {
		// Double-check: a concurrent flight may have just finished.
		if p, ok := m.cache.Get(key); ok {
			return p, nil
		}

		start := time.Now()
		p, err := m.resolver.Resolve(s)
		m.metrics.ResolveDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			m.metrics.Resolutions.WithLabelValues("error").Inc()
			slog.Debug("profile resolution failed", "facts", s.String(), "error", err)
			return nil, err
		}
		m.metrics.Resolutions.WithLabelValues("ok").Inc()

		m.cache.Add(key, p)
		m.metrics.Cached.Set(float64(m.cache.Len()))
		slog.Debug("profile cached", "key", key, "profile", p.ID())

		if m.onResolve != nil {
			m.onResolve(p)
		}
		return p, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*profile.Profile), nil
	}
}

// Peek returns a cached profile without resolving or touching recency.
func (m *ProfileManager) Peek(s facts.Set) (*profile.Profile, bool) {
	return m.cache.Peek(s.Key())
}

// Len returns the number of cached profiles.
func (m *ProfileManager) Len() int { return m.cache.Len() }

// Purge drops every cached profile.
func (m *ProfileManager) Purge() {
	m.cache.Purge()
	m.metrics.Cached.Set(0)
}
