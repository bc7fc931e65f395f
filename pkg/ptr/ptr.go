// Package ptr resolves and caches reverse DNS names of hop addresses.
package ptr

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTTL      = 10 * time.Minute
	negativeTTL     = time.Minute
	defaultCapacity = 4096
)

// Resolver looks up PTR names with retries, caching both answers and
// failures. Concurrent lookups of the same address share one query.
type Resolver struct {
	cache      *ttlcache.Cache[netip.Addr, string]
	group      singleflight.Group
	lookupFunc func(ctx context.Context, addr string) ([]string, error)
	retries    int
	retryDelay time.Duration
}

// NewResolver returns a resolver backed by the system resolver.
func NewResolver() *Resolver {
	return &Resolver{
		cache: ttlcache.New(
			ttlcache.WithTTL[netip.Addr, string](defaultTTL),
			ttlcache.WithCapacity[netip.Addr, string](defaultCapacity),
		),
		lookupFunc: net.DefaultResolver.LookupAddr,
		retries:    3,
		retryDelay: 100 * time.Millisecond,
	}
}

// Lookup returns the PTR name of addr, or "" if it has none.
func (r *Resolver) Lookup(ctx context.Context, addr netip.Addr) string {
	if name, ok := r.cached(addr); ok {
		return name
	}
	v, _, _ := r.group.Do(addr.String(), func() (any, error) {
		name := r.resolve(ctx, addr)
		ttl := ttlcache.DefaultTTL
		if name == "" {
			ttl = negativeTTL
		}
		r.cache.Set(addr, name, ttl)
		return name, nil
	})
	return v.(string)
}

// Name returns a cached PTR name without querying. The second result is
// false when addr was never resolved or has no name.
func (r *Resolver) Name(addr netip.Addr) (string, bool) {
	name, ok := r.cached(addr)
	return name, ok && name != ""
}

func (r *Resolver) cached(addr netip.Addr) (string, bool) {
	if item := r.cache.Get(addr); item != nil {
		return item.Value(), true
	}
	return "", false
}

func (r *Resolver) resolve(ctx context.Context, addr netip.Addr) string {
	for attempt := range r.retries {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ""
			case <-time.After(r.retryDelay):
			}
		}
		names, err := r.lookupFunc(ctx, addr.String())
		if err == nil && len(names) > 0 {
			return normalizePTR(names[0])
		}
		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
			return ""
		}
	}
	return ""
}

func normalizePTR(name string) string {
	return strings.TrimSuffix(name, ".")
}
