package observer

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/drand/summoner/admission"
	"github.com/drand/summoner/common"
	"github.com/drand/summoner/metrics"
)

// DefaultCacheSize is the number of addresses whose totals are kept.
const DefaultCacheSize = 1024

type cachedAmount struct {
	amount common.Amount
	at     time.Time
}

// Cached keeps observed totals for a while, so repeated eligibility checks do
// not hit the chain each time. Concurrent lookups of one address share a
// single request.
type Cached struct {
	inner admission.ChainObserver
	cache *lru.Cache
	ttl   time.Duration
	clock clockwork.Clock
	group singleflight.Group
}

// NewCached wraps inner with a cache of size entries, each valid for ttl.
func NewCached(inner admission.ChainObserver, size int, ttl time.Duration, clock clockwork.Clock) (*Cached, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cached{
		inner: inner,
		cache: cache,
		ttl:   ttl,
		clock: clock,
	}, nil
}

func (c *Cached) TotalAmountSentTo(ctx context.Context, addr common.Address) (common.Amount, error) {
	if v, ok := c.cache.Get(addr); ok {
		entry := v.(cachedAmount)
		if c.clock.Since(entry.at) < c.ttl {
			metrics.ObserverRequests.WithLabelValues("cached").Inc()
			return entry.amount, nil
		}
		c.cache.Remove(addr)
	}

	v, err, _ := c.group.Do(addr.String(), func() (interface{}, error) {
		amount, err := c.inner.TotalAmountSentTo(ctx, addr)
		if err != nil {
			return nil, err
		}
		c.cache.Add(addr, cachedAmount{amount: amount, at: c.clock.Now()})
		return amount, nil
	})
	if err != nil {
		return 0, err
	}
	amount, ok := v.(common.Amount)
	if !ok {
		return 0, fmt.Errorf("unexpected cached value %T", v)
	}
	return amount, nil
}

// Forget drops the cached total of addr.
func (c *Cached) Forget(addr common.Address) {
	c.cache.Remove(addr)
}
