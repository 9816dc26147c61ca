package oracle

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/keys"
)

// StoreReference reads the last recorded mid price from the data store.
type StoreReference struct {
	ds domain.DataStore
}

// NewStoreReference creates a StoreReference.
func NewStoreReference(ds domain.DataStore) *StoreReference {
	return &StoreReference{ds: ds}
}

// ReferencePrice implements ReferenceSource.
func (r *StoreReference) ReferencePrice(ctx context.Context, token common.Address) (*big.Int, bool, error) {
	p, err := r.ds.GetUint(ctx, keys.LatestPriceKey(token))
	if err != nil {
		return nil, false, err
	}
	return p, p.Sign() > 0, nil
}

// CacheReference reads reference prices from a price cache and ignores
// entries older than MaxAge.
type CacheReference struct {
	cache  domain.PriceCache
	maxAge time.Duration
	now    func() time.Time
}

// NewCacheReference creates a CacheReference. A zero maxAge accepts any entry.
func NewCacheReference(cache domain.PriceCache, maxAge time.Duration) *CacheReference {
	return &CacheReference{cache: cache, maxAge: maxAge, now: time.Now}
}

// ReferencePrice implements ReferenceSource.
func (r *CacheReference) ReferencePrice(ctx context.Context, token common.Address) (*big.Int, bool, error) {
	p, ts, err := r.cache.GetPrice(ctx, token)
	if err != nil {
		return nil, false, err
	}
	if p == nil || p.Sign() == 0 {
		return nil, false, nil
	}
	if r.maxAge > 0 && r.now().Sub(ts) > r.maxAge {
		return nil, false, nil
	}
	return p, true, nil
}

// RecordPrices stores the mid price of every token in set as the next
// reference price.
func RecordPrices(ctx context.Context, ds domain.DataStore, set *PriceSet) error {
	for _, t := range set.Tokens() {
		p, err := set.Get(t)
		if err != nil {
			return err
		}
		if err := ds.SetUint(ctx, keys.LatestPriceKey(t), p.Mid()); err != nil {
			return fmt.Errorf("oracle: record price %s: %w", t.Hex(), err)
		}
	}
	return nil
}

// CachePrices publishes the mid price of every token in set to cache.
func CachePrices(ctx context.Context, cache domain.PriceCache, set *PriceSet) error {
	for _, t := range set.Tokens() {
		p, err := set.Get(t)
		if err != nil {
			return err
		}
		if err := cache.SetPrice(ctx, t, p.Mid(), set.Time()); err != nil {
			return fmt.Errorf("oracle: cache price %s: %w", t.Hex(), err)
		}
	}
	return nil
}
