package redis

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/perpcore/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each token's
// latest mid price is stored at "{namespace}:price:{token}" with fields "price" (decimal
// integer in canonical precision) and "ts" (Unix nanoseconds).
type PriceCache struct {
	rdb *redis.Client
	c   *Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), c: c}
}

func (pc *PriceCache) priceKey(token common.Address) string {
	return pc.c.key("price", token.Hex())
}

// SetPrice stores the latest price and timestamp for a token.
func (pc *PriceCache) SetPrice(ctx context.Context, token common.Address, price *big.Int, ts time.Time) error {
	fields := map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, pc.priceKey(token), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", token.Hex(), err)
	}
	return nil
}

// GetPrice retrieves the latest price and timestamp for a token. It returns
// domain.ErrNotFound when nothing is cached.
func (pc *PriceCache) GetPrice(ctx context.Context, token common.Address) (*big.Int, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, pc.priceKey(token)).Result()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: get price %s: %w", token.Hex(), err)
	}
	price, ts, ok := parsePrice(vals)
	if !ok {
		return nil, time.Time{}, domain.ErrNotFound
	}
	return price, ts, nil
}

func parsePrice(vals map[string]string) (*big.Int, time.Time, bool) {
	price, ok := new(big.Int).SetString(vals["price"], 10)
	if !ok {
		return nil, time.Time{}, false
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return nil, time.Time{}, false
	}
	return price, time.Unix(0, tsNano), true
}

var _ domain.PriceCache = (*PriceCache)(nil)
