// Package datastoretest holds the behaviour every domain.Backend must share,
// run through a datastore.Store. Backend packages call Run from their tests.
package datastoretest

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpcore/internal/datastore"
	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/keys"
)

var (
	market = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	token  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

// Run runs the suite; newStore must return an empty store for every call.
func Run(t *testing.T, newStore func(t *testing.T) *datastore.Store) {
	t.Run("UintRoundTripAndDelta", func(t *testing.T) { uintRoundTrip(t, newStore(t)) })
	t.Run("IntSign", func(t *testing.T) { intSign(t, newStore(t)) })
	t.Run("NamespacesAreIndependent", func(t *testing.T) { namespaces(t, newStore(t)) })
	t.Run("OrderedSet", func(t *testing.T) { orderedSet(t, newStore(t)) })
	t.Run("WithTxCommitsOnSuccess", func(t *testing.T) { txCommit(t, newStore(t)) })
	t.Run("WithTxDiscardsOnError", func(t *testing.T) { txDiscard(t, newStore(t)) })
	t.Run("NestedTx", func(t *testing.T) { nestedTx(t, newStore(t)) })
	t.Run("SequenceIsSharedAcrossTransactions", func(t *testing.T) { sequence(t, newStore(t)) })
}

func uintRoundTrip(t *testing.T, ds *datastore.Store) {
	ctx := context.Background()
	key := keys.PoolAmountKey(market, token)

	v, err := ds.GetUint(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, v.Sign())

	require.NoError(t, ds.SetUint(ctx, key, big.NewInt(100)))
	next, err := ds.ApplyDeltaToUint(ctx, key, big.NewInt(-40))
	require.NoError(t, err)
	assert.Equal(t, int64(60), next.Int64())

	_, err = ds.ApplyDeltaToUint(ctx, key, big.NewInt(-61))
	assert.ErrorIs(t, err, domain.ErrNegativeValue)

	v, err = ds.GetUint(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(60), v.Int64())

	_, err = ds.IncrementUint(ctx, key, big.NewInt(-1))
	assert.ErrorIs(t, err, domain.ErrNegativeValue)

	require.NoError(t, ds.RemoveUint(ctx, key))
	v, err = ds.GetUint(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, v.Sign())
}

func intSign(t *testing.T, ds *datastore.Store) {
	ctx := context.Background()
	key := keys.Hash("SIGNED")

	require.NoError(t, ds.SetInt(ctx, key, big.NewInt(-25)))
	v, err := ds.GetInt(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(-25), v.Int64())

	v, err = ds.ApplyDeltaToInt(ctx, key, big.NewInt(30))
	require.NoError(t, err)
	assert.Equal(t, int64(5), v.Int64())
}

func namespaces(t *testing.T, ds *datastore.Store) {
	ctx := context.Background()
	key := keys.IsAdlEnabledKey(market, true)

	require.NoError(t, ds.SetBool(ctx, key, true))
	require.NoError(t, ds.SetUint(ctx, key, big.NewInt(7)))

	b, err := ds.GetBool(ctx, key)
	require.NoError(t, err)
	assert.True(t, b)

	require.NoError(t, ds.SetAddress(ctx, key, token))
	addr, err := ds.GetAddress(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, token, addr)

	raw := []byte{0x00, 0x01, 0xff}
	require.NoError(t, ds.SetBytes(ctx, key, raw))
	got, err := ds.GetBytes(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func orderedSet(t *testing.T, ds *datastore.Store) {
	ctx := context.Background()
	a, b, c := common.HexToHash("0x01"), common.HexToHash("0x02"), common.HexToHash("0x03")

	// adding a present member keeps its position
	for _, h := range []common.Hash{a, b, c, b} {
		require.NoError(t, ds.AddBytes32(ctx, keys.OrderList, h))
	}
	vals, err := ds.GetBytes32ValuesAt(ctx, keys.OrderList, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{a, b, c}, vals)

	require.NoError(t, ds.RemoveBytes32(ctx, keys.OrderList, b))
	vals, err = ds.GetBytes32ValuesAt(ctx, keys.OrderList, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{a, c}, vals)

	ok, err := ds.ContainsBytes32(ctx, keys.OrderList, b)
	require.NoError(t, err)
	assert.False(t, ok)

	// a removed member comes back at the end
	require.NoError(t, ds.AddBytes32(ctx, keys.OrderList, b))
	vals, err = ds.GetBytes32ValuesAt(ctx, keys.OrderList, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{a, c, b}, vals)

	vals, err = ds.GetBytes32ValuesAt(ctx, keys.OrderList, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{c}, vals)
}

func txCommit(t *testing.T, ds *datastore.Store) {
	ctx := context.Background()
	key := keys.MarketTokenSupplyKey(market)
	a, b := common.HexToHash("0x0a"), common.HexToHash("0x0b")

	err := ds.WithTx(ctx, func(tx domain.TxDataStore) error {
		if err := tx.SetUint(ctx, key, big.NewInt(5)); err != nil {
			return err
		}
		// buffered writes are visible inside the transaction only
		inner, err := tx.GetUint(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(5), inner.Int64())

		outer, err := ds.GetUint(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 0, outer.Sign())

		require.NoError(t, tx.AddBytes32(ctx, keys.MarketList, b))
		return tx.AddBytes32(ctx, keys.MarketList, a)
	})
	require.NoError(t, err)

	v, err := ds.GetUint(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v.Int64())
	vals, err := ds.GetBytes32ValuesAt(ctx, keys.MarketList, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{b, a}, vals)
}

func txDiscard(t *testing.T, ds *datastore.Store) {
	ctx := context.Background()
	key := keys.MarketTokenSupplyKey(market)
	require.NoError(t, ds.SetUint(ctx, key, big.NewInt(1)))

	boom := errors.New("boom")
	err := ds.WithTx(ctx, func(tx domain.TxDataStore) error {
		require.NoError(t, tx.SetUint(ctx, key, big.NewInt(99)))
		require.NoError(t, tx.AddBytes32(ctx, keys.MarketList, common.HexToHash("0x01")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	v, err := ds.GetUint(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Int64())
	n, err := ds.GetBytes32Count(ctx, keys.MarketList)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func nestedTx(t *testing.T, ds *datastore.Store) {
	ctx := context.Background()
	key := keys.Hash("NESTED")

	err := ds.WithTx(ctx, func(outer domain.TxDataStore) error {
		require.NoError(t, outer.SetUint(ctx, key, big.NewInt(1)))
		_ = outer.WithTx(ctx, func(inner domain.TxDataStore) error {
			require.NoError(t, inner.SetUint(ctx, key, big.NewInt(2)))
			return errors.New("rollback inner")
		})
		v, err := outer.GetUint(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(1), v.Int64())
		return nil
	})
	require.NoError(t, err)
}

func sequence(t *testing.T, ds *datastore.Store) {
	ctx := context.Background()
	key := keys.Nonce

	// a discarded transaction does not give its value back
	_ = ds.WithTx(ctx, func(tx domain.TxDataStore) error {
		n, err := tx.NextSequence(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n.Int64())
		return errors.New("discard")
	})

	const workers = 8
	var (
		mu   sync.Mutex
		seen = map[int64]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ds.WithTx(ctx, func(tx domain.TxDataStore) error {
				n, err := tx.NextSequence(ctx, key)
				if err != nil {
					return err
				}
				mu.Lock()
				seen[n.Int64()] = true
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers)
	assert.False(t, seen[1])
	n, err := ds.NextSequence(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(workers+2), n.Int64())
}
