package redis

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpcore/internal/datastore"
	"github.com/alanyoungcy/perpcore/internal/datastore/datastoretest"
	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/keys"
)

func TestBackendDataStoreBehaviour(t *testing.T) {
	datastoretest.Run(t, func(t *testing.T) *datastore.Store {
		c, _ := newTestClient(t)
		return datastore.New(NewBackend(c, "ds"))
	})
}

func TestBackendKeyLayout(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	b := NewBackend(c, "")
	key := keys.Hash("LAYOUT")

	require.NoError(t, b.Apply(ctx, []domain.Mutation{
		{Kind: domain.MutationPut, Namespace: domain.NamespaceBytes, Key: key, Value: []byte("v")},
		{Kind: domain.MutationAddMember, Key: key, Member: common.HexToHash("0x01")},
	}))
	_, err := b.Incr(ctx, key)
	require.NoError(t, err)

	got, err := mr.Get("ds:bytes:" + key.Hex())
	require.NoError(t, err)
	assert.Equal(t, "v", got)
	assert.True(t, mr.Exists("ds:set:"+key.Hex()))
	n, err := mr.Get("ds:counter:" + key.Hex())
	require.NoError(t, err)
	assert.Equal(t, "1", n)
}

// Both backends must agree on member order for the same write history.
func TestBackendMemberOrderMatchesMemory(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	rb := NewBackend(c, "ds")
	mem := datastore.NewMemory()

	set := keys.Hash("ORDERED")
	h := func(s string) common.Hash { return common.HexToHash(s) }
	add := func(m common.Hash) domain.Mutation {
		return domain.Mutation{Kind: domain.MutationAddMember, Key: set, Member: m}
	}
	rem := func(m common.Hash) domain.Mutation {
		return domain.Mutation{Kind: domain.MutationRemoveMember, Key: set, Member: m}
	}

	batches := [][]domain.Mutation{
		{add(h("0x01")), add(h("0x02")), add(h("0x03"))},
		{add(h("0x02")), add(h("0x04"))},
		{rem(h("0x01")), add(h("0x01"))},
		{rem(h("0x03"))},
		{add(h("0x03")), add(h("0x03"))},
	}
	for _, batch := range batches {
		require.NoError(t, rb.Apply(ctx, batch))
		require.NoError(t, mem.Apply(ctx, batch))

		want, err := mem.Members(ctx, set)
		require.NoError(t, err)
		got, err := rb.Members(ctx, set)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	got, err := rb.Members(ctx, set)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{h("0x02"), h("0x04"), h("0x01"), h("0x03")}, got)
}

func TestBackendApplyIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	b := NewBackend(c, "ds")
	key := keys.Hash("ATOMIC")

	err := b.Apply(ctx, []domain.Mutation{
		{Kind: domain.MutationPut, Namespace: domain.NamespaceBytes, Key: key, Value: []byte("v")},
		{Kind: domain.MutationKind(99), Key: key},
	})
	require.Error(t, err)

	_, ok, err := b.Get(ctx, domain.NamespaceBytes, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackendIncrIsShared(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	key := keys.Nonce

	first := datastore.New(NewBackend(c, "ds"))
	second := datastore.New(NewBackend(c, "ds"))

	a, err := first.NextSequence(ctx, key)
	require.NoError(t, err)
	b, err := second.NextSequence(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Int64())
	assert.Equal(t, int64(2), b.Int64())

	other := datastore.New(NewBackend(c, "other"))
	n, err := other.NextSequence(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n.Int64())
}
