package datastore

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpcore/internal/domain"
)

func TestTxClosedAfterCommit(t *testing.T) {
	ctx := context.Background()
	tx := Begin(NewMemory())
	require.NoError(t, tx.Commit(ctx))
	assert.ErrorIs(t, tx.Commit(ctx), domain.ErrTxClosed)
	_, _, err := tx.Get(ctx, domain.NamespaceUint, common.Hash{})
	assert.ErrorIs(t, err, domain.ErrTxClosed)
}

func TestClosedTxRejectsSequence(t *testing.T) {
	ctx := context.Background()
	tx := Begin(NewMemory())
	tx.Discard()
	_, err := tx.Incr(ctx, common.Hash{})
	assert.ErrorIs(t, err, domain.ErrTxClosed)
}
