package event

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpcore/internal/domain"
)

type failing struct{ err error }

func (f failing) Emit(context.Context, domain.Event) error { return f.err }

func TestBufferFlushesInOrder(t *testing.T) {
	ctx := context.Background()
	var buf Buffer
	require.NoError(t, buf.Emit(ctx, domain.Event{Name: domain.EventOrderCreated}))
	require.NoError(t, buf.Emit(ctx, domain.Event{Name: domain.EventOrderExecuted}))
	assert.Equal(t, 2, buf.Len())

	var rec Recorder
	require.NoError(t, buf.Flush(ctx, &rec))
	assert.Equal(t, []string{domain.EventOrderCreated, domain.EventOrderExecuted}, rec.Names())
	assert.Zero(t, buf.Len())
}

func TestBufferResetDropsEvents(t *testing.T) {
	ctx := context.Background()
	var buf Buffer
	require.NoError(t, buf.Emit(ctx, domain.Event{Name: domain.EventSwap}))
	buf.Reset()

	var rec Recorder
	require.NoError(t, buf.Flush(ctx, &rec))
	assert.Empty(t, rec.Events())
}

func TestMultiCallsEveryEmitter(t *testing.T) {
	ctx := context.Background()
	errA, errB := errors.New("a"), errors.New("b")
	var rec Recorder
	m := Multi{failing{errA}, &rec, nil, failing{errB}}

	err := m.Emit(ctx, domain.Event{Name: domain.EventOrderFrozen})
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Len(t, rec.Named(domain.EventOrderFrozen), 1)
}
