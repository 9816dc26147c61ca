package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr(), Namespace: "test:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestNewFailsWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), ClientConfig{Addr: addr})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	c, mr := newTestClient(t)
	require.NoError(t, c.Health(context.Background()))

	mr.SetError("ERR server down")
	require.Error(t, c.Health(context.Background()))
}
