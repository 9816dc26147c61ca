package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpcore/internal/domain"
)

type fakeBus struct {
	live    chan []byte
	backlog []domain.StreamMessage
	after   chan string
}

func (b *fakeBus) Publish(context.Context, string, []byte) error      { return nil }
func (b *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.live, nil
}

func (b *fakeBus) StreamRead(_ context.Context, _ string, lastID string, _ int) ([]domain.StreamMessage, error) {
	b.after <- lastID
	return b.backlog, nil
}

const market = "0x70d95587d40A2caf56bd97485aB3Eec10Bee6336"

func startHub(t *testing.T, bus *fakeBus) *httptest.Server {
	t.Helper()
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestClientReceivesFilteredEvents(t *testing.T) {
	bus := &fakeBus{live: make(chan []byte, 4), after: make(chan string, 1)}
	srv := startHub(t, bus)
	conn := dial(t, srv, "events=AdlStateUpdated&markets="+strings.ToLower(market))

	assert.Equal(t, "status", read(t, conn)["type"])

	bus.live <- []byte(`{"name":"OrderExecuted","market":"` + market + `"}`)
	bus.live <- []byte(`{"name":"AdlStateUpdated","market":"0x0000000000000000000000000000000000000001"}`)
	bus.live <- []byte(`{"name":"AdlStateUpdated","market":"` + market + `","block":9}`)

	msg := read(t, conn)
	assert.Equal(t, "AdlStateUpdated", msg["name"])
	assert.Equal(t, float64(9), msg["block"])
}

func TestSinceReplaysStream(t *testing.T) {
	bus := &fakeBus{
		live:  make(chan []byte),
		after: make(chan string, 1),
		backlog: []domain.StreamMessage{
			{ID: "5-0", Payload: []byte(`{"name":"PositionLiquidated","market":"` + market + `"}`)},
		},
	}
	srv := startHub(t, bus)
	conn := dial(t, srv, "since=4-0")

	assert.Equal(t, "status", read(t, conn)["type"])
	assert.Equal(t, "4-0", <-bus.after)
	assert.Equal(t, "PositionLiquidated", read(t, conn)["name"])
}
