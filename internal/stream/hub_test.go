package stream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestHubSnapshotAndBroadcast(t *testing.T) {
	hub := NewHub(func() interface{} {
		return map[string]interface{}{"rules": 3}
	})
	go hub.Run()
	defer hub.Stop()

	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialHub(t, server)

	snapshot := readMessage(t, conn)
	assert.Equal(t, "snapshot", snapshot.Type)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	hub.Broadcast(auditEnvelope("rule_executed", "r1", "c1"))
	msg := readMessage(t, conn)
	assert.Equal(t, "rule_executed", msg.Type)
}

func TestHubDropsDisconnectedClients(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Stop()

	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialHub(t, server)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestHubStopIdempotent(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	hub.Stop()
	hub.Stop()
}
