package transport

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialSocket(t *testing.T, cfg WebSocketConfig) (*websocket.Conn, map[string]any) {
	t.Helper()
	h := NewWebSocketHandler(newDispatcher(t), cfg, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	var welcome map[string]any
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, c.ReadJSON(&welcome))
	return c, welcome
}

func roundTrip(t *testing.T, c *websocket.Conn, frame any) map[string]any {
	t.Helper()
	require.NoError(t, c.WriteJSON(frame))
	var out map[string]any
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, c.ReadJSON(&out))
	return out
}

func TestWebSocket_Welcome(t *testing.T) {
	_, welcome := dialSocket(t, WebSocketConfig{})
	assert.Equal(t, "api", welcome["context"])
	assert.Equal(t, "Hello! Welcome to the hero api", welcome["welcome"])
	assert.NotEmpty(t, welcome["id"])
	assert.Equal(t, welcome["id"], welcome["fingerprint"])
}

func TestWebSocket_ActionFrames(t *testing.T) {
	c, welcome := dialSocket(t, WebSocketConfig{})

	out := roundTrip(t, c, map[string]any{
		"event":     "action",
		"params":    map[string]any{"action": "greet", "apiVersion": 1, "name": "ada"},
		"messageId": 1,
	})
	assert.Equal(t, "response", out["context"])
	assert.Equal(t, float64(1), out["messageId"])
	assert.Equal(t, "OK", out["error"])
	assert.Equal(t, "hello ada", out["greeting"])
	assert.Equal(t, "websocket", out["via"])

	requester := out["requesterInformation"].(map[string]any)
	assert.Equal(t, welcome["fingerprint"], requester["fingerprint"])
	assert.Equal(t, "1", requester["messageId"])

	// Same socket, same fingerprint.
	out = roundTrip(t, c, map[string]any{
		"event":     "action",
		"params":    map[string]any{"action": "greet"},
		"messageId": "two",
	})
	assert.Equal(t, "two", out["messageId"])
	assert.Equal(t, "Error: name is a required parameter for this action", out["error"])
	assert.Equal(t, welcome["fingerprint"], out["requesterInformation"].(map[string]any)["fingerprint"])
}

func TestWebSocket_BlockedAction(t *testing.T) {
	c, _ := dialSocket(t, WebSocketConfig{})
	out := roundTrip(t, c, map[string]any{"event": "action", "params": map[string]any{"action": "noSockets"}})
	assert.Contains(t, out["error"], "websocket")
}

func TestWebSocket_PingAndUnknownEvent(t *testing.T) {
	c, _ := dialSocket(t, WebSocketConfig{})

	out := roundTrip(t, c, map[string]any{"event": "ping", "messageId": "p"})
	assert.Equal(t, "pong", out["event"])
	assert.Equal(t, "p", out["messageId"])

	out = roundTrip(t, c, map[string]any{"event": "dance"})
	assert.Equal(t, `Error: unknown event "dance"`, out["error"])
}

func TestWebSocket_MalformedFrame(t *testing.T) {
	c, _ := dialSocket(t, WebSocketConfig{})
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("not json")))

	var out map[string]any
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, c.ReadJSON(&out))
	assert.Equal(t, "Error: frame must be a JSON object", out["error"])

	// The socket stays usable.
	out = roundTrip(t, c, map[string]any{"event": "ping"})
	assert.Equal(t, "pong", out["event"])
}

func TestWebSocket_ReadLimitClosesSocket(t *testing.T) {
	c, _ := dialSocket(t, WebSocketConfig{ReadLimit: 32})
	require.NoError(t, c.WriteJSON(map[string]any{
		"event":  "action",
		"params": map[string]any{"action": "greet", "name": strings.Repeat("x", 100)},
	}))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	require.Error(t, err)
}

func TestWebSocket_OriginCheck(t *testing.T) {
	h := NewWebSocketHandler(newDispatcher(t), WebSocketConfig{AllowedOrigins: []string{"https://app.example.com"}}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, map[string][]string{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)

	c, _, err := websocket.DefaultDialer.Dial(url, map[string][]string{"Origin": {"https://app.example.com"}})
	require.NoError(t, err)
	c.Close()
}
