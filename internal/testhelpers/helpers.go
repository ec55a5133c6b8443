// Package testhelpers provides shared utilities for the relay's HTTP and
// websocket tests: dialing, sending events and reading them back with
// deadlines.
package testhelpers

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:8080"

// Frame is a decoded server event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// WebSocketURL turns an httptest server URL into its /ws endpoint.
func WebSocketURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// MakeRequest executes an HTTP request with a 5-second timeout and fails the
// test if it cannot be made.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err, "create request")

	resp, err := client.Do(req)
	require.NoError(t, err, "make request")
	return resp
}

// ConnectWebSocket dials url with TestOrigin as the Origin header.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	return ConnectWebSocketWithOrigin(url, TestOrigin)
}

// ConnectWebSocketWithOrigin dials url, sending origin unless it is empty.
func ConnectWebSocketWithOrigin(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// MustConnect dials url and closes the connection when the test ends.
func MustConnect(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, err := ConnectWebSocket(url)
	require.NoError(t, err, "connect websocket")
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendEvent writes an {"event","data"} envelope.
func SendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(Frame{Event: event, Data: payload})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// Register sends register_user for id and waits for the registered ack.
func Register(t *testing.T, conn *websocket.Conn, id string) Frame {
	t.Helper()
	SendEvent(t, conn, "register_user", id)
	frame := ReadFrame(t, conn, 2*time.Second)
	require.Equal(t, "registered", frame.Event, "unexpected frame %s", frame.Data)
	return frame
}

// ReadFrame reads one event, failing the test if none arrives within timeout.
func ReadFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err, "read frame")

	var frame Frame
	require.NoError(t, json.Unmarshal(raw, &frame), "decode frame %s", raw)
	return frame
}

// ReadEvent reads frames until one named event arrives, skipping others.
func ReadEvent(t *testing.T, conn *websocket.Conn, event string, timeout time.Duration) Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		require.Positive(t, remaining, "timed out waiting for %s", event)
		frame := ReadFrame(t, conn, remaining)
		if frame.Event == event {
			return frame
		}
	}
}

// ExpectNoFrame asserts that nothing arrives on conn within timeout.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, raw, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no frame, got %s", raw)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("unexpected error while waiting for absence of frame: %v", err)
}

// CloseWebSocket sends a normal close frame and closes the connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Eventually polls cond every 10ms until it holds or timeout elapses.
func Eventually(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	require.Eventually(t, cond, timeout, 10*time.Millisecond, msg)
}
