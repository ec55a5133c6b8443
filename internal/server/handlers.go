// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, the status page and the built-in test page.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// WebSocketHandler upgrades GET requests to a websocket and hands the new
// client to the hub, which starts its pumps.
func (h *Hub) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.origins.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(conn, h, r.RemoteAddr)
	if !h.Connect(client) {
		_ = conn.Close()
	}
}

// StatusPageHandler serves the static landing page.
func StatusPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, `<h1>Secure Chat Server</h1><p>Server is running and listening for WebSocket connections.</p>`)
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "relay server is running")
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Connections int `json:"connections"`
	Present     int `json:"present"`
}

// StatusHandler reports connection and presence counts as JSON.
func (h *Hub) StatusHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := StatusResponse{
		Connections: h.ClientCount(),
		Present:     h.router.Stats().Present,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Warn().Err(err).Msg("error writing status response")
	}
}

// TestPageHandler serves an HTML page that registers an identity and sends
// directed messages over the websocket endpoint.
func (h *Hub) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		h.log.Warn().Err(err).Msg("error writing HTML response")
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Relay WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 200px; padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Relay WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="identityInput" placeholder="Your identity">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="recipientInput" placeholder="Recipient" disabled>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        let identity = '';
        const messagesDiv = document.getElementById('messages');
        const identityInput = document.getElementById('identityInput');
        const recipientInput = document.getElementById('recipientInput');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected as ' + identity : 'Disconnected';
            statusDiv.className = connected ? 'status connected' : 'status disconnected';
            recipientInput.disabled = !connected;
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            identityInput.disabled = connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            identity = identityInput.value.trim();
            if (!identity) {
                addLine('Enter an identity first');
                return;
            }
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');

            ws.onopen = function() {
                ws.send(JSON.stringify({event: 'register_user', data: identity}));
                updateStatus(true);
            };

            ws.onmessage = function(event) {
                const env = JSON.parse(event.data);
                if (env.event === 'receive_message') {
                    addLine(env.data.senderId + ': ' + env.data.text, 'green');
                } else if (env.event === 'registered') {
                    addLine('Registered as ' + env.data.identity + ' (' + env.data.flushed + ' queued messages delivered)');
                } else if (env.event === 'error') {
                    addLine('Error: ' + env.data.reason, 'red');
                }
            };

            ws.onclose = function() {
                addLine('Connection closed');
                updateStatus(false);
                ws = null;
            };

            ws.onerror = function() {
                addLine('Connection error', 'red');
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const text = messageInput.value.trim();
            const recipient = recipientInput.value.trim();
            if (text && recipient && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({
                    event: 'chat_message',
                    data: {senderId: identity, recipientId: recipient, text: text}
                }));
                addLine('You -> ' + recipient + ': ' + text, 'blue');
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
