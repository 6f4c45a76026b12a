package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/spoolbuddy/backend/internal/printer"
	ws "github.com/spoolbuddy/backend/internal/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 65536
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The UI may be served from the device's own address or a proxy.
		return true
	},
}

// WebSocketUpgrade returns a handler that upgrades HTTP connections to WebSocket.
func WebSocketUpgrade(hub *ws.Hub, manager *printer.Manager, logger zerolog.Logger) http.HandlerFunc {
	logger = logger.With().Str("component", "websocket").Logger()

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("WebSocket upgrade failed")
			return
		}

		client := ws.NewClient(hub)
		hub.Register(client)

		// Send the current state of every registered printer so a fresh
		// client does not wait for the next report.
		for _, serial := range manager.Serials() {
			if state, ok := manager.State(serial); ok {
				reply(hub, client, ws.NewMessage(ws.TypePrinterState, ws.PrinterStatePayload{Serial: serial, State: state}))
			}
		}

		go writePump(conn, client)
		go readPump(conn, client, hub, manager, logger)
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func writePump(conn *websocket.Conn, client *ws.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump pumps messages from the WebSocket connection to the hub.
func readPump(conn *websocket.Conn, client *ws.Client, hub *ws.Hub, manager *printer.Manager, logger zerolog.Logger) {
	defer func() {
		hub.Unregister(client)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		handleClientMessage(message, client, hub, manager, logger)
	}
}

// handleClientMessage answers ping and refresh commands.
func handleClientMessage(message []byte, client *ws.Client, hub *ws.Hub, manager *printer.Manager, logger zerolog.Logger) {
	var msg ws.ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		reply(hub, client, ws.NewMessage(ws.TypeError, ws.ErrorPayload{
			Code:    "bad_message",
			Message: "Message is not valid JSON",
		}))
		return
	}

	switch msg.Type {
	case ws.TypePing:
		reply(hub, client, ws.NewMessage(ws.TypePong, nil))

	case ws.TypeRefresh:
		var payload ws.RefreshPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				reply(hub, client, ws.NewMessage(ws.TypeError, ws.ErrorPayload{
					Code:         "bad_message",
					Message:      "Invalid refresh payload",
					OriginalType: string(msg.Type),
				}))
				return
			}
		}
		if payload.Serial == "" {
			manager.RefreshAll()
			return
		}
		if err := manager.RefreshState(payload.Serial); err != nil {
			reply(hub, client, ws.NewMessage(ws.TypeError, ws.ErrorPayload{
				Code:         "refresh_failed",
				Message:      err.Error(),
				OriginalType: string(msg.Type),
			}))
		}

	default:
		logger.Debug().Str("type", string(msg.Type)).Msg("Ignoring WebSocket message")
		reply(hub, client, ws.NewMessage(ws.TypeError, ws.ErrorPayload{
			Code:         "unknown_type",
			Message:      "Unsupported message type",
			OriginalType: string(msg.Type),
		}))
	}
}

func reply(hub *ws.Hub, client *ws.Client, msg ws.Message) {
	data, err := msg.JSON()
	if err != nil {
		return
	}
	hub.SendTo(client, data)
}
