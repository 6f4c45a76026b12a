package websocket

import (
	"encoding/json"
	"time"

	"github.com/spoolbuddy/backend/internal/printer"
)

// MessageType identifies the type of WebSocket message.
type MessageType string

const (
	// Server -> Client event types
	TypePrinterState        MessageType = "printer.state"
	TypePrinterConnected    MessageType = "printer.connected"
	TypePrinterDisconnected MessageType = "printer.disconnected"
	TypeNozzleCount         MessageType = "printer.nozzle_count"
	TypeTrayReading         MessageType = "printer.tray_reading"
	TypeAssignmentCompleted MessageType = "assignment.completed"
	TypeNotification        MessageType = "notification"

	// Client -> Server command types
	TypePing    MessageType = "ping"
	TypeRefresh MessageType = "refresh"

	// Server -> Client response types
	TypePong  MessageType = "pong"
	TypeError MessageType = "error"
)

// Message represents a WebSocket message envelope.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload"`
}

// NewMessage creates a new message with the current timestamp.
func NewMessage(msgType MessageType, payload any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// JSON serializes the message to JSON bytes.
func (m Message) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// ClientMessage is an inbound command from a UI client.
type ClientMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RefreshPayload asks for a fresh pushall from one printer, or all of them
// when Serial is empty.
type RefreshPayload struct {
	Serial string `json:"serial,omitempty"`
}

// PrinterStatePayload is the payload for printer.state events.
type PrinterStatePayload struct {
	Serial string              `json:"serial"`
	State  printer.DeviceState `json:"state"`
}

// PrinterConnectionPayload is the payload for printer.connected and
// printer.disconnected events.
type PrinterConnectionPayload struct {
	Serial    string `json:"serial"`
	Connected bool   `json:"connected"`
	Status    string `json:"status"`
}

// NozzleCountPayload is the payload for printer.nozzle_count events.
type NozzleCountPayload struct {
	Serial      string `json:"serial"`
	NozzleCount int    `json:"nozzle_count"`
}

// TrayReadingPayload is the payload for printer.tray_reading events.
type TrayReadingPayload struct {
	Serial   string `json:"serial"`
	Previous *int   `json:"previous"`
	Current  int    `json:"current"`
}

// AssignmentPayload is the payload for assignment.completed events.
type AssignmentPayload struct {
	Serial  string `json:"serial"`
	AmsID   int    `json:"ams_id"`
	TrayID  int    `json:"tray_id"`
	SpoolID string `json:"spool_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// NotificationPayload is the payload for notification events.
type NotificationPayload struct {
	Level       string `json:"level"` // info, warning, error, success
	Title       string `json:"title"`
	Message     string `json:"message"`
	Dismissible bool   `json:"dismissible"`
}

// ErrorPayload is the payload for error messages.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	OriginalType string `json:"original_type,omitempty"`
}
