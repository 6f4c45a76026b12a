package websocket

import (
	"github.com/rs/zerolog"

	"github.com/spoolbuddy/backend/internal/printer"
)

// EventBroadcaster turns printer events into hub messages.
type EventBroadcaster struct {
	hub    *Hub
	logger zerolog.Logger
}

// NewEventBroadcaster creates a new event broadcaster.
func NewEventBroadcaster(hub *Hub, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		hub:    hub,
		logger: logger.With().Str("component", "broadcaster").Logger(),
	}
}

// BroadcastPrinterState sends the latest device snapshot.
func (b *EventBroadcaster) BroadcastPrinterState(serial string, state printer.DeviceState) {
	b.broadcast(NewMessage(TypePrinterState, PrinterStatePayload{
		Serial: serial,
		State:  state,
	}))
}

// BroadcastPrinterConnected sends a printer.connected event.
func (b *EventBroadcaster) BroadcastPrinterConnected(serial string) {
	b.broadcast(NewMessage(TypePrinterConnected, PrinterConnectionPayload{
		Serial:    serial,
		Connected: true,
		Status:    printer.StateConnected.String(),
	}))
}

// BroadcastPrinterDisconnected sends a printer.disconnected event with the
// debounced status at the time of the drop.
func (b *EventBroadcaster) BroadcastPrinterDisconnected(serial string, status printer.ConnectionState) {
	b.broadcast(NewMessage(TypePrinterDisconnected, PrinterConnectionPayload{
		Serial:    serial,
		Connected: status != printer.StateDisconnected,
		Status:    status.String(),
	}))
}

// BroadcastNozzleCount sends a printer.nozzle_count event.
func (b *EventBroadcaster) BroadcastNozzleCount(serial string, count int) {
	b.broadcast(NewMessage(TypeNozzleCount, NozzleCountPayload{
		Serial:      serial,
		NozzleCount: count,
	}))
}

// BroadcastTrayReading sends a printer.tray_reading event.
func (b *EventBroadcaster) BroadcastTrayReading(serial string, previous *int, current int) {
	b.broadcast(NewMessage(TypeTrayReading, TrayReadingPayload{
		Serial:   serial,
		Previous: previous,
		Current:  current,
	}))
}

// BroadcastAssignmentCompleted sends an assignment.completed event.
func (b *EventBroadcaster) BroadcastAssignmentCompleted(result printer.AssignmentResult) {
	payload := AssignmentPayload{
		Serial:  result.Serial,
		AmsID:   result.AmsID,
		TrayID:  result.TrayID,
		SpoolID: result.SpoolID,
		Success: result.Success,
	}
	if result.Err != nil {
		payload.Error = result.Err.Error()
	}
	b.broadcast(NewMessage(TypeAssignmentCompleted, payload))
}

// BroadcastNotification sends a notification event.
func (b *EventBroadcaster) BroadcastNotification(level, title, message string) {
	b.broadcast(NewMessage(TypeNotification, NotificationPayload{
		Level:       level,
		Title:       title,
		Message:     message,
		Dismissible: true,
	}))
}

func (b *EventBroadcaster) broadcast(msg Message) {
	data, err := msg.JSON()
	if err != nil {
		b.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("Failed to serialize WebSocket message")
		return
	}
	b.hub.Broadcast(data)
}
