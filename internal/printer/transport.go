package printer

import (
	"context"
	"time"
)

// Transport is one secured publish/subscribe session with a printer.
//
// Implementations deliver subscribed messages and connection events on their
// own goroutine. Publish reports only whether the transport accepted the
// message, never whether the printer acted on it.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Subscribe(topic string, handler func(payload []byte)) error
	Publish(topic string, payload []byte) error
}

// TransportOptions describes the session a Dialer should build.
type TransportOptions struct {
	ClientID       string
	Host           string
	Port           int
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration

	// OnConnect runs after every successful connect, including automatic
	// reconnects.
	OnConnect func()

	// OnConnectionLost runs when an established session drops.
	OnConnectionLost func(err error)
}

// Dialer builds an unconnected Transport.
type Dialer func(opts TransportOptions) Transport
