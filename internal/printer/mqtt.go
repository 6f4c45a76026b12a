package printer

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTTransport is the paho-backed Transport used against real printers.
type MQTTTransport struct {
	client         mqtt.Client
	host           string
	publishTimeout time.Duration
}

// DialMQTT is the default Dialer.
//
// Printers present self-signed certificates, so server verification is
// disabled; trust comes from reaching the printer on the local network.
// Paho reconnects on its own after a drop and OnConnect runs again, which is
// where the report subscription is re-established.
func DialMQTT(opts TransportOptions) Transport {
	o := mqtt.NewClientOptions()
	o.AddBroker(fmt.Sprintf("ssl://%s:%d", opts.Host, opts.Port))
	o.SetClientID(opts.ClientID)
	o.SetUsername(opts.Username)
	o.SetPassword(opts.Password)
	o.SetProtocolVersion(4)
	o.SetTLSConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // printers use self-signed certs
	o.SetKeepAlive(opts.KeepAlive)
	o.SetConnectTimeout(opts.ConnectTimeout)
	o.SetCleanSession(true)
	o.SetAutoReconnect(true)
	o.SetConnectRetry(false)

	if opts.OnConnect != nil {
		onConnect := opts.OnConnect
		o.SetOnConnectHandler(func(mqtt.Client) { onConnect() })
	}
	if opts.OnConnectionLost != nil {
		onLost := opts.OnConnectionLost
		o.SetConnectionLostHandler(func(_ mqtt.Client, err error) { onLost(err) })
	}

	return &MQTTTransport{
		client:         mqtt.NewClient(o),
		host:           opts.Host,
		publishTimeout: opts.PublishTimeout,
	}
}

// Connect blocks until the first session is up, fails, or ctx ends. When ctx
// ends first the pending dial is abandoned so no session is left behind.
func (t *MQTTTransport) Connect(ctx context.Context) error {
	token := t.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		t.client.Disconnect(0)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", t.host, err)
	}
	return nil
}

// Disconnect closes the session and stops automatic reconnection.
func (t *MQTTTransport) Disconnect() {
	t.client.Disconnect(250)
}

// Subscribe registers handler for topic at QoS 0.
func (t *MQTTTransport) Subscribe(topic string, handler func(payload []byte)) error {
	token := t.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	if !token.WaitTimeout(t.publishTimeout) {
		return fmt.Errorf("subscribe %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Publish sends payload at QoS 0 and waits for the client to accept it.
func (t *MQTTTransport) Publish(topic string, payload []byte) error {
	token := t.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(t.publishTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	return token.Error()
}
