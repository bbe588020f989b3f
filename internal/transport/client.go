package transport

import (
	"crypto/tls"
	"errors"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/petervdpas/fieldlink/internal/config"
)

var errTimeout = errors.New("timed out waiting for broker")

// Client is the part of an MQTT client the session needs. The session owns
// exactly one live Client at a time.
type Client interface {
	Connect() error
	Subscribe(topic string, qos byte, fn func(payload []byte)) error
	Unsubscribe(topics ...string) error
	// Publish hands the message to the client without waiting for the broker.
	// done, if non-nil, is called once delivery completes or fails.
	Publish(topic string, qos byte, payload []byte, done func(error))
	Disconnect(quiesce time.Duration)
	IsConnected() bool
}

// ClientOptions is everything a Dialer needs to build a Client.
type ClientOptions struct {
	Endpoint         config.Endpoint
	ClientID         string
	ConnectTimeout   time.Duration
	KeepAlive        time.Duration
	OnConnectionLost func(error)
}

// Dialer builds an unconnected Client.
type Dialer func(ClientOptions) Client

// PahoDialer builds clients on the Eclipse Paho MQTT library. Clean session,
// no library-level reconnect: reconnection is always an explicit call.
func PahoDialer(o ClientOptions) Client {
	opts := mqtt.NewClientOptions().
		AddBroker(o.Endpoint.URI()).
		SetClientID(o.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(o.ConnectTimeout).
		SetKeepAlive(o.KeepAlive).
		SetOrderMatters(true)
	if o.Endpoint.Username != "" {
		opts.SetUsername(o.Endpoint.Username)
	}
	if o.Endpoint.Password != "" {
		opts.SetPassword(o.Endpoint.Password)
	}
	if o.Endpoint.Scheme == "ssl" {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	if o.OnConnectionLost != nil {
		lost := o.OnConnectionLost
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { lost(err) })
	}
	return &pahoClient{c: mqtt.NewClient(opts), timeout: o.ConnectTimeout}
}

type pahoClient struct {
	c       mqtt.Client
	timeout time.Duration
}

func (p *pahoClient) wait(t mqtt.Token) error {
	if !t.WaitTimeout(p.timeout) {
		return errTimeout
	}
	return t.Error()
}

func (p *pahoClient) Connect() error {
	return p.wait(p.c.Connect())
}

func (p *pahoClient) Subscribe(topic string, qos byte, fn func([]byte)) error {
	return p.wait(p.c.Subscribe(topic, qos, func(_ mqtt.Client, m mqtt.Message) {
		fn(m.Payload())
	}))
}

func (p *pahoClient) Unsubscribe(topics ...string) error {
	return p.wait(p.c.Unsubscribe(topics...))
}

func (p *pahoClient) Publish(topic string, qos byte, payload []byte, done func(error)) {
	t := p.c.Publish(topic, qos, false, payload)
	if done == nil {
		return
	}
	go func() {
		<-t.Done()
		done(t.Error())
	}()
}

func (p *pahoClient) Disconnect(quiesce time.Duration) {
	p.c.Disconnect(uint(quiesce / time.Millisecond))
}

func (p *pahoClient) IsConnected() bool { return p.c.IsConnectionOpen() }
