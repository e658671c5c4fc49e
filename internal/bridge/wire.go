package bridge

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/logger"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultOperationTimeout  = 10 * time.Second
	defaultDisconnectQuiesce = 250 // milliseconds
	maxReconnectInterval     = 2 * time.Minute
	tlsMinVersion            = tls.VersionTLS12
)

// Message is an inbound PUBLISH from the remote broker.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Handlers receive connection events from a WireClient.
type Handlers struct {
	OnConnect        func()
	OnConnectionLost func(err error)
	OnMessage        func(msg Message)
}

// Token completes when an asynchronous operation finishes.
type Token interface {
	Done() <-chan struct{}
	Error() error
}

// WireClient is the outbound MQTT connection used by the Engine.
type WireClient interface {
	Connect(h Handlers) error
	Disconnect()
	IsConnected() bool
	Subscribe(filters map[string]byte) error
	Unsubscribe(filters ...string) error
	Publish(topic string, qos byte, retain bool, payload []byte) Token
}

// PahoClient implements WireClient on top of the Eclipse Paho client.
type PahoClient struct {
	opts   WireOptions
	client pahomqtt.Client
}

func NewPahoClient(opts WireOptions) *PahoClient {
	return &PahoClient{opts: opts}
}

func (p *PahoClient) buildClientOptions(h Handlers) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.opts.BrokerURL())
	opts.SetClientID(p.opts.ClientID)
	if p.opts.User != "" {
		opts.SetUsername(p.opts.User)
		opts.SetPassword(p.opts.Password)
	}
	opts.SetCleanSession(p.opts.CleanSession)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(p.opts.ReconnectInterval)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(p.opts.KeepAlive)

	if p.opts.Secure {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		if h.OnConnect != nil {
			h.OnConnect()
		}
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		if h.OnConnectionLost != nil {
			h.OnConnectionLost(err)
		}
	})
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		logger.DebugF("[%s] Reconnecting to %s", p.opts.ClientID, p.opts.BrokerURL())
	})
	opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, m pahomqtt.Message) {
		if h.OnMessage != nil {
			h.OnMessage(Message{Topic: m.Topic(), Payload: m.Payload(), QoS: m.Qos(), Retained: m.Retained()})
		}
	})
	return opts
}

// Connect starts connecting in the background; paho keeps retrying until the
// remote broker is reachable, reporting success through h.OnConnect.
func (p *PahoClient) Connect(h Handlers) error {
	p.client = pahomqtt.NewClient(p.buildClientOptions(h))
	token := p.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		logger.WarnF("[%s] %s not reachable yet, retrying in background", p.opts.ClientID, p.opts.BrokerURL())
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", p.opts.BrokerURL(), err)
	}
	return nil
}

func (p *PahoClient) Disconnect() {
	if p.client != nil {
		p.client.Disconnect(defaultDisconnectQuiesce)
	}
}

func (p *PahoClient) IsConnected() bool {
	return p.client != nil && p.client.IsConnectionOpen()
}

func (p *PahoClient) Subscribe(filters map[string]byte) error {
	return wait(p.client.SubscribeMultiple(filters, nil), "subscribe")
}

func (p *PahoClient) Unsubscribe(filters ...string) error {
	return wait(p.client.Unsubscribe(filters...), "unsubscribe")
}

func (p *PahoClient) Publish(topic string, qos byte, retain bool, payload []byte) Token {
	return p.client.Publish(topic, qos, retain, payload)
}

func wait(token pahomqtt.Token, op string) error {
	if !token.WaitTimeout(defaultOperationTimeout) {
		return fmt.Errorf("%s: timed out after %s", op, defaultOperationTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
