package broker

import (
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/session"
)

const (
	defaultMaxConnections = 10000
	connectTimeout        = time.Minute

	// connectPacketLimit bounds what an unauthenticated peer can make us
	// allocate before its CONNECT has been accepted.
	connectPacketLimit = 16 * 1024
)

// Options configures a Broker.
type Options struct {
	Namespace          string
	Prefix             string
	MaxTopicLength     int
	MaxPacketSize      int
	MaxConnections     int
	Retain             bool
	PublishOnSubscribe bool
	OnlyOnChange       bool
	ExtraSet           bool
	EchoToPublisher    bool
	SendStateObject    bool
	NoClientStatus     bool
	ConnectTimeout     time.Duration
	WriteTimeout       time.Duration
	SendQueueSize      int

	Session session.Options
}

// firstPacketLimit is the read limit applied to the CONNECT packet.
func (o Options) firstPacketLimit() int {
	return min(o.MaxPacketSize, connectPacketLimit)
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Namespace:          cfg.Namespace,
		Prefix:             cfg.Prefix,
		MaxTopicLength:     cfg.MaxTopicLength,
		MaxPacketSize:      cfg.MaxPacketSize,
		MaxConnections:     cfg.MaxConnections,
		WriteTimeout:       cfg.WriteTimeoutDuration(),
		SendQueueSize:      cfg.SendQueueSize,
		Retain:             cfg.Retain,
		PublishOnSubscribe: cfg.PublishOnSubscribe,
		OnlyOnChange:       cfg.OnlyOnChange,
		ExtraSet:           cfg.ExtraSet,
		EchoToPublisher:    cfg.EchoToPublisher,
		SendStateObject:    cfg.SendStateObject,
		NoClientStatus:     cfg.NoClientStatus,
		Session: session.Options{
			User:               cfg.User,
			Password:           cfg.Password,
			Retention:          cfg.Retention(),
			RetransmitInterval: cfg.RetransmitEvery(),
			RetransmitCount:    cfg.RetransmitCount,
			HighestQoS:         cfg.PatternQoS == config.PatternQoSHighest,
		},
	}
}
