package bridge

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/config"
)

// Options configures the bridge Engine.
type Options struct {
	Namespace          string
	Prefix             string
	ClientID           string
	Patterns           []string
	PublishPatterns    []string
	PersistentSession  bool
	DefaultQoS         byte
	Retain             bool
	OnlyOnChange       bool
	SendStateObject    bool
	MaxTopicLength     int
	RetransmitInterval time.Duration
	RetransmitCount    int
}

// WireOptions configures the connection to the remote broker.
type WireOptions struct {
	Host              string
	Port              int
	Secure            bool
	ClientID          string
	User              string
	Password          string
	CleanSession      bool
	KeepAlive         time.Duration
	ReconnectInterval time.Duration
}

func (w WireOptions) BrokerURL() string {
	scheme := "tcp"
	if w.Secure {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, w.Host, w.Port)
}

var hostname = os.Hostname

// ClientIDFromConfig returns the configured client id or one derived from the
// host name and namespace, so restarts reuse the remote session and the
// stored pattern set.
func ClientIDFromConfig(cfg *config.Config) string {
	if cfg.ClientID != "" {
		return cfg.ClientID
	}
	host, err := hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	seed := uuid.NewSHA1(uuid.NameSpaceDNS, []byte(host+"/"+cfg.Namespace))
	return strings.ReplaceAll(cfg.Namespace, ".", "_") + "_" + seed.String()[:8]
}

func OptionsFromConfig(cfg *config.Config, clientID string) Options {
	return Options{
		Namespace:          cfg.Namespace,
		Prefix:             cfg.Prefix,
		ClientID:           clientID,
		Patterns:           config.PatternList(cfg.Patterns),
		PublishPatterns:    config.PatternList(cfg.PublishPatterns),
		PersistentSession:  cfg.PersistentSession,
		DefaultQoS:         cfg.DefaultQoS,
		Retain:             cfg.Retain,
		OnlyOnChange:       cfg.OnlyOnChange,
		SendStateObject:    cfg.SendStateObject,
		MaxTopicLength:     cfg.MaxTopicLength,
		RetransmitInterval: cfg.RetransmitEvery(),
		RetransmitCount:    cfg.RetransmitCount,
	}
}

func WireOptionsFromConfig(cfg *config.Config, clientID string) WireOptions {
	return WireOptions{
		Host:              cfg.Host,
		Port:              cfg.RemotePort,
		Secure:            cfg.Secure,
		ClientID:          clientID,
		User:              cfg.User,
		Password:          cfg.Password,
		CleanSession:      !cfg.PersistentSession,
		KeepAlive:         cfg.KeepAliveDuration(),
		ReconnectInterval: cfg.ReconnectEvery(),
	}
}
