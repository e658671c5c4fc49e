package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/utils"
	"gopkg.in/yaml.v3"
)

const (
	RoleBroker = "broker"
	RoleClient = "client"

	DriverMemory = "memory"
	DriverMongo  = "mongo"
	DriverBadger = "badger"

	PatternQoSFirst   = "first"
	PatternQoSHighest = "highest"

	DefaultMaxPacketSize = 256 * 1024
)

var (
	ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	ErrInvalidConfig = errors.New("invalid configuration")
)

type Database struct {
	Driver             string `json:"driver" yaml:"driver"`
	Host               string `json:"host" yaml:"host"`
	Port               uint64 `json:"port" yaml:"port"`
	Username           string `json:"username" yaml:"username"`
	Password           string `json:"password" yaml:"password"`
	Database           string `json:"database" yaml:"database"`
	UseTLS             bool   `json:"use_tls" yaml:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout" yaml:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout" yaml:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout" yaml:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout" yaml:"operation_timeout"`
	Heartbeat          string `json:"heartbeat" yaml:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size" yaml:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size" yaml:"max_pool_size"`
	BadgerPath         string `json:"badger_path" yaml:"badger_path"`
}

type Config struct {
	Role      string `json:"role" yaml:"role"`
	Namespace string `json:"namespace" yaml:"namespace"`

	// broker listener
	Bind           string `json:"bind" yaml:"bind"`
	Port           int    `json:"port" yaml:"port"`
	WebSocket      bool   `json:"web_socket" yaml:"web_socket"`
	WebSocketPort  int    `json:"web_socket_port" yaml:"web_socket_port"`
	Secure         bool   `json:"secure" yaml:"secure"`
	CertFile       string `json:"cert_file" yaml:"cert_file"`
	KeyFile        string `json:"key_file" yaml:"key_file"`
	MaxConnections int    `json:"max_connections" yaml:"max_connections"`
	MaxPacketSize  int    `json:"max_packet_size" yaml:"max_packet_size"`
	WriteTimeout   string `json:"write_timeout" yaml:"write_timeout"`
	SendQueueSize  int    `json:"send_queue_size" yaml:"send_queue_size"`

	// bridge client remote
	Host              string `json:"host" yaml:"host"`
	RemotePort        int    `json:"remote_port" yaml:"remote_port"`
	ClientID          string `json:"client_id" yaml:"client_id"`
	Patterns          string `json:"patterns" yaml:"patterns"`
	PublishPatterns   string `json:"publish_patterns" yaml:"publish_patterns"`
	PersistentSession bool   `json:"persistent_session" yaml:"persistent_session"`
	KeepAlive         string `json:"keep_alive" yaml:"keep_alive"`
	ReconnectInterval string `json:"reconnect_interval" yaml:"reconnect_interval"`

	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`

	Prefix             string `json:"prefix" yaml:"prefix"`
	MaxTopicLength     int    `json:"max_topic_length" yaml:"max_topic_length"`
	DefaultQoS         byte   `json:"default_qos" yaml:"default_qos"`
	Retain             bool   `json:"retain" yaml:"retain"`
	RetransmitInterval string `json:"retransmit_interval" yaml:"retransmit_interval"`
	RetransmitCount    int    `json:"retransmit_count" yaml:"retransmit_count"`
	SessionRetention   string `json:"session_retention" yaml:"session_retention"`
	PublishOnSubscribe bool   `json:"publish_on_subscribe" yaml:"publish_on_subscribe"`
	OnlyOnChange       bool   `json:"only_on_change" yaml:"only_on_change"`
	ExtraSet           bool   `json:"extra_set" yaml:"extra_set"`
	EchoToPublisher    bool   `json:"echo_to_publisher" yaml:"echo_to_publisher"`
	SendStateObject    bool   `json:"send_state_object" yaml:"send_state_object"`
	NoClientStatus     bool   `json:"no_client_status" yaml:"no_client_status"`
	PatternQoS         string `json:"pattern_qos" yaml:"pattern_qos"`

	Database Database `json:"database" yaml:"database"`

	DebugMode bool   `json:"debug_mode" yaml:"debug_mode"`
	AppName   string `json:"app_name" yaml:"app_name"`
	LogPath   string `json:"log_path" yaml:"log_path"`
}

// Default returns the configuration written to disk on first start.
func Default() Config {
	return Config{
		Role:               RoleBroker,
		Namespace:          "mqtt.0",
		Bind:               "0.0.0.0",
		Port:               1883,
		WebSocketPort:      8080,
		MaxConnections:     10000,
		MaxPacketSize:      DefaultMaxPacketSize,
		WriteTimeout:       "30s",
		SendQueueSize:      256,
		RemotePort:         1883,
		Patterns:           "#",
		KeepAlive:          "60s",
		ReconnectInterval:  "10s",
		MaxTopicLength:     100,
		RetransmitInterval: "2s",
		RetransmitCount:    10,
		SessionRetention:   "1h",
		PatternQoS:         PatternQoSFirst,
		Database: Database{
			Driver:           DriverMemory,
			Port:             27017,
			Database:         "mqtt_bridge",
			ConnectTimeout:   "10s",
			SocketTimeout:    "30s",
			OperationTimeout: "5s",
			Heartbeat:        "10s",
			MaxPoolSize:      10,
			BadgerPath:       "data/sessions",
		},
		AppName: "life-stream-mqtt-bridge",
		LogPath: "logs",
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func marshal(path string, config Config) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(config)
	}
	return json.MarshalIndent(config, "", "\t")
}

// ReadConfig loads path (JSON, or YAML for .yaml/.yml). A missing file is
// created with the defaults and ErrConfigCreated is returned.
func ReadConfig(path string) (*Config, error) {
	config := Default()
	bytes, err := os.ReadFile(path)

	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read configuration file %s: %w", path, err)
		}
		data, mErr := marshal(path, config)
		if mErr != nil {
			return nil, mErr
		}
		if wErr := os.WriteFile(path, data, 0644); wErr != nil {
			return nil, fmt.Errorf("create configuration file %s: %w", path, wErr)
		}
		return &config, ErrConfigCreated
	}

	if isYAML(path) {
		err = yaml.Unmarshal(bytes, &config)
	} else {
		err = json.Unmarshal(bytes, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("the configuration file does not contain valid data: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Role {
	case RoleBroker, RoleClient:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidConfig, c.Role)
	}
	switch c.Database.Driver {
	case DriverMemory, DriverMongo, DriverBadger:
	default:
		return fmt.Errorf("%w: unknown database driver %q", ErrInvalidConfig, c.Database.Driver)
	}
	switch c.PatternQoS {
	case "", PatternQoSFirst, PatternQoSHighest:
	default:
		return fmt.Errorf("%w: unknown pattern_qos %q", ErrInvalidConfig, c.PatternQoS)
	}
	if c.DefaultQoS > 2 {
		return fmt.Errorf("%w: default_qos must be 0, 1 or 2", ErrInvalidConfig)
	}
	if c.MaxPacketSize < 0 || c.SendQueueSize < 0 {
		return fmt.Errorf("%w: max_packet_size and send_queue_size must not be negative", ErrInvalidConfig)
	}
	if c.Namespace == "" {
		return fmt.Errorf("%w: namespace must not be empty", ErrInvalidConfig)
	}
	if c.Secure && (c.CertFile == "" || c.KeyFile == "") && c.Role == RoleBroker {
		return fmt.Errorf("%w: secure listener needs cert_file and key_file", ErrInvalidConfig)
	}
	if c.Role == RoleClient && c.Host == "" {
		return fmt.Errorf("%w: client role needs a remote host", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) RetransmitEvery() time.Duration {
	return utils.DurationOr(c.RetransmitInterval, 2*time.Second)
}

func (c *Config) Retention() time.Duration {
	return utils.DurationOr(c.SessionRetention, time.Hour)
}

func (c *Config) WriteTimeoutDuration() time.Duration {
	return utils.DurationOr(c.WriteTimeout, 30*time.Second)
}

func (c *Config) KeepAliveDuration() time.Duration {
	return utils.DurationOr(c.KeepAlive, 60*time.Second)
}

func (c *Config) ReconnectEvery() time.Duration {
	return utils.DurationOr(c.ReconnectInterval, 10*time.Second)
}

// PatternList splits a comma separated pattern list, dropping empty items.
func PatternList(patterns string) []string {
	var result []string
	for _, p := range strings.Split(patterns, ",") {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
