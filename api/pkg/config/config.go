package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type RelayConfig struct {
	WebServer WebServer
	Store     Store
	PubSub    PubSub
	Relay     Relay
	Janitor   Janitor
}

func LoadRelayConfig() (RelayConfig, error) {
	var cfg RelayConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

type WebServer struct {
	URL  string `envconfig:"SERVER_URL" description:"The URL the relay is reachable on through the load balancer."`
	Host string `envconfig:"SERVER_HOST" default:"0.0.0.0" description:"The host to bind the relay server to."`
	Port int    `envconfig:"SERVER_PORT" default:"8080" description:""`
}

type Store struct {
	Host     string `envconfig:"POSTGRES_HOST" description:"The host to connect to the postgres server."`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432" description:"The port to connect to the postgres server."`
	Database string `envconfig:"POSTGRES_DATABASE" default:"screenrelay" description:"The database to connect to the postgres server."`
	Username string `envconfig:"POSTGRES_USER" description:"The username to connect to the postgres server."`
	Password string `envconfig:"POSTGRES_PASSWORD" description:"The password to connect to the postgres server."`
	SSL      bool   `envconfig:"POSTGRES_SSL" default:"false"`

	AutoMigrate     bool          `envconfig:"DATABASE_AUTO_MIGRATE" default:"true" description:"Should we automatically run the migrations?"`
	MaxConns        int           `envconfig:"DATABASE_MAX_CONNS" default:"50"`
	IdleConns       int           `envconfig:"DATABASE_IDLE_CONNS" default:"25"`
	MaxConnLifetime time.Duration `envconfig:"DATABASE_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `envconfig:"DATABASE_MAX_CONN_IDLE_TIME" default:"1m"`
}

type PubSub struct {
	Provider string `envconfig:"PUBSUB_PROVIDER" default:"nats" description:"The pubsub provider to use (nats or inmemory)."`
	StoreDir string `envconfig:"NATS_STORE_DIR" default:"/filestore/nats" description:"The directory to store nats data."`
	Server   struct {
		EmbeddedNatsServerEnabled bool   `envconfig:"NATS_SERVER_EMBEDDED_ENABLED" default:"true" description:"Whether to run an embedded NATS server."`
		Host                      string `envconfig:"NATS_SERVER_HOST" default:"127.0.0.1" description:"The host to bind the NATS server to."`
		Port                      int    `envconfig:"NATS_SERVER_PORT" default:"4222" description:"The port to bind the NATS server to."`
		Token                     string `envconfig:"NATS_SERVER_TOKEN" description:"The authentication token for the NATS server."`
		MaxPayload                int    `envconfig:"NATS_SERVER_MAX_PAYLOAD" default:"33554432" description:"The maximum payload size in bytes (default 32MB)."`
	}
	// URL of an external NATS deployment, used when the embedded server
	// is disabled. Every relay instance must point at the same cluster.
	URL string `envconfig:"NATS_URL" description:"External NATS server URL."`
}

type Relay struct {
	// how long after the last catalog update viewers still consider a
	// desktop client connected
	LivenessWindow time.Duration `envconfig:"RELAY_LIVENESS_WINDOW" default:"30s"`
	// producers with no local activity for this long get their socket
	// closed by the janitor
	HeartbeatTimeout time.Duration `envconfig:"RELAY_HEARTBEAT_TIMEOUT" default:"30s"`
	// catalog rows untouched for this long get pruned cluster-wide;
	// must be strictly greater than HeartbeatTimeout
	GraceWindow time.Duration `envconfig:"RELAY_GRACE_WINDOW" default:"60s"`

	CommandTTLStreaming time.Duration `envconfig:"RELAY_COMMAND_TTL_STREAMING" default:"30s"`
	CommandTTLAction    time.Duration `envconfig:"RELAY_COMMAND_TTL_ACTION" default:"15s"`
	IdempotencyWindow   time.Duration `envconfig:"RELAY_IDEMPOTENCY_WINDOW" default:"5m"`

	// per-(producer, monitor) outbound frame queue length per viewer
	FrameQueueLen int `envconfig:"RELAY_FRAME_QUEUE_LEN" default:"8"`
	// hard limit on queued control messages before a viewer is dropped
	ControlQueueLen int `envconfig:"RELAY_CONTROL_QUEUE_LEN" default:"256"`
	// max commands returned by a single poll_commands
	PollBatch int `envconfig:"RELAY_POLL_BATCH" default:"20"`

	WriteTimeout time.Duration `envconfig:"RELAY_WRITE_TIMEOUT" default:"5s"`
	// idle window after which a streaming producer is considered idle
	StreamIdleWindow time.Duration `envconfig:"RELAY_STREAM_IDLE_WINDOW" default:"30s"`
}

type Janitor struct {
	Interval time.Duration `envconfig:"RELAY_JANITOR_INTERVAL" default:"10s"`
}
