package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/helixml/screenrelay/api/pkg/config"
)

type Nats struct {
	conn           *nats.Conn
	embeddedServer *server.Server
}

var _ PubSub = (*Nats)(nil)

// NewNats connects to the realtime bus. With the embedded server enabled
// the instance runs its own NATS server and connects to it locally, which
// is the single-instance and development path; multi-instance deployments
// point every relay at the same external cluster via NATS_URL.
func NewNats(cfg config.PubSub) (*Nats, error) {
	if !cfg.Server.EmbeddedNatsServerEnabled {
		conn, err := nats.Connect(cfg.URL,
			nats.Token(cfg.Server.Token),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.URL, err)
		}
		return &Nats{conn: conn}, nil
	}

	opts := &server.Options{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		NoSigs:     true,
		MaxPayload: int32(cfg.Server.MaxPayload),
		StoreDir:   cfg.StoreDir,
	}
	if cfg.Server.Token != "" {
		opts.Authorization = cfg.Server.Token
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(4 * time.Second) {
		return nil, fmt.Errorf("failed to start embedded nats server")
	}

	conn, err := nats.Connect(ns.ClientURL(), nats.Token(cfg.Server.Token))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &Nats{conn: conn, embeddedServer: ns}, nil
}

// NewInMemoryNats starts an embedded server on a random port. Test-only
// entry point; production goes through NewNats.
func NewInMemoryNats() (*Nats, error) {
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoSigs: true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(4 * time.Second) {
		return nil, fmt.Errorf("failed to start in-memory nats server")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &Nats{conn: conn, embeddedServer: ns}, nil
}

func (n *Nats) Publish(_ context.Context, topic string, payload []byte) error {
	return n.conn.Publish(topic, payload)
}

func (n *Nats) Subscribe(_ context.Context, topic string, handler func(payload []byte) error) (Subscription, error) {
	sub, err := n.conn.Subscribe(topic, func(msg *nats.Msg) {
		err := handler(msg.Data)
		if err != nil {
			log.Err(err).Str("topic", topic).Msg("error handling message")
		}
	})
	if err != nil {
		return nil, err
	}

	return sub, nil
}

func (n *Nats) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
	if n.embeddedServer != nil {
		n.embeddedServer.Shutdown()
	}
}
