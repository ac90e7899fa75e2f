package pubsub

import (
	"fmt"

	"github.com/helixml/screenrelay/api/pkg/config"
)

type Provider string

const (
	ProviderNats   Provider = "nats"
	ProviderMemory Provider = "inmemory"
)

func New(cfg config.PubSub) (PubSub, error) {
	switch Provider(cfg.Provider) {
	case ProviderNats:
		return NewNats(cfg)
	case ProviderMemory:
		return NewInMemory(), nil
	default:
		return nil, fmt.Errorf("unknown pubsub provider %q", cfg.Provider)
	}
}
