package relay

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/helixml/screenrelay/api/pkg/config"
	"github.com/helixml/screenrelay/api/pkg/janitor"
	"github.com/helixml/screenrelay/api/pkg/pubsub"
	"github.com/helixml/screenrelay/api/pkg/relay"
	"github.com/helixml/screenrelay/api/pkg/server"
	"github.com/helixml/screenrelay/api/pkg/store"
	"github.com/helixml/screenrelay/api/pkg/system"
)

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server.",
		Long:  "Start the relay server.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			relayConfig, err := config.LoadRelayConfig()
			if err != nil {
				return fmt.Errorf("failed to load relay config: %w", err)
			}
			if err := serve(cmd, &relayConfig); err != nil {
				log.Fatal().Err(err).Msg("failed to run server")
			}
			return nil
		},
	}
	return serveCmd
}

func serve(cmd *cobra.Command, cfg *config.RelayConfig) error {
	system.SetupLogging()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// the instance ID distinguishes this process in the shared catalog;
	// it changes on every restart by design
	instanceID := system.GenerateUUID()

	db, err := store.NewPostgresStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close store")
		}
	}()

	ps, err := pubsub.New(cfg.PubSub)
	if err != nil {
		return fmt.Errorf("failed to create pubsub: %w", err)
	}

	router := relay.NewRouter(cfg.Relay, instanceID, db, ps)
	if err := router.Start(ctx); err != nil {
		return fmt.Errorf("failed to start router: %w", err)
	}
	defer router.Stop()

	sweeper, err := janitor.New(cfg.Relay, cfg.Janitor, db, router)
	if err != nil {
		return fmt.Errorf("failed to create janitor: %w", err)
	}

	apiServer, err := server.NewServer(cfg, router)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	log.Info().
		Str("instance_id", instanceID).
		Msg("starting relay instance")

	p := pool.New().WithErrors().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		return sweeper.Start(ctx)
	})
	p.Go(func(ctx context.Context) error {
		return apiServer.ListenAndServe(ctx)
	})
	return p.Wait()
}
