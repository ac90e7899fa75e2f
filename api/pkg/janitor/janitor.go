// Package janitor runs the periodic maintenance sweeps that keep the
// relay's shared state converging on reality: dead sockets evicted, stale
// catalog rows pruned, overdue commands expired, old terminal rows and
// idempotency keys purged.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"

	"github.com/helixml/screenrelay/api/pkg/config"
	"github.com/helixml/screenrelay/api/pkg/metrics"
	"github.com/helixml/screenrelay/api/pkg/relay"
	"github.com/helixml/screenrelay/api/pkg/store"
	"github.com/helixml/screenrelay/api/pkg/types"
)

// terminal command rows are kept this long for debugging before purge
const commandRetention = 24 * time.Hour

type Janitor struct {
	cfg    config.Relay
	every  time.Duration
	store  store.Store
	router *relay.Router
	cron   gocron.Scheduler
}

func New(cfg config.Relay, janitorCfg config.Janitor, st store.Store, router *relay.Router) (*Janitor, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Janitor{
		cfg:    cfg,
		every:  janitorCfg.Interval,
		store:  st,
		router: router,
		cron:   cron,
	}, nil
}

// Start schedules the sweep and blocks until the context is done.
func (j *Janitor) Start(ctx context.Context) error {
	_, err := j.cron.NewJob(
		gocron.DurationJob(j.every),
		gocron.NewTask(func() {
			j.sweep(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule janitor sweep: %w", err)
	}

	j.cron.Start()
	<-ctx.Done()

	if err := j.cron.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	return nil
}

// sweep runs every tick. Each step is idempotent and safe to run on every
// instance concurrently; the store-level sweeps simply race to the same
// result.
func (j *Janitor) sweep(ctx context.Context) {
	j.evictDeadProducers(ctx)
	j.markIdleProducers(ctx)
	j.pruneCatalog(ctx)
	j.expireCommands(ctx)
	j.purgeCommands(ctx)

	purged := j.router.Recent().Purge(j.cfg.IdempotencyWindow)
	if purged > 0 {
		log.Trace().Int("purged", purged).Msg("purged idempotency keys")
	}
}

// evictDeadProducers closes local producer sockets with no inbound
// activity inside the heartbeat window. The session's own shutdown path
// handles the registry and catalog cleanup.
func (j *Janitor) evictDeadProducers(ctx context.Context) {
	cutoff := time.Now().Add(-j.cfg.HeartbeatTimeout)
	for _, p := range j.router.Registry().Producers() {
		if p.LastActivity().Before(cutoff) {
			log.Info().
				Str("client_id", p.ClientID).
				Time("last_activity", p.LastActivity()).
				Msg("evicting unresponsive desktop client")
			metrics.ProducersEvicted.Inc()
			p.Close(1000, types.CloseReasonHeartbeat)
		}
	}
}

// markIdleProducers flips streaming producers back to idle when no frame
// has arrived for the idle window, so the catalog stops advertising a
// stream nobody is sending.
func (j *Janitor) markIdleProducers(ctx context.Context) {
	cutoff := time.Now().Add(-j.cfg.StreamIdleWindow)
	for _, p := range j.router.Registry().Producers() {
		if p.State() == relay.ProducerStreaming && p.LastFrameAt().Before(cutoff) {
			log.Debug().Str("client_id", p.ClientID).Msg("streaming producer went idle")
			p.MarkIdle(ctx)
		}
	}
}

// pruneCatalog removes catalog rows whose owning instance stopped
// heartbeating them, which is how the cluster recovers from a crashed
// instance. Each removal is announced so viewers everywhere learn about
// the disappearance.
func (j *Janitor) pruneCatalog(ctx context.Context) {
	ids, err := j.store.PruneDesktopClients(ctx, j.cfg.GraceWindow)
	if err != nil {
		log.Error().Err(err).Msg("failed to prune desktop clients")
		return
	}
	for _, id := range ids {
		log.Info().Str("client_id", id).Msg("pruned stale desktop client from catalog")
		j.router.PublishDisconnected(ctx, id)
	}
}

func (j *Janitor) expireCommands(ctx context.Context) {
	n, err := j.store.ExpireCommands(ctx, j.cfg.CommandTTLStreaming, j.cfg.CommandTTLAction)
	if err != nil {
		log.Error().Err(err).Msg("failed to expire commands")
		return
	}
	if n > 0 {
		metrics.CommandsExpired.Add(float64(n))
		metrics.CommandsFailed.Add(float64(n))
		log.Debug().Int64("expired", n).Msg("expired overdue commands")
	}
}

func (j *Janitor) purgeCommands(ctx context.Context) {
	n, err := j.store.PurgeCommands(ctx, commandRetention)
	if err != nil {
		log.Error().Err(err).Msg("failed to purge old commands")
		return
	}
	if n > 0 {
		log.Debug().Int64("purged", n).Msg("purged old terminal commands")
	}
}
