package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/helixml/screenrelay/api/pkg/config"
	"github.com/helixml/screenrelay/api/pkg/relay"
	"github.com/helixml/screenrelay/api/pkg/system"
)

const APIPrefix = "/api/v1"

// RelayAPIServer is the HTTP surface of one relay instance: the shared
// websocket endpoint plus a small REST and observability sidecar.
type RelayAPIServer struct {
	Cfg    *config.RelayConfig
	router *relay.Router

	httpRouter *mux.Router
}

func NewServer(cfg *config.RelayConfig, router *relay.Router) (*RelayAPIServer, error) {
	if cfg.WebServer.Port == 0 {
		return nil, fmt.Errorf("server port is required")
	}
	return &RelayAPIServer{
		Cfg:    cfg,
		router: router,
	}, nil
}

// ListenAndServe blocks until the context is cancelled, then drains the
// HTTP server. Live websocket sessions are closed by their own context.
func (apiServer *RelayAPIServer) ListenAndServe(ctx context.Context) error {
	apiRouter := apiServer.registerRoutes(ctx)
	apiServer.httpRouter = apiRouter

	srv := &http.Server{
		Addr: fmt.Sprintf("%s:%d", apiServer.Cfg.WebServer.Host, apiServer.Cfg.WebServer.Port),
		// websocket upgrades must not be cut off by server-side write
		// timeouts; ReadHeaderTimeout still guards against slowloris
		WriteTimeout:      0,
		ReadTimeout:       0,
		ReadHeaderTimeout: time.Second * 60,
		IdleTimeout:       time.Minute * 60,
		Handler:           apiRouter,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http server shutdown failed")
		}
	}()

	log.Info().
		Str("addr", srv.Addr).
		Str("instance_id", apiServer.router.InstanceID()).
		Msg("relay listening")

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (apiServer *RelayAPIServer) registerRoutes(ctx context.Context) *mux.Router {
	router := mux.NewRouter()

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	subRouter := router.PathPrefix(APIPrefix).Subrouter()
	subRouter.HandleFunc("/healthz", apiServer.healthz).Methods(http.MethodGet)
	subRouter.HandleFunc("/version", apiServer.version).Methods(http.MethodGet)
	subRouter.HandleFunc("/producers", apiServer.listProducers).Methods(http.MethodGet)

	apiServer.startWebSocketServer(ctx, router, "/ws")

	return router
}

func (apiServer *RelayAPIServer) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (apiServer *RelayAPIServer) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{
		"version":     system.GetRelayVersion(),
		"instance_id": apiServer.router.InstanceID(),
	})
}

// listProducers serves the same catalog view viewers get over the
// websocket, for dashboards and debugging.
func (apiServer *RelayAPIServer) listProducers(w http.ResponseWriter, r *http.Request) {
	list, err := apiServer.router.ProducerList(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list producers")
		http.Error(w, "catalog unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, list.Producers)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
