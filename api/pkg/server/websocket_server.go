package server

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/helixml/screenrelay/api/pkg/system"
	"github.com/helixml/screenrelay/api/pkg/types"
)

var relayWebsocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// startWebSocketServer registers the shared websocket endpoint. Desktop
// clients and web viewers arrive on the same path and declare themselves
// with the client_type query parameter.
func (apiServer *RelayAPIServer) startWebSocketServer(
	ctx context.Context,
	r *mux.Router,
	path string,
) {
	r.HandleFunc(path, func(w http.ResponseWriter, req *http.Request) {
		clientType := types.ClientType(req.URL.Query().Get("client_type"))
		clientID := req.URL.Query().Get("client_id")

		switch clientType {
		case types.ClientTypeDesktop:
			if clientID == "" {
				log.Error().Msg("desktop client connected without client_id")
				http.Error(w, "client_id is required for desktop clients", http.StatusBadRequest)
				return
			}
		case types.ClientTypeWeb:
			if clientID == "" {
				clientID = system.GenerateViewerID()
			}
		default:
			log.Error().Str("client_type", string(clientType)).Msg("unknown client_type")
			http.Error(w, "client_type must be desktop or web", http.StatusBadRequest)
			return
		}

		conn, err := relayWebsocketUpgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Error().Err(err).Msg("error upgrading websocket")
			return
		}

		log.Trace().
			Str("client_type", string(clientType)).
			Str("client_id", clientID).
			Msg("websocket connected")

		// sessions run on the request goroutine; the connection context is
		// cancelled on server shutdown so sessions drain with the process
		switch clientType {
		case types.ClientTypeDesktop:
			apiServer.router.ServeProducer(ctx, clientID, conn)
		case types.ClientTypeWeb:
			apiServer.router.ServeViewer(ctx, clientID, conn)
		}
	}).Methods(http.MethodGet)
}
