package relay

import (
	"context"

	"github.com/gorilla/websocket"
)

// ServeProducer runs a desktop client session on an upgraded websocket.
// Blocks until the socket dies or the context is cancelled.
func (r *Router) ServeProducer(ctx context.Context, clientID string, conn *websocket.Conn) {
	s := newProducerSession(clientID, conn, r)
	s.Run(ctx)
}

// ServeViewer runs a viewer session on an upgraded websocket. The viewer
// is visible to frame fan-out from the moment it is indexed.
func (r *Router) ServeViewer(ctx context.Context, viewerID string, conn *websocket.Conn) {
	s := newViewerSession(viewerID, conn, r)
	r.registry.AddViewer(s)
	s.Run(ctx)
}
