package relay

import (
	"sync"

	"github.com/helixml/screenrelay/api/pkg/metrics"
)

// Registry is the per-instance index of live sockets. It dies with the
// process; the catalog in the store is the cross-instance view.
type Registry struct {
	mu        sync.RWMutex
	producers map[string]*ProducerSession
	viewers   map[string]*ViewerSession
}

func NewRegistry() *Registry {
	return &Registry{
		producers: make(map[string]*ProducerSession),
		viewers:   make(map[string]*ViewerSession),
	}
}

// AddProducer indexes a registered producer session and returns the
// session it displaced, if any. A duplicate handshake for the same
// desktop client ID displaces the older socket; the caller closes it.
func (r *Registry) AddProducer(s *ProducerSession) *ProducerSession {
	r.mu.Lock()
	old := r.producers[s.ClientID]
	r.producers[s.ClientID] = s
	r.mu.Unlock()

	if old == nil {
		metrics.ConnectedProducers.Inc()
	}
	return old
}

// RemoveProducer drops the index entry, but only when it still points at
// the given session. A reconnect that already displaced this session must
// not be un-indexed by the old session's cleanup. Reports whether the
// entry was removed.
func (r *Registry) RemoveProducer(s *ProducerSession) bool {
	r.mu.Lock()
	removed := false
	if cur, ok := r.producers[s.ClientID]; ok && cur == s {
		delete(r.producers, s.ClientID)
		removed = true
	}
	r.mu.Unlock()

	if removed {
		metrics.ConnectedProducers.Dec()
	}
	return removed
}

func (r *Registry) GetProducer(clientID string) (*ProducerSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.producers[clientID]
	return s, ok
}

// Producers snapshots the producer sessions so callers can iterate
// without holding the lock across socket writes.
func (r *Registry) Producers() []*ProducerSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ProducerSession, 0, len(r.producers))
	for _, s := range r.producers {
		out = append(out, s)
	}
	return out
}

func (r *Registry) AddViewer(s *ViewerSession) {
	r.mu.Lock()
	r.viewers[s.ID] = s
	r.mu.Unlock()
	metrics.ConnectedViewers.Inc()
}

func (r *Registry) RemoveViewer(s *ViewerSession) {
	r.mu.Lock()
	removed := false
	if cur, ok := r.viewers[s.ID]; ok && cur == s {
		delete(r.viewers, s.ID)
		removed = true
	}
	r.mu.Unlock()

	if removed {
		metrics.ConnectedViewers.Dec()
	}
}

// Viewers snapshots the viewer sessions for fan-out.
func (r *Registry) Viewers() []*ViewerSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ViewerSession, 0, len(r.viewers))
	for _, s := range r.viewers {
		out = append(out, s)
	}
	return out
}
