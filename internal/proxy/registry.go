package proxy

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// sessionID is the process-wide CONNECT session counter. Every session gets
// an id whether or not the registry is enabled.
var sessionID atomic.Uint64

func nextSessionID() uint64 {
	return sessionID.Add(1)
}

// Registry tracks in-flight CONNECT sessions for diagnostics. It is created
// only when verbosity is above zero and is never consulted by forwarding
// logic.
type Registry struct {
	log zerolog.Logger

	mu    sync.Mutex
	conns map[uint64]string
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{log: log, conns: make(map[uint64]string)}
}

// Add records a session. Adding an id that is already present is a no-op.
func (r *Registry) Add(id uint64, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; ok {
		return
	}
	r.conns[id] = url
	r.log.Debug().Uint64("id", id).Str("url", url).Int("open", len(r.conns)).Msg("session opened")
}

// Remove drops a session. Removing an unknown id is an anomaly worth
// logging but never an error.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		r.log.Warn().Uint64("id", id).Msg("remove of unknown session id")
		return
	}
	delete(r.conns, id)
	r.log.Debug().Uint64("id", id).Int("open", len(r.conns)).Msg("session closed")
}

// Len reports the number of in-flight sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
