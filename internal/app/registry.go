package app

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/avrec/avrec/internal/core"
)

// Registry is the process-wide set of live sessions. Sessions register
// before negotiation completes and deregister themselves on terminal
// transitions; CloseAll is the bulk-shutdown path.
type Registry struct {
	log zerolog.Logger

	mu       sync.RWMutex
	sessions map[core.SessionID]*Session
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		log:      logger.With().Str("module", "registry").Logger(),
		sessions: make(map[core.SessionID]*Session),
	}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	r.log.Info().Str("sid", string(s.ID)).Msg("session registered")
}

func (r *Registry) Remove(id core.SessionID) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		r.log.Info().Str("sid", string(id)).Msg("session deregistered")
	}
}

func (r *Registry) Get(id core.SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every registered session. Individual failures are
// collected and reported together; they never abort the remaining
// shutdown steps.
func (r *Registry) CloseAll() error {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
		}
	}
	r.log.Info().Int("count", len(sessions)).Msg("all sessions closed")
	return errors.Join(errs...)
}
