package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/avrec/avrec/internal/core"
)

// TransportFactory builds the peer transport for a new session.
type TransportFactory func(sid core.SessionID) (Transport, error)

// Service is the single mutating entry point into the core: it turns an
// inbound offer into a registered session and an answer.
type Service struct {
	log        zerolog.Logger
	ctx        context.Context
	registry   *Registry
	hub        *Hub
	provider   LocalProvider
	sinks      SinkFactory
	transports TransportFactory
}

func NewService(ctx context.Context, registry *Registry, hub *Hub, provider LocalProvider, sinks SinkFactory, transports TransportFactory, logger zerolog.Logger) *Service {
	return &Service{
		log:        logger.With().Str("module", "service").Logger(),
		ctx:        ctx,
		registry:   registry,
		hub:        hub,
		provider:   provider,
		sinks:      sinks,
		transports: transports,
	}
}

// HandleOffer negotiates a new session for the offer. The session is
// registered before the answer is produced so a state notification firing
// immediately after negotiation always finds it; a failed negotiation
// rolls the registration back and reports core.ErrNegotiation.
func (svc *Service) HandleOffer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, *Session, error) {
	id := core.SessionID(uuid.NewString())

	transport, err := svc.transports(id)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", core.ErrNegotiation, err)
	}

	sess := NewSession(svc.ctx, id, svc.hub, svc.provider, svc.sinks, transport, func(s *Session) {
		svc.registry.Remove(s.ID)
	}, svc.log)
	transport.OnTrack(sess.OnTrack)
	transport.OnStateChanged(sess.OnConnectionStateChanged)

	svc.registry.Add(sess)
	sess.setState(core.StateNegotiating)

	if err := sess.PrepareMedia(); err != nil {
		svc.registry.Remove(id)
		if cerr := sess.Close(); cerr != nil {
			svc.log.Warn().Err(cerr).Str("sid", string(id)).Msg("cleanup after failed preparation")
		}
		return nil, nil, fmt.Errorf("%w: %v", core.ErrNegotiation, err)
	}

	answer, err := transport.Negotiate(offer)
	if err != nil {
		svc.registry.Remove(id)
		if cerr := sess.Close(); cerr != nil {
			svc.log.Warn().Err(cerr).Str("sid", string(id)).Msg("cleanup after failed negotiation")
		}
		return nil, nil, fmt.Errorf("%w: %v", core.ErrNegotiation, err)
	}

	svc.log.Info().Str("sid", string(id)).Msg("session negotiated")
	return answer, sess, nil
}
