package app

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/avrec/avrec/internal/core"
	"github.com/avrec/avrec/internal/media"
)

const keyframeInterval = 3 * time.Second

// Transport is the peer-connection surface a session drives. The adapter
// behind it invokes OnTrack / OnStateChanged; the session never touches
// transport internals.
type Transport interface {
	Negotiate(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	AddLocalTrack(track webrtc.TrackLocal) error
	RequestKeyframe(ssrc uint32) error
	OnTrack(fn func(core.RemoteTrack))
	OnStateChanged(fn func(core.SessionState))
	Close() error
}

// LocalProvider supplies the shared outbound preview tracks.
type LocalProvider interface {
	Tracks() (audio, video webrtc.TrackLocal)
}

// SinkFactory builds the recording sink for an inbound track.
type SinkFactory func(sid core.SessionID, track core.RemoteTrack) (media.Sink, error)

// Session owns one peer connection's lifecycle: its track processors, the
// echo-vs-local send-back decision and the exactly-once terminal cleanup.
type Session struct {
	ID        core.SessionID
	CreatedAt time.Time

	log       zerolog.Logger
	hub       *Hub
	provider  LocalProvider
	sinks     SinkFactory
	transport Transport
	onClosed  func(*Session)

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	mu         sync.Mutex
	procs      map[webrtc.RTPCodecType]*Processor
	echoTracks map[webrtc.RTPCodecType]*webrtc.TrackLocalStaticRTP

	closeOnce sync.Once
	closeErr  error
}

func NewSession(ctx context.Context, id core.SessionID, hub *Hub, provider LocalProvider, sinks SinkFactory, transport Transport, onClosed func(*Session), logger zerolog.Logger) *Session {
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:         id,
		CreatedAt:  time.Now(),
		log:        logger.With().Str("module", "session").Str("sid", string(id)).Logger(),
		hub:        hub,
		provider:   provider,
		sinks:      sinks,
		transport:  transport,
		onClosed:   onClosed,
		ctx:        sctx,
		cancel:     cancel,
		procs:      make(map[webrtc.RTPCodecType]*Processor),
		echoTracks: make(map[webrtc.RTPCodecType]*webrtc.TrackLocalStaticRTP),
	}
	s.state.Store(int32(core.StateNew))
	return s
}

func (s *Session) State() core.SessionState {
	return core.SessionState(s.state.Load())
}

func (s *Session) setState(next core.SessionState) {
	prev := core.SessionState(s.state.Swap(int32(next)))
	if prev != next {
		s.log.Info().Str("from", prev.String()).Str("to", next.String()).Msg("state changed")
	}
}

// PrepareMedia provisions the outbound senders before the answer is
// created: the shared local source track per kind when one exists,
// otherwise a placeholder echo track that OnTrack later feeds from a
// relay subscription. Decided once, immutable afterwards.
func (s *Session) PrepareMedia() error {
	localAudio, localVideo := s.provider.Tracks()

	if err := s.prepareKind(webrtc.RTPCodecTypeAudio, localAudio, webrtc.RTPCodecCapability{
		MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2,
	}); err != nil {
		return err
	}
	return s.prepareKind(webrtc.RTPCodecTypeVideo, localVideo, webrtc.RTPCodecCapability{
		MimeType: webrtc.MimeTypeVP8, ClockRate: 90000,
	})
}

func (s *Session) prepareKind(kind webrtc.RTPCodecType, local webrtc.TrackLocal, echoCap webrtc.RTPCodecCapability) error {
	if local != nil {
		if err := s.transport.AddLocalTrack(local); err != nil {
			return err
		}
		s.log.Info().Str("kind", kind.String()).Msg("sending local source to peer")
		return nil
	}
	echo, err := webrtc.NewTrackLocalStaticRTP(echoCap, "echo-"+kind.String(), string(s.ID))
	if err != nil {
		return err
	}
	if err := s.transport.AddLocalTrack(echo); err != nil {
		return err
	}
	s.mu.Lock()
	s.echoTracks[kind] = echo
	s.mu.Unlock()
	s.log.Info().Str("kind", kind.String()).Msg("no local source, echoing peer media back")
	return nil
}

// OnTrack is the transport's notification that an inbound track arrived.
// It binds a relay subscription plus recording sink into a processor and,
// in echo mode, a second subscription feeding the placeholder sender.
func (s *Session) OnTrack(track core.RemoteTrack) {
	kind := track.Kind()
	logger := s.log.With().Str("kind", kind.String()).Logger()

	sink, err := s.sinks(s.ID, track)
	if err != nil {
		logger.Error().Err(err).Msg("recording sink unavailable, track will not be recorded")
		sink = media.Discard{}
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		// The terminal transition already ran; a processor added now would
		// never be stopped.
		s.mu.Unlock()
		logger.Warn().Str("track_id", track.ID()).Msg("ignoring track arriving after session terminated")
		if err := sink.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing unused sink")
		}
		return
	}
	if _, dup := s.procs[kind]; dup {
		s.mu.Unlock()
		logger.Warn().Str("track_id", track.ID()).Msg("ignoring additional track of same kind")
		if err := sink.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing unused sink")
		}
		return
	}
	proc := NewProcessor(kind, s.ID, s.hub.Subscribe(track), sink, s.log)
	s.procs[kind] = proc
	echo := s.echoTracks[kind]
	s.mu.Unlock()

	if echo != nil && !strings.EqualFold(echo.Codec().MimeType, track.Codec().MimeType) {
		logger.Warn().
			Str("sender_codec", echo.Codec().MimeType).
			Str("inbound_codec", track.Codec().MimeType).
			Msg("inbound codec does not match the echo sender, preview disabled for this track")
		echo = nil
	}

	logger.Info().Str("track_id", track.ID()).Msg("track received")

	go s.recordLoop(proc)
	if echo != nil {
		go s.echoLoop(s.hub.Subscribe(track), echo, logger)
	}
	if kind == webrtc.RTPCodecTypeVideo {
		go s.keyframeLoop(uint32(track.SSRC()))
	}
}

// recordLoop drives the processor until its upstream ends or the session
// closes. The processor is stopped on the way out whichever way the loop
// exits, so a context cancellation racing the terminal cleanup cannot
// leave the sink open.
func (s *Session) recordLoop(proc *Processor) {
	defer proc.Stop()
	for {
		if _, err := proc.Receive(s.ctx); err != nil {
			if errors.Is(err, core.ErrStreamEnded) {
				s.log.Info().Str("kind", proc.Kind().String()).Msg("track ended")
			}
			return
		}
	}
}

func (s *Session) echoLoop(sub *Subscription, out *webrtc.TrackLocalStaticRTP, logger zerolog.Logger) {
	defer sub.Close()
	for {
		pkt, err := sub.Read(s.ctx)
		if err != nil {
			return
		}
		if err := out.WriteRTP(pkt); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			logger.Debug().Err(err).Msg("echo write failed")
		}
	}
}

// keyframeLoop periodically asks the peer for a keyframe so the video
// sink can open its container and the echo stream stays decodable.
func (s *Session) keyframeLoop(ssrc uint32) {
	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.transport.RequestKeyframe(ssrc); err != nil {
				s.log.Debug().Err(err).Msg("keyframe request failed")
				return
			}
		}
	}
}

// OnConnectionStateChanged is the transport's notification surface for
// connection-state transitions. Terminal states trigger cleanup, which
// runs exactly once no matter how many notifications arrive.
func (s *Session) OnConnectionStateChanged(state core.SessionState) {
	switch {
	case state == core.StateConnected:
		// A late notification must not resurrect a terminated session.
		if !s.State().Terminal() {
			s.setState(core.StateConnected)
		}
	case state.Terminal():
		s.terminate(state)
	}
}

// Close tears the session down as if the connection had closed.
func (s *Session) Close() error {
	s.terminate(core.StateClosed)
	return s.closeErr
}

func (s *Session) terminate(state core.SessionState) {
	s.closeOnce.Do(func() {
		s.setState(state)
		s.cancel()

		s.mu.Lock()
		procs := make([]*Processor, 0, len(s.procs))
		for _, p := range s.procs {
			procs = append(procs, p)
		}
		s.mu.Unlock()

		var errs []error
		for _, p := range procs {
			p.Stop()
		}
		if err := s.transport.Close(); err != nil {
			errs = append(errs, err)
			s.log.Error().Err(err).Msg("transport close failed")
		}
		s.closeErr = errors.Join(errs...)

		if s.onClosed != nil {
			s.onClosed(s)
		}
		s.log.Info().Msg("session terminated")
	})
}
