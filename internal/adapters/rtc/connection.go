package rtc

import (
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avrec/avrec/internal/core"
)

// Connection wraps a pion PeerConnection behind the session's transport
// surface. Every pion callback is translated into one of the two explicit
// notifications the application layer understands.
type Connection struct {
	pc  *webrtc.PeerConnection
	sid core.SessionID

	onTrack func(core.RemoteTrack)
	onState func(core.SessionState)
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

func New(cfg webrtc.Configuration, sid core.SessionID) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &Connection{pc: pc, sid: sid}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("sid", string(c.sid)).Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("sid", string(c.sid)).Str("peer_connection_state", s.String()).Msg("peer state")
		if state, ok := mapPeerState(s); ok && c.onState != nil {
			c.onState(state)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("sid", string(c.sid)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if c.onTrack != nil {
			c.onTrack(track)
		}
	})

	return c, nil
}

// mapPeerState reduces pion's connection states to the session's machine.
// Disconnected is transient at the ICE level and intentionally unmapped.
func mapPeerState(s webrtc.PeerConnectionState) (core.SessionState, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return core.StateConnected, true
	case webrtc.PeerConnectionStateFailed:
		return core.StateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return core.StateClosed, true
	default:
		return core.StateNew, false
	}
}

// OnTrack sets the application-level callback for remote tracks.
func (c *Connection) OnTrack(fn func(core.RemoteTrack)) { c.onTrack = fn }

// OnStateChanged sets the application-level callback for connection-state
// transitions.
func (c *Connection) OnStateChanged(fn func(core.SessionState)) { c.onState = fn }

// Negotiate applies the remote offer and produces a complete answer with
// all ICE candidates gathered, so the answer can be returned in a single
// round trip.
func (c *Connection) Negotiate(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete

	return c.pc.LocalDescription(), nil
}

// AddLocalTrack attaches an outbound track to the PeerConnection and keeps
// its RTCP stream drained so interceptors keep running.
func (c *Connection) AddLocalTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// RequestKeyframe sends a PLI for the given media source.
func (c *Connection) RequestKeyframe(ssrc uint32) error {
	return c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
}

func (c *Connection) Close() error {
	return c.pc.Close()
}
