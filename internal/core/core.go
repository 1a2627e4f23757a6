package core

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type SessionID string

// SessionState is the lifecycle of a peer session.
// new -> negotiating -> connected -> {failed, closed}.
type SessionState int32

const (
	StateNew SessionState = iota
	StateNegotiating
	StateConnected
	StateFailed
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state triggers session cleanup.
func (s SessionState) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// ProcessorState is the lifecycle of a track processor.
type ProcessorState int32

const (
	ProcPending ProcessorState = iota
	ProcRecording
	ProcStopped
)

func (s ProcessorState) String() string {
	switch s {
	case ProcPending:
		return "pending"
	case ProcRecording:
		return "recording"
	case ProcStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// TrackReader is the read side of an RTP track. *webrtc.TrackRemote
// satisfies it.
type TrackReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
	Kind() webrtc.RTPCodecType
}

// RemoteTrack is an inbound track as seen by a session.
type RemoteTrack interface {
	TrackReader
	ID() string
	Codec() webrtc.RTPCodecParameters
	SSRC() webrtc.SSRC
}
