package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/avrec/avrec/internal/core"
	"github.com/avrec/avrec/internal/media"
)

// Processor wraps one relay subscription and one recording sink as a
// pass-through: every frame is recorded and then returned unmodified, so
// the live path continues even when recording fails. A frame-level sink
// failure is logged, never propagated; only an exhausted upstream ends
// the processor, and it ends only the processor.
type Processor struct {
	kind webrtc.RTPCodecType
	sid  core.SessionID
	sub  *Subscription
	sink media.Sink
	log  zerolog.Logger

	state    atomic.Int32
	stopOnce sync.Once
}

func NewProcessor(kind webrtc.RTPCodecType, sid core.SessionID, sub *Subscription, sink media.Sink, logger zerolog.Logger) *Processor {
	p := &Processor{
		kind: kind,
		sid:  sid,
		sub:  sub,
		sink: sink,
		log: logger.With().
			Str("module", "processor").
			Str("sid", string(sid)).
			Str("kind", kind.String()).
			Logger(),
	}
	p.state.Store(int32(core.ProcPending))
	return p
}

func (p *Processor) Kind() webrtc.RTPCodecType { return p.kind }

func (p *Processor) State() core.ProcessorState {
	return core.ProcessorState(p.state.Load())
}

// Receive pulls the next frame, feeds it to the sink and returns the
// original frame regardless of the recording outcome.
func (p *Processor) Receive(ctx context.Context) (*rtp.Packet, error) {
	pkt, err := p.sub.Read(ctx)
	if err != nil {
		if errors.Is(err, core.ErrStreamEnded) {
			p.Stop()
			return nil, fmt.Errorf("%s track: %w", p.kind, core.ErrStreamEnded)
		}
		return nil, err
	}

	p.state.CompareAndSwap(int32(core.ProcPending), int32(core.ProcRecording))

	if err := p.sink.Append(pkt); err != nil {
		// Recording degrades, the stream does not.
		p.log.Warn().Err(err).Msg("frame not recorded")
	}
	return pkt, nil
}

// Stop releases the subscription and the sink. Safe to call any number of
// times, concurrently with an in-flight Receive.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		p.sub.Close()
		if err := p.sink.Close(); err != nil {
			p.log.Error().Err(err).Msg("sink close failed")
		}
		p.state.Store(int32(core.ProcStopped))
		if path := p.sink.Path(); path != "" {
			p.log.Info().Str("file", path).Msg("recording stopped")
		}
	})
}
