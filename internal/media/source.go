package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/avrec/avrec/internal/core"
)

// Prober is the injected capability that binds live capture devices.
// Platform selection lives behind this interface, outside the core.
type Prober interface {
	Probe(ctx context.Context) (audio, video webrtc.TrackLocal, err error)
}

// NoDeviceProber always reports the device unavailable, which sends the
// provider down the synthetic fallback chain.
type NoDeviceProber struct{}

func (NoDeviceProber) Probe(context.Context) (webrtc.TrackLocal, webrtc.TrackLocal, error) {
	return nil, nil, core.ErrDeviceUnavailable
}

type SourceConfig struct {
	// PlayFrom, when set, derives both tracks from <PlayFrom>.ogg and
	// <PlayFrom>.ivf instead of probing capture devices.
	PlayFrom string

	SampleRate int
	Width      int
	Height     int
	FPS        int
}

// Provider owns the process-wide local source tracks shared read-only by
// all sessions. Resolution happens once, on first need: file playback,
// then live capture, then synthetic generators; a kind the earlier stages
// could not supply is synthesized individually. A failed device probe is
// never retried for the process lifetime.
type Provider struct {
	ctx    context.Context
	cfg    SourceConfig
	prober Prober
	log    zerolog.Logger

	once  sync.Once
	audio webrtc.TrackLocal
	video webrtc.TrackLocal
}

func NewProvider(ctx context.Context, cfg SourceConfig, prober Prober, logger zerolog.Logger) *Provider {
	if prober == nil {
		prober = NoDeviceProber{}
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 640, 480
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &Provider{ctx: ctx, cfg: cfg, prober: prober, log: logger}
}

// Tracks returns the shared outbound tracks; either may be nil when even
// the synthetic generator could not start.
func (p *Provider) Tracks() (audio, video webrtc.TrackLocal) {
	p.once.Do(p.resolve)
	return p.audio, p.video
}

func (p *Provider) resolve() {
	if p.cfg.PlayFrom != "" {
		p.resolvePlayback()
	} else {
		p.resolveCapture()
	}

	if p.audio == nil {
		t, err := newSilenceTrack(p.ctx, p.cfg.SampleRate, p.log)
		if err != nil {
			p.log.Error().Err(err).Msg("synthetic audio source failed")
		} else {
			p.audio = t
		}
	}
	if p.video == nil {
		t, err := newTestPatternTrack(p.ctx, p.cfg.Width, p.cfg.Height, p.cfg.FPS, p.log)
		if err != nil {
			p.log.Error().Err(err).Msg("synthetic video source failed")
		} else {
			p.video = t
		}
	}
}

func (p *Provider) resolvePlayback() {
	if t, err := newOggTrack(p.ctx, p.cfg.PlayFrom+".ogg", p.log); err != nil {
		p.log.Warn().Err(err).Msg("audio playback unavailable")
	} else {
		p.audio = t
	}
	if t, err := newIVFTrack(p.ctx, p.cfg.PlayFrom+".ivf", p.log); err != nil {
		p.log.Warn().Err(err).Msg("video playback unavailable")
	} else {
		p.video = t
	}
}

func (p *Provider) resolveCapture() {
	audio, video, err := p.prober.Probe(p.ctx)
	if err != nil {
		// Recovered locally: synthetic sources take over for the
		// process lifetime.
		p.log.Info().Err(err).Msg("capture devices unavailable, using synthetic sources")
		return
	}
	if audio == nil && video == nil {
		p.log.Info().Msg("capture probe yielded no tracks, using synthetic sources")
		return
	}
	p.audio = audio
	p.video = video
}
