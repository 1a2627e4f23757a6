package media

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrec/avrec/internal/core"
)

type countingProber struct {
	calls int
}

func (p *countingProber) Probe(context.Context) (webrtc.TrackLocal, webrtc.TrackLocal, error) {
	p.calls++
	return nil, nil, core.ErrDeviceUnavailable
}

func TestProviderFallsBackToSyntheticSources(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prober := &countingProber{}
	p := NewProvider(ctx, SourceConfig{SampleRate: 48000, Width: 128, Height: 96, FPS: 5}, prober, zerolog.Nop())

	audio, video := p.Tracks()
	require.NotNil(t, audio)
	require.NotNil(t, video)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, audio.Kind())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, video.Kind())
}

func TestProviderProbesOnlyOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prober := &countingProber{}
	p := NewProvider(ctx, SourceConfig{Width: 128, Height: 96, FPS: 5}, prober, zerolog.Nop())

	a1, v1 := p.Tracks()
	a2, v2 := p.Tracks()
	assert.Equal(t, 1, prober.calls)
	assert.Same(t, a1, a2)
	assert.Same(t, v1, v2)
}

func TestProviderPlaybackMissingFilesFallsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewProvider(ctx, SourceConfig{PlayFrom: t.TempDir() + "/nope", Width: 128, Height: 96, FPS: 5}, nil, zerolog.Nop())
	audio, video := p.Tracks()
	assert.NotNil(t, audio)
	assert.NotNil(t, video)
}
