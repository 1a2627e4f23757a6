package media

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"
)

// Ogg pages produced by opus encoders carry one 20 ms frame each; pacing
// follows that nominal duration rather than the granule positions.
const oggPageDuration = 20 * time.Millisecond

// newOggTrack plays an Opus-in-Ogg file as an outbound audio track. The
// track ends when the file is exhausted.
func newOggTrack(ctx context.Context, path string, logger zerolog.Logger) (*webrtc.TrackLocalStaticSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "avrec-playback",
	)
	if err != nil {
		f.Close()
		return nil, err
	}

	go func() {
		defer f.Close()
		ticker := time.NewTicker(oggPageDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				page, _, err := ogg.ParseNextPage()
				if err != nil {
					if err != io.EOF {
						logger.Warn().Err(err).Msg("ogg playback error")
					}
					logger.Info().Str("file", path).Msg("audio playback finished")
					return
				}
				if err := track.WriteSample(pionmedia.Sample{Data: page, Duration: oggPageDuration}); err != nil {
					logger.Debug().Err(err).Msg("playback audio sample dropped")
				}
			}
		}
	}()

	logger.Info().Str("file", path).Msg("audio playback source started")
	return track, nil
}

// newIVFTrack plays a VP8 IVF file as an outbound video track, paced by
// the file's timebase.
func newIVFTrack(ctx context.Context, path string, logger zerolog.Logger) (*webrtc.TrackLocalStaticSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	ivf, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", "avrec-playback",
	)
	if err != nil {
		f.Close()
		return nil, err
	}

	frameDuration := time.Millisecond * time.Duration(
		(float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator))*1000,
	)
	if frameDuration <= 0 {
		frameDuration = time.Second / 30
	}

	go func() {
		defer f.Close()
		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				frame, _, err := ivf.ParseNextFrame()
				if err != nil {
					if err != io.EOF {
						logger.Warn().Err(err).Msg("ivf playback error")
					}
					logger.Info().Str("file", path).Msg("video playback finished")
					return
				}
				if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
					logger.Debug().Err(err).Msg("playback video sample dropped")
				}
			}
		}
	}()

	logger.Info().Str("file", path).Msg("video playback source started")
	return track, nil
}
