package media

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"time"

	"github.com/gen2brain/x264-go"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/rs/zerolog"

	"github.com/avrec/avrec/internal/core"
)

const opusFrameDuration = 20 * time.Millisecond

// A single Opus DTX silence frame; writing it every 20 ms yields a valid
// silent stream without an encoder.
var opusSilenceFrame = []byte{0xf8, 0xff, 0xfe}

// newSilenceTrack returns an outbound audio track fed by a silent
// generator at the target sample rate.
func newSilenceTrack(ctx context.Context, sampleRate int, logger zerolog.Logger) (*webrtc.TrackLocalStaticSample, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: uint32(sampleRate), Channels: 2},
		"audio", "avrec-local",
	)
	if err != nil {
		return nil, err
	}

	go func() {
		ticker := time.NewTicker(opusFrameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sample := pionmedia.Sample{Data: opusSilenceFrame, Duration: opusFrameDuration}
				if err := track.WriteSample(sample); err != nil {
					logger.Debug().Err(err).Msg("silence sample dropped")
				}
			}
		}
	}()

	logger.Info().Int("rate", sampleRate).Msg("synthetic silent audio source started")
	return track, nil
}

// newTestPatternTrack returns an outbound video track fed by an
// x264-encoded moving test pattern at a fixed resolution and frame rate.
func newTestPatternTrack(ctx context.Context, width, height, fps int, logger zerolog.Logger) (*webrtc.TrackLocalStaticSample, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		"video", "avrec-local",
	)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	enc, err := x264.NewEncoder(pw, &x264.Options{
		Width:     width,
		Height:    height,
		FrameRate: fps,
		Tune:      "zerolatency",
		Preset:    "veryfast",
		Profile:   "baseline",
	})
	if err != nil {
		pw.Close()
		return nil, fmt.Errorf("%w: x264: %v", core.ErrCodecOpen, err)
	}

	frameDuration := time.Second / time.Duration(fps)

	go func() {
		defer pw.Close()
		defer enc.Close()
		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()
		frame := 0
		for {
			select {
			case <-ctx.Done():
				if err := enc.Flush(); err != nil {
					logger.Debug().Err(err).Msg("x264 flush")
				}
				return
			case <-ticker.C:
				if err := enc.Encode(testPatternImage(width, height, frame)); err != nil {
					logger.Warn().Err(err).Msg("test pattern encode failed, frame skipped")
				}
				frame++
			}
		}
	}()

	go func() {
		reader, err := h264reader.NewReader(pr)
		if err != nil {
			logger.Error().Err(err).Msg("h264 stream reader failed")
			return
		}
		for {
			nal, err := reader.NextNAL()
			if err != nil {
				if err != io.EOF {
					logger.Debug().Err(err).Msg("h264 stream ended")
				}
				return
			}
			sample := pionmedia.Sample{Data: nal.Data, Duration: frameDuration}
			if err := track.WriteSample(sample); err != nil {
				logger.Debug().Err(err).Msg("test pattern sample dropped")
			}
		}
	}()

	logger.Info().Int("width", width).Int("height", height).Int("fps", fps).Msg("synthetic test pattern video source started")
	return track, nil
}

// testPatternImage draws a horizontal gradient with a box sweeping across
// it, so consecutive frames differ and encoders keep producing output.
func testPatternImage(width, height, frame int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x * 255 / width),
				G: uint8(y * 255 / height),
				B: 0x80,
				A: 0xff,
			})
		}
	}
	boxSize := height / 8
	if boxSize < 8 {
		boxSize = 8
	}
	offset := (frame * 4) % (width - boxSize)
	for y := height/2 - boxSize/2; y < height/2+boxSize/2; y++ {
		for x := offset; x < offset+boxSize; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff})
		}
	}
	return img
}
