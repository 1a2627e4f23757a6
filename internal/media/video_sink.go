package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	"github.com/rs/zerolog"

	"github.com/avrec/avrec/internal/core"
)

const videoMaxLatePackets = 512

// rtpFileWriter is the packet-level write mode shared by the IVF and H264
// fallback formats.
type rtpFileWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// VideoSink records one inbound video track. Nothing is opened until the
// first complete keyframe with parseable dimensions arrives; formats are
// tried in preference order and an exhausted chain leaves the sink in a
// degraded state where appends become silent no-ops. The live stream is
// never failed by the sink.
type VideoSink struct {
	mu  sync.Mutex
	log zerolog.Logger

	dir  string
	base string
	mime string

	builder *samplebuilder.SampleBuilder

	// Exactly one of these is set once opened. webmWriter consumes
	// assembled frames; rtpWriter consumes packets, raw for H264 and
	// rewrapped assembled frames for VP8.
	webmWriter webm.BlockWriteCloser
	rtpWriter  rtpFileWriter

	pts      time.Duration
	seq      uint16
	path     string
	opened   bool
	degraded bool
	closed   bool
	frames   int64
}

func NewVideoSink(dir string, sid core.SessionID, codec webrtc.RTPCodecParameters, logger zerolog.Logger) (*VideoSink, error) {
	videoDir := filepath.Join(dir, "video")
	if err := os.MkdirAll(videoDir, 0o755); err != nil {
		return nil, fmt.Errorf("create video dir: %w", err)
	}
	s := &VideoSink{
		log:  logger,
		dir:  videoDir,
		base: fmt.Sprintf("%s_%s", sid, time.Now().Format("20060102_150405")),
		mime: strings.ToLower(codec.MimeType),
	}
	switch s.mime {
	case strings.ToLower(webrtc.MimeTypeVP8):
		s.builder = samplebuilder.New(videoMaxLatePackets, &codecs.VP8Packet{}, codec.ClockRate)
	case strings.ToLower(webrtc.MimeTypeH264):
		// Packet-level passthrough, no frame assembly needed.
	default:
		s.log.Warn().Str("mime", codec.MimeType).Msg("no recording format for codec, video recording disabled")
		s.degraded = true
	}
	return s, nil
}

func (s *VideoSink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

func (s *VideoSink) Append(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.degraded {
		return nil
	}
	if s.builder == nil {
		return s.appendH264(pkt)
	}
	return s.appendVP8(pkt)
}

func (s *VideoSink) appendH264(pkt *rtp.Packet) error {
	if !s.opened {
		path := filepath.Join(s.dir, s.base+".h264")
		w, err := h264writer.New(path)
		if err != nil {
			s.degrade(fmt.Errorf("%w: h264: %v", core.ErrCodecOpen, err))
			return nil
		}
		s.rtpWriter = w
		s.path = path
		s.opened = true
		s.log.Info().Str("file", path).Msg("video sink opened")
	}
	if err := s.rtpWriter.WriteRTP(pkt); err != nil {
		return fmt.Errorf("%w: h264 write: %v", core.ErrFrameProcessing, err)
	}
	s.frames++
	return nil
}

func (s *VideoSink) appendVP8(pkt *rtp.Packet) error {
	s.builder.Push(pkt)

	var appendErr error
	for {
		sample := s.builder.Pop()
		if sample == nil {
			break
		}
		keyframe := vp8FrameIsKeyframe(sample.Data)

		if !s.opened {
			// Recording starts at the first decodable point.
			if !keyframe {
				continue
			}
			width, height, ok := vp8KeyframeDimensions(sample.Data)
			if !ok {
				continue
			}
			s.openVP8(width, height)
			if s.degraded {
				return nil
			}
		}

		s.pts += sample.Duration
		if err := s.writeVP8Frame(keyframe, sample.Data); err != nil {
			appendErr = err
			continue
		}
		s.frames++
	}
	return appendErr
}

// writeVP8Frame routes an assembled frame to whichever container opened.
// The IVF writer consumes RTP, so the frame is rewrapped as one synthetic
// packet with the descriptor start bit and the marker set; this keeps the
// opening keyframe, which was assembled before the container existed.
func (s *VideoSink) writeVP8Frame(keyframe bool, frame []byte) error {
	if s.webmWriter != nil {
		if _, err := s.webmWriter.Write(keyframe, int64(s.pts/time.Millisecond), frame); err != nil {
			return fmt.Errorf("%w: webm write: %v", core.ErrFrameProcessing, err)
		}
		return nil
	}
	s.seq++
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: s.seq,
			Timestamp:      uint32(int64(s.pts) * 90000 / int64(time.Second)),
			Marker:         true,
		},
		Payload: append([]byte{0x10}, frame...),
	}
	if err := s.rtpWriter.WriteRTP(pkt); err != nil {
		return fmt.Errorf("%w: ivf write: %v", core.ErrFrameProcessing, err)
	}
	return nil
}

// openVP8 walks the format preference chain: WebM first, IVF second. An
// exhausted chain degrades the sink instead of failing the stream.
func (s *VideoSink) openVP8(width, height int) {
	path := filepath.Join(s.dir, s.base+".webm")
	if err := s.openWebm(path, width, height); err == nil {
		s.path = path
		s.opened = true
		s.log.Info().Str("file", path).Int("width", width).Int("height", height).Msg("video sink opened")
		return
	} else {
		s.log.Warn().Err(err).Msg("webm container unavailable, trying ivf")
	}

	path = filepath.Join(s.dir, s.base+".ivf")
	w, err := ivfwriter.New(path)
	if err != nil {
		s.degrade(fmt.Errorf("%w: ivf: %v", core.ErrCodecOpen, err))
		return
	}
	s.rtpWriter = w
	s.path = path
	s.opened = true
	s.log.Info().Str("file", path).Msg("video sink opened")
}

func (s *VideoSink) openWebm(path string, width, height int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: webm: %v", core.ErrCodecOpen, err)
	}
	writers, err := webm.NewSimpleBlockWriter(f,
		[]webm.TrackEntry{{
			Name:        "Video",
			TrackNumber: 1,
			TrackUID:    1,
			CodecID:     "V_VP8",
			TrackType:   1,
			Video: &webm.Video{
				PixelWidth:  uint64(width),
				PixelHeight: uint64(height),
			},
		}},
		mkvcore.WithSegmentInfo(&webm.Info{
			TimecodeScale: 1000000, // 1ms
			MuxingApp:     "avrec",
			WritingApp:    "avrec",
		}),
	)
	if err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("%w: webm: %v", core.ErrCodecOpen, err)
	}
	s.webmWriter = writers[0]
	return nil
}

func (s *VideoSink) degrade(err error) {
	s.degraded = true
	s.log.Error().Err(err).Msg("all video recording formats failed, recording disabled for this track")
}

// Close releases the container. Safe to call more than once; a sink that
// never opened closes without touching the filesystem.
func (s *VideoSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.webmWriter != nil {
		if err := s.webmWriter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("webm close: %w", err))
		}
	}
	if s.rtpWriter != nil {
		if err := s.rtpWriter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("video writer close: %w", err))
		}
	}
	if s.opened {
		s.log.Info().Str("file", s.path).Int64("frames", s.frames).Msg("video sink closed")
	}
	return errors.Join(errs...)
}
