package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/pion/opus"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/zaf/resample"

	"github.com/avrec/avrec/internal/core"
)

// DefaultSampleRate is the target recording rate for audio.
const DefaultSampleRate = 48000

// Opus never carries more than 120 ms per packet; at 48 kHz stereo that is
// the largest PCM buffer a single decode can produce.
const maxOpusPacketSamples = 5760

// AudioSink records one inbound Opus track as mono 16-bit PCM in a WAV
// container at a fixed target rate. Frames arriving at a different native
// rate are resampled; the spectral resampler is preferred, with
// linear-interpolation selection as the quality-compromise fallback.
// Decoding relies on the pure-Go pion decoder, which covers SILK-mode
// Opus only; CELT and hybrid frames are skipped.
type AudioSink struct {
	mu     sync.Mutex
	log    zerolog.Logger
	file   *os.File
	enc    *wav.Encoder
	dec    opus.Decoder
	target int
	path   string
	closed bool

	// Spectral resampler for the current source rate, rebuilt when the
	// source rate changes. nil after a failed creation: the linear
	// fallback is used for that rate instead.
	res          *resample.Resampler
	resRate      int
	resCarry     []byte
	decodeBuf    []byte
	decodeWarned bool
	written      int64
}

func NewAudioSink(dir string, sid core.SessionID, sampleRate int, logger zerolog.Logger) (*AudioSink, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	audioDir := filepath.Join(dir, "audio")
	if err := os.MkdirAll(audioDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	path := filepath.Join(audioDir, fmt.Sprintf("%s_%s.wav", sid, time.Now().Format("20060102_150405")))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create audio file: %w", err)
	}
	s := &AudioSink{
		log:       logger,
		file:      f,
		enc:       wav.NewEncoder(f, sampleRate, 16, 1, 1),
		dec:       opus.NewDecoder(),
		target:    sampleRate,
		path:      path,
		decodeBuf: make([]byte, maxOpusPacketSamples*2*2),
	}
	s.log.Info().Str("file", path).Int("rate", sampleRate).Msg("audio sink opened")
	return s, nil
}

func (s *AudioSink) Path() string { return s.path }

// Append decodes the packet's Opus payload and writes it to the container.
// Payloads that cannot be interpreted as PCM are skipped, not errors.
func (s *AudioSink) Append(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(pkt.Payload) == 0 {
		return nil
	}

	bandwidth, stereo, err := s.dec.Decode(pkt.Payload, s.decodeBuf)
	if err != nil {
		// Loud once per sink: a stream of such frames records silence.
		if !s.decodeWarned {
			s.decodeWarned = true
			s.log.Warn().Err(err).Str("file", s.path).Msg("audio payload not decodable, frames like this will be skipped")
		} else {
			s.log.Debug().Err(err).Msg("skipping undecodable audio payload")
		}
		return nil
	}
	rate := bandwidth.SampleRate()
	if rate <= 0 {
		return nil
	}
	n := opusPacketSamples(pkt.Payload, rate)
	if n <= 0 || n > maxOpusPacketSamples {
		return nil
	}
	pcm := monoPCM16(s.decodeBuf, n, stereo)
	return s.appendPCM(pcm, rate)
}

// appendPCM writes mono samples captured at the given native rate,
// resampling to the target rate on mismatch.
func (s *AudioSink) appendPCM(pcm []int16, rate int) error {
	if len(pcm) == 0 {
		return nil
	}
	if rate == s.target {
		return s.writePCM(pcm)
	}

	if s.resRate != rate {
		s.resetResampler(rate)
	}
	if s.res != nil {
		if _, err := s.res.Write(pcm16Bytes(pcm)); err != nil {
			return fmt.Errorf("%w: resample: %v", core.ErrFrameProcessing, err)
		}
		return nil
	}
	return s.writePCM(linearResample(pcm, rate, s.target))
}

func (s *AudioSink) resetResampler(rate int) {
	if s.res != nil {
		if err := s.res.Close(); err != nil {
			s.log.Warn().Err(err).Msg("closing stale resampler")
		}
		s.res = nil
	}
	s.resRate = rate
	// The spectral resampler handles rate reduction; interpolation covers
	// the rest.
	if rate < s.target {
		return
	}
	r, err := resample.New(&pcmSinkWriter{sink: s}, float64(rate), float64(s.target), 1, resample.I16, resample.HighQ)
	if err != nil {
		// Quality compromise: evenly-spaced sample selection instead of
		// spectral resampling.
		s.log.Warn().Err(err).Int("rate", rate).Msg("spectral resampler unavailable, falling back to linear interpolation")
		return
	}
	s.res = r
}

func (s *AudioSink) writePCM(pcm []int16) error {
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: s.target},
		Data:           make([]int, len(pcm)),
		SourceBitDepth: 16,
	}
	for i, v := range pcm {
		buf.Data[i] = int(v)
	}
	if err := s.enc.Write(buf); err != nil {
		return fmt.Errorf("%w: wav write: %v", core.ErrFrameProcessing, err)
	}
	s.written += int64(len(pcm))
	return nil
}

// Close flushes and finalizes the container. Safe to call more than once.
func (s *AudioSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.res != nil {
		if err := s.res.Close(); err != nil {
			errs = append(errs, fmt.Errorf("resampler close: %w", err))
		}
		s.res = nil
	}
	if err := s.enc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("wav close: %w", err))
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("file close: %w", err))
	}
	s.log.Info().Str("file", s.path).Int64("samples", s.written).Msg("audio sink closed")
	return errors.Join(errs...)
}

// pcmSinkWriter feeds resampler output back into the WAV encoder. The
// resampler emits little-endian 16-bit frames; a trailing odd byte is
// carried into the next write.
type pcmSinkWriter struct {
	sink *AudioSink
}

func (w *pcmSinkWriter) Write(b []byte) (int, error) {
	s := w.sink
	n := len(b)
	if len(s.resCarry) > 0 {
		b = append(s.resCarry, b...)
		s.resCarry = nil
	}
	if len(b)%2 != 0 {
		s.resCarry = []byte{b[len(b)-1]}
		b = b[:len(b)-1]
	}
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	if err := s.writePCM(pcm); err != nil {
		return 0, err
	}
	return n, nil
}

// linearResample selects evenly spaced samples so that
// len(out) = round(len(in) * dst / src). Duration is preserved; spectral
// quality is not.
func linearResample(in []int16, src, dst int) []int16 {
	if len(in) == 0 || src <= 0 || dst <= 0 {
		return nil
	}
	n := int(math.Round(float64(len(in)) * float64(dst) / float64(src)))
	if n <= 0 {
		return nil
	}
	out := make([]int16, n)
	for i := range out {
		out[i] = in[i*len(in)/n]
	}
	return out
}

func pcm16Bytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

// monoPCM16 reads n frames of decoded little-endian PCM, downmixing
// interleaved stereo to mono.
func monoPCM16(buf []byte, n int, stereo bool) []int16 {
	channels := 1
	if stereo {
		channels = 2
	}
	if n*channels*2 > len(buf) {
		n = len(buf) / (channels * 2)
	}
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		if stereo {
			l := int16(binary.LittleEndian.Uint16(buf[i*4:]))
			r := int16(binary.LittleEndian.Uint16(buf[i*4+2:]))
			out[i] = int16((int32(l) + int32(r)) / 2)
		} else {
			out[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
		}
	}
	return out
}

// opusPacketSamples derives the packet's sample count at the given rate
// from the TOC byte (RFC 6716 section 3.1).
func opusPacketSamples(payload []byte, rate int) int {
	if len(payload) == 0 {
		return 0
	}
	config := payload[0] >> 3
	var frameMicros int
	switch {
	case config < 12: // SILK-only
		frameMicros = []int{10000, 20000, 40000, 60000}[config&0x3]
	case config < 16: // hybrid
		frameMicros = []int{10000, 20000}[config&0x1]
	default: // CELT-only
		frameMicros = []int{2500, 5000, 10000, 20000}[config&0x3]
	}

	frames := 0
	switch payload[0] & 0x3 {
	case 0:
		frames = 1
	case 1, 2:
		frames = 2
	default:
		if len(payload) < 2 {
			return 0
		}
		frames = int(payload[1] & 0x3F)
	}
	return frames * frameMicros * rate / 1_000_000
}
