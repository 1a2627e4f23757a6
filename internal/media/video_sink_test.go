package media

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vp8Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
	}
}

// vp8Keyframe builds a minimal VP8 keyframe: frame tag, sync code and
// 320x240 scaled dimensions.
func vp8Keyframe() []byte {
	return []byte{0x10, 0x00, 0x00, 0x9d, 0x01, 0x2a, 0x40, 0x01, 0xf0, 0x00, 0x00, 0x00}
}

func vp8Interframe() []byte {
	return []byte{0x11, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
}

// vp8Packet wraps a whole frame into a single RTP packet with the S bit
// set and the marker closing the frame.
func vp8Packet(seq uint16, ts uint32, frame []byte) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      ts,
			Marker:         true,
		},
		Payload: append([]byte{0x10}, frame...),
	}
}

func TestVideoSinkOpensWebMOnFirstKeyframe(t *testing.T) {
	sink, err := NewVideoSink(t.TempDir(), "sess1", vp8Codec(), zerolog.Nop())
	require.NoError(t, err)

	ts := uint32(1000)
	for i := uint16(0); i < 6; i++ {
		frame := vp8Interframe()
		if i == 0 {
			frame = vp8Keyframe()
		}
		require.NoError(t, sink.Append(vp8Packet(i, ts, frame)))
		ts += 3000
	}
	require.NoError(t, sink.Close())

	require.NotEmpty(t, sink.Path())
	assert.True(t, strings.HasSuffix(sink.Path(), ".webm"))
	info, err := os.Stat(sink.Path())
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestVideoSinkWaitsForKeyframe(t *testing.T) {
	sink, err := NewVideoSink(t.TempDir(), "sess2", vp8Codec(), zerolog.Nop())
	require.NoError(t, err)

	ts := uint32(1000)
	for i := uint16(0); i < 6; i++ {
		require.NoError(t, sink.Append(vp8Packet(i, ts, vp8Interframe())))
		ts += 3000
	}
	require.NoError(t, sink.Close())

	// Interframes alone never open a container.
	assert.Empty(t, sink.Path())
}

func TestVideoSinkIVFModeKeepsOpeningKeyframe(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewVideoSink(dir, "sess5", vp8Codec(), zerolog.Nop())
	require.NoError(t, err)

	// Skip the WebM preference and open the IVF fallback directly.
	path := filepath.Join(dir, "video", "forced.ivf")
	w, err := ivfwriter.New(path)
	require.NoError(t, err)
	sink.rtpWriter = w
	sink.path = path
	sink.opened = true

	ts := uint32(1000)
	for i := uint16(0); i < 6; i++ {
		frame := vp8Interframe()
		if i == 0 {
			frame = vp8Keyframe()
		}
		require.NoError(t, sink.Append(vp8Packet(i, ts, frame)))
		ts += 3000
	}
	require.NoError(t, sink.Close())

	// The assembled keyframe and the following frames all reached the
	// writer, not just the packets arriving after the container opened.
	assert.GreaterOrEqual(t, sink.frames, int64(4))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(44))
}

func TestVideoSinkUnsupportedCodecDegrades(t *testing.T) {
	codec := webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: "video/AV1", ClockRate: 90000},
	}
	sink, err := NewVideoSink(t.TempDir(), "sess3", codec, zerolog.Nop())
	require.NoError(t, err)

	assert.NoError(t, sink.Append(vp8Packet(0, 1000, vp8Keyframe())))
	assert.Empty(t, sink.Path())
	assert.NoError(t, sink.Close())
}

func TestVideoSinkCloseIdempotent(t *testing.T) {
	sink, err := NewVideoSink(t.TempDir(), "sess4", vp8Codec(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	assert.NoError(t, sink.Close())
	assert.NoError(t, sink.Append(vp8Packet(0, 1000, vp8Keyframe())))
}

func TestVP8FrameIsKeyframe(t *testing.T) {
	assert.True(t, vp8FrameIsKeyframe(vp8Keyframe()))
	assert.False(t, vp8FrameIsKeyframe(vp8Interframe()))
	assert.False(t, vp8FrameIsKeyframe(nil))
}

func TestVP8KeyframeDimensions(t *testing.T) {
	w, h, ok := vp8KeyframeDimensions(vp8Keyframe())
	require.True(t, ok)
	assert.Equal(t, 320, w)
	assert.Equal(t, 240, h)

	_, _, ok = vp8KeyframeDimensions(vp8Interframe())
	assert.False(t, ok)

	_, _, ok = vp8KeyframeDimensions(vp8Keyframe()[:8])
	assert.False(t, ok)

	// Implausible dimensions are rejected.
	bad := vp8Keyframe()
	bad[6], bad[7] = 0x01, 0x00
	_, _, ok = vp8KeyframeDimensions(bad)
	assert.False(t, ok)
}
