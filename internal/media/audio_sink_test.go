package media

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-audio/wav"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeWAV(t *testing.T, path string) (sampleRate, channels, samples int) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	d := wav.NewDecoder(f)
	buf, err := d.FullPCMBuffer()
	require.NoError(t, err)
	return buf.Format.SampleRate, buf.Format.NumChannels, len(buf.Data)
}

func TestAudioSinkWritesNativeRatePCM(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewAudioSink(dir, "sess1", 48000, zerolog.Nop())
	require.NoError(t, err)

	// Ten 20ms frames already at the target rate.
	for range 10 {
		require.NoError(t, sink.appendPCM(make([]int16, 960), 48000))
	}
	require.NoError(t, sink.Close())

	rate, channels, samples := decodeWAV(t, sink.Path())
	assert.Equal(t, 48000, rate)
	assert.Equal(t, 1, channels)
	assert.Equal(t, 9600, samples)
}

func TestAudioSinkResamplesToTargetRate(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewAudioSink(dir, "sess2", 48000, zerolog.Nop())
	require.NoError(t, err)

	// 100ms of 16kHz audio should come out as roughly 100ms at 48kHz,
	// whichever resampling path was taken.
	for range 5 {
		require.NoError(t, sink.appendPCM(make([]int16, 320), 16000))
	}
	require.NoError(t, sink.Close())

	rate, _, samples := decodeWAV(t, sink.Path())
	assert.Equal(t, 48000, rate)
	assert.InDelta(t, 4800, samples, 960)
}

func TestAudioSinkSkipsUndecodablePayload(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewAudioSink(dir, "sess3", 48000, zerolog.Nop())
	require.NoError(t, err)

	assert.NoError(t, sink.Append(&rtp.Packet{Payload: []byte{0x01, 0x02, 0x03}}))
	assert.NoError(t, sink.Append(&rtp.Packet{}))
	require.NoError(t, sink.Close())

	_, err = os.Stat(sink.Path())
	assert.NoError(t, err)
}

func TestAudioSinkWarnsOnceForUndecodableStream(t *testing.T) {
	var buf bytes.Buffer
	sink, err := NewAudioSink(t.TempDir(), "sess6", 48000, zerolog.New(&buf))
	require.NoError(t, err)

	// CELT-mode frames are outside the decoder's coverage; a stream of
	// them should raise exactly one warning, not one per frame.
	for range 3 {
		require.NoError(t, sink.Append(&rtp.Packet{Payload: []byte{0xf8, 0xff, 0xfe}}))
	}
	require.NoError(t, sink.Close())

	assert.Equal(t, 1, strings.Count(buf.String(), `"level":"warn"`))
}

func TestAudioSinkCloseIdempotent(t *testing.T) {
	sink, err := NewAudioSink(t.TempDir(), "sess4", 48000, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	assert.NoError(t, sink.Close())
	assert.NoError(t, sink.Append(&rtp.Packet{Payload: []byte{0xf8, 0xff, 0xfe}}))
}

func TestAudioSinkCreatesAudioDir(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewAudioSink(dir, "sess5", 0, zerolog.Nop())
	require.NoError(t, err)
	defer sink.Close()

	assert.Equal(t, filepath.Join(dir, "audio"), filepath.Dir(sink.Path()))
	info, err := os.Stat(filepath.Join(dir, "audio"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLinearResample(t *testing.T) {
	up := linearResample(make([]int16, 320), 16000, 48000)
	assert.Len(t, up, 960)

	down := linearResample(make([]int16, 960), 48000, 16000)
	assert.Len(t, down, 320)

	assert.Nil(t, linearResample(nil, 16000, 48000))
	assert.Nil(t, linearResample(make([]int16, 10), 0, 48000))
}

func TestOpusPacketSamples(t *testing.T) {
	// SILK 20ms, single frame.
	assert.Equal(t, 960, opusPacketSamples([]byte{0x08, 0x00}, 48000))
	// CELT 20ms, single frame (the DTX silence frame).
	assert.Equal(t, 960, opusPacketSamples([]byte{0xf8, 0xff, 0xfe}, 48000))
	// Code 3: frame count in the second byte.
	assert.Equal(t, 1920, opusPacketSamples([]byte{0x0b, 0x02}, 48000))
	assert.Equal(t, 0, opusPacketSamples(nil, 48000))
	assert.Equal(t, 0, opusPacketSamples([]byte{0x0b}, 48000))
}

func TestMonoPCM16DownmixesStereo(t *testing.T) {
	// Two stereo frames: (100, 200) and (-100, -200).
	buf := []byte{100, 0, 200, 0, 156, 255, 56, 255}
	got := monoPCM16(buf, 2, true)
	require.Len(t, got, 2)
	assert.Equal(t, int16(150), got[0])
	assert.Equal(t, int16(-150), got[1])
}
