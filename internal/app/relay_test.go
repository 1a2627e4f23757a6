package app

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrec/avrec/internal/core"
)

// fakeTrack feeds scripted packets to the relay and reports io.EOF when
// exhausted.
type fakeTrack struct {
	kind webrtc.RTPCodecType
	ch   chan *rtp.Packet
}

func newFakeTrack(kind webrtc.RTPCodecType) *fakeTrack {
	return &fakeTrack{kind: kind, ch: make(chan *rtp.Packet, 64)}
}

func (f *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-f.ch
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

func (f *fakeTrack) Kind() webrtc.RTPCodecType { return f.kind }

func (f *fakeTrack) feed(seqs ...uint16) {
	for _, seq := range seqs {
		f.ch <- &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}}
	}
}

func (f *fakeTrack) end() { close(f.ch) }

func drain(t *testing.T, sub *Subscription) []uint16 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var seqs []uint16
	for {
		pkt, err := sub.Read(ctx)
		if err != nil {
			require.ErrorIs(t, err, core.ErrStreamEnded)
			return seqs
		}
		seqs = append(seqs, pkt.SequenceNumber)
	}
}

func TestHubDeliversInOrderToAllSubscribers(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	src := newFakeTrack(webrtc.RTPCodecTypeAudio)

	a := hub.Subscribe(src)
	b := hub.Subscribe(src)

	src.feed(0, 1, 2, 3, 4)
	src.end()

	want := []uint16{0, 1, 2, 3, 4}
	assert.Equal(t, want, drain(t, a))
	assert.Equal(t, want, drain(t, b))
}

func TestHubSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	src := newFakeTrack(webrtc.RTPCodecTypeVideo)

	fast := hub.Subscribe(src)
	slow := hub.subscribe(src, 4)

	seqs := make([]uint16, 20)
	for i := range seqs {
		seqs[i] = uint16(i)
	}
	src.feed(seqs...)
	src.end()

	assert.Equal(t, seqs, drain(t, fast))

	// The slow consumer kept only its newest frames, ending with the last
	// one the source produced.
	got := drain(t, slow)
	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), 4)
	assert.Equal(t, uint16(19), got[len(got)-1])
}

func TestHubSubscribeAfterSourceEnded(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	src := newFakeTrack(webrtc.RTPCodecTypeAudio)

	first := hub.Subscribe(src)
	src.end()
	assert.Empty(t, drain(t, first))

	late := hub.Subscribe(src)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := late.Read(ctx)
	assert.ErrorIs(t, err, core.ErrStreamEnded)
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	src := newFakeTrack(webrtc.RTPCodecTypeAudio)

	sub := hub.Subscribe(src)
	sub.Close()
	sub.Close() // idempotent

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := sub.Read(ctx)
	assert.ErrorIs(t, err, core.ErrStreamEnded)

	src.end()
}

func TestSubscriptionReadHonorsContext(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	src := newFakeTrack(webrtc.RTPCodecTypeAudio)
	defer src.end()

	sub := hub.Subscribe(src)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sub.Read(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
