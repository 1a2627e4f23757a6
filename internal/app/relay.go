package app

import (
	"context"
	"sync"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/avrec/avrec/internal/core"
)

const defaultSubscriptionQueue = 512

// Hub fans one inbound track out to any number of independent consumers.
// There is exactly one read loop per distinct source regardless of
// subscriber count; each subscription owns a bounded queue, and a consumer
// that cannot keep up loses its own oldest frames without affecting the
// others.
type Hub struct {
	log zerolog.Logger

	mu      sync.Mutex
	sources map[core.TrackReader]*relaySource
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		log:     logger.With().Str("module", "relay").Logger(),
		sources: make(map[core.TrackReader]*relaySource),
	}
}

// Subscribe attaches a new consumer to src, starting the source's read
// loop on first use. Subscribing never fails; a dead source yields a
// subscription that reports the end of stream immediately.
func (h *Hub) Subscribe(src core.TrackReader) *Subscription {
	return h.subscribe(src, defaultSubscriptionQueue)
}

func (h *Hub) subscribe(src core.TrackReader, queue int) *Subscription {
	h.mu.Lock()
	rs, ok := h.sources[src]
	if !ok {
		rs = &relaySource{hub: h, src: src}
		h.sources[src] = rs
	}
	h.mu.Unlock()

	sub := rs.addSubscriber(queue)
	if !ok {
		go rs.loop()
	}
	return sub
}

func (h *Hub) remove(src core.TrackReader) {
	h.mu.Lock()
	delete(h.sources, src)
	h.mu.Unlock()
}

type relaySource struct {
	hub *Hub
	src core.TrackReader

	mu    sync.Mutex
	subs  []*Subscription
	ended bool
}

func (rs *relaySource) loop() {
	defer func() {
		rs.hub.remove(rs.src)
		rs.end()
	}()
	for {
		pkt, _, err := rs.src.ReadRTP()
		if err != nil {
			rs.hub.log.Debug().Err(err).Str("kind", rs.src.Kind().String()).Msg("relay source ended")
			return
		}
		rs.fanout(pkt)
	}
}

func (rs *relaySource) fanout(pkt *rtp.Packet) {
	rs.mu.Lock()
	subs := make([]*Subscription, len(rs.subs))
	copy(subs, rs.subs)
	rs.mu.Unlock()

	for _, sub := range subs {
		sub.push(pkt)
	}
}

func (rs *relaySource) addSubscriber(queue int) *Subscription {
	sub := &Subscription{src: rs, ch: make(chan *rtp.Packet, queue)}

	rs.mu.Lock()
	if rs.ended {
		rs.mu.Unlock()
		sub.end()
		return sub
	}
	rs.subs = append(rs.subs, sub)
	rs.mu.Unlock()
	return sub
}

func (rs *relaySource) removeSubscriber(sub *Subscription) {
	rs.mu.Lock()
	for i, s := range rs.subs {
		if s == sub {
			rs.subs = append(rs.subs[:i], rs.subs[i+1:]...)
			break
		}
	}
	rs.mu.Unlock()
}

func (rs *relaySource) end() {
	rs.mu.Lock()
	subs := rs.subs
	rs.subs = nil
	rs.ended = true
	rs.mu.Unlock()

	for _, sub := range subs {
		sub.end()
	}
}

// Subscription is one consumer's view of a relayed track. Every frame the
// source produces after the subscription exists is delivered in order,
// subject to the subscription's own drop-oldest backpressure.
type Subscription struct {
	src *relaySource

	mu      sync.Mutex
	ch      chan *rtp.Packet
	closed  bool
	dropped uint64
}

// Read returns the next frame, core.ErrStreamEnded once the source is
// exhausted and the queue drained, or the context error.
func (s *Subscription) Read(ctx context.Context) (*rtp.Packet, error) {
	select {
	case pkt, ok := <-s.ch:
		if !ok {
			return nil, core.ErrStreamEnded
		}
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close detaches the subscription from its source. Idempotent.
func (s *Subscription) Close() {
	s.src.removeSubscriber(s)
	s.end()
}

func (s *Subscription) push(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- pkt:
			return
		default:
			// Queue full: this subscriber loses its oldest frame.
			select {
			case <-s.ch:
				s.dropped++
			default:
			}
		}
	}
}

func (s *Subscription) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
