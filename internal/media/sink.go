package media

import "github.com/pion/rtp"

// Sink persists one track's frames to disk. Append never fails the stream:
// recoverable per-frame errors are reported so the caller can log them, but
// the caller is expected to keep going. Close is idempotent.
type Sink interface {
	Append(pkt *rtp.Packet) error
	Close() error

	// Path is the output file, empty until the container is opened.
	Path() string
}

// Discard is a Sink that records nothing. Used when a real sink could not
// be opened so the live stream continues without recording.
type Discard struct{}

func (Discard) Append(*rtp.Packet) error { return nil }
func (Discard) Close() error             { return nil }
func (Discard) Path() string             { return "" }
