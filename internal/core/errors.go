package core

import "errors"

// Error taxonomy for the recording pipeline. Only ErrNegotiation is ever
// surfaced to the remote caller; the rest are absorbed and degrade the
// affected component.
var (
	// ErrNegotiation marks a malformed or unprocessable session description.
	ErrNegotiation = errors.New("negotiation failed")

	// ErrDeviceUnavailable marks a missing or unusable local capture device.
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	// ErrCodecOpen marks a codec or container that failed to initialize.
	ErrCodecOpen = errors.New("codec open failed")

	// ErrFrameProcessing marks a single frame that could not be
	// converted, resampled or written.
	ErrFrameProcessing = errors.New("frame processing failed")

	// ErrStreamEnded marks an upstream track that is exhausted or errored
	// at the source.
	ErrStreamEnded = errors.New("stream ended")
)
