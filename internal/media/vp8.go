package media

// VP8 frame-level helpers, applied to frames assembled from depacketized
// RTP. Layout per RFC 6386: 3-byte frame tag, and for keyframes a further
// 3-byte sync code followed by 2x16-bit scaled dimensions.

func vp8FrameIsKeyframe(frame []byte) bool {
	return len(frame) > 0 && frame[0]&0x01 == 0
}

// vp8KeyframeDimensions extracts width/height from an assembled VP8
// keyframe. Returns ok=false for non-keyframes, truncated frames or
// implausible dimensions.
func vp8KeyframeDimensions(frame []byte) (width, height int, ok bool) {
	if len(frame) < 10 || !vp8FrameIsKeyframe(frame) {
		return 0, 0, false
	}
	raw := uint(frame[6]) | uint(frame[7])<<8 | uint(frame[8])<<16 | uint(frame[9])<<24
	width = int(raw & 0x3FFF)
	height = int((raw >> 16) & 0x3FFF)
	if width < 16 || width > 8192 || height < 16 || height > 8192 {
		return 0, 0, false
	}
	return width, height, true
}
