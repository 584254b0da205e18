package link

import (
	"encoding/binary"
	"fmt"
)

// MaxFrameSize bounds a single frame on stream transports
const MaxFrameSize = 1 << 20

const frameHeaderSize = 4

// EncodeFrame prefixes payload with its big-endian uint32 length
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	out := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[frameHeaderSize:], payload)
	return out, nil
}

// Segment splits an encoded frame into writes of at most mtu bytes
func Segment(data []byte, mtu int) [][]byte {
	if mtu <= 0 || len(data) <= mtu {
		return [][]byte{data}
	}
	segments := make([][]byte, 0, (len(data)+mtu-1)/mtu)
	for len(data) > 0 {
		n := min(mtu, len(data))
		segments = append(segments, data[:n])
		data = data[n:]
	}
	return segments
}

// FrameReader reassembles length-prefixed frames from arbitrary byte segments.
// Not safe for concurrent use.
type FrameReader struct {
	buf []byte
}

// Feed appends a segment and returns every frame completed by it. A corrupt length
// header discards the buffered bytes and is reported as an error.
func (r *FrameReader) Feed(segment []byte) ([][]byte, error) {
	r.buf = append(r.buf, segment...)

	var frames [][]byte
	for len(r.buf) >= frameHeaderSize {
		size := binary.BigEndian.Uint32(r.buf)
		if size > MaxFrameSize {
			r.buf = nil
			return frames, fmt.Errorf("%w: header announces %d bytes", ErrFrameTooLarge, size)
		}
		total := frameHeaderSize + int(size)
		if len(r.buf) < total {
			break
		}
		frame := make([]byte, size)
		copy(frame, r.buf[frameHeaderSize:total])
		frames = append(frames, frame)
		r.buf = r.buf[total:]
	}
	if len(r.buf) == 0 {
		r.buf = nil
	}
	return frames, nil
}

// Reset drops any partial frame, used after the transport reconnects
func (r *FrameReader) Reset() {
	r.buf = nil
}

// Buffered returns the number of bytes waiting for the rest of their frame
func (r *FrameReader) Buffered() int {
	return len(r.buf)
}
