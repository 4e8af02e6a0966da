// Package ingress handles inbound device audio: MQTT-gateway frame parsing,
// best-effort reordering of gateway-routed frames, and the VAD gate that
// segments speech and raises barge-in.
//
// Devices behind the MQTT gateway wrap every opus packet in a 16-byte
// big-endian header; direct WebSocket devices send bare opus packets and
// bypass this package's router entirely.
package ingress

import (
	"encoding/binary"
)

// HeaderSize is the length of the MQTT-gateway frame header in bytes.
const HeaderSize = 16

// FrameTypeAudio is the header type byte for opus audio frames.
const FrameTypeAudio = 1

// FrameHeader is the parsed 16-byte gateway header:
// [type:1][reserved:1][payload_len:2][sequence:4][timestamp_ms:4][opus_len:4],
// all multi-byte fields big-endian.
type FrameHeader struct {
	Type       byte
	PayloadLen uint16
	Sequence   uint32
	Timestamp  uint32 // sender wall-clock milliseconds mod 2^32
	OpusLen    uint32
}

// ParseHeader decodes the gateway header. ok is false when data is shorter
// than HeaderSize.
func ParseHeader(data []byte) (FrameHeader, bool) {
	if len(data) < HeaderSize {
		return FrameHeader{}, false
	}
	return FrameHeader{
		Type:       data[0],
		PayloadLen: binary.BigEndian.Uint16(data[2:4]),
		Sequence:   binary.BigEndian.Uint32(data[4:8]),
		Timestamp:  binary.BigEndian.Uint32(data[8:12]),
		OpusLen:    binary.BigEndian.Uint32(data[12:16]),
	}, true
}

// EncodeFrame wraps one opus packet in a gateway header for egress.
func EncodeFrame(opus []byte, sequence, timestamp uint32) []byte {
	out := make([]byte, HeaderSize+len(opus))
	out[0] = FrameTypeAudio
	binary.BigEndian.PutUint16(out[2:4], uint16(len(opus)))
	binary.BigEndian.PutUint32(out[4:8], sequence)
	binary.BigEndian.PutUint32(out[8:12], timestamp)
	binary.BigEndian.PutUint32(out[12:16], uint32(len(opus)))
	copy(out[HeaderSize:], opus)
	return out
}

// Router applies the gateway framing policy to inbound binary messages and
// feeds well-formed audio through the reorder buffer. Not safe for
// concurrent use; each connection owns one Router.
type Router struct {
	reorder *ReorderBuffer
}

// NewRouter creates a Router with the given reorder capacity. cap <= 0 uses
// DefaultReorderCap.
func NewRouter(reorderCap int) *Router {
	return &Router{reorder: NewReorderBuffer(reorderCap)}
}

// Route classifies one inbound message and returns zero or more opus frames
// ready for the pipeline, in delivery order:
//   - declared opus payload present: slice it out and reorder by timestamp
//   - longer than a bare header but no declared payload: strip the header
//     and pass the rest through directly
//   - header-only or shorter: drop
func (r *Router) Route(data []byte) [][]byte {
	h, ok := ParseHeader(data)
	if !ok {
		return nil
	}
	if h.OpusLen > 0 && len(data) >= HeaderSize+int(h.OpusLen) {
		audio := data[HeaderSize : HeaderSize+int(h.OpusLen)]
		return r.reorder.Push(h.Timestamp, audio)
	}
	if len(data) > HeaderSize {
		return [][]byte{data[HeaderSize:]}
	}
	return nil
}

// Flush drains any frames still parked in the reorder buffer, in timestamp
// order. Called at stream end.
func (r *Router) Flush() [][]byte {
	return r.reorder.Flush()
}
