package ingress

import "sort"

// DefaultReorderCap bounds how many out-of-order frames may be parked
// before the buffer starts favouring liveness over order.
const DefaultReorderCap = 20

// OverflowPolicy selects what happens to a late frame arriving while the
// buffer is already full.
type OverflowPolicy int

const (
	// OverflowDeliver releases the frame immediately, out of order.
	// This is the default.
	OverflowDeliver OverflowPolicy = iota

	// OverflowDrop discards the frame.
	OverflowDrop
)

// ReorderOption is a functional option for configuring a ReorderBuffer.
type ReorderOption func(*ReorderBuffer)

// WithOverflowPolicy sets the full-buffer behaviour for late frames.
func WithOverflowPolicy(p OverflowPolicy) ReorderOption {
	return func(b *ReorderBuffer) {
		b.overflow = p
	}
}

// ReorderBuffer restores best-effort timestamp order for gateway-routed
// audio frames. Frames at or past the delivery watermark go straight
// through; older frames are parked until the stream ends or the buffer
// fills. Not safe for concurrent use.
type ReorderBuffer struct {
	cap           int
	overflow      OverflowPolicy
	started       bool
	lastDelivered uint32
	pending       map[uint32][]byte
}

// NewReorderBuffer creates a buffer holding at most reorderCap parked
// frames. reorderCap <= 0 uses DefaultReorderCap.
func NewReorderBuffer(reorderCap int, opts ...ReorderOption) *ReorderBuffer {
	if reorderCap <= 0 {
		reorderCap = DefaultReorderCap
	}
	b := &ReorderBuffer{
		cap:     reorderCap,
		pending: make(map[uint32][]byte),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Push accepts one frame and returns the frames deliverable now, in order.
//
// A frame at or past the watermark is delivered immediately and advances
// the watermark, then any parked frames past the new watermark drain in
// ascending timestamp order. A frame behind the watermark is parked; if the
// buffer is full it is delivered immediately instead, trading order for
// liveness.
func (b *ReorderBuffer) Push(ts uint32, frame []byte) [][]byte {
	if !b.started || ts >= b.lastDelivered {
		b.started = true
		b.lastDelivered = ts
		out := [][]byte{frame}
		return append(out, b.drain()...)
	}

	if len(b.pending) >= b.cap {
		if b.overflow == OverflowDrop {
			return nil
		}
		return [][]byte{frame}
	}
	b.pending[ts] = frame
	return nil
}

// drain releases parked frames past the watermark in ascending order,
// advancing the watermark as it goes.
func (b *ReorderBuffer) drain() [][]byte {
	if len(b.pending) == 0 {
		return nil
	}
	keys := b.sortedPending()
	var out [][]byte
	for _, ts := range keys {
		if ts <= b.lastDelivered {
			continue
		}
		out = append(out, b.pending[ts])
		delete(b.pending, ts)
		b.lastDelivered = ts
	}
	return out
}

// Flush returns every parked frame in timestamp order and empties the
// buffer. The watermark is preserved so a stream can continue afterwards.
func (b *ReorderBuffer) Flush() [][]byte {
	if len(b.pending) == 0 {
		return nil
	}
	keys := b.sortedPending()
	out := make([][]byte, 0, len(keys))
	for _, ts := range keys {
		out = append(out, b.pending[ts])
	}
	b.pending = make(map[uint32][]byte)
	return out
}

// Reset clears all state, including the watermark. Used when a new speech
// stream starts.
func (b *ReorderBuffer) Reset() {
	b.started = false
	b.lastDelivered = 0
	b.pending = make(map[uint32][]byte)
}

// Len reports how many frames are currently parked.
func (b *ReorderBuffer) Len() int {
	return len(b.pending)
}

func (b *ReorderBuffer) sortedPending() []uint32 {
	keys := make([]uint32, 0, len(b.pending))
	for ts := range b.pending {
		keys = append(keys, ts)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
