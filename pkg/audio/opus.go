package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Device audio is 16 kHz mono Opus at 60 ms frame size, matching what the
// ESP32-class firmware ships and expects back.
const (
	DeviceSampleRate  = 16000
	DeviceChannels    = 1
	DeviceFrameSizeMs = 60
	// DeviceFrameSize is the number of samples per channel per 60 ms frame.
	DeviceFrameSize = DeviceSampleRate * DeviceFrameSizeMs / 1000 // 960
)

// OpusDecoder wraps a gopus Opus decoder for a single inbound device stream.
// Each connection gets its own decoder to maintain decoder state correctly
// across consecutive frames. Not safe for concurrent use.
type OpusDecoder struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
	frameSize  int
}

// NewOpusDecoder creates an Opus decoder for the given format. frameSizeMs
// must match the sender's packetisation (60 ms for device audio).
func NewOpusDecoder(sampleRate, channels, frameSizeMs int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:        dec,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  sampleRate * frameSizeMs / 1000,
	}, nil
}

// NewDeviceDecoder creates an Opus decoder for the device leg (16 kHz mono, 60 ms).
func NewDeviceDecoder() (*OpusDecoder, error) {
	return NewOpusDecoder(DeviceSampleRate, DeviceChannels, DeviceFrameSizeMs)
}

// Decode decodes an Opus packet into interleaved PCM int16 samples and returns
// the result as a byte slice (little-endian int16 pairs).
func (d *OpusDecoder) Decode(opus []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(opus, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}

// OpusEncoder wraps a gopus Opus encoder for the outbound device stream.
// Not safe for concurrent use.
type OpusEncoder struct {
	enc        *gopus.Encoder
	sampleRate int
	channels   int
	frameSize  int
	// leftover holds PCM bytes that did not fill a whole frame yet.
	leftover []byte
}

// NewOpusEncoder creates an Opus encoder for the given format.
func NewOpusEncoder(sampleRate, channels, frameSizeMs int) (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc:        enc,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  sampleRate * frameSizeMs / 1000,
	}, nil
}

// NewDeviceEncoder creates an Opus encoder for the device leg (16 kHz mono, 60 ms).
func NewDeviceEncoder() (*OpusEncoder, error) {
	return NewOpusEncoder(DeviceSampleRate, DeviceChannels, DeviceFrameSizeMs)
}

// Encode buffers the supplied little-endian PCM bytes and returns one Opus
// packet per complete frame accumulated so far. Partial trailing samples stay
// buffered until the next call or Flush.
func (e *OpusEncoder) Encode(pcmBytes []byte) ([][]byte, error) {
	e.leftover = append(e.leftover, pcmBytes...)
	frameBytes := e.frameSize * e.channels * 2

	var packets [][]byte
	for len(e.leftover) >= frameBytes {
		frame := e.leftover[:frameBytes]
		e.leftover = e.leftover[frameBytes:]

		opus, err := e.enc.Encode(BytesToInt16s(frame), e.frameSize, frameBytes)
		if err != nil {
			return packets, fmt.Errorf("audio: opus encode: %w", err)
		}
		packets = append(packets, opus)
	}
	return packets, nil
}

// Flush pads any buffered partial frame with silence and encodes it. Returns
// nil when nothing is buffered. The encoder is ready for a new stream afterwards.
func (e *OpusEncoder) Flush() ([]byte, error) {
	if len(e.leftover) == 0 {
		return nil, nil
	}
	frameBytes := e.frameSize * e.channels * 2
	frame := make([]byte, frameBytes)
	copy(frame, e.leftover)
	e.leftover = nil

	opus, err := e.enc.Encode(BytesToInt16s(frame), e.frameSize, frameBytes)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode flush: %w", err)
	}
	return opus, nil
}

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
