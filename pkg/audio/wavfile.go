package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// ErrUnsupportedWAV is returned for WAV files that are not 16-bit PCM.
var ErrUnsupportedWAV = errors.New("audio: unsupported wav format (need 16-bit PCM)")

// wavData is the decoded payload of a RIFF/WAVE file.
type wavData struct {
	sampleRate int
	channels   int
	pcm        []byte
}

// parseWAV decodes a 16-bit PCM RIFF/WAVE byte stream. Chunks other than
// "fmt " and "data" are skipped.
func parseWAV(b []byte) (wavData, error) {
	var w wavData
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return w, errors.New("audio: not a RIFF/WAVE file")
	}

	pos := 12
	haveFmt := false
	for pos+8 <= len(b) {
		id := string(b[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(b) {
			size = len(b) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return w, errors.New("audio: truncated fmt chunk")
			}
			format := binary.LittleEndian.Uint16(b[body : body+2])
			bits := binary.LittleEndian.Uint16(b[body+14 : body+16])
			if format != 1 || bits != 16 {
				return w, ErrUnsupportedWAV
			}
			w.channels = int(binary.LittleEndian.Uint16(b[body+2 : body+4]))
			w.sampleRate = int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
			haveFmt = true
		case "data":
			w.pcm = b[body : body+size]
		}
		// Chunks are word-aligned.
		pos = body + size
		if size%2 == 1 {
			pos++
		}
	}

	if !haveFmt || w.pcm == nil {
		return w, errors.New("audio: missing fmt or data chunk")
	}
	return w, nil
}

// LoadWAVAsOpus reads a 16-bit PCM WAV file, converts it to the device format
// (16 kHz mono) and returns it as a sequence of 60 ms Opus packets. Used for
// canned prompts (bind codes, wake acknowledgements, notification sounds).
func LoadWAVAsOpus(path string) ([][]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("audio: read %s: %w", path, err)
	}
	w, err := parseWAV(raw)
	if err != nil {
		return nil, err
	}

	pcm := w.pcm
	if w.channels == 2 {
		pcm = StereoToMono(pcm)
	} else if w.channels != 1 {
		return nil, fmt.Errorf("audio: %d-channel wav not supported", w.channels)
	}
	if w.sampleRate != DeviceSampleRate {
		pcm = ResampleMono16(pcm, w.sampleRate, DeviceSampleRate)
	}

	enc, err := NewDeviceEncoder()
	if err != nil {
		return nil, err
	}
	packets, err := enc.Encode(pcm)
	if err != nil {
		return nil, err
	}
	if tail, err := enc.Flush(); err == nil && tail != nil {
		packets = append(packets, tail)
	} else if err != nil {
		return nil, err
	}
	return packets, nil
}

// EncodeWAV wraps 16-bit signed little-endian PCM in a RIFF/WAVE container.
// Shared by the wake-word acknowledgement cache and the whisper HTTP provider,
// which uploads utterance segments as WAV files.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * 2
	blockAlign := channels * 2
	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}

// WriteWAV writes 16-bit mono PCM as a RIFF/WAVE file. Used by the wake-word
// acknowledgement cache to persist synthesized clips.
func WriteWAV(path string, pcm []byte, sampleRate int) error {
	if err := os.WriteFile(path, EncodeWAV(pcm, sampleRate, 1), 0o644); err != nil {
		return fmt.Errorf("audio: write %s: %w", path, err)
	}
	return nil
}
