package tts

import (
	"encoding/binary"
	"fmt"
	"sync"

	"layeh.com/gopus"
)

// frameMillis is the Opus frame duration. 20ms is the codec's sweet spot for
// speech.
const frameMillis = 20

// OpusTranscoder converts mono PCM16 WAV payloads into a stream of
// length-prefixed Opus packets (uint16 big-endian length before each packet).
// Encoders are stateful, so encoding is serialized; the pipeline treats any
// failure here as non-fatal and ships the WAV instead.
type OpusTranscoder struct {
	mu      sync.Mutex
	bitrate int
	enc     *gopus.Encoder
	encRate int
}

// NewOpusTranscoder creates a transcoder. bitrate ≤ 0 selects 32kbps, plenty
// for a speech stream.
func NewOpusTranscoder(bitrate int) *OpusTranscoder {
	if bitrate <= 0 {
		bitrate = 32000
	}
	return &OpusTranscoder{bitrate: bitrate}
}

// ContentType identifies the packet stream format for websocket frames.
func (t *OpusTranscoder) ContentType() string { return "audio/opus" }

// Encode parses wav and returns the packetized Opus stream.
func (t *OpusTranscoder) Encode(wav []byte) ([]byte, error) {
	pcm, rate, channels, err := parseWAV(wav)
	if err != nil {
		return nil, err
	}
	if channels != 1 {
		return nil, fmt.Errorf("opus transcode: %d channels, want mono", channels)
	}
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, fmt.Errorf("opus transcode: unsupported sample rate %d", rate)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enc == nil || t.encRate != rate {
		enc, err := gopus.NewEncoder(rate, 1, gopus.Voip)
		if err != nil {
			return nil, fmt.Errorf("opus transcode: %w", err)
		}
		enc.SetBitrate(t.bitrate)
		t.enc = enc
		t.encRate = rate
	}

	frameSamples := rate * frameMillis / 1000
	out := make([]byte, 0, len(pcm)/4)
	for off := 0; off < len(pcm); off += frameSamples {
		end := off + frameSamples
		frame := make([]int16, frameSamples)
		if end > len(pcm) {
			copy(frame, pcm[off:]) // zero-padded tail frame
		} else {
			copy(frame, pcm[off:end])
		}
		packet, err := t.enc.Encode(frame, frameSamples, 4000)
		if err != nil {
			return nil, fmt.Errorf("opus transcode: %w", err)
		}
		var prefix [2]byte
		binary.BigEndian.PutUint16(prefix[:], uint16(len(packet)))
		out = append(out, prefix[:]...)
		out = append(out, packet...)
	}
	return out, nil
}

// parseWAV extracts PCM16 samples from a RIFF/WAVE payload.
func parseWAV(wav []byte) (pcm []int16, sampleRate, channels int, err error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, 0, 0, fmt.Errorf("not a wav payload")
	}
	var data []byte
	bitsPerSample := 0
	for off := 12; off+8 <= len(wav); {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := wav[off+8:]
		if size > len(body) {
			size = len(body)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, fmt.Errorf("wav: truncated fmt chunk")
			}
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
		case "data":
			data = body[:size]
		}
		off += 8 + size
		if size%2 == 1 {
			off++ // chunks are word-aligned
		}
	}
	if sampleRate == 0 || data == nil {
		return nil, 0, 0, fmt.Errorf("wav: missing fmt or data chunk")
	}
	if bitsPerSample != 16 {
		return nil, 0, 0, fmt.Errorf("wav: %d bits per sample, want 16", bitsPerSample)
	}
	pcm = make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[2*i : 2*i+2]))
	}
	return pcm, sampleRate, channels, nil
}
