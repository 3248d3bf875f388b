package audio

import (
	"encoding/binary"
	"fmt"

	opus "gopkg.in/hraban/opus.v2"
)

// maxFrameMS is the longest frame duration the codec allows.
const maxFrameMS = 120

// OpusDecoder converts raw opus frames from the client into 16-bit
// little-endian PCM. Not safe for concurrent use.
type OpusDecoder struct {
	dec      *opus.Decoder
	channels int
	pcm      []int16
}

func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:      dec,
		channels: channels,
		pcm:      make([]int16, sampleRate*maxFrameMS/1000*channels),
	}, nil
}

// Decode decodes one opus frame to PCM bytes.
func (d *OpusDecoder) Decode(frame []byte) ([]byte, error) {
	n, err := d.dec.Decode(frame, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	samples := d.pcm[:n*d.channels]
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out, nil
}
