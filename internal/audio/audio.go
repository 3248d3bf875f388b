// Package audio provides the codec helpers used on the speech path: WAV
// container synthesis for headerless PCM uploads and MP3 decoding for
// synthesized responses.
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

const wavHeaderSize = 44

// WrapPCM prepends a minimal RIFF/WAVE header to raw 16-bit PCM so one-shot
// transcription endpoints that require a container accept it. Data that
// already carries a RIFF header passes through untouched.
func WrapPCM(pcm []byte, sampleRate, channels int) []byte {
	if IsWAV(pcm) {
		return pcm
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	writeWavHeader(buf, len(pcm), sampleRate, channels, 16)
	buf.Write(pcm)
	return buf.Bytes()
}

// IsWAV reports whether data starts with a RIFF/WAVE container header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 &&
		bytes.Equal(data[0:4], []byte("RIFF")) &&
		bytes.Equal(data[8:12], []byte("WAVE"))
}

func writeWavHeader(w io.Writer, dataSize, sampleRate, channels, bitsPerSample int) {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	w.Write([]byte("RIFF"))
	binary.Write(w, binary.LittleEndian, uint32(36+dataSize))
	w.Write([]byte("WAVE"))
	w.Write([]byte("fmt "))
	binary.Write(w, binary.LittleEndian, uint32(16))
	binary.Write(w, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(w, binary.LittleEndian, uint16(channels))
	binary.Write(w, binary.LittleEndian, uint32(sampleRate))
	binary.Write(w, binary.LittleEndian, uint32(byteRate))
	binary.Write(w, binary.LittleEndian, uint16(blockAlign))
	binary.Write(w, binary.LittleEndian, uint16(bitsPerSample))
	w.Write([]byte("data"))
	binary.Write(w, binary.LittleEndian, uint32(dataSize))
}

// DecodeMP3 converts an MP3 stream to 16-bit stereo PCM and reports the
// sample rate.
func DecodeMP3(data []byte) ([]byte, int, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("mp3 decode: %w", err)
	}

	pcm, err := io.ReadAll(decoder)
	if err != nil {
		return nil, 0, fmt.Errorf("mp3 read: %w", err)
	}
	return pcm, decoder.SampleRate(), nil
}
