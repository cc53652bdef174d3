// Package audio holds the canonical session recording format: mono, 16-bit PCM WAV.
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

const (
	HeaderSize    = 44
	Channels      = 1
	BitsPerSample = 16
	BytesPerFrame = Channels * BitsPerSample / 8
)

// WAVHeader represents the header structure of a canonical WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// NewHeader returns the header for dataSize bytes of mono 16-bit PCM.
func NewHeader(sampleRate int, dataSize uint32) WAVHeader {
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   Channels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * BytesPerFrame,
		BlockAlign:    BytesPerFrame,
		BitsPerSample: BitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// WriteTo writes the 44-byte header.
func (h WAVHeader) WriteTo(w io.Writer) (int64, error) {
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return 0, fmt.Errorf("write WAV header: %w", err)
	}
	return HeaderSize, nil
}

// Duration returns the playback length of the data chunk.
func (h WAVHeader) Duration() time.Duration {
	if h.ByteRate == 0 {
		return 0
	}
	return time.Duration(int64(h.Subchunk2Size) * int64(time.Second) / int64(h.ByteRate))
}

// Encode wraps raw little-endian PCM-16 mono bytes in a WAV container.
func Encode(pcm []byte, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if len(pcm)%BytesPerFrame != 0 {
		return nil, fmt.Errorf("PCM length %d is not a whole number of 16-bit frames", len(pcm))
	}
	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(pcm)))
	if _, err := NewHeader(sampleRate, uint32(len(pcm))).WriteTo(buf); err != nil {
		return nil, err
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}

// ReadHeader reads and validates a canonical header.
func ReadHeader(r io.Reader) (WAVHeader, error) {
	var h WAVHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("read WAV header: %w", err)
	}
	if err := h.Validate(); err != nil {
		return h, err
	}
	return h, nil
}

// Validate checks the header describes mono 16-bit PCM.
func (h WAVHeader) Validate() error {
	switch {
	case string(h.ChunkID[:]) != "RIFF":
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	case string(h.Format[:]) != "WAVE":
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	case string(h.Subchunk1ID[:]) != "fmt ":
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	case string(h.Subchunk2ID[:]) != "data":
		return fmt.Errorf("invalid WAV file: missing data chunk")
	case h.AudioFormat != 1:
		return fmt.Errorf("unsupported audio format: %d (only PCM is supported)", h.AudioFormat)
	case h.BitsPerSample != BitsPerSample:
		return fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", h.BitsPerSample)
	case h.NumChannels != Channels:
		return fmt.Errorf("unsupported channel count: %d (only mono is supported)", h.NumChannels)
	}
	return nil
}

// Decode returns the PCM payload and sample rate of a canonical WAV file.
func Decode(data []byte) ([]byte, int, error) {
	if len(data) < HeaderSize {
		return nil, 0, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", HeaderSize, len(data))
	}
	h, err := ReadHeader(bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	end := HeaderSize + int(h.Subchunk2Size)
	if end > len(data) {
		end = len(data)
	}
	return data[HeaderSize:end], int(h.SampleRate), nil
}
