package audio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Recorder streams PCM frames to a WAV file and fixes the header sizes on Close.
type Recorder struct {
	mu         sync.Mutex
	f          *os.File
	path       string
	sampleRate int
	written    int64
	closed     bool
}

// NewRecorder creates dir/name.wav with a placeholder header.
func NewRecorder(dir, name string, sampleRate int) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}
	path := filepath.Join(dir, name+".wav")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	if _, err := NewHeader(sampleRate, 0).WriteTo(f); err != nil {
		f.Close()
		return nil, err
	}
	return &Recorder{f: f, path: path, sampleRate: sampleRate}, nil
}

// Write appends raw PCM bytes.
func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, os.ErrClosed
	}
	n, err := r.f.Write(p)
	r.written += int64(n)
	return n, err
}

// Path returns the recording's file path.
func (r *Recorder) Path() string { return r.path }

// Bytes returns the number of PCM bytes recorded so far.
func (r *Recorder) Bytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Duration returns the recorded playback length.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return NewHeader(r.sampleRate, uint32(r.written)).Duration()
}

// Close rewrites the header with final sizes and closes the file. Safe to call twice.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	// A trailing odd byte would misalign the frame count.
	if r.written%BytesPerFrame != 0 {
		if _, err := r.f.Write([]byte{0}); err == nil {
			r.written++
		}
	}
	if _, err := r.f.Seek(0, io.SeekStart); err != nil {
		r.f.Close()
		return fmt.Errorf("seek recording: %w", err)
	}
	if _, err := NewHeader(r.sampleRate, uint32(r.written)).WriteTo(r.f); err != nil {
		r.f.Close()
		return err
	}
	if err := r.f.Close(); err != nil {
		return fmt.Errorf("close recording: %w", err)
	}
	return nil
}
