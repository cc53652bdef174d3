// Package media converts recorded audio to the canonical encoding used for batch transcription.
package media

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	apperr "github.com/meeting-tensor/platform/internal/errors"
	"github.com/meeting-tensor/platform/internal/trace"
)

const maxStderr = 4 << 10

// FFmpeg canonicalizes audio files with an ffmpeg binary.
type FFmpeg struct {
	Binary     string
	SampleRate int
	TmpDir     string
}

// NewFFmpeg returns a converter; an empty binary means "ffmpeg" on PATH.
func NewFFmpeg(binary string, sampleRate int, tmpDir string) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{Binary: binary, SampleRate: sampleRate, TmpDir: tmpDir}
}

// Args returns the ffmpeg arguments producing mono 16-bit PCM WAV at the configured rate.
func (f *FFmpeg) Args(in, out string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-y", "-i", in,
		"-ac", "1", "-ar", strconv.Itoa(f.SampleRate),
		"-sample_fmt", "s16",
		"-f", "wav",
		out,
	}
}

// Canonicalize converts in and returns the path of the converted file.
func (f *FFmpeg) Canonicalize(ctx context.Context, in string) (string, error) {
	dir := f.TmpDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperr.Wrap(err, apperr.CodeMediaConvertFailed, "create output dir")
	}
	base := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
	out := filepath.Join(dir, base+"_mono_"+strconv.Itoa(f.SampleRate)+".wav")

	cmd := exec.CommandContext(ctx, f.Binary, f.Args(in, out)...)
	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{buf: &stderr, max: maxStderr}

	trace.Logger(ctx).Debug("converting audio", "input", in, "output", out)
	if err := cmd.Run(); err != nil {
		return "", apperr.Wrap(err, apperr.CodeMediaConvertFailed, "ffmpeg").
			WithMetadata("input", in).
			WithMetadata("stderr", strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// limitedWriter keeps the first max bytes and discards the rest.
type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
