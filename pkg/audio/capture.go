// Package audio captures microphone PCM for streaming recognizers.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/japa/pkg/errorsx"
)

// Source opens a fresh audio stream for every recognizer attempt.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Config describes the ffmpeg input and the PCM it should produce.
type Config struct {
	Command     string `mapstructure:"command"`
	InputFormat string `mapstructure:"input_format"`
	InputDevice string `mapstructure:"input_device"`
	SampleRate  int    `mapstructure:"sample_rate"`
	Channels    int    `mapstructure:"channels"`
}

func (c Config) withDefaults() Config {
	if c.Command == "" {
		c.Command = "ffmpeg"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.InputFormat == "" {
		c.InputFormat = "pulse"
	}
	if c.InputDevice == "" {
		c.InputDevice = "default"
	}
	return c
}

// FFMPEGCapture streams signed 16-bit little-endian PCM from ffmpeg's stdout.
type FFMPEGCapture struct {
	cfg Config
	// startGrace is how long the process must survive before capture counts as started.
	startGrace time.Duration
}

func NewFFMPEGCapture(cfg Config) *FFMPEGCapture {
	return &FFMPEGCapture{cfg: cfg.withDefaults(), startGrace: 250 * time.Millisecond}
}

// Encoding and SampleRate describe the produced stream for the recognizer.
func (c *FFMPEGCapture) Encoding() string { return "linear16" }
func (c *FFMPEGCapture) SampleRate() int  { return c.cfg.SampleRate }
func (c *FFMPEGCapture) Channels() int    { return c.cfg.Channels }

// Available reports whether the capture command can be found.
func (c *FFMPEGCapture) Available() bool {
	_, err := exec.LookPath(c.cfg.Command)
	return err == nil
}

func (c *FFMPEGCapture) args() []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.cfg.InputFormat,
		"-i", c.cfg.InputDevice,
		"-ac", strconv.Itoa(c.cfg.Channels),
		"-ar", strconv.Itoa(c.cfg.SampleRate),
		"-f", "s16le",
		"-",
	}
}

func (c *FFMPEGCapture) Open(ctx context.Context) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, c.cfg.Command, c.args()...)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("ffmpeg stdout pipe: %w", err), errorsx.ReasonAudio)
	}
	if err := cmd.Start(); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("start ffmpeg: %w", err), errorsx.ReasonAudio)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, errorsx.New(errorsx.ReasonAudio, "ffmpeg exited before capture started: %v: %s", err, stderr.String())
		}
		return nil, errorsx.New(errorsx.ReasonAudio, "ffmpeg exited before capture started")
	case <-time.After(c.startGrace):
	}

	return &stream{stdout: stdout, stderr: stderr, process: cmd.Process, waitErr: waitErr}, nil
}

type stream struct {
	stdout  io.ReadCloser
	stderr  *syncBuffer
	process *os.Process
	waitErr <-chan error

	closeOnce sync.Once
	closeErr  error
}

func (s *stream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

// Close interrupts ffmpeg, kills it if it lingers, and reports real failures only.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}
		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.closeErr = normalizeExit(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			if err, ok := <-s.waitErr; ok {
				s.closeErr = normalizeExit(err)
			}
		}
		if err := s.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && s.closeErr == nil {
			s.closeErr = err
		}
		if s.closeErr != nil {
			if msg := s.stderr.String(); msg != "" {
				s.closeErr = fmt.Errorf("%w: %s", s.closeErr, msg)
			}
		}
	})
	return s.closeErr
}

// an exit status after an interrupt is the expected way for ffmpeg to stop.
func normalizeExit(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}

var _ Source = (*FFMPEGCapture)(nil)
