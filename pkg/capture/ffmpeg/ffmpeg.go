// Package ffmpeg provides a camera device that reads an MJPEG stream from
// an ffmpeg child process.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"github.com/ken/pokescan/pkg/capture"
)

// DefaultDevicePath is used for unconstrained requests without a mapping
const DefaultDevicePath = "/dev/video0"

// ErrStopped is returned by Frame after Stop
var ErrStopped = errors.New("camera stream stopped")

var (
	soi = []byte{0xff, 0xd8}
	eoi = []byte{0xff, 0xd9}
)

// Device opens cameras through ffmpeg. Devices maps facing modes to device
// paths; the "" entry serves unconstrained requests.
type Device struct {
	ffmpegPath  string
	inputFormat string
	devices     map[capture.FacingMode]string
	logger      *slog.Logger
}

// NewDevice locates ffmpeg (an empty path searches PATH) and creates a device
func NewDevice(ffmpegPath string, devices map[string]string, logger *slog.Logger) (*Device, error) {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	path, err := exec.LookPath(ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	mapped := make(map[capture.FacingMode]string, len(devices))
	for facing, dev := range devices {
		mapped[capture.FacingMode(facing)] = dev
	}
	logger.Debug("ffmpeg camera device", "ffmpeg", path, "devices", len(mapped))

	return &Device{ffmpegPath: path, inputFormat: "v4l2", devices: mapped, logger: logger}, nil
}

// DevicePath resolves the device node for c
func (d *Device) DevicePath(c capture.Constraints) (string, error) {
	if c.FacingMode == capture.FacingAny {
		if dev, ok := d.devices[capture.FacingAny]; ok {
			return dev, nil
		}
		return DefaultDevicePath, nil
	}
	dev, ok := d.devices[c.FacingMode]
	if !ok {
		return "", fmt.Errorf("no camera facing %q", c.FacingMode)
	}
	return dev, nil
}

// Args builds the ffmpeg command line for dev under c
func (d *Device) Args(dev string, c capture.Constraints) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-f", d.inputFormat}
	if c.Width > 0 && c.Height > 0 {
		args = append(args, "-video_size", strconv.Itoa(c.Width)+"x"+strconv.Itoa(c.Height))
	}
	return append(args, "-i", dev, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")
}

// Open starts ffmpeg for the camera matching c
func (d *Device) Open(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	dev, err := d.DevicePath(c)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The process outlives ctx; Stop ends it
	cmd := exec.Command(d.ffmpegPath, d.Args(dev, c)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open ffmpeg output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	d.logger.Info("camera process started", "device", dev, "pid", cmd.Process.Pid)

	kill := func() { _ = cmd.Process.Kill() }
	wait := func() error {
		err := cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Killed on purpose
			return nil
		}
		return err
	}
	return newStream(stdout, kill, wait, d.logger), nil
}

// SplitJPEG is a bufio.SplitFunc yielding one JPEG image per token
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, soi)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a trailing 0xff that may begin a marker
		if n := len(data); n > 1 {
			return n - 1, nil, nil
		}
		return 0, nil, nil
	}

	end := bytes.Index(data[start+len(soi):], eoi)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	end += start + len(soi) + len(eoi)
	return end, data[start:end], nil
}

type stream struct {
	kill   func()
	wait   func() error
	logger *slog.Logger

	first     chan struct{}
	done      chan struct{}
	firstOnce sync.Once
	stopOnce  sync.Once

	mu      sync.Mutex
	latest  image.Image
	readErr error
	stopped bool
	stopErr error
}

func newStream(r io.Reader, kill func(), wait func() error, logger *slog.Logger) *stream {
	s := &stream{
		kill:   kill,
		wait:   wait,
		logger: logger,
		first:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.read(r)
	return s
}

// read decodes frames until r ends, keeping only the latest
func (s *stream) read(r io.Reader) {
	defer close(s.done)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)
	scanner.Split(SplitJPEG)

	for scanner.Scan() {
		img, err := jpeg.Decode(bytes.NewReader(scanner.Bytes()))
		if err != nil {
			s.logger.Debug("dropping undecodable frame", "error", err)
			continue
		}
		s.mu.Lock()
		s.latest = img
		s.mu.Unlock()
		s.firstOnce.Do(func() { close(s.first) })
	}

	s.mu.Lock()
	s.readErr = scanner.Err()
	if s.readErr == nil {
		s.readErr = io.EOF
	}
	s.mu.Unlock()
}

// Frame returns the most recent frame, waiting for the first one. Once
// ffmpeg has exited it fails instead of repeating the last frame.
func (s *stream) Frame(ctx context.Context) (image.Image, error) {
	select {
	case <-s.first:
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}
	if s.readErr != nil {
		return nil, fmt.Errorf("camera stream ended: %w", s.readErr)
	}
	return s.latest, nil
}

// Stop ends the process and waits for the reader to drain. Later calls
// return the first result.
func (s *stream) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		s.kill()
		<-s.done
		s.stopErr = s.wait()
	})
	return s.stopErr
}
