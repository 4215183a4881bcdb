package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ken/pokescan/pkg/raster"
	"github.com/ken/pokescan/pkg/storage"
)

// Imported is the decoded import currently held by the manager
type Imported struct {
	Image  image.Image
	Format string
	blob   storage.Blob
}

// Options configures a Manager
type Options struct {
	Device         Device
	Spool          storage.BlobStore
	Preferred      Constraints
	ReadyTimeout   time.Duration
	MaxImportBytes int64
	Logger         *slog.Logger
}

// Manager serializes camera ownership and the import lifecycle.
// A nil Device means no camera is present.
type Manager struct {
	device       Device
	spool        storage.BlobStore
	preferred    Constraints
	readyTimeout time.Duration
	maxImport    int64
	logger       *slog.Logger

	mu            sync.Mutex
	state         CameraState
	stream        Stream
	cancelAcquire context.CancelFunc
	attempt       uint64
	imported      *Imported
	closed        bool
}

// NewManager creates a manager. A nil spool keeps slow-path imports in memory.
func NewManager(opts Options) *Manager {
	m := &Manager{
		device:       opts.Device,
		spool:        opts.Spool,
		preferred:    opts.Preferred,
		readyTimeout: opts.ReadyTimeout,
		maxImport:    opts.MaxImportBytes,
		logger:       opts.Logger,
	}
	if m.spool == nil {
		m.spool = storage.NewMemoryStore()
	}
	if m.preferred.Unconstrained() {
		m.preferred = DefaultConstraints()
	}
	if m.readyTimeout <= 0 {
		m.readyTimeout = DefaultReadyTimeout
	}
	if m.maxImport <= 0 {
		m.maxImport = DefaultMaxImportBytes
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// CameraState returns the current camera state
func (m *Manager) CameraState() CameraState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CameraReady reports whether a camera frame can be read
func (m *Manager) CameraReady() bool {
	return m.CameraState() == Ready
}

// StartCamera acquires a camera, stopping any active stream first. The
// preferred constraints are tried, then an unconstrained request. The
// camera is Ready only once a first frame decodes. The manager is not
// locked while the device is acquired: imports stay usable, and
// StopCamera, Close or a newer StartCamera abort the request.
func (m *Manager) StartCamera(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.abortAcquireLocked()
	if err := m.stopLocked(); err != nil {
		m.logger.Warn("failed to stop previous camera", "error", err)
	}
	if m.device == nil {
		m.state = Idle
		m.mu.Unlock()
		return fmt.Errorf("%w: no camera device configured", ErrCameraUnavailable)
	}

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.attempt++
	attempt := m.attempt
	m.cancelAcquire = cancel
	m.state = Acquiring
	m.mu.Unlock()

	stream, c, err := m.acquireAny(actx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if attempt != m.attempt {
		// Superseded while acquiring; the state belongs to whoever won
		if stream != nil {
			if stopErr := stream.Stop(); stopErr != nil {
				m.logger.Warn("failed to stop camera", "error", stopErr)
			}
		}
		if m.closed {
			return ErrClosed
		}
		return fmt.Errorf("%w: camera request aborted", ErrCameraUnavailable)
	}
	m.cancelAcquire = nil

	if err != nil {
		m.state = Idle
		return err
	}
	m.stream = stream
	m.state = Ready
	m.logger.Info("camera ready", "facing", c.FacingMode)
	return nil
}

// acquireAny tries the preferred constraints, then none
func (m *Manager) acquireAny(ctx context.Context) (Stream, Constraints, error) {
	var errs []error
	for _, c := range []Constraints{m.preferred, {}} {
		if err := ctx.Err(); err != nil {
			return nil, c, err
		}

		stream, err := m.acquire(ctx, c)
		if err != nil {
			m.logger.Info("camera request failed", "facing", c.FacingMode, "width", c.Width,
				"height", c.Height, "error", err)
			errs = append(errs, err)
			continue
		}
		return stream, c, nil
	}
	return nil, Constraints{}, fmt.Errorf("%w: %w", ErrCameraUnavailable, errors.Join(errs...))
}

// abortAcquireLocked cancels a pending StartCamera
func (m *Manager) abortAcquireLocked() {
	if m.cancelAcquire == nil {
		return
	}
	m.cancelAcquire()
	m.cancelAcquire = nil
	m.attempt++
	m.state = Stopped
	m.logger.Info("camera request aborted")
}

// acquire opens a stream and waits for its first frame
func (m *Manager) acquire(ctx context.Context, c Constraints) (Stream, error) {
	stream, err := m.device.Open(ctx, c)
	if err != nil {
		return nil, err
	}

	fctx, cancel := context.WithTimeout(ctx, m.readyTimeout)
	defer cancel()

	if _, err := stream.Frame(fctx); err != nil {
		if stopErr := stream.Stop(); stopErr != nil {
			m.logger.Warn("failed to stop camera", "error", stopErr)
		}
		return nil, fmt.Errorf("no frame from camera: %w", err)
	}
	return stream, nil
}

// StopCamera releases the active stream and aborts a pending request.
// Without either it is a no-op.
func (m *Manager) StopCamera() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abortAcquireLocked()
	return m.stopLocked()
}

func (m *Manager) stopLocked() error {
	if m.stream == nil {
		return nil
	}
	err := m.stream.Stop()
	m.stream = nil
	m.state = Stopped
	m.logger.Info("camera stopped")
	return err
}

// Import decodes r and makes it the imported source, releasing the
// previous import. Bitmaps decode in memory; anything else is spooled to a
// blob and handed to the SVG rasterizer. The blob lives as long as the
// import does.
func (m *Manager) Import(ctx context.Context, r io.Reader) (*Imported, error) {
	data, err := io.ReadAll(io.LimitReader(r, m.maxImport+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read import: %w", err)
	}
	if int64(len(data)) > m.maxImport {
		return nil, fmt.Errorf("import exceeds %d bytes", m.maxImport)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	m.releaseImportLocked()

	img, format, err := raster.Decode(data)
	switch {
	case err == nil:
		m.imported = &Imported{Image: img, Format: format}
		m.logger.Info("image imported", "format", format, "path", "bitmap")
		return m.imported, nil
	case errors.Is(err, raster.ErrTooLarge):
		return nil, fmt.Errorf("failed to decode import: %w", err)
	}

	blob, err := m.spool.Put(data)
	if err != nil {
		return nil, fmt.Errorf("failed to spool import: %w", err)
	}

	img, err = decodeBlob(blob)
	if err != nil {
		if relErr := blob.Release(); relErr != nil {
			m.logger.Warn("failed to release import", "blob", blob.ID(), "error", relErr)
		}
		return nil, fmt.Errorf("failed to decode import: %w", err)
	}

	m.imported = &Imported{Image: img, Format: "svg", blob: blob}
	m.logger.Info("image imported", "format", "svg", "path", "spooled", "blob", blob.ID())
	return m.imported, nil
}

func decodeBlob(blob storage.Blob) (image.Image, error) {
	rc, err := blob.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return raster.DecodeSVG(rc)
}

// ClearImport drops the imported source, if any
func (m *Manager) ClearImport() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseImportLocked()
}

func (m *Manager) releaseImportLocked() {
	if m.imported == nil {
		return
	}
	if b := m.imported.blob; b != nil {
		if err := b.Release(); err != nil {
			m.logger.Warn("failed to release import", "blob", b.ID(), "error", err)
		}
	}
	m.imported = nil
}

// HasImport reports whether an imported image is held
func (m *Manager) HasImport() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.imported != nil
}

// Source returns the image to classify: the import if present, otherwise
// the latest camera frame.
func (m *Manager) Source(ctx context.Context) (image.Image, string, error) {
	m.mu.Lock()
	if m.imported != nil {
		img := m.imported.Image
		m.mu.Unlock()
		return img, "image", nil
	}
	stream := m.stream
	ready := m.state == Ready
	m.mu.Unlock()

	if !ready || stream == nil {
		return nil, "", ErrNoSource
	}
	frame, err := stream.Frame(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.dropStream(stream)
		}
		return nil, "", fmt.Errorf("failed to read camera frame: %w", err)
	}
	return frame, "camera", nil
}

// dropStream stops a stream that stopped delivering frames, unless it has
// already been replaced
func (m *Manager) dropStream(stream Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream != stream {
		return
	}
	m.logger.Warn("camera stream lost")
	if err := m.stopLocked(); err != nil {
		m.logger.Warn("failed to stop camera", "error", err)
	}
}

// Preview writes the imported image for display and returns its content
// type. Spooled imports are served from their blob as is.
func (m *Manager) Preview(w io.Writer) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.imported == nil {
		return "", ErrNoSource
	}
	if b := m.imported.blob; b != nil {
		rc, err := b.Open()
		if err != nil {
			return "", err
		}
		defer rc.Close()
		if _, err := io.Copy(w, rc); err != nil {
			return "", err
		}
		return "image/svg+xml", nil
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, m.imported.Image); err != nil {
		return "", fmt.Errorf("failed to encode preview: %w", err)
	}
	if _, err := buf.WriteTo(w); err != nil {
		return "", err
	}
	return "image/png", nil
}

// Close stops the camera and releases the import. Further calls are no-ops.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.abortAcquireLocked()
	err := m.stopLocked()
	m.releaseImportLocked()
	return err
}
