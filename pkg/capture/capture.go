// Package capture owns the query image source: a live camera stream or an
// imported file, one at a time each.
package capture

import (
	"context"
	"errors"
	"image"
	"time"
)

var (
	// ErrCameraUnavailable is returned when no camera could be acquired
	ErrCameraUnavailable = errors.New("camera unavailable")

	// ErrNoSource is returned when there is neither an import nor a ready camera
	ErrNoSource = errors.New("start the camera or import an image first")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("capture manager closed")
)

// FacingMode selects a camera by the direction it faces
type FacingMode string

const (
	FacingAny         FacingMode = ""
	FacingEnvironment FacingMode = "environment"
	FacingUser        FacingMode = "user"
)

// Constraints describe the preferred camera stream. Zero values leave the
// choice to the device.
type Constraints struct {
	FacingMode FacingMode
	Width      int
	Height     int
}

// Unconstrained reports whether c expresses no preference at all
func (c Constraints) Unconstrained() bool {
	return c == Constraints{}
}

// DefaultConstraints is the preferred request: rear camera at 1280x720
func DefaultConstraints() Constraints {
	return Constraints{FacingMode: FacingEnvironment, Width: 1280, Height: 720}
}

// Device acquires camera streams
type Device interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is an acquired camera
type Stream interface {
	// Frame returns the most recent decoded frame, waiting for one if needed
	Frame(ctx context.Context) (image.Image, error)

	// Stop releases the camera and every resource behind the stream
	Stop() error
}

// CameraState is the state of the camera state machine
type CameraState int

const (
	Idle CameraState = iota
	Acquiring
	Ready
	Stopped
)

func (s CameraState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Acquiring:
		return "acquiring"
	case Ready:
		return "ready"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DefaultReadyTimeout bounds the wait for a first decodable frame
const DefaultReadyTimeout = 10 * time.Second

// DefaultMaxImportBytes caps an imported file
const DefaultMaxImportBytes = 32 << 20
