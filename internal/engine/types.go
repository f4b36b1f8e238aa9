package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNoScene is returned by CurrentScene when nothing is loaded.
	ErrNoScene = errors.New("engine has no scene loaded")
	// ErrEngineLost means the instance is no longer usable and must be dropped.
	ErrEngineLost = errors.New("engine instance lost")
	// ErrClosed is returned by Acquire after the Handle is closed.
	ErrClosed = errors.New("engine handle closed")
)

// Scene identifies a scene loaded into an engine instance.
type Scene struct {
	ID string
}

// ExportOptions describes the raster output of Export.
type ExportOptions struct {
	MimeType     string
	TargetWidth  int
	TargetHeight int
	// CompressionLevel applies to PNG output (0-9).
	CompressionLevel int
	// Quality applies to JPEG output (0-1).
	Quality float64
}

// InitError reports that an engine instance could not be constructed, for
// example because the license was rejected. It is fatal for the current
// render but a later Acquire retries.
type InitError struct {
	Strategy Strategy
	Err      error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("engine init (%s): %v", e.Strategy, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// Error reports a failed load or export on a live instance.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
