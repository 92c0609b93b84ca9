package tilestream

import (
	"errors"

	"github.com/gogpu/tilestream/internal/streamer"
)

// Manager errors.
var (
	// ErrNoDevice is returned by New when ManagerDesc.Device is nil.
	ErrNoDevice = errors.New("tilestream: no device")

	// ErrClosed is returned by operations on a closed Manager.
	ErrClosed = errors.New("tilestream: manager closed")

	// ErrInvalidSwapChainBufferCount is returned for a buffer count
	// outside 1..MaxSwapChainBufferCount.
	ErrInvalidSwapChainBufferCount = errors.New("tilestream: invalid swap chain buffer count")

	// ErrInvalidCapacity is returned for a heap of zero pages.
	ErrInvalidCapacity = errors.New("tilestream: invalid heap capacity")

	// ErrHeapInUse is returned when destroying a heap that still backs
	// streaming resources.
	ErrHeapInUse = errors.New("tilestream: heap in use")

	// ErrForeignHandle is returned for a heap or resource created by
	// another Manager, or already destroyed.
	ErrForeignHandle = errors.New("tilestream: handle not owned by this manager")
)

// ErrFileNotFound is returned, wrapped, by CreateStreamingResource when
// the file does not exist.
var ErrFileNotFound = streamer.ErrFileNotFound
