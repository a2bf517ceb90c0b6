package main

import "errors"

// Fatal error classes. Pipeline stages wrap these with %w so callers can
// match with errors.Is; the message chain carries the detail.
var (
	ErrDeviceNotFound           = errors.New("device not found")
	ErrUnexpectedLayout         = errors.New("unexpected partition layout")
	ErrInsufficientDestination  = errors.New("destination too small")
	ErrInsufficientScratchSpace = errors.New("insufficient scratch space")
	ErrPartitionTable           = errors.New("partition table write failed")
	ErrCloneFailed              = errors.New("partition clone failed")
	ErrExpandFailed             = errors.New("partition expand failed")

	// ErrDestinationBusy means the destination is mounted or another
	// clone run holds its lock. A precondition failure, nothing written.
	ErrDestinationBusy = errors.New("destination busy")
)
