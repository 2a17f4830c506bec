// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"errors"
	"fmt"

	units "github.com/docker/go-units"
)

var (
	// ErrPieceNotFound is returned when a piece is not available locally.
	ErrPieceNotFound = errors.New("piece not available")

	// ErrSectorNotPlotted is returned when reading from a sector that has not
	// finished plotting.
	ErrSectorNotPlotted = errors.New("sector is not plotted")
)

// InsufficientSpaceError is returned when a farm is constructed with less space
// than it needs to hold its metadata, cache and at least one sector.
type InsufficientSpaceError struct {
	// Allocated is the space the farm was given.
	Allocated uint64
	// Min is the minimum space the farm could be constructed with.
	Min uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("allocated space %s (%d bytes) is not enough, minimum is %s (%d bytes)",
		units.BytesSize(float64(e.Allocated)), e.Allocated, units.BytesSize(float64(e.Min)), e.Min)
}

// IsInsufficientSpace returns true if err is, or wraps, an InsufficientSpaceError.
func IsInsufficientSpace(err error) bool {
	var ise *InsufficientSpaceError
	return errors.As(err, &ise)
}
