// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package capacity turns requested farm sizes into byte allocations.
//
// Percentage requests are computed against the space available to the farm,
// which includes the space the farm already occupies on disk, so re-validating
// an unchanged configuration is stable. Small drifts (less than ResizeMargin)
// are absorbed by keeping the allocation the farm was last opened with.
package capacity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	units "github.com/docker/go-units"
	log "github.com/golang/glog"

	"github.com/plotfarm/plotfarm/internal/core"
)

const (
	// AllocationMargin is left free on every filesystem.
	AllocationMargin uint64 = 1 << 30

	// ResizeMargin is the smallest change of a percentage-sized farm that
	// results in a resize.
	ResizeMargin uint64 = 5 << 30
)

// PathError is returned when a farm directory can't be used.
type PathError struct {
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("farm directory %s is not usable: %s", e.Path, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// Allocation is the planned size of one farm.
type Allocation struct {
	Directory      string
	AllocatedSpace uint64
	// Warning is set if the request had to be clamped to the available space.
	Warning string
}

// Planner computes allocations.
type Planner struct {
	FS FS
}

// NewPlanner returns a Planner for the local disks.
func NewPlanner() *Planner {
	return &Planner{FS: DiskFS{}}
}

// Plan computes the allocation of a farm stored in dir. Filesystem checks
// runs on its own goroutine; if ctx is done first, Plan returns ctx.Err().
func (p *Planner) Plan(ctx context.Context, dir string, size Size) (Allocation, error) {
	type result struct {
		alloc Allocation
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		a, err := p.plan(dir, size)
		ch <- result{a, err}
	}()

	select {
	case r := <-ch:
		return r.alloc, r.err
	case <-ctx.Done():
		return Allocation{}, ctx.Err()
	}
}

func (p *Planner) plan(dir string, size Size) (Allocation, error) {
	existing, err := checkDir(dir)
	if err != nil {
		return Allocation{}, err
	}

	free, err := p.FS.Available(existing)
	if err != nil {
		return Allocation{}, &PathError{Path: dir, Err: err}
	}
	var usage, allocated uint64
	if existing == filepath.Clean(dir) {
		if usage, err = p.FS.Usage(dir); err != nil {
			return Allocation{}, &PathError{Path: dir, Err: err}
		}
		if allocated, err = p.FS.Allocated(dir); err != nil {
			return Allocation{}, &PathError{Path: dir, Err: err}
		}
	}

	available := free + usage
	alloc := Allocation{
		Directory:      dir,
		AllocatedSpace: Compute(size, available, allocated),
	}
	if alloc.AllocatedSpace > available {
		clamped := saturatingSub(available, AllocationMargin)
		alloc.Warning = fmt.Sprintf("requested %s for %s but only %s is available, using %s",
			size, dir, units.BytesSize(float64(available)), units.BytesSize(float64(clamped)))
		log.Warningf("%s", alloc.Warning)
		alloc.AllocatedSpace = clamped
	}
	return alloc, nil
}

// Compute is the pure part of planning: given the requested size, the space
// available to the farm (free space plus what the farm occupies on disk) and
// the allocation the farm was last opened with, it returns the target
// allocation before clamping.
func Compute(size Size, available, allocated uint64) uint64 {
	if !size.IsPercent() {
		return size.Bytes
	}

	target := uint64(float64(saturatingSub(available, AllocationMargin)) * size.Percent / 100)
	if target < core.MinFarmSize {
		target = core.MinFarmSize
	}
	if allocated > 0 && absDiff(target, allocated) < ResizeMargin {
		target = allocated
	}
	return target
}

// checkDir verifies that dir, or the closest existing ancestor it would be
// created in, is a writable directory. It returns that directory.
func checkDir(dir string) (string, error) {
	existing := filepath.Clean(dir)
	for {
		fi, err := os.Stat(existing)
		if err == nil {
			if !fi.IsDir() {
				return "", &PathError{Path: dir, Err: fmt.Errorf("%s is not a directory", existing)}
			}
			break
		}
		if !os.IsNotExist(err) {
			return "", &PathError{Path: dir, Err: err}
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return "", &PathError{Path: dir, Err: err}
		}
		existing = parent
	}

	f, err := os.CreateTemp(existing, ".plotfarm-writable-")
	if err != nil {
		return "", &PathError{Path: dir, Err: err}
	}
	f.Close()
	os.Remove(f.Name())
	return existing, nil
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
