// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package capacity

import (
	"os"
	"path/filepath"

	sigar "github.com/cloudfoundry/gosigar"

	"github.com/plotfarm/plotfarm/internal/singlefarm"
)

// FS is the filesystem view the planner needs.
type FS interface {
	// Available returns the bytes available to an unprivileged user on the
	// filesystem holding dir.
	Available(dir string) (uint64, error)

	// Usage returns the bytes the farm stored in dir currently occupies on
	// disk, or 0 if there is none. Sparse regions of the farm files don't
	// count, since they are still part of Available.
	Usage(dir string) (uint64, error)

	// Allocated returns the allocation the farm stored in dir was last opened
	// with, or 0 if there is none.
	Allocated(dir string) (uint64, error)
}

// FarmFiles are the files a farm occupies in its directory. They count
// towards the space available for a resize.
var FarmFiles = []string{"farm.db", "plot.bin", "cache.bin"}

// DiskFS is the FS of the local machine.
type DiskFS struct{}

// Available implements FS.
func (DiskFS) Available(dir string) (uint64, error) {
	var fs sigar.FileSystemUsage
	if err := fs.Get(dir); err != nil {
		return 0, err
	}
	// gosigar reports filesystem usage in KiB.
	return fs.Avail << 10, nil
}

// Usage implements FS.
func (DiskFS) Usage(dir string) (uint64, error) {
	var total uint64
	for _, name := range FarmFiles {
		n, err := diskUsage(filepath.Join(dir, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Allocated implements FS.
func (DiskFS) Allocated(dir string) (uint64, error) {
	s, err := singlefarm.ReadSummary(dir)
	if err != nil || !s.Found {
		return 0, err
	}
	return s.Info.AllocatedSpace, nil
}
