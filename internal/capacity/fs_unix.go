// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

//go:build unix

package capacity

import (
	"os"

	"golang.org/x/sys/unix"
)

// diskUsage returns the bytes of the blocks allocated to path.
func diskUsage(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, &os.PathError{Op: "stat", Path: path, Err: err}
	}
	// st_blocks is in 512 byte units regardless of the block size.
	return uint64(st.Blocks) * 512, nil
}
