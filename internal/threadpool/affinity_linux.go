// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package threadpool

import (
	"golang.org/x/sys/unix"
)

// lowestPriority is the nice value of plotting threads.
const lowestPriority = 19

// pinThread restricts the calling OS thread to cores.
func pinThread(cores []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, c := range cores {
		set.Set(c)
	}
	return unix.SchedSetaffinity(0, &set)
}

// lowerThreadPriority sets the calling OS thread to the lowest priority. On
// Linux nice values are per thread.
func lowerThreadPriority() error {
	return unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), lowestPriority)
}
