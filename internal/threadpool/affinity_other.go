// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

//go:build !linux

package threadpool

import (
	"errors"
)

var errUnsupported = errors.New("not supported on this platform")

func pinThread(cores []int) error {
	return errUnsupported
}

func lowerThreadPriority() error {
	return errUnsupported
}
