// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package capacity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	units "github.com/docker/go-units"
)

// ErrInvalidSizeFormat is returned for size strings that are neither a byte
// quantity nor a percentage in (0, 100].
var ErrInvalidSizeFormat = errors.New("invalid size format")

// Size is a requested farm size: either an absolute number of bytes or a
// percentage of the space available to the farm.
type Size struct {
	Bytes   uint64
	Percent float64
}

// IsPercent returns true if the size is relative to available space.
func (s Size) IsPercent() bool {
	return s.Percent > 0
}

func (s Size) String() string {
	if s.IsPercent() {
		return strconv.FormatFloat(s.Percent, 'f', -1, 64) + "%"
	}
	return units.HumanSize(float64(s.Bytes))
}

// ParseSize parses "50%", "4TB", "2TiB", "500G" or a plain number of bytes.
// Units without an "i" are decimal, units with one are binary.
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "%") {
		v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
		if err != nil || v <= 0 || v > 100 {
			return Size{}, fmt.Errorf("%w: %q is not a percentage in (0, 100]", ErrInvalidSizeFormat, s)
		}
		return Size{Percent: v}, nil
	}

	var n int64
	var err error
	if strings.ContainsAny(s, "iI") {
		n, err = units.RAMInBytes(s)
	} else {
		n, err = units.FromHumanSize(s)
	}
	if err != nil || n <= 0 {
		return Size{}, fmt.Errorf("%w: %q", ErrInvalidSizeFormat, s)
	}
	return Size{Bytes: uint64(n)}, nil
}
