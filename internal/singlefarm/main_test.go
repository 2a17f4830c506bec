// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package singlefarm

import (
	"testing"

	"github.com/plotfarm/plotfarm/pkg/testutil"
)

func TestMain(m *testing.M) {
	testutil.TestMain(m)
}
