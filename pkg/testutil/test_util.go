// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Helpers for tests that touch the disk or wait on background goroutines.
// Farms, caches and databases created by tests go in TempDir() or a directory
// within it. Put this in main_test.go of your package and the process temp
// directory is removed after a successful run:
/*

package mypkg

import (
	"testing"

	"github.com/plotfarm/plotfarm/pkg/testutil"
)

func TestMain(m *testing.M) {
	testutil.TestMain(m)
}

*/

package testutil

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

var (
	tempLock sync.Mutex
	tempDir  string
)

// TempDir gets a temp directory that's exclusive to this process. Use NewDir
// for a directory exclusive to one test.
func TempDir() string {
	tempLock.Lock()
	defer tempLock.Unlock()
	if tempDir == "" {
		var err error
		tempDir, err = os.MkdirTemp(os.Getenv("TMPDIR"), filepath.Base(os.Args[0]))
		if err != nil {
			log.Fatalf("couldn't create temp dir: %s", err)
		}
	}
	return tempDir
}

// NewDir creates a fresh directory inside TempDir.
func NewDir(t testing.TB) string {
	dir, err := os.MkdirTemp(TempDir(), "t")
	if err != nil {
		t.Fatalf("couldn't create dir: %s", err)
	}
	return dir
}

// WaitFor polls cond until it returns true, failing the test after timeout.
func WaitFor(t testing.TB, timeout time.Duration, what string, cond func() bool) {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func cleanup() {
	tempLock.Lock()
	defer tempLock.Unlock()
	if tempDir != "" {
		os.RemoveAll(tempDir)
	}
}

// TestMain should be called from your package TestMain to ensure that the process
// temp directory is cleaned up on successful runs.
func TestMain(m *testing.M) {
	flag.Parse()
	ret := m.Run()
	if ret == 0 {
		cleanup()
	}
	os.Exit(ret)
}
