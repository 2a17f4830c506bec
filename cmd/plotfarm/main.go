// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// We should send our own log output to stderr.
	flag.Set("logtostderr", "true")
	flag.Parse()

	cli := newPlotfarmCli()

	// Catch INT and TERM signals so a running farmer gets to close its farms
	// before the process exits.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		cli.stop()
	}()

	// glog flags were consumed by flag.Parse, the rest is the command.
	if err := cli.run(append([]string{os.Args[0]}, flag.Args()...)); err != nil {
		os.Exit(1)
	}
}
