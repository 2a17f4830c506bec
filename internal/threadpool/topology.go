// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package threadpool

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	log "github.com/golang/glog"
)

// CoreSet is a group of CPU cores that share a cache locality domain.
type CoreSet struct {
	Cores []int
}

func (c CoreSet) String() string {
	return fmt.Sprint(c.Cores)
}

// Width returns the number of threads a pool over a fraction 1/div of this
// set gets. It is at least one.
func (c CoreSet) Width(div int) int {
	n := len(c.Cores) / div
	if n < 1 {
		n = 1
	}
	return n
}

const sysCPUDir = "/sys/devices/system/cpu"

// DetectCoreSets returns one CoreSet per L3 cache on this machine. If the
// topology can't be read, all cores form a single set.
func DetectCoreSets() []CoreSet {
	sets, err := readCoreSets(sysCPUDir)
	if err != nil || len(sets) == 0 {
		log.V(1).Infof("couldn't read cpu topology (%v), using one core set", err)
		return []CoreSet{allCores(runtime.NumCPU())}
	}
	return sets
}

func allCores(n int) CoreSet {
	cores := make([]int, n)
	for i := range cores {
		cores[i] = i
	}
	return CoreSet{Cores: cores}
}

// readCoreSets groups cpus under root by their L3 shared_cpu_list.
func readCoreSets(root string) ([]CoreSet, error) {
	paths, err := filepath.Glob(filepath.Join(root, "cpu[0-9]*", "cache", "index3", "shared_cpu_list"))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var sets []CoreSet
	for _, path := range paths {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		list := strings.TrimSpace(string(b))
		if seen[list] {
			continue
		}
		seen[list] = true
		cores, err := ParseCPUList(list)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		sets = append(sets, CoreSet{Cores: cores})
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].Cores[0] < sets[j].Cores[0] })
	return sets, nil
}

// ParseCPUList parses the kernel's cpu list format, e.g. "0-3,8-11,16".
func ParseCPUList(s string) ([]int, error) {
	var cores []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi := part, part
		if i := strings.IndexByte(part, '-'); i >= 0 {
			lo, hi = part[:i], part[i+1:]
		}
		a, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("bad cpu list %q", s)
		}
		b, err := strconv.Atoi(hi)
		if err != nil || b < a {
			return nil, fmt.Errorf("bad cpu list %q", s)
		}
		for c := a; c <= b; c++ {
			cores = append(cores, c)
		}
	}
	if len(cores) == 0 {
		return nil, fmt.Errorf("empty cpu list %q", s)
	}
	return cores, nil
}

// Regroup merges sets so that there are at most farms of them. Neighbouring
// sets are merged, and group sizes differ by at most one input set.
func Regroup(sets []CoreSet, farms int) []CoreSet {
	if farms < 1 {
		farms = 1
	}
	if len(sets) <= farms {
		return sets
	}

	out := make([]CoreSet, farms)
	for i := range out {
		lo, hi := i*len(sets)/farms, (i+1)*len(sets)/farms
		for _, s := range sets[lo:hi] {
			out[i].Cores = append(out[i].Cores, s.Cores...)
		}
	}
	log.Infof("regrouped %d core sets into %d to match the number of farms: %v", len(sets), farms, out)
	return out
}

// RecordEncodingConcurrency is the number of records of one sector encoded in
// parallel: half the cores of the first set, between 1 and 8.
func RecordEncodingConcurrency(sets []CoreSet) int {
	if len(sets) == 0 {
		return 1
	}
	n := len(sets[0].Cores) / 2
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}
