// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// A Manager hands out pairs of plotting/replotting pools, one pair per core set,
// to farms that want to plot a sector.

package threadpool

import (
	"context"
	"errors"
	"fmt"

	log "github.com/golang/glog"
)

// PoolPair is the pair of pools of one core set.
type PoolPair struct {
	// Group is the index of the core set.
	Group      int
	Plotting   *Pool
	Replotting *Pool
}

// Manager owns one PoolPair per core set. A farm acquires a pair for the
// duration of plotting one sector, which bounds the number of sectors being
// encoded at once to the number of core sets.
type Manager struct {
	pairs []*PoolPair
	free  chan *PoolPair
}

// NewManager creates the pools. Plotting pools span a whole core set and
// replotting pools half of it. With reduceCPULoad both are halved again.
func NewManager(sets []CoreSet, reduceCPULoad bool) (*Manager, error) {
	if len(sets) == 0 {
		return nil, errors.New("no core sets to create thread pools on")
	}

	plottingDiv, replottingDiv := 1, 2
	if reduceCPULoad {
		plottingDiv, replottingDiv = 2, 4
	}

	m := &Manager{free: make(chan *PoolPair, len(sets))}
	for i, set := range sets {
		plotting, err := NewPool(fmt.Sprintf("plotting-%d", i), set.Cores, set.Width(plottingDiv))
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("plotting pool %d: %w", i, err)
		}
		replotting, err := NewPool(fmt.Sprintf("replotting-%d", i), set.Cores, set.Width(replottingDiv))
		if err != nil {
			plotting.Close()
			m.Close()
			return nil, fmt.Errorf("replotting pool %d: %w", i, err)
		}
		pair := &PoolPair{Group: i, Plotting: plotting, Replotting: replotting}
		m.pairs = append(m.pairs, pair)
		m.free <- pair
	}
	log.Infof("created %d plotting thread pool pairs", len(sets))
	return m, nil
}

// Groups returns the number of pool pairs.
func (m *Manager) Groups() int {
	return len(m.pairs)
}

// Acquire waits for a free pool pair.
func (m *Manager) Acquire(ctx context.Context) (*PoolPair, error) {
	select {
	case p := <-m.free:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a pair obtained from Acquire.
func (m *Manager) Release(p *PoolPair) {
	m.free <- p
}

// Close stops all pools.
func (m *Manager) Close() {
	for _, p := range m.pairs {
		p.Plotting.Close()
		p.Replotting.Close()
	}
}
