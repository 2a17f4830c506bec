// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package notify

import (
	"context"
	"sync"
)

// Gates is a set of one-shot gates released together. Gates created after
// Release are already open.
type Gates struct {
	lock     sync.Mutex
	pending  []chan struct{}
	released bool
}

// NewGate returns a channel that is closed when the set is released.
func (g *Gates) NewGate() <-chan struct{} {
	ch := make(chan struct{})

	g.lock.Lock()
	defer g.lock.Unlock()
	if g.released {
		close(ch)
	} else {
		g.pending = append(g.pending, ch)
	}
	return ch
}

// Release opens every pending gate while holding the lock, so no waiter can
// observe one gate open and another still closed. Returns false if the set
// was already released.
func (g *Gates) Release() bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.released {
		return false
	}
	g.released = true
	for _, ch := range g.pending {
		close(ch)
	}
	g.pending = nil
	return true
}

// Released returns true once Release has been called.
func (g *Gates) Released() bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.released
}

// Wait blocks until gate is open or ctx is done.
func Wait(ctx context.Context, gate <-chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
