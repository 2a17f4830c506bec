// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package notify contains the event plumbing shared by farms, the piece cache
// and the farmer: callback registries, channel broadcasters and one-shot gates.
package notify

import (
	"sort"
	"sync"
)

// HandlerID is returned by Add and can be used to remove the handler again.
type HandlerID uint64

// Handlers is a registry of callbacks. The zero value is ready to use.
type Handlers[T any] struct {
	lock     sync.Mutex
	nextID   HandlerID
	handlers map[HandlerID]func(T)
}

// Add registers fn to be called for every value passed to Call.
func (h *Handlers[T]) Add(fn func(T)) HandlerID {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.handlers == nil {
		h.handlers = make(map[HandlerID]func(T))
	}
	h.nextID++
	h.handlers[h.nextID] = fn
	return h.nextID
}

// Remove unregisters a handler. Removing an unknown id is a no-op.
func (h *Handlers[T]) Remove(id HandlerID) {
	h.lock.Lock()
	delete(h.handlers, id)
	h.lock.Unlock()
}

// Len returns the number of registered handlers.
func (h *Handlers[T]) Len() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.handlers)
}

// Call invokes every registered handler with v, in registration order. The
// handlers run outside the lock so they may add or remove handlers.
func (h *Handlers[T]) Call(v T) {
	h.lock.Lock()
	ids := make([]HandlerID, 0, len(h.handlers))
	for id := range h.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(T), len(ids))
	for i, id := range ids {
		fns[i] = h.handlers[id]
	}
	h.lock.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}
