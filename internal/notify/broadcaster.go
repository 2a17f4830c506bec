// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package notify

import (
	"sync"

	log "github.com/golang/glog"
)

// Broadcaster fans values out to any number of channel subscribers.
//
// Send first tries a non-blocking send to every subscriber. Subscribers whose
// buffer is full get the value through a blocking send on the caller's
// goroutine instead, so nothing is dropped. A subscriber that unsubscribes
// while Send is blocked on it is skipped.
type Broadcaster[T any] struct {
	lock   sync.Mutex
	subs   map[*subscriber[T]]struct{}
	closed bool
}

type subscriber[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[*subscriber[T]]struct{})}
}

// Subscribe returns a channel receiving every value sent after this call and a
// function that cancels the subscription. The channel is never closed, since a
// concurrent Send may still hold it; readers stop on their own context.
func (b *Broadcaster[T]) Subscribe(buffer int) (<-chan T, func()) {
	s := &subscriber[T]{ch: make(chan T, buffer), done: make(chan struct{})}

	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return s.ch, func() {}
	}
	b.subs[s] = struct{}{}
	b.lock.Unlock()

	return s.ch, func() { b.remove(s) }
}

func (b *Broadcaster[T]) remove(s *subscriber[T]) {
	b.lock.Lock()
	_, ok := b.subs[s]
	delete(b.subs, s)
	b.lock.Unlock()

	if ok {
		s.once.Do(func() { close(s.done) })
	}
}

// Send delivers v to every subscriber.
func (b *Broadcaster[T]) Send(v T) {
	b.lock.Lock()
	subs := make([]*subscriber[T], 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.lock.Unlock()

	var slow []*subscriber[T]
	for _, s := range subs {
		select {
		case <-s.done:
		case s.ch <- v:
		default:
			slow = append(slow, s)
		}
	}
	for _, s := range slow {
		log.V(2).Infof("subscriber is full, falling back to blocking send")
		select {
		case s.ch <- v:
		case <-s.done:
		}
	}
}

// Close cancels all subscriptions. Send after Close is a no-op.
func (b *Broadcaster[T]) Close() {
	b.lock.Lock()
	subs := b.subs
	b.subs = make(map[*subscriber[T]]struct{})
	b.closed = true
	b.lock.Unlock()

	for s := range subs {
		s.once.Do(func() { close(s.done) })
	}
}

// Len returns the number of subscribers.
func (b *Broadcaster[T]) Len() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.subs)
}
