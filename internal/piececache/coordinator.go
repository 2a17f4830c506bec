// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package piececache joins the piece cache regions of all farms into one
// logical cache and keeps it filled with the pieces closest to this farmer.
package piececache

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zeebo/xxh3"

	log "github.com/golang/glog"
	"github.com/plotfarm/plotfarm/internal/core"
	"github.com/plotfarm/plotfarm/internal/nodeclient"
	"github.com/plotfarm/plotfarm/internal/notify"
)

var (
	metricLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "piece_cache",
		Name:      "lookups",
		Help:      "piece cache lookups by source",
	}, []string{"source"})
	metricCached = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "piece_cache",
		Name:      "pieces",
		Help:      "pieces in the piece cache",
	})
	metricProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "piece_cache",
		Name:      "sync_progress",
		Help:      "piece cache sync progress in percent",
	})
)

// SlotContent is an occupied slot of a Store.
type SlotContent struct {
	Slot  int
	Index core.PieceIndex
}

// Store is the piece cache region of one farm, made of fixed-size slots.
type Store interface {
	// Slots returns the number of slots.
	Slots() int
	// Contents lists the occupied slots.
	Contents(ctx context.Context) ([]SlotContent, error)
	// ReadSlot returns the piece in slot, or nil if the slot is empty.
	ReadSlot(ctx context.Context, slot int) (core.PieceIndex, core.Piece, error)
	// WriteSlot stores a piece in slot.
	WriteSlot(ctx context.Context, slot int, index core.PieceIndex, piece core.Piece) error
}

// PlotCache opportunistically stores pieces in plot space that isn't used by
// plotted sectors yet.
type PlotCache interface {
	// TryStorePiece stores the piece if there is room, returning whether it did.
	TryStorePiece(ctx context.Context, index core.PieceIndex, piece core.Piece) (bool, error)
	// ReadPiece returns the piece, or nil if it isn't stored.
	ReadPiece(ctx context.Context, index core.PieceIndex) (core.Piece, error)
}

// Config configures a Coordinator.
type Config struct {
	// PeerID is the network identity of the farmer. Pieces whose keys are
	// closest to it are cached.
	PeerID string
	// DownloadConcurrency bounds parallel piece downloads during sync.
	DownloadConcurrency int
	// RetryDelay is the initial delay before retrying a failed node request.
	// Defaults to DefaultRetryDelay.
	RetryDelay time.Duration
}

// Coordinator is the logical piece cache.
type Coordinator struct {
	cfg     Config
	peerKey uint64
	node    nodeclient.Client

	// Current backing caches. Swapped as a whole by ReplaceBackingCaches.
	state atomic.Pointer[cacheState]

	// Signals the worker that the backing caches changed.
	replaced chan struct{}

	progress     notify.Handlers[float32]
	progressLock sync.Mutex
	lastProgress float32
	reported     bool
}

// New creates a Coordinator without backing caches.
func New(node nodeclient.Client, cfg Config) *Coordinator {
	if cfg.DownloadConcurrency < 1 {
		cfg.DownloadConcurrency = 1
	}
	return &Coordinator{
		cfg:      cfg,
		peerKey:  xxh3.Hash([]byte(cfg.PeerID)),
		node:     node,
		replaced: make(chan struct{}, 1),
	}
}

// slotRef locates a piece in the backing stores.
type slotRef struct {
	store int
	slot  int
	index core.PieceIndex
	dist  uint64
	hidx  int
}

func (r *slotRef) heapIdx() int { return r.hidx }
func (r *slotRef) setHeapIdx(i int) { r.hidx = i }

// cacheState is one generation of backing caches. Readers take lock shared;
// the sync worker takes it exclusively while it moves slots around.
type cacheState struct {
	stores     []Store
	plotCaches []PlotCache

	lock    sync.RWMutex
	entries map[core.RecordKey]*slotRef
	free    []slotRef
	// Cached entries, farthest first.
	byDistance distHeap
}

func (s *cacheState) capacity() int {
	n := 0
	for _, st := range s.stores {
		n += st.Slots()
	}
	return n
}

// Call with s.lock held.
func (s *cacheState) add(ref slotRef) {
	r := &ref
	s.entries[ref.index.Key()] = r
	heap.Push(&s.byDistance, r)
}

// Call with s.lock held.
func (s *cacheState) evict(key core.RecordKey) {
	r, ok := s.entries[key]
	if !ok {
		return
	}
	delete(s.entries, key)
	heap.Remove(&s.byDistance, r.heapIdx())
	s.free = append(s.free, slotRef{store: r.store, slot: r.slot})
}

// distance of a piece from this farmer.
func (c *Coordinator) distance(index core.PieceIndex) uint64 {
	return uint64(index.Key()) ^ c.peerKey
}

// ReplaceBackingCaches swaps the stores backing the cache. The contents of the
// stores are read before the swap, so readers see either the old or the new
// set, never a mix. The sync worker is notified to reconcile the new set.
func (c *Coordinator) ReplaceBackingCaches(ctx context.Context, stores []Store, plotCaches []PlotCache) error {
	st := &cacheState{
		stores:     stores,
		plotCaches: plotCaches,
		entries:    make(map[core.RecordKey]*slotRef),
	}
	for i, store := range stores {
		used := make(map[int]bool)
		contents, err := store.Contents(ctx)
		if err != nil {
			return err
		}
		for _, sc := range contents {
			if _, dup := st.entries[sc.Index.Key()]; dup {
				continue
			}
			used[sc.Slot] = true
			st.add(slotRef{store: i, slot: sc.Slot, index: sc.Index, dist: c.distance(sc.Index)})
		}
		for slot := 0; slot < store.Slots(); slot++ {
			if !used[slot] {
				st.free = append(st.free, slotRef{store: i, slot: slot})
			}
		}
	}
	c.state.Store(st)
	metricCached.Set(float64(len(st.entries)))
	log.Infof("[cache] backing caches replaced: %d stores with %d slots, %d pieces cached, %d plot caches",
		len(stores), st.capacity(), len(st.entries), len(plotCaches))

	select {
	case c.replaced <- struct{}{}:
	default:
	}
	return nil
}

// GetPiece returns a cached piece. It is safe to call concurrently with
// ReplaceBackingCaches and never blocks on the network.
func (c *Coordinator) GetPiece(ctx context.Context, index core.PieceIndex) (core.Piece, bool) {
	st := c.state.Load()
	if st == nil {
		return nil, false
	}

	st.lock.RLock()
	ref, ok := st.entries[index.Key()]
	var store Store
	var slot int
	if ok {
		store, slot = st.stores[ref.store], ref.slot
	}
	st.lock.RUnlock()

	if ok {
		got, piece, err := store.ReadSlot(ctx, slot)
		switch {
		case err != nil:
			log.Errorf("[cache] failed to read piece %d from slot %d: %s", index, slot, err)
		case piece != nil && got == index:
			metricLookups.WithLabelValues("piece_cache").Inc()
			return piece, true
		}
	}

	for _, pc := range st.plotCaches {
		piece, err := pc.ReadPiece(ctx, index)
		if err != nil {
			log.Errorf("[cache] failed to read piece %d from plot cache: %s", index, err)
			continue
		}
		if piece != nil {
			metricLookups.WithLabelValues("plot_cache").Inc()
			return piece, true
		}
	}
	metricLookups.WithLabelValues("miss").Inc()
	return nil, false
}

// Len returns the number of pieces in the piece cache stores.
func (c *Coordinator) Len() int {
	st := c.state.Load()
	if st == nil {
		return 0
	}
	st.lock.RLock()
	defer st.lock.RUnlock()
	return len(st.entries)
}

// OnSyncProgress registers fn to be called with the sync progress in percent
// whenever it changes.
func (c *Coordinator) OnSyncProgress(fn func(float32)) notify.HandlerID {
	return c.progress.Add(fn)
}

// RemoveSyncProgressHandler unregisters a handler.
func (c *Coordinator) RemoveSyncProgressHandler(id notify.HandlerID) {
	c.progress.Remove(id)
}

// SyncProgress returns the last reported progress.
func (c *Coordinator) SyncProgress() float32 {
	c.progressLock.Lock()
	defer c.progressLock.Unlock()
	return c.lastProgress
}

// reportProgress notifies handlers if p differs from the last value.
func (c *Coordinator) reportProgress(p float32) {
	c.progressLock.Lock()
	if c.reported && p == c.lastProgress {
		c.progressLock.Unlock()
		return
	}
	c.reported = true
	c.lastProgress = p
	c.progressLock.Unlock()

	metricProgress.Set(float64(p))
	log.V(1).Infof("[cache] sync progress %.2f%%", p)
	c.progress.Call(p)
}

// distHeap is a max-heap of slot refs by distance.
type distHeap []*slotRef

func (h distHeap) Len() int           { return len(h) }
func (h distHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h distHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].setHeapIdx(i)
	h[j].setHeapIdx(j)
}

func (h *distHeap) Push(x interface{}) {
	r := x.(*slotRef)
	r.setHeapIdx(len(*h))
	*h = append(*h, r)
}

func (h *distHeap) Pop() interface{} {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return r
}
