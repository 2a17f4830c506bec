// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package piececache

import (
	"container/heap"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	log "github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/plotfarm/plotfarm/internal/core"
	"github.com/plotfarm/plotfarm/pkg/retry"
)

var (
	errReplaced = errors.New("backing caches replaced")
	errNoRoom   = errors.New("no room in piece cache")
)

// DefaultRetryDelay is the initial delay between node requests that failed.
const DefaultRetryDelay = time.Second

func (c *Coordinator) retrier(what string) *retry.Retrier {
	d := c.cfg.RetryDelay
	if d <= 0 {
		d = DefaultRetryDelay
	}
	return &retry.Retrier{
		MinSleep: d,
		MaxSleep: 30 * d,
		OnRetry: func(attempt int, err error) {
			log.Warningf("[cache] %s failed (attempt %d), will retry: %s", what, attempt, err)
		},
	}
}

// Run keeps the cache filled. It first reconciles the backing caches with the
// pieces this farmer should hold, downloading what's missing, and then
// follows newly archived segments. It starts over whenever the backing caches
// are replaced and returns when ctx is done. A node that is unavailable stalls
// the worker until it comes back.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		st := c.state.Load()
		if st == nil {
			select {
			case <-c.replaced:
				continue
			case <-ctx.Done():
				return nil
			}
		}

		history, err := c.initialSync(ctx, st)
		if err == nil {
			err = c.follow(ctx, st, history)
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != errReplaced {
			log.Errorf("[cache] sync worker stopped: %s", err)
			return err
		}
		log.Infof("[cache] backing caches changed, restarting sync")
	}
}

// initialSync makes the stores hold the pieces closest to this farmer and
// returns the history size, in segments, it synced to.
func (c *Coordinator) initialSync(ctx context.Context, st *cacheState) (uint64, error) {
	var info core.FarmerAppInfo
	err := c.retrier("getting farmer app info").Do(ctx, func(int) error {
		var err error
		info, err = c.node.FarmerAppInfo(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	history := info.Protocol.HistorySize
	c.reportProgress(0)

	wanted := c.closest(history, st.capacity())

	st.lock.Lock()
	for key := range st.entries {
		if _, ok := wanted[key]; !ok {
			st.evict(key)
		}
	}
	var missing []core.PieceIndex
	for key, idx := range wanted {
		if _, ok := st.entries[key]; !ok {
			missing = append(missing, idx)
		}
	}
	st.lock.Unlock()
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })

	log.Infof("[cache] syncing %d segments: want %d pieces, %d missing", history, len(wanted), len(missing))
	if err := c.download(ctx, st, missing); err != nil {
		return 0, err
	}
	c.reportProgress(100)
	log.Infof("[cache] initial sync finished with %d pieces cached", c.Len())
	return history, nil
}

// closest returns up to capacity pieces of the history whose keys are
// closest to this farmer.
func (c *Coordinator) closest(history uint64, capacity int) map[core.RecordKey]core.PieceIndex {
	out := make(map[core.RecordKey]core.PieceIndex)
	if capacity <= 0 {
		return out
	}
	var h distHeap
	total := core.PieceIndex(history * core.PiecesInSegment)
	for idx := core.PieceIndex(0); idx < total; idx++ {
		d := c.distance(idx)
		if h.Len() < capacity {
			heap.Push(&h, &slotRef{index: idx, dist: d})
		} else if d < h[0].dist {
			h[0].index, h[0].dist = idx, d
			heap.Fix(&h, 0)
		}
	}
	for _, r := range h {
		out[r.index.Key()] = r.index
	}
	return out
}

// download fetches pieces and stores them, reporting progress as pieces
// complete.
func (c *Coordinator) download(ctx context.Context, st *cacheState, pieces []core.PieceIndex) error {
	if len(pieces) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.DownloadConcurrency)

	var lock sync.Mutex
	done := 0
	for _, idx := range pieces {
		if c.state.Load() != st {
			break
		}
		idx := idx
		g.Go(func() error {
			piece, err := c.fetch(gctx, idx)
			if err != nil {
				return err
			}
			if piece != nil {
				if err := c.store(gctx, st, idx, piece); err != nil && err != errNoRoom {
					log.Errorf("[cache] failed to store piece %d: %s", idx, err)
				}
			}
			lock.Lock()
			done++
			c.reportProgress(float32(done * 100 / len(pieces)))
			lock.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if c.state.Load() != st {
		return errReplaced
	}
	return nil
}

// fetch gets a piece from the node, retrying until it answers. A nil piece
// means the node doesn't have it.
func (c *Coordinator) fetch(ctx context.Context, idx core.PieceIndex) (core.Piece, error) {
	var piece core.Piece
	err := c.retrier("downloading piece "+idx.String()).Do(ctx, func(int) error {
		var err error
		piece, err = c.node.Piece(ctx, idx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if piece == nil {
		log.Warningf("[cache] node doesn't have piece %d", idx)
	}
	return piece, nil
}

// wants reports whether a piece would be kept in the stores.
func (c *Coordinator) wants(st *cacheState, idx core.PieceIndex) bool {
	st.lock.RLock()
	defer st.lock.RUnlock()
	if _, ok := st.entries[idx.Key()]; ok {
		return false
	}
	if len(st.free) > 0 {
		return true
	}
	return st.byDistance.Len() > 0 && st.byDistance[0].dist > c.distance(idx)
}

// store writes a piece into a free slot, evicting the farthest piece if
// that one is farther than idx.
func (c *Coordinator) store(ctx context.Context, st *cacheState, idx core.PieceIndex, piece core.Piece) error {
	key, dist := idx.Key(), c.distance(idx)

	st.lock.Lock()
	if _, ok := st.entries[key]; ok {
		st.lock.Unlock()
		return nil
	}
	if len(st.free) == 0 {
		if st.byDistance.Len() == 0 || st.byDistance[0].dist <= dist {
			st.lock.Unlock()
			return errNoRoom
		}
		st.evict(st.byDistance[0].index.Key())
	}
	ref := st.free[len(st.free)-1]
	st.free = st.free[:len(st.free)-1]
	st.lock.Unlock()

	err := st.stores[ref.store].WriteSlot(ctx, ref.slot, idx, piece)

	st.lock.Lock()
	defer st.lock.Unlock()
	if err != nil {
		st.free = append(st.free, ref)
		return err
	}
	ref.index, ref.dist = idx, dist
	st.add(ref)
	metricCached.Set(float64(len(st.entries)))
	return nil
}

// follow caches pieces of segments archived after the initial sync. Pieces
// that don't belong in the stores are offered to the plot caches.
func (c *Coordinator) follow(ctx context.Context, st *cacheState, history uint64) error {
	for {
		var headers <-chan core.SegmentHeader
		subCtx, cancel := context.WithCancel(ctx)
		err := c.retrier("subscribing to archived segments").Do(ctx, func(int) error {
			var err error
			headers, err = c.node.SubscribeArchivedSegmentHeaders(subCtx)
			return err
		})
		if err != nil {
			cancel()
			return err
		}

		err = c.followHeaders(ctx, st, headers, &history)
		cancel()
		if err != nil {
			return err
		}
		log.Warningf("[cache] archived segment subscription ended, resubscribing")
	}
}

// followHeaders processes headers until the channel closes.
func (c *Coordinator) followHeaders(ctx context.Context, st *cacheState, headers <-chan core.SegmentHeader, history *uint64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.replaced:
			if c.state.Load() != st {
				return errReplaced
			}
		case h, ok := <-headers:
			if !ok {
				return nil
			}
			// Catch up on segments missed while resubscribing.
			for seg := *history; seg <= uint64(h.Index); seg++ {
				if err := c.cacheSegment(ctx, st, core.SegmentIndex(seg)); err != nil {
					return err
				}
				*history = seg + 1
			}
		}
	}
}

// cacheSegment stores the pieces of one archived segment.
func (c *Coordinator) cacheSegment(ctx context.Context, st *cacheState, seg core.SegmentIndex) error {
	log.V(1).Infof("[cache] caching pieces of segment %d", seg)
	first := seg.FirstPiece()
	for i := core.PieceIndex(0); i < core.PiecesInSegment; i++ {
		if c.state.Load() != st {
			return errReplaced
		}
		idx := first + i
		keep := c.wants(st, idx)
		if !keep && len(st.plotCaches) == 0 {
			continue
		}
		piece, err := c.fetch(ctx, idx)
		if err != nil {
			return err
		}
		if piece == nil {
			continue
		}
		if keep {
			err := c.store(ctx, st, idx, piece)
			if err == nil {
				continue
			}
			if err != errNoRoom {
				log.Errorf("[cache] failed to store piece %d: %s", idx, err)
			}
		}
		for _, pc := range st.plotCaches {
			stored, err := pc.TryStorePiece(ctx, idx, piece)
			if err != nil {
				log.Errorf("[cache] failed to store piece %d in plot cache: %s", idx, err)
				continue
			}
			if stored {
				break
			}
		}
	}
	return nil
}
