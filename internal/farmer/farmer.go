// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package farmer drives a set of farms: it sizes their thread pools, opens
// them in parallel, keeps the plotted-pieces index and the piece cache in
// step with what they write, and holds their plotting back until the piece
// cache finished its first sync.
package farmer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/plotfarm/plotfarm/internal/capacity"
	"github.com/plotfarm/plotfarm/internal/config"
	"github.com/plotfarm/plotfarm/internal/core"
	"github.com/plotfarm/plotfarm/internal/index"
	"github.com/plotfarm/plotfarm/internal/nodeclient"
	"github.com/plotfarm/plotfarm/internal/notify"
	"github.com/plotfarm/plotfarm/internal/piececache"
	"github.com/plotfarm/plotfarm/internal/threadpool"
	"github.com/plotfarm/plotfarm/pkg/retry"
)

var (
	metricFarmStates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "farmer",
		Name:      "farms",
		Help:      "farms by state",
	}, []string{"state"})
	metricSkippedSectors = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "farmer",
		Name:      "skipped_sectors",
		Help:      "sectors whose metadata couldn't be read at startup",
	})
	metricPieceGets = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "farmer",
		Name:      "plotting_piece_gets",
		Help:      "pieces fetched for plotting by source",
	}, []string{"source"})
)

// ErrCacheStopped is returned by Run if the piece cache worker stops on its
// own.
var ErrCacheStopped = errors.New("piece cache worker stopped")

// SectorEvent is a sector update of one farm.
type SectorEvent struct {
	Farm   core.FarmIndex
	Update core.SectorUpdate
}

// FarmingEvent is a farming notification of one farm.
type FarmingEvent struct {
	Farm         core.FarmIndex
	Notification core.FarmingNotification
}

// Farmer owns the farms of one machine.
type Farmer struct {
	cfg  Config
	node nodeclient.Client

	pools *threadpool.Manager
	cache *piececache.Coordinator
	index *index.PlottedPieces
	farms []Farm

	// Plotting of every farm waits on a gate of this set.
	gates      notify.Gates
	progressID notify.HandlerID

	resized bool

	sectorEvents  *notify.Broadcaster[SectorEvent]
	farmingEvents *notify.Broadcaster[FarmingEvent]
	cacheProgress *notify.Broadcaster[float32]

	// Guards states and the index updates made from farm events.
	lock   sync.Mutex
	states []*farmState

	closeOnce sync.Once
}

// New opens a farm for every allocation and prepares them to run. Farms are
// numbered in the order of allocs. Any farm failing to open fails New as a
// whole; a farm with too little space fails with an error wrapping
// *core.InsufficientSpaceError. New blocks until the node answers.
func New(ctx context.Context, cfg Config, allocs []capacity.Allocation, node nodeclient.Client, storage Storage) (*Farmer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(allocs) == 0 {
		return nil, config.ErrNoFarms
	}
	if len(allocs) > core.MaxFarms {
		return nil, fmt.Errorf("%w: got %d", config.ErrTooManyFarms, len(allocs))
	}

	sets := cfg.CoreSets
	if len(sets) == 0 {
		sets = threadpool.DetectCoreSets()
	}
	sets = threadpool.Regroup(sets, len(allocs))
	pools, err := threadpool.NewManager(sets, cfg.ReduceCPULoad)
	if err != nil {
		return nil, fmt.Errorf("failed to create thread pools: %w", err)
	}

	f := &Farmer{
		cfg:           cfg,
		node:          node,
		pools:         pools,
		index:         index.New(),
		farms:         make([]Farm, len(allocs)),
		states:        make([]*farmState, len(allocs)),
		sectorEvents:  notify.NewBroadcaster[SectorEvent](),
		farmingEvents: notify.NewBroadcaster[FarmingEvent](),
		cacheProgress: notify.NewBroadcaster[float32](),
	}
	f.cache = piececache.New(node, piececache.Config{
		PeerID:              cfg.PeerID,
		DownloadConcurrency: cfg.CacheDownloadConcurrency,
		RetryDelay:          cfg.RetryDelay,
	})
	if err := f.open(ctx, sets, allocs, storage); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func (f *Farmer) open(ctx context.Context, sets []threadpool.CoreSet, allocs []capacity.Allocation, storage Storage) error {
	var info core.FarmerAppInfo
	r := &retry.Retrier{
		MinSleep: f.cfg.RetryDelay,
		MaxSleep: 30 * f.cfg.RetryDelay,
		OnRetry: func(attempt int, err error) {
			log.Warningf("node isn't answering (attempt %d), will retry: %s", attempt, err)
		},
	}
	err := r.Do(ctx, func(int) error {
		var err error
		info, err = f.node.FarmerAppInfo(ctx)
		return err
	})
	if err != nil {
		return err
	}

	cores := 0
	for _, s := range sets {
		cores += len(s.Cores)
	}
	farmDuringPlotting := cores > f.cfg.FarmDuringInitialPlottingMinCores
	if !farmDuringPlotting {
		log.Infof("%d cores: farming starts once initial plotting is done", cores)
	}

	sem := semaphore.NewWeighted(int64(f.pools.Groups() + 1))
	encoding := threadpool.RecordEncodingConcurrency(sets)
	getter := &pieceGetter{cache: f.cache, node: f.node}

	var resized atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.pools.Groups())
	for i, a := range allocs {
		i, a := i, a
		g.Go(func() error {
			if err := os.MkdirAll(a.Directory, 0755); err != nil {
				return fmt.Errorf("farm %d: %w", i, &capacity.PathError{Path: a.Directory, Err: err})
			}
			summary, err := storage.Summary(a.Directory)
			if err != nil {
				return fmt.Errorf("farm %d at %s: %w", i, a.Directory, err)
			}
			if !summary.Found || summary.AllocatedSpace != a.AllocatedSpace {
				resized.Store(true)
			}
			farm, err := storage.Open(gctx, FarmOptions{
				Index:                     core.FarmIndex(i),
				Directory:                 a.Directory,
				AllocatedSpace:            a.AllocatedSpace,
				AppInfo:                   info,
				CachePercentage:           f.cfg.CachePercentage,
				Node:                      f.node,
				PieceGetter:               getter,
				Pools:                     f.pools,
				DownloadSemaphore:         sem,
				RecordEncodingConcurrency: encoding,
				PlottingDelay:             f.gates.NewGate(),
				FarmDuringInitialPlotting: farmDuringPlotting,
				RewardAddress:             f.cfg.RewardAddress,
				Config:                    f.cfg,
			})
			if err != nil {
				return fmt.Errorf("farm %d at %s: %w", i, a.Directory, err)
			}
			f.farms[i] = farm
			f.states[i] = newFarmState(core.FarmIndex(i), a.Directory, farm)
			log.Infof("[farm %d] opened %s at %s with %d sectors", i, farm.ID(), a.Directory, farm.TotalSectors())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	f.resized = resized.Load()

	// Existing sectors go into the index before anything is plotted.
	g, _ = errgroup.WithContext(ctx)
	for i, farm := range f.farms {
		i, farm := i, farm
		g.Go(func() error {
			return f.loadSectors(core.FarmIndex(i), farm)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	stores := make([]piececache.Store, len(f.farms))
	plotCaches := make([]piececache.PlotCache, len(f.farms))
	for i, farm := range f.farms {
		stores[i] = farm.PieceCache()
		plotCaches[i] = farm.PlotCache()
	}
	if err := f.cache.ReplaceBackingCaches(ctx, stores, plotCaches); err != nil {
		return fmt.Errorf("failed to set up the piece cache: %w", err)
	}

	f.cache.OnSyncProgress(f.cacheProgress.Send)
	f.progressID = f.cache.OnSyncProgress(f.firstSync)
	for i, farm := range f.farms {
		idx := core.FarmIndex(i)
		farm.OnSectorUpdate(func(u core.SectorUpdate) { f.sectorUpdate(idx, u) })
		farm.OnFarmingNotification(func(n core.FarmingNotification) {
			f.farmingEvents.Send(FarmingEvent{Farm: idx, Notification: n})
		})
	}
	f.updateStateMetrics()
	return nil
}

// loadSectors registers the plotted sectors of a farm in the index. Sectors
// that can't be read are skipped.
func (f *Farmer) loadSectors(idx core.FarmIndex, farm Farm) error {
	f.index.SetReader(idx, farm.PieceReader())
	var sectors []core.PlottedSector
	err := farm.PlottedSectors(func(s core.PlottedSector, err error) {
		if err != nil {
			metricSkippedSectors.Inc()
			log.Errorf("[farm %d] skipping sector that failed to load: %s", idx, err)
			return
		}
		f.index.AddSector(idx, s)
		sectors = append(sectors, s)
	})
	if err != nil {
		return fmt.Errorf("farm %d: failed to read plotted sectors: %w", idx, err)
	}

	f.lock.Lock()
	st := f.states[idx]
	for _, s := range sectors {
		st.sectors[s.SectorIndex] = s
	}
	st.loaded()
	f.lock.Unlock()
	log.Infof("[farm %d] loaded %d plotted sectors", idx, len(sectors))
	return nil
}

// firstSync opens every plotting gate once the first cache sync completes,
// and then stops listening.
func (f *Farmer) firstSync(p float32) {
	if p < 100 {
		return
	}
	if f.gates.Release() {
		log.Infof("piece cache is synced, starting plotting on %d farms", len(f.farms))
	}
	f.cache.RemoveSyncProgressHandler(f.progressID)
}

// sectorUpdate keeps the index in step with a farm's sectors. A sector that
// is about to be overwritten leaves the index before the write starts, and a
// replaced sector is removed before its replacement is added.
func (f *Farmer) sectorUpdate(idx core.FarmIndex, u core.SectorUpdate) {
	f.lock.Lock()
	st := f.states[idx]
	if p := u.Plotting; p != nil {
		switch p.Stage {
		case core.PlottingWriting:
			if old, ok := st.sectors[u.SectorIndex]; ok {
				f.index.DeleteSector(idx, old)
				delete(st.sectors, u.SectorIndex)
			}
		case core.PlottingFinished:
			if p.OldPlottedSector != nil {
				f.index.DeleteSector(idx, *p.OldPlottedSector)
			}
			if p.PlottedSector != nil {
				f.index.AddSector(idx, *p.PlottedSector)
				st.sectors[u.SectorIndex] = *p.PlottedSector
			}
		}
		st.plotting(u.SectorIndex, p)
	}
	if e := u.Expiration; e != nil {
		st.expiration(u.SectorIndex, e)
	}
	f.lock.Unlock()

	f.updateStateMetrics()
	f.sectorEvents.Send(SectorEvent{Farm: idx, Update: u})
}

func (f *Farmer) updateStateMetrics() {
	counts := make(map[State]int)
	f.lock.Lock()
	for _, st := range f.states {
		if st != nil {
			counts[st.State]++
		}
	}
	f.lock.Unlock()
	for s := StateCreated; s <= StateTerminated; s++ {
		metricFarmStates.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

// Run drives all farms and the piece cache. It returns the first farm error,
// or nil once ctx is done or every farm returned.
func (f *Farmer) Run(ctx context.Context) error {
	// Plotting saturates the cpu; keep the orchestration on its own thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cacheDone := make(chan error, 1)
	go func() {
		cacheDone <- f.cache.Run(runCtx)
	}()

	g, gctx := errgroup.WithContext(runCtx)
	for i, farm := range f.farms {
		idx, farm := core.FarmIndex(i), farm
		g.Go(func() error {
			err := farm.Run(gctx)
			f.lock.Lock()
			f.states[idx].terminated(err)
			f.lock.Unlock()
			f.updateStateMetrics()
			if err != nil {
				log.Errorf("[farm %d] stopped with error: %s", idx, err)
				return fmt.Errorf("farm %d: %w", idx, err)
			}
			log.Infof("[farm %d] stopped", idx)
			return nil
		})
	}
	farmsDone := make(chan error, 1)
	go func() {
		farmsDone <- g.Wait()
	}()

	select {
	case err := <-farmsDone:
		cancel()
		<-cacheDone
		if err != nil {
			return err
		}
		if ctx.Err() == nil {
			log.Warningf("all %d farms exited", len(f.farms))
		}
		return nil
	case err := <-cacheDone:
		if err == nil && ctx.Err() == nil {
			err = ErrCacheStopped
		}
		cancel()
		farmErr := <-farmsDone
		if err != nil {
			log.Errorf("piece cache stopped: %s", err)
			return err
		}
		return farmErr
	}
}

// Close closes every farm and stops the thread pools. Handles to the index
// stop resolving.
func (f *Farmer) Close() error {
	var firstErr error
	f.closeOnce.Do(func() {
		f.index.Close()
		for i, farm := range f.farms {
			if farm == nil {
				continue
			}
			if err := farm.Close(); err != nil {
				log.Errorf("[farm %d] failed to close: %s", i, err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		f.pools.Close()
		f.sectorEvents.Close()
		f.farmingEvents.Close()
		f.cacheProgress.Close()
	})
	return firstErr
}

// Farms returns the number of farms.
func (f *Farmer) Farms() int {
	return len(f.farms)
}

// Resized is true if any farm was created or changed size on this start.
func (f *Farmer) Resized() bool {
	return f.resized
}

// Cache returns the piece cache.
func (f *Farmer) Cache() *piececache.Coordinator {
	return f.cache
}

// Index returns a non-owning handle to the plotted-pieces index.
func (f *Farmer) Index() *index.Handle {
	return f.index.Handle()
}

// CacheProgress returns the last reported piece cache sync progress.
func (f *Farmer) CacheProgress() float32 {
	return f.cache.SyncProgress()
}

// CachedPieces returns the number of pieces in the piece cache.
func (f *Farmer) CachedPieces() int {
	return f.cache.Len()
}

// PlottingStarted is true once the plotting gates are open.
func (f *Farmer) PlottingStarted() bool {
	return f.gates.Released()
}

// FarmStates returns a snapshot of every farm.
func (f *Farmer) FarmStates() []FarmState {
	f.lock.Lock()
	defer f.lock.Unlock()
	out := make([]FarmState, len(f.states))
	for i, st := range f.states {
		out[i] = st.FarmState
	}
	return out
}

// SubscribeSectorUpdates returns a channel of the sector updates of all farms
// and a function to unsubscribe. A full channel blocks the farm sending to
// it until there is room.
func (f *Farmer) SubscribeSectorUpdates(buffer int) (<-chan SectorEvent, func()) {
	return f.sectorEvents.Subscribe(buffer)
}

// SubscribeFarmingNotifications is SubscribeSectorUpdates for farming
// notifications.
func (f *Farmer) SubscribeFarmingNotifications(buffer int) (<-chan FarmingEvent, func()) {
	return f.farmingEvents.Subscribe(buffer)
}

// SubscribeCacheProgress is SubscribeSectorUpdates for piece cache sync
// progress.
func (f *Farmer) SubscribeCacheProgress(buffer int) (<-chan float32, func()) {
	return f.cacheProgress.Subscribe(buffer)
}

// pieceGetter supplies plotting with pieces, from the piece cache if it has
// them and from the node otherwise.
type pieceGetter struct {
	cache *piececache.Coordinator
	node  nodeclient.Client
}

func (g *pieceGetter) GetPiece(ctx context.Context, idx core.PieceIndex) (core.Piece, error) {
	if p, ok := g.cache.GetPiece(ctx, idx); ok {
		metricPieceGets.WithLabelValues("cache").Inc()
		return p, nil
	}
	metricPieceGets.WithLabelValues("node").Inc()
	return g.node.Piece(ctx, idx)
}
