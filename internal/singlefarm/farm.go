// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package singlefarm stores one farm in a directory: sector metadata in a bolt
// database, erasure coded sectors in plot.bin and the farm's piece cache
// region in cache.bin. A Farm plots its sectors, replots them as they expire
// and answers farming challenges.
package singlefarm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
	"github.com/klauspost/reedsolomon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/plotfarm/plotfarm/internal/core"
	"github.com/plotfarm/plotfarm/internal/index"
	"github.com/plotfarm/plotfarm/internal/nodeclient"
	"github.com/plotfarm/plotfarm/internal/notify"
	"github.com/plotfarm/plotfarm/internal/piececache"
	"github.com/plotfarm/plotfarm/internal/threadpool"
)

var (
	// ErrWrongNetwork is returned when opening a farm plotted for another chain.
	ErrWrongNetwork = errors.New("farm was plotted for a different network")

	// ErrProtocolMismatch is returned when the farm's sector size doesn't match
	// the protocol.
	ErrProtocolMismatch = errors.New("farm sector size doesn't match protocol")
)

var (
	metricSectorsPlotted = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "farm",
		Name:      "sectors_plotted",
		Help:      "sectors plotted",
	}, []string{"kind"})
	metricPlottingErrors = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "farm",
		Name:      "plotting_errors",
		Help:      "sectors that failed to plot",
	})
	metricStageSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "farm",
		Name:      "plotting_stage_seconds",
		Help:      "time spent in each plotting stage",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"stage"})
	metricAudits = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "farm",
		Name:      "audits",
		Help:      "sectors audited",
	})
	metricSolutions = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "farm",
		Name:      "solutions",
		Help:      "solutions found",
	})
)

// PieceGetter supplies the pieces sectors are plotted from.
type PieceGetter interface {
	GetPiece(ctx context.Context, index core.PieceIndex) (core.Piece, error)
}

// Options configures a Farm.
type Options struct {
	Directory       string
	AllocatedSpace  uint64
	CachePercentage uint8

	Protocol    core.ProtocolInfo
	GenesisHash string

	Node        nodeclient.Client
	PieceGetter PieceGetter

	// Pools is shared by all farms of a farmer.
	Pools *threadpool.Manager
	// DownloadSemaphore bounds sectors downloading at once across farms.
	DownloadSemaphore *semaphore.Weighted
	// RecordEncodingConcurrency bounds pieces encoded in parallel per sector.
	RecordEncodingConcurrency int

	// PlottingDelay holds plotting back until it is closed. Nil doesn't delay.
	PlottingDelay <-chan struct{}
	// FarmDuringInitialPlotting allows auditing before all sectors are plotted.
	FarmDuringInitialPlotting bool

	RewardAddress string

	// PlotRetryDelay is how long a sector that failed to plot waits before
	// it is tried again.
	PlotRetryDelay time.Duration
	// RetryDelay is the initial delay before retrying node requests.
	RetryDelay time.Duration
}

// Farm is one plotted directory.
type Farm struct {
	opts   Options
	info   Info
	layout layout

	db    *metaDB
	plot  *os.File
	cache *os.File
	enc   reedsolomon.Encoder

	pieceCache *pieceCache
	plotCache  *plotCache

	// Highest history size seen, in segments.
	history atomic.Uint64

	lock    sync.Mutex
	sectors map[core.SectorIndex]*core.PlottedSector
	expiry  map[core.SectorIndex]core.ExpirationStage
	queued  map[core.SectorIndex]bool
	replots []core.SectorIndex

	replotSignal   chan struct{}
	initialPlotted chan struct{}

	sectorUpdates notify.Handlers[core.SectorUpdate]
	farming       notify.Handlers[core.FarmingNotification]
}

// New opens the farm in opts.Directory, creating it if needed. Space that
// isn't enough for the farm minimum or for a single sector fails with a
// *core.InsufficientSpaceError.
func New(ctx context.Context, opts Options) (*Farm, error) {
	l, err := computeLayout(opts.AllocatedSpace, opts.CachePercentage, opts.Protocol.MaxPiecesInSector)
	if err != nil {
		return nil, err
	}
	if opts.PlotRetryDelay <= 0 {
		opts.PlotRetryDelay = 10 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if err := os.MkdirAll(opts.Directory, 0755); err != nil {
		return nil, err
	}

	db, err := openMetaDB(filepath.Join(opts.Directory, dbFile), false)
	if err != nil {
		return nil, err
	}
	f := &Farm{
		opts:           opts,
		layout:         l,
		db:             db,
		sectors:        make(map[core.SectorIndex]*core.PlottedSector),
		expiry:         make(map[core.SectorIndex]core.ExpirationStage),
		queued:         make(map[core.SectorIndex]bool),
		replotSignal:   make(chan struct{}, 1),
		initialPlotted: make(chan struct{}),
	}
	f.history.Store(opts.Protocol.HistorySize)
	if err := f.open(); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func (f *Farm) open() error {
	info, found, err := f.db.info()
	if err != nil {
		return fmt.Errorf("failed to read farm info: %w", err)
	}
	if found {
		if info.GenesisHash != f.opts.GenesisHash {
			return fmt.Errorf("%w: farm %s, node %s", ErrWrongNetwork, info.GenesisHash, f.opts.GenesisHash)
		}
		if info.PiecesInSector != f.layout.piecesInSector {
			return fmt.Errorf("%w: farm has %d pieces per sector, protocol %d",
				ErrProtocolMismatch, info.PiecesInSector, f.layout.piecesInSector)
		}
		if info.AllocatedSpace != f.opts.AllocatedSpace {
			log.Infof("[farm %s] resized from %d to %d bytes", info.ID, info.AllocatedSpace, f.opts.AllocatedSpace)
		}
		if f.layout.totalSectors < info.TotalSectors {
			n, err := f.db.deleteSectorsFrom(f.layout.totalSectors)
			if err != nil {
				return err
			}
			log.Infof("[farm %s] dropped %d sectors beyond the new size", info.ID, n)
		}
	} else {
		info = Info{ID: core.NewFarmID(), GenesisHash: f.opts.GenesisHash, PiecesInSector: f.layout.piecesInSector}
		log.Infof("[farm %s] created in %s", info.ID, f.opts.Directory)
	}
	info.AllocatedSpace = f.opts.AllocatedSpace
	info.TotalSectors = f.layout.totalSectors
	info.CacheSlots = f.layout.cacheSlots
	if err := f.db.putInfo(info); err != nil {
		return err
	}
	f.info = info

	if f.plot, err = openSized(filepath.Join(f.opts.Directory, plotFile), f.layout.plotSize()); err != nil {
		return err
	}
	if f.cache, err = openSized(filepath.Join(f.opts.Directory, cacheFile), f.layout.cacheSize()); err != nil {
		return err
	}
	if f.enc, err = reedsolomon.New(dataShards, parityShards); err != nil {
		return err
	}

	results, err := f.db.sectors()
	if err != nil {
		return err
	}
	var frontier uint64
	for _, r := range results {
		if r.err != nil {
			continue
		}
		s := r.sector
		f.sectors[s.SectorIndex] = &s
		if uint64(s.SectorIndex)+1 > frontier {
			frontier = uint64(s.SectorIndex) + 1
		}
	}
	f.pieceCache = &pieceCache{f: f.cache, slots: int(f.layout.cacheSlots)}
	f.plotCache = newPlotCache(f.plot, f.layout, frontier)

	log.Infof("[farm %s] opened: %d/%d sectors plotted, %d cache slots",
		info.ID, len(f.sectors), f.layout.totalSectors, f.layout.cacheSlots)
	return nil
}

// openSized opens or creates a file and sets its size.
func openSized(path string, size int64) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to size %s: %w", path, err)
	}
	return file, nil
}

// ID returns the farm id.
func (f *Farm) ID() core.FarmID {
	return f.info.ID
}

// Info returns the farm's persisted metadata.
func (f *Farm) Info() Info {
	return f.info
}

// TotalSectors returns the number of sectors the farm holds.
func (f *Farm) TotalSectors() uint64 {
	return f.layout.totalSectors
}

// PlottedSectorsCount returns the number of sectors that are plotted.
func (f *Farm) PlottedSectorsCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.sectors)
}

// PlottedSectors calls fn for every persisted sector. Sectors whose metadata
// can't be decoded are passed with an error.
func (f *Farm) PlottedSectors(fn func(core.PlottedSector, error)) error {
	results, err := f.db.sectors()
	if err != nil {
		return err
	}
	for _, r := range results {
		fn(r.sector, r.err)
	}
	return nil
}

// OnSectorUpdate registers a handler for sector lifecycle events.
func (f *Farm) OnSectorUpdate(fn func(core.SectorUpdate)) notify.HandlerID {
	return f.sectorUpdates.Add(fn)
}

// OnFarmingNotification registers a handler for farming events.
func (f *Farm) OnFarmingNotification(fn func(core.FarmingNotification)) notify.HandlerID {
	return f.farming.Add(fn)
}

// PieceReader returns a reader for pieces of plotted sectors.
func (f *Farm) PieceReader() index.PieceReader {
	return f
}

// PieceCache returns the farm's piece cache region.
func (f *Farm) PieceCache() piececache.Store {
	return f.pieceCache
}

// PlotCache returns the farm's plot cache.
func (f *Farm) PlotCache() piececache.PlotCache {
	return f.plotCache
}

// ReadPiece reads the piece at offset of a plotted sector.
func (f *Farm) ReadPiece(ctx context.Context, sector core.SectorIndex, offset core.PieceOffset) (core.Piece, error) {
	f.lock.Lock()
	ps, ok := f.sectors[sector]
	f.lock.Unlock()
	if !ok {
		return nil, core.ErrSectorNotPlotted
	}
	return readSectorPiece(f.plot, f.enc, f.layout, ps.SectorID, sector, offset)
}

// Run plots, replots and farms until ctx is done or one of them fails.
func (f *Farm) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.plottingLoop(gctx) })
	g.Go(func() error { return f.expiryLoop(gctx) })
	g.Go(func() error { return f.farmingLoop(gctx) })
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close releases the farm's files. Call it after Run returned.
func (f *Farm) Close() error {
	var firstErr error
	for _, file := range []*os.File{f.plot, f.cache} {
		if file == nil {
			continue
		}
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if f.db != nil {
		if err := f.db.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Wipe removes the farm files from dir.
func Wipe(dir string) error {
	for _, name := range []string{dbFile, plotFile, cacheFile} {
		err := os.Remove(filepath.Join(dir, name))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// sortedSectors returns the plotted sectors in index order.
// Call with f.lock held.
func (f *Farm) sortedSectors() []*core.PlottedSector {
	out := make([]*core.PlottedSector, 0, len(f.sectors))
	for _, s := range f.sectors {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SectorIndex < out[j].SectorIndex })
	return out
}
