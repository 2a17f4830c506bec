// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package singlefarm

import (
	"context"
	"fmt"
	"time"

	log "github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/plotfarm/plotfarm/internal/core"
	"github.com/plotfarm/plotfarm/internal/notify"
)

// Pieces downloaded in parallel for one sector.
const sectorDownloadConcurrency = 8

func (f *Farm) emitPlotting(sector core.SectorIndex, replotting bool, u core.PlottingUpdate) {
	u.Replotting = replotting
	log.V(1).Infof("[farm %s] sector %d: %s", f.info.ID, sector, u.Stage)
	f.sectorUpdates.Call(core.SectorUpdate{SectorIndex: sector, Plotting: &u})
}

// plottingLoop plots every sector that isn't plotted yet in index order and
// then replots sectors as they are queued.
func (f *Farm) plottingLoop(ctx context.Context) error {
	if err := notify.Wait(ctx, f.opts.PlottingDelay); err != nil {
		return nil
	}

	for s := uint64(0); s < f.layout.totalSectors; s++ {
		sector := core.SectorIndex(s)
		f.lock.Lock()
		_, plotted := f.sectors[sector]
		f.lock.Unlock()
		if plotted {
			continue
		}
		if err := f.plotSector(ctx, sector, false); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.plottingFailed(ctx, sector, false, err)
		}
	}
	log.Infof("[farm %s] initial plotting finished", f.info.ID)
	close(f.initialPlotted)

	for {
		sector, ok := f.nextReplot(ctx)
		if !ok {
			return nil
		}
		if err := f.plotSector(ctx, sector, true); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.plottingFailed(ctx, sector, true, err)
		}
	}
}

// plottingFailed reports a sector that failed to plot and queues it to be
// tried again after a delay.
func (f *Farm) plottingFailed(ctx context.Context, sector core.SectorIndex, replotting bool, err error) {
	metricPlottingErrors.Inc()
	log.Errorf("[farm %s] failed to plot sector %d: %s", f.info.ID, sector, err)
	f.emitPlotting(sector, replotting, core.PlottingUpdate{Stage: core.PlottingError, Err: err})

	t := time.NewTimer(f.opts.PlotRetryDelay)
	go func() {
		select {
		case <-t.C:
			f.queueReplot(sector)
		case <-ctx.Done():
			t.Stop()
		}
	}()
}

// queueReplot adds a sector to the replotting queue unless it is queued.
func (f *Farm) queueReplot(sector core.SectorIndex) {
	f.lock.Lock()
	if !f.queued[sector] {
		f.queued[sector] = true
		f.replots = append(f.replots, sector)
	}
	f.lock.Unlock()

	select {
	case f.replotSignal <- struct{}{}:
	default:
	}
}

// nextReplot waits for a queued sector.
func (f *Farm) nextReplot(ctx context.Context) (core.SectorIndex, bool) {
	for {
		f.lock.Lock()
		if len(f.replots) > 0 {
			sector := f.replots[0]
			f.replots = f.replots[1:]
			delete(f.queued, sector)
			f.lock.Unlock()
			return sector, true
		}
		f.lock.Unlock()

		select {
		case <-f.replotSignal:
		case <-ctx.Done():
			return 0, false
		}
	}
}

// plotSector downloads, encodes and writes one sector, emitting every stage.
func (f *Farm) plotSector(ctx context.Context, sector core.SectorIndex, replotting bool) error {
	start := time.Now()
	f.emitPlotting(sector, replotting, core.PlottingUpdate{Stage: core.PlottingStarting})

	history := f.history.Load()
	if history == 0 {
		return errNoHistory
	}

	pair, err := f.opts.Pools.Acquire(ctx)
	if err != nil {
		return err
	}
	defer f.opts.Pools.Release(pair)

	sectorID := core.SectorID(f.info.ID, sector)
	indexes := selectPieces(sectorID, history, f.layout.piecesInSector)

	// Download.
	f.emitPlotting(sector, replotting, core.PlottingUpdate{Stage: core.PlottingDownloading})
	stageStart := time.Now()
	pieces, err := f.download(ctx, indexes)
	if err != nil {
		return err
	}
	d := time.Since(stageStart)
	metricStageSeconds.WithLabelValues("download").Observe(d.Seconds())
	f.emitPlotting(sector, replotting, core.PlottingUpdate{Stage: core.PlottingDownloaded, Duration: d})

	// Encode on the core group's pool.
	f.emitPlotting(sector, replotting, core.PlottingUpdate{Stage: core.PlottingEncoding})
	stageStart = time.Now()
	pool := pair.Plotting
	if replotting {
		pool = pair.Replotting
	}
	var encoded []byte
	var encErr error
	err = pool.Execute(ctx, int(sector), func() {
		encoded, encErr = encodeSector(f.enc, f.layout, sectorID, pieces, f.opts.RecordEncodingConcurrency)
	})
	if err != nil {
		return err
	}
	if encErr != nil {
		return fmt.Errorf("encoding: %w", encErr)
	}
	d = time.Since(stageStart)
	metricStageSeconds.WithLabelValues("encode").Observe(d.Seconds())
	f.emitPlotting(sector, replotting, core.PlottingUpdate{Stage: core.PlottingEncoded, Duration: d})

	// Write. The old sector stops being readable, in memory and in farm.db,
	// before it is overwritten. Its new metadata is only persisted once the
	// shards are synced, so a crash in between leaves the sector unplotted.
	f.emitPlotting(sector, replotting, core.PlottingUpdate{Stage: core.PlottingWriting})
	stageStart = time.Now()
	f.plotCache.claim(sector)
	f.lock.Lock()
	old := f.sectors[sector]
	delete(f.sectors, sector)
	delete(f.expiry, sector)
	f.lock.Unlock()

	if err := f.db.deleteSector(sector); err != nil {
		return fmt.Errorf("dropping old metadata: %w", err)
	}
	if _, err := f.plot.WriteAt(encoded, f.layout.sectorOffset(sector)); err != nil {
		return fmt.Errorf("writing: %w", err)
	}
	if err := f.plot.Sync(); err != nil {
		return fmt.Errorf("syncing: %w", err)
	}
	ps := core.PlottedSector{
		SectorID:    sectorID,
		SectorIndex: sector,
		Metadata: core.SectorMetadata{
			SectorIndex:    sector,
			PiecesInSector: f.layout.piecesInSector,
			HistorySize:    history,
			ExpiresAt:      expiresAt(history, f.opts.Protocol.MinSectorLifetime),
		},
		PieceIndexes: indexes,
	}
	if err := f.db.putSector(ps); err != nil {
		return fmt.Errorf("persisting metadata: %w", err)
	}
	d = time.Since(stageStart)
	metricStageSeconds.WithLabelValues("write").Observe(d.Seconds())
	f.emitPlotting(sector, replotting, core.PlottingUpdate{Stage: core.PlottingWritten, Duration: d})

	f.lock.Lock()
	f.sectors[sector] = &ps
	f.lock.Unlock()

	kind := "plot"
	if replotting {
		kind = "replot"
	}
	metricSectorsPlotted.WithLabelValues(kind).Inc()
	d = time.Since(start)
	metricStageSeconds.WithLabelValues("total").Observe(d.Seconds())
	done := ps
	f.emitPlotting(sector, replotting, core.PlottingUpdate{
		Stage:            core.PlottingFinished,
		Duration:         d,
		PlottedSector:    &done,
		OldPlottedSector: old,
	})
	log.Infof("[farm %s] plotted sector %d in %s", f.info.ID, sector, d)
	return nil
}

// download fetches the pieces of a sector while holding the shared download
// semaphore.
func (f *Farm) download(ctx context.Context, indexes []core.PieceIndex) ([]core.Piece, error) {
	if f.opts.DownloadSemaphore != nil {
		if err := f.opts.DownloadSemaphore.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer f.opts.DownloadSemaphore.Release(1)
	}

	pieces := make([]core.Piece, len(indexes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sectorDownloadConcurrency)
	for i, idx := range indexes {
		i, idx := i, idx
		g.Go(func() error {
			p, err := f.opts.PieceGetter.GetPiece(gctx, idx)
			if err != nil {
				return fmt.Errorf("piece %d: %w", idx, err)
			}
			if p == nil {
				return fmt.Errorf("piece %d: %w", idx, core.ErrPieceNotFound)
			}
			pieces[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pieces, nil
}

// expiresAt is the segment at which a sector plotted at history expires.
func expiresAt(history, lifetime uint64) core.SegmentIndex {
	if lifetime == 0 {
		lifetime = 1
	}
	return core.SegmentIndex(history + lifetime)
}
