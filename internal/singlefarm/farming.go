// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package singlefarm

import (
	"context"
	"encoding/binary"
	"time"

	log "github.com/golang/glog"
	"github.com/zeebo/xxh3"

	"github.com/plotfarm/plotfarm/internal/core"
	"github.com/plotfarm/plotfarm/pkg/retry"
)

func (f *Farm) retrier(what string) *retry.Retrier {
	return &retry.Retrier{
		MinSleep: f.opts.RetryDelay,
		MaxSleep: 30 * f.opts.RetryDelay,
		OnRetry: func(attempt int, err error) {
			log.Warningf("[farm %s] %s failed (attempt %d), will retry: %s", f.info.ID, what, attempt, err)
		},
	}
}

// subscribe calls sub until it returns a channel, retrying failures.
func subscribe[T any](ctx context.Context, r *retry.Retrier, sub func(context.Context) (<-chan T, error)) (<-chan T, error) {
	var ch <-chan T
	err := r.Do(ctx, func(int) error {
		var err error
		ch, err = sub(ctx)
		return err
	})
	return ch, err
}

// expiryLoop follows archived segments and moves plotted sectors through
// their expiration stages. Expired sectors are queued for replotting.
func (f *Farm) expiryLoop(ctx context.Context) error {
	f.checkExpiry(f.history.Load())
	for {
		headers, err := subscribe(ctx, f.retrier("subscribing to archived segments"), f.opts.Node.SubscribeArchivedSegmentHeaders)
		if err != nil {
			return nil
		}
		for h := range headers {
			history := uint64(h.Index) + 1
			for {
				cur := f.history.Load()
				if history <= cur || f.history.CompareAndSwap(cur, history) {
					break
				}
			}
			f.checkExpiry(f.history.Load())
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Warningf("[farm %s] archived segment subscription ended, resubscribing", f.info.ID)
	}
}

// aboutToExpire is how many segments before expiry a sector is reported as
// about to expire.
func aboutToExpire(lifetime uint64) uint64 {
	if lifetime < 4 {
		return 1
	}
	return lifetime / 4
}

// checkExpiry emits the expiration stages sectors reached at history.
func (f *Farm) checkExpiry(history uint64) {
	margin := aboutToExpire(f.opts.Protocol.MinSectorLifetime)

	var updates []core.SectorUpdate
	var expired []core.SectorIndex
	f.lock.Lock()
	for _, s := range f.sortedSectors() {
		at := s.Metadata.ExpiresAt
		stage, seen := f.expiry[s.SectorIndex]
		next := stage
		switch {
		case history >= uint64(at):
			next = core.ExpirationExpired
		case history+margin >= uint64(at):
			next = core.ExpirationAboutToExpire
		default:
			next = core.ExpirationDetermined
		}
		if seen && next <= stage {
			continue
		}
		f.expiry[s.SectorIndex] = next
		ps := *s
		updates = append(updates, core.SectorUpdate{
			SectorIndex: s.SectorIndex,
			Expiration:  &core.ExpirationUpdate{Stage: next, ExpiresAt: at, PlottedSector: &ps},
		})
		if next == core.ExpirationExpired {
			expired = append(expired, s.SectorIndex)
		}
	}
	f.lock.Unlock()

	for _, u := range updates {
		log.V(1).Infof("[farm %s] sector %d: %s at segment %d", f.info.ID, u.SectorIndex, u.Expiration.Stage, u.Expiration.ExpiresAt)
		f.sectorUpdates.Call(u)
	}
	for _, s := range expired {
		f.queueReplot(s)
	}
}

// farmingLoop audits plotted sectors for every slot. Unless farming during
// initial plotting is allowed, it starts once initial plotting is done.
func (f *Farm) farmingLoop(ctx context.Context) error {
	if !f.opts.FarmDuringInitialPlotting {
		select {
		case <-f.initialPlotted:
		case <-ctx.Done():
			return nil
		}
	}
	for {
		slots, err := subscribe(ctx, f.retrier("subscribing to slot info"), f.opts.Node.SubscribeSlotInfo)
		if err != nil {
			return nil
		}
		for slot := range slots {
			f.audit(ctx, slot)
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Warningf("[farm %s] slot info subscription ended, resubscribing", f.info.ID)
	}
}

// auditValue is what a sector scores for a challenge. Sectors scoring within
// the solution range win.
func auditValue(challenge []byte, sectorID uint64) uint64 {
	b := make([]byte, len(challenge)+8)
	copy(b, challenge)
	binary.LittleEndian.PutUint64(b[len(challenge):], sectorID)
	return xxh3.Hash(b)
}

func (f *Farm) audit(ctx context.Context, slot core.SlotInfo) {
	start := time.Now()
	f.lock.Lock()
	var candidates []core.PlottedSector
	audited := 0
	for _, s := range f.sortedSectors() {
		if f.expiry[s.SectorIndex] == core.ExpirationExpired {
			continue
		}
		audited++
		if auditValue(slot.GlobalChallenge, s.SectorID) <= slot.SolutionRange {
			candidates = append(candidates, *s)
		}
	}
	f.lock.Unlock()
	metricAudits.Add(float64(audited))
	f.farming.Call(core.FarmingNotification{Kind: core.FarmingAuditing, SectorsCount: audited, Duration: time.Since(start)})

	var solutions []core.Solution
	for _, s := range candidates {
		proveStart := time.Now()
		offset := core.PieceOffset(auditValue(slot.GlobalChallenge, s.SectorID) % uint64(s.Metadata.PiecesInSector))
		piece, err := f.ReadPiece(ctx, s.SectorIndex, offset)
		if err != nil {
			log.Errorf("[farm %s] failed to prove sector %d: %s", f.info.ID, s.SectorIndex, err)
			f.farming.Call(core.FarmingNotification{Kind: core.FarmingProving, Duration: time.Since(proveStart), Err: err})
			continue
		}
		solutions = append(solutions, core.Solution{
			FarmID:        f.info.ID,
			SectorIndex:   s.SectorIndex,
			PieceOffset:   offset,
			ChunkHash:     xxh3.Hash(piece),
			RewardAddress: f.opts.RewardAddress,
		})
		f.farming.Call(core.FarmingNotification{Kind: core.FarmingProving, Success: true, Duration: time.Since(proveStart)})
	}
	if len(solutions) == 0 {
		return
	}
	metricSolutions.Add(float64(len(solutions)))
	resp := core.SolutionResponse{SlotNumber: slot.SlotNumber, Solutions: solutions}
	if err := f.opts.Node.SubmitSolution(ctx, resp); err != nil {
		log.Errorf("[farm %s] failed to submit %d solutions for slot %d: %s", f.info.ID, len(solutions), slot.SlotNumber, err)
		f.farming.Call(core.FarmingNotification{Kind: core.FarmingNonFatalError, Err: err})
	}
}
