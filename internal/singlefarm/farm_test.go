// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package singlefarm

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/plotfarm/plotfarm/internal/core"
	"github.com/plotfarm/plotfarm/internal/nodeclient"
	"github.com/plotfarm/plotfarm/internal/notify"
	"github.com/plotfarm/plotfarm/internal/threadpool"
	"github.com/plotfarm/plotfarm/pkg/testutil"
)

var testProtocol = core.ProtocolInfo{HistorySize: 1, MaxPiecesInSector: 2, MinSectorLifetime: 2}

type nodeGetter struct {
	node nodeclient.Client
}

func (g nodeGetter) GetPiece(ctx context.Context, idx core.PieceIndex) (core.Piece, error) {
	return g.node.Piece(ctx, idx)
}

type failingGetter struct{}

func (failingGetter) GetPiece(ctx context.Context, idx core.PieceIndex) (core.Piece, error) {
	return nil, errors.New("no pieces today")
}

func testPools(t *testing.T) *threadpool.Manager {
	m, err := threadpool.NewManager(threadpool.Regroup(threadpool.DetectCoreSets(), 1), false)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func testOptions(dir string, node *nodeclient.MemNode, pools *threadpool.Manager) Options {
	return Options{
		Directory:                 dir,
		AllocatedSpace:            core.MinFarmSize,
		CachePercentage:           1,
		Protocol:                  testProtocol,
		GenesisHash:               "mem-genesis",
		Node:                      node,
		PieceGetter:               nodeGetter{node},
		Pools:                     pools,
		DownloadSemaphore:         semaphore.NewWeighted(2),
		RecordEncodingConcurrency: 2,
		RewardAddress:             "reward",
		PlotRetryDelay:            10 * time.Millisecond,
		RetryDelay:                5 * time.Millisecond,
	}
}

// recorder collects events of a farm.
type recorder struct {
	lock    sync.Mutex
	updates []core.SectorUpdate
	farming []core.FarmingNotification
}

func record(f *Farm) *recorder {
	r := &recorder{}
	f.OnSectorUpdate(func(u core.SectorUpdate) {
		r.lock.Lock()
		r.updates = append(r.updates, u)
		r.lock.Unlock()
	})
	f.OnFarmingNotification(func(n core.FarmingNotification) {
		r.lock.Lock()
		r.farming = append(r.farming, n)
		r.lock.Unlock()
	})
	return r
}

func (r *recorder) plotting(sector core.SectorIndex) []core.PlottingUpdate {
	r.lock.Lock()
	defer r.lock.Unlock()
	var out []core.PlottingUpdate
	for _, u := range r.updates {
		if u.SectorIndex == sector && u.Plotting != nil {
			out = append(out, *u.Plotting)
		}
	}
	return out
}

func (r *recorder) expiration(sector core.SectorIndex) []core.ExpirationStage {
	r.lock.Lock()
	defer r.lock.Unlock()
	var out []core.ExpirationStage
	for _, u := range r.updates {
		if u.SectorIndex == sector && u.Expiration != nil {
			out = append(out, u.Expiration.Stage)
		}
	}
	return out
}

func (r *recorder) finished(sector core.SectorIndex) bool {
	for _, u := range r.plotting(sector) {
		if u.Stage == core.PlottingFinished {
			return true
		}
	}
	return false
}

func (r *recorder) notifications() []core.FarmingNotification {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]core.FarmingNotification(nil), r.farming...)
}

func newTestFarm(t *testing.T, opts Options) *Farm {
	f, err := New(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestFarmInsufficientSpace(t *testing.T) {
	node := nodeclient.NewMemNode(testProtocol, 1)
	opts := testOptions(filepath.Join(testutil.NewDir(t), "farm"), node, nil)
	opts.AllocatedSpace = 1 << 30
	_, err := New(context.Background(), opts)
	if !core.IsInsufficientSpace(err) {
		t.Fatalf("expected insufficient space, got %v", err)
	}
}

func TestFarmWrongNetwork(t *testing.T) {
	node := nodeclient.NewMemNode(testProtocol, 1)
	opts := testOptions(testutil.NewDir(t), node, nil)
	newTestFarm(t, opts).Close()

	opts.GenesisHash = "other"
	if _, err := New(context.Background(), opts); !errors.Is(err, ErrWrongNetwork) {
		t.Errorf("expected ErrWrongNetwork, got %v", err)
	}
}

func TestFarmRunPlotsInOrder(t *testing.T) {
	pools := testPools(t)
	defer pools.Close()
	node := nodeclient.NewMemNode(testProtocol, 1)
	dir := testutil.NewDir(t)
	f := newTestFarm(t, testOptions(dir, node, pools))
	r := record(f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	testutil.WaitFor(t, 30*time.Second, "two sectors", func() bool { return r.finished(0) && r.finished(1) })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %s", err)
	}

	want := []core.PlottingStage{
		core.PlottingStarting, core.PlottingDownloading, core.PlottingDownloaded, core.PlottingEncoding,
		core.PlottingEncoded, core.PlottingWriting, core.PlottingWritten, core.PlottingFinished,
	}
	updates := r.plotting(0)
	if len(updates) != len(want) {
		t.Fatalf("expected %d updates, got %d", len(want), len(updates))
	}
	for i, u := range updates {
		if u.Stage != want[i] || u.Replotting {
			t.Errorf("update %d is %s (replotting %v), want %s", i, u.Stage, u.Replotting, want[i])
		}
	}
	last := updates[len(updates)-1]
	if last.PlottedSector == nil || last.OldPlottedSector != nil {
		t.Fatalf("unexpected finished update %+v", last)
	}

	ps := last.PlottedSector
	for off, idx := range ps.PieceIndexes {
		piece, err := f.ReadPiece(context.Background(), 0, core.PieceOffset(off))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(piece, nodeclient.MemPiece(idx)) {
			t.Errorf("piece at offset %d doesn't match piece %d", off, idx)
		}
	}
	id := f.ID()
	f.Close()

	summary, err := ReadSummary(dir)
	if err != nil || !summary.Found || summary.Info.ID != id || summary.PlottedSectors < 2 {
		t.Fatalf("unexpected summary %+v, err %v", summary, err)
	}

	f = newTestFarm(t, testOptions(dir, node, pools))
	defer f.Close()
	if f.ID() != id {
		t.Errorf("farm id changed from %s to %s", id, f.ID())
	}
	var sectors []core.PlottedSector
	f.PlottedSectors(func(s core.PlottedSector, err error) {
		if err != nil {
			t.Errorf("sector error: %s", err)
		}
		sectors = append(sectors, s)
	})
	if len(sectors) < 2 || sectors[0].SectorIndex != 0 || sectors[1].SectorIndex != 1 {
		t.Errorf("unexpected plotted sectors after reopen: %d", len(sectors))
	}
	piece, err := f.ReadPiece(context.Background(), 0, 1)
	if err != nil || !bytes.Equal(piece, nodeclient.MemPiece(ps.PieceIndexes[1])) {
		t.Errorf("piece doesn't survive reopen: %v", err)
	}
}

func TestFarmPlottingDelay(t *testing.T) {
	pools := testPools(t)
	defer pools.Close()
	node := nodeclient.NewMemNode(testProtocol, 1)
	var gates notify.Gates
	opts := testOptions(testutil.NewDir(t), node, pools)
	opts.PlottingDelay = gates.NewGate()
	f := newTestFarm(t, opts)
	defer f.Close()
	r := record(f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(50 * time.Millisecond)
	if n := len(r.plotting(0)); n != 0 {
		t.Fatalf("plotting started before the gate was released: %d updates", n)
	}
	gates.Release()
	testutil.WaitFor(t, 30*time.Second, "sector 0", func() bool { return r.finished(0) })
}

func TestFarmExpiryAndReplot(t *testing.T) {
	pools := testPools(t)
	defer pools.Close()
	node := nodeclient.NewMemNode(testProtocol, 1)
	f := newTestFarm(t, testOptions(testutil.NewDir(t), node, pools))
	defer f.Close()
	r := record(f)
	ctx := context.Background()

	if err := f.plotSector(ctx, 0, false); err != nil {
		t.Fatal(err)
	}
	first := r.plotting(0)
	old := first[len(first)-1].PlottedSector
	if old.Metadata.ExpiresAt != 3 {
		t.Fatalf("sector expires at %d, want 3", old.Metadata.ExpiresAt)
	}

	f.checkExpiry(1)
	f.checkExpiry(1)
	f.checkExpiry(2)
	f.checkExpiry(3)
	want := []core.ExpirationStage{core.ExpirationDetermined, core.ExpirationAboutToExpire, core.ExpirationExpired}
	got := r.expiration(0)
	if len(got) != len(want) {
		t.Fatalf("expected stages %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stage %d is %s, want %s", i, got[i], want[i])
		}
	}

	node.ArchiveSegment()
	node.ArchiveSegment()
	f.history.Store(3)
	sector, ok := f.nextReplot(ctx)
	if !ok || sector != 0 {
		t.Fatalf("expected sector 0 queued for replotting, got %d %v", sector, ok)
	}
	if err := f.plotSector(ctx, 0, true); err != nil {
		t.Fatal(err)
	}
	updates := r.plotting(0)[len(first):]
	for _, u := range updates {
		if !u.Replotting {
			t.Errorf("%s update isn't marked as replotting", u.Stage)
		}
	}
	last := updates[len(updates)-1]
	if last.Stage != core.PlottingFinished || last.OldPlottedSector == nil {
		t.Fatalf("unexpected last update %+v", last)
	}
	if last.OldPlottedSector.Metadata.HistorySize != 1 || last.PlottedSector.Metadata.HistorySize != 3 {
		t.Errorf("replot history %d -> %d", last.OldPlottedSector.Metadata.HistorySize, last.PlottedSector.Metadata.HistorySize)
	}
	if last.PlottedSector.Metadata.ExpiresAt != 5 {
		t.Errorf("replotted sector expires at %d, want 5", last.PlottedSector.Metadata.ExpiresAt)
	}

	// The replotted sector starts its expiry over.
	f.checkExpiry(3)
	stages := r.expiration(0)
	if stages[len(stages)-1] != core.ExpirationDetermined {
		t.Errorf("replotted sector is in stage %s", stages[len(stages)-1])
	}
}

// A replot that dies while writing must not leave the old metadata behind,
// or a restart would describe the new shards with the old piece indexes.
func TestFarmInterruptedReplotForgetsSector(t *testing.T) {
	pools := testPools(t)
	defer pools.Close()
	node := nodeclient.NewMemNode(testProtocol, 1)
	dir := testutil.NewDir(t)
	opts := testOptions(dir, node, pools)
	f := newTestFarm(t, opts)
	ctx := context.Background()

	if err := f.plotSector(ctx, 0, false); err != nil {
		t.Fatal(err)
	}

	// Writes to plot.bin fail from here on.
	ro, err := os.Open(filepath.Join(dir, plotFile))
	if err != nil {
		t.Fatal(err)
	}
	orig := f.plot
	f.plot = ro
	node.ArchiveSegment()
	node.ArchiveSegment()
	f.history.Store(3)
	if err := f.plotSector(ctx, 0, true); err == nil {
		t.Fatalf("replot into a read-only plot succeeded")
	}
	if _, err := f.ReadPiece(ctx, 0, 0); !errors.Is(err, core.ErrSectorNotPlotted) {
		t.Errorf("sector readable after a failed write: %v", err)
	}
	f.plot = orig
	ro.Close()
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	s, err := ReadSummary(dir)
	if err != nil {
		t.Fatal(err)
	}
	if s.PlottedSectors != 0 {
		t.Errorf("%d sectors persisted after an interrupted replot", s.PlottedSectors)
	}

	f = newTestFarm(t, opts)
	defer f.Close()
	if n := f.PlottedSectorsCount(); n != 0 {
		t.Errorf("%d sectors loaded after an interrupted replot", n)
	}
	if _, err := f.ReadPiece(ctx, 0, 0); !errors.Is(err, core.ErrSectorNotPlotted) {
		t.Errorf("expected ErrSectorNotPlotted after restart, got %v", err)
	}
}

func TestFarmPlottingErrorRequeues(t *testing.T) {
	pools := testPools(t)
	defer pools.Close()
	node := nodeclient.NewMemNode(testProtocol, 1)
	opts := testOptions(testutil.NewDir(t), node, pools)
	opts.PieceGetter = failingGetter{}
	f := newTestFarm(t, opts)
	defer f.Close()
	r := record(f)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := f.plotSector(ctx, 0, false)
	if err == nil {
		t.Fatal("expected plotting to fail")
	}
	f.plottingFailed(ctx, 0, false, err)
	updates := r.plotting(0)
	if last := updates[len(updates)-1]; last.Stage != core.PlottingError || last.Err == nil {
		t.Errorf("expected an error update, got %+v", last)
	}
	testutil.WaitFor(t, 5*time.Second, "requeue", func() bool {
		f.lock.Lock()
		defer f.lock.Unlock()
		return f.queued[0]
	})
	if f.PlottedSectorsCount() != 0 {
		t.Errorf("failed sector counts as plotted")
	}
}

func TestFarmAudit(t *testing.T) {
	pools := testPools(t)
	defer pools.Close()
	node := nodeclient.NewMemNode(testProtocol, 1)
	f := newTestFarm(t, testOptions(testutil.NewDir(t), node, pools))
	defer f.Close()
	r := record(f)
	ctx := context.Background()

	for _, s := range []core.SectorIndex{0, 1} {
		if err := f.plotSector(ctx, s, false); err != nil {
			t.Fatal(err)
		}
	}

	f.audit(ctx, core.SlotInfo{SlotNumber: 7, GlobalChallenge: []byte("challenge"), SolutionRange: math.MaxUint64})
	sols := node.Solutions()
	if len(sols) != 1 || sols[0].SlotNumber != 7 || len(sols[0].Solutions) != 2 {
		t.Fatalf("unexpected solutions %+v", sols)
	}
	for _, s := range sols[0].Solutions {
		if s.FarmID != f.ID() || s.RewardAddress != "reward" {
			t.Errorf("unexpected solution %+v", s)
		}
	}
	n := r.notifications()
	if n[0].Kind != core.FarmingAuditing || n[0].SectorsCount != 2 {
		t.Errorf("unexpected audit notification %+v", n[0])
	}
	proofs := 0
	for _, x := range n[1:] {
		if x.Kind == core.FarmingProving && x.Success {
			proofs++
		}
	}
	if proofs != 2 {
		t.Errorf("expected 2 successful proofs, got %d", proofs)
	}

	// Nothing wins with an empty solution range.
	f.audit(ctx, core.SlotInfo{SlotNumber: 8, GlobalChallenge: []byte("challenge"), SolutionRange: 0})
	if len(node.Solutions()) != 1 {
		t.Errorf("solutions submitted for an empty solution range")
	}

	node.SetFailing(nodeclient.ErrMemNodeDown)
	f.audit(ctx, core.SlotInfo{SlotNumber: 9, GlobalChallenge: []byte("challenge"), SolutionRange: math.MaxUint64})
	n = r.notifications()
	if last := n[len(n)-1]; last.Kind != core.FarmingNonFatalError {
		t.Errorf("expected a non-fatal error notification, got %+v", last)
	}
}

func TestFarmingWaitsForInitialPlotting(t *testing.T) {
	node := nodeclient.NewMemNode(testProtocol, 1)
	f := newTestFarm(t, testOptions(testutil.NewDir(t), node, nil))
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.farmingLoop(ctx) }()

	time.Sleep(50 * time.Millisecond)
	if node.SlotSubscribers() != 0 {
		t.Fatalf("farming started during initial plotting")
	}
	close(f.initialPlotted)
	testutil.WaitFor(t, 5*time.Second, "slot subscription", func() bool { return node.SlotSubscribers() > 0 })
	cancel()
	if err := <-done; err != nil {
		t.Errorf("farming loop returned %s", err)
	}
}

func TestWipe(t *testing.T) {
	node := nodeclient.NewMemNode(testProtocol, 1)
	dir := testutil.NewDir(t)
	newTestFarm(t, testOptions(dir, node, nil)).Close()
	if err := Wipe(dir); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{dbFile, plotFile, cacheFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s still exists", name)
		}
	}
	if err := Wipe(dir); err != nil {
		t.Errorf("wiping an empty directory failed: %s", err)
	}
	if s, err := ReadSummary(dir); err != nil || s.Found {
		t.Errorf("expected no farm, got %+v %v", s, err)
	}
}
