// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package piececache

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/plotfarm/plotfarm/internal/core"
	"github.com/plotfarm/plotfarm/internal/nodeclient"
	"github.com/plotfarm/plotfarm/pkg/testutil"
)

func TestMain(m *testing.M) {
	testutil.TestMain(m)
}

var protocol = core.ProtocolInfo{MaxPiecesInSector: 8, MinSectorLifetime: 4}

func testConfig() Config {
	return Config{PeerID: "test-peer", DownloadConcurrency: 4, RetryDelay: 5 * time.Millisecond}
}

// progressLog records progress notifications.
type progressLog struct {
	lock sync.Mutex
	vals []float32
}

func (p *progressLog) add(v float32) {
	p.lock.Lock()
	p.vals = append(p.vals, v)
	p.lock.Unlock()
}

func (p *progressLog) get() []float32 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]float32(nil), p.vals...)
}

func (p *progressLog) done() bool {
	v := p.get()
	return len(v) > 0 && v[len(v)-1] == 100
}

func startCoordinator(t *testing.T, node nodeclient.Client, stores []Store, plot []PlotCache) (*Coordinator, *progressLog, func()) {
	c := New(node, testConfig())
	var progress progressLog
	c.OnSyncProgress(progress.add)
	if err := c.ReplaceBackingCaches(context.Background(), stores, plot); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return c, &progress, func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run returned %s", err)
		}
	}
}

func sortedWanted(c *Coordinator, history uint64, capacity int) []core.PieceIndex {
	var out []core.PieceIndex
	for _, idx := range c.closest(history, capacity) {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func equalIndexes(a, b []core.PieceIndex) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestClosestPicksNearest(t *testing.T) {
	c := New(nil, testConfig())
	chosen := c.closest(2, 10)
	if len(chosen) != 10 {
		t.Fatalf("expected 10 pieces, got %d", len(chosen))
	}
	var farthest uint64
	for _, idx := range chosen {
		if d := c.distance(idx); d > farthest {
			farthest = d
		}
	}
	for idx := core.PieceIndex(0); idx < 2*core.PiecesInSegment; idx++ {
		if _, ok := chosen[idx.Key()]; ok {
			continue
		}
		if c.distance(idx) < farthest {
			t.Errorf("piece %d is closer than a chosen piece", idx)
		}
	}
	if n := len(c.closest(2, 0)); n != 0 {
		t.Errorf("zero capacity chose %d pieces", n)
	}
	if n := len(c.closest(1, 1000)); n != core.PiecesInSegment {
		t.Errorf("capacity above history chose %d pieces", n)
	}
}

func TestGetPieceWithoutCaches(t *testing.T) {
	c := New(nodeclient.NewMemNode(protocol, 1), testConfig())
	if _, ok := c.GetPiece(context.Background(), 1); ok {
		t.Errorf("expected a miss without backing caches")
	}
}

func TestInitialSync(t *testing.T) {
	node := nodeclient.NewMemNode(protocol, 2)
	a, b := NewMemStore(6), NewMemStore(4)
	c, progress, stop := startCoordinator(t, node, []Store{a, b}, nil)
	defer stop()

	testutil.WaitFor(t, 10*time.Second, "sync", progress.done)

	if c.Len() != 10 {
		t.Fatalf("expected 10 cached pieces, got %d", c.Len())
	}
	all := append(a.Indexes(), b.Indexes()...)
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	want := sortedWanted(c, 2, 10)
	if !equalIndexes(all, want) {
		t.Errorf("cached %v, want %v", all, want)
	}

	piece, ok := c.GetPiece(context.Background(), want[3])
	if !ok || !bytes.Equal(piece, nodeclient.MemPiece(want[3])) {
		t.Errorf("GetPiece(%d) returned wrong piece", want[3])
	}
	for idx := core.PieceIndex(0); idx < 2*core.PiecesInSegment; idx++ {
		if _, ok := c.closest(2, 10)[idx.Key()]; !ok {
			if _, hit := c.GetPiece(context.Background(), idx); hit {
				t.Errorf("GetPiece(%d) hit for a piece that isn't cached", idx)
			}
			break
		}
	}
}

func TestSyncProgress(t *testing.T) {
	node := nodeclient.NewMemNode(protocol, 1)
	_, progress, stop := startCoordinator(t, node, []Store{NewMemStore(40)}, nil)
	defer stop()

	testutil.WaitFor(t, 10*time.Second, "sync", progress.done)
	vals := progress.get()
	if vals[0] != 0 {
		t.Errorf("first progress is %v, want 0", vals[0])
	}
	for i := 1; i < len(vals); i++ {
		if vals[i] <= vals[i-1] {
			t.Errorf("progress not strictly increasing: %v", vals)
			break
		}
	}
}

func TestExistingContentsKept(t *testing.T) {
	node := nodeclient.NewMemNode(protocol, 2)
	store := NewMemStore(5)

	want := sortedWanted(New(nil, testConfig()), 2, 5)
	var unwanted core.PieceIndex
	for idx := core.PieceIndex(0); ; idx++ {
		found := false
		for _, w := range want {
			found = found || w == idx
		}
		if !found {
			unwanted = idx
			break
		}
	}
	ctx := context.Background()
	store.WriteSlot(ctx, 0, want[0], nodeclient.MemPiece(want[0]))
	store.WriteSlot(ctx, 1, unwanted, nodeclient.MemPiece(unwanted))

	c, progress, stop := startCoordinator(t, node, []Store{store}, nil)
	defer stop()
	testutil.WaitFor(t, 10*time.Second, "sync", progress.done)

	if got := store.Indexes(); !equalIndexes(got, want) {
		t.Errorf("cached %v, want %v", got, want)
	}
	// Two preloaded writes plus the four missing pieces.
	if w := store.Writes(); w != 6 {
		t.Errorf("expected 6 writes, got %d", w)
	}
	if _, ok := c.GetPiece(ctx, unwanted); ok {
		t.Errorf("evicted piece is still served")
	}
}

func TestNodeUnavailableStalls(t *testing.T) {
	node := nodeclient.NewMemNode(protocol, 1)
	node.SetFailing(nodeclient.ErrMemNodeDown)
	c, progress, stop := startCoordinator(t, node, []Store{NewMemStore(3)}, nil)
	defer stop()

	time.Sleep(50 * time.Millisecond)
	if len(progress.get()) != 0 {
		t.Fatalf("progress reported while node is down: %v", progress.get())
	}

	node.SetFailing(nil)
	testutil.WaitFor(t, 10*time.Second, "sync", progress.done)
	if c.Len() != 3 {
		t.Errorf("expected 3 cached pieces, got %d", c.Len())
	}
}

func TestReplaceBackingCaches(t *testing.T) {
	node := nodeclient.NewMemNode(protocol, 1)
	c, progress, stop := startCoordinator(t, node, []Store{NewMemStore(2)}, nil)
	defer stop()
	testutil.WaitFor(t, 10*time.Second, "first sync", progress.done)

	bigger := NewMemStore(8)
	if err := c.ReplaceBackingCaches(context.Background(), []Store{bigger}, nil); err != nil {
		t.Fatal(err)
	}
	testutil.WaitFor(t, 10*time.Second, "second sync", func() bool { return len(bigger.Indexes()) == 8 })
	if !equalIndexes(bigger.Indexes(), sortedWanted(c, 1, 8)) {
		t.Errorf("new store holds the wrong pieces")
	}
}

func TestFollowArchivedSegments(t *testing.T) {
	node := nodeclient.NewMemNode(protocol, 1)
	store := NewMemStore(4)
	plot := NewMemPlotCache(1000)
	c, progress, stop := startCoordinator(t, node, []Store{store}, []PlotCache{plot})
	defer stop()
	testutil.WaitFor(t, 10*time.Second, "sync", progress.done)
	testutil.WaitFor(t, 10*time.Second, "subscription", func() bool { return node.SegmentSubscribers() > 0 })

	before := store.Writes()
	node.ArchiveSegment()

	// Every piece of the new segment goes either to the store or to the
	// plot cache.
	testutil.WaitFor(t, 10*time.Second, "segment 1 cached", func() bool {
		return store.Writes()-before+plot.Len() == core.PiecesInSegment
	})

	if !equalIndexes(store.Indexes(), sortedWanted(c, 2, 4)) {
		t.Errorf("store doesn't hold the closest pieces after the new segment")
	}
	first := core.SegmentIndex(1).FirstPiece()
	served := 0
	for i := core.PieceIndex(0); i < core.PiecesInSegment; i++ {
		if _, ok := c.GetPiece(context.Background(), first+i); ok {
			served++
		}
	}
	if served < plot.Len() {
		t.Errorf("only %d pieces of the new segment are served, plot cache has %d", served, plot.Len())
	}
}
