// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package index

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/plotfarm/plotfarm/internal/core"
)

var BG = context.Background()

// memReader serves pieces named after their location.
type memReader struct {
	farm core.FarmIndex
	fail bool
}

func (m *memReader) ReadPiece(ctx context.Context, sector core.SectorIndex, offset core.PieceOffset) (core.Piece, error) {
	if m.fail {
		return nil, errors.New("disk on fire")
	}
	return core.Piece(fmt.Sprintf("%d/%d/%d", m.farm, sector, offset)), nil
}

func sector(idx core.SectorIndex, pieces ...core.PieceIndex) core.PlottedSector {
	return core.PlottedSector{SectorIndex: idx, PieceIndexes: pieces}
}

// snapshot of every lookup the test cares about.
func snapshot(p *PlottedPieces, pieces ...core.PieceIndex) map[core.PieceIndex][]Location {
	out := make(map[core.PieceIndex][]Location)
	for _, piece := range pieces {
		out[piece] = p.Locations(piece)
	}
	return out
}

func TestLocationPacking(t *testing.T) {
	for _, loc := range []Location{{0, 0, 0}, {255, 65535, 65535}, {3, 10, 999}} {
		if got := makeLocation(loc.Farm, loc.Sector, loc.Offset).unpack(); got != loc {
			t.Errorf("packed %+v, got %+v", loc, got)
		}
	}
}

func TestAddDeleteRoundTrip(t *testing.T) {
	p := New()
	s := sector(10, 100, 101, 102)
	p.AddSector(2, s)

	for i, piece := range s.PieceIndexes {
		locs := p.Locations(piece)
		want := []Location{{Farm: 2, Sector: 10, Offset: core.PieceOffset(i)}}
		if !reflect.DeepEqual(locs, want) {
			t.Errorf("piece %d: got %+v, want %+v", piece, locs, want)
		}
	}

	p.DeleteSector(2, s)
	for _, piece := range s.PieceIndexes {
		if locs := p.Locations(piece); len(locs) != 0 {
			t.Errorf("piece %d still at %+v", piece, locs)
		}
	}
	if p.Len() != 0 {
		t.Errorf("index not empty: %d", p.Len())
	}
}

// add, delete, add is the same as a single add; so is adding twice.
func TestAddIdempotent(t *testing.T) {
	s := sector(4, 7, 8, 9, 7)
	pieces := []core.PieceIndex{7, 8, 9}

	once := New()
	once.AddSector(1, s)
	want := snapshot(once, pieces...)

	again := New()
	again.AddSector(1, s)
	again.DeleteSector(1, s)
	again.AddSector(1, s)
	if got := snapshot(again, pieces...); !reflect.DeepEqual(got, want) {
		t.Errorf("add/delete/add: got %+v, want %+v", got, want)
	}

	twice := New()
	twice.AddSector(1, s)
	twice.AddSector(1, s)
	if got := snapshot(twice, pieces...); !reflect.DeepEqual(got, want) {
		t.Errorf("add twice: got %+v, want %+v", got, want)
	}
}

// The same piece in two farms is tracked separately.
func TestSharedPiece(t *testing.T) {
	p := New()
	a, b := sector(1, 50), sector(2, 50)
	p.AddSector(0, a)
	p.AddSector(1, b)
	if n := len(p.Locations(50)); n != 2 {
		t.Fatalf("expected 2 locations, got %d", n)
	}
	p.DeleteSector(0, a)
	if locs := p.Locations(50); len(locs) != 1 || locs[0].Farm != 1 {
		t.Errorf("unexpected locations %+v", locs)
	}
}

// Replotting deletes the old sector before adding the new one; lookups never
// see the old pieces at the new location.
func TestReplotSequence(t *testing.T) {
	p := New()
	old := sector(10, 1, 2, 3)
	replacement := sector(10, 4, 5, 6)
	p.AddSector(2, old)

	p.DeleteSector(2, old)
	for _, piece := range old.PieceIndexes {
		if len(p.Locations(piece)) != 0 {
			t.Fatalf("old piece %d still indexed", piece)
		}
	}
	p.AddSector(2, replacement)
	for i, piece := range replacement.PieceIndexes {
		locs := p.Locations(piece)
		if len(locs) != 1 || locs[0] != (Location{2, 10, core.PieceOffset(i)}) {
			t.Errorf("piece %d at %+v", piece, locs)
		}
	}
	for _, piece := range old.PieceIndexes {
		if len(p.Locations(piece)) != 0 {
			t.Errorf("old piece %d indexed again", piece)
		}
	}
}

func TestReadPiece(t *testing.T) {
	p := New()
	p.SetReader(3, &memReader{farm: 3})
	p.AddSector(3, sector(5, 42, 43))

	ch, ok := p.ReadPiece(BG, 43)
	if !ok {
		t.Fatalf("piece 43 not found")
	}
	res := <-ch
	if res.Err != nil || string(res.Piece) != "3/5/1" {
		t.Errorf("got %q, %v", res.Piece, res.Err)
	}

	if _, ok := p.ReadPiece(BG, 44); ok {
		t.Errorf("piece 44 should not be found")
	}
}

func TestReadPieceNoReader(t *testing.T) {
	p := New()
	p.AddSector(0, sector(0, 1))
	if _, ok := p.ReadPiece(BG, 1); ok {
		t.Errorf("piece without reader should not be found")
	}
}

func TestReadPieceError(t *testing.T) {
	p := New()
	p.SetReader(0, &memReader{fail: true})
	p.AddSector(0, sector(0, 1))
	ch, ok := p.ReadPiece(BG, 1)
	if !ok {
		t.Fatalf("not found")
	}
	if res := <-ch; res.Err == nil {
		t.Errorf("expected error")
	}
}

func TestHandleAfterClose(t *testing.T) {
	p := New()
	p.SetReader(0, &memReader{})
	p.AddSector(0, sector(0, 1))
	h := p.Handle()

	if _, ok := h.ReadPiece(BG, 1); !ok {
		t.Fatalf("piece not found through handle")
	}
	p.Close()
	if _, ok := h.ReadPiece(BG, 1); ok {
		t.Errorf("closed handle still resolves")
	}
	if h.Get() != nil {
		t.Errorf("closed handle returns index")
	}
	var nilHandle *Handle
	if _, ok := nilHandle.ReadPiece(BG, 1); ok {
		t.Errorf("nil handle resolves")
	}
}

// Farms adding sectors concurrently don't collide.
func TestConcurrentAdds(t *testing.T) {
	const farms, sectors, perSector = 8, 20, 16
	p := New()
	var wg sync.WaitGroup
	for f := 0; f < farms; f++ {
		wg.Add(1)
		go func(f int) {
			defer wg.Done()
			for s := 0; s < sectors; s++ {
				var pieces []core.PieceIndex
				for o := 0; o < perSector; o++ {
					pieces = append(pieces, core.PieceIndex((f*sectors+s)*perSector+o))
				}
				p.AddSector(core.FarmIndex(f), sector(core.SectorIndex(s), pieces...))
			}
		}(f)
	}
	wg.Wait()

	if p.Len() != farms*sectors*perSector {
		t.Fatalf("expected %d pieces, got %d", farms*sectors*perSector, p.Len())
	}
	for f := 0; f < farms; f++ {
		for s := 0; s < sectors; s++ {
			for o := 0; o < perSector; o++ {
				piece := core.PieceIndex((f*sectors+s)*perSector + o)
				locs := p.Locations(piece)
				want := Location{core.FarmIndex(f), core.SectorIndex(s), core.PieceOffset(o)}
				if len(locs) != 1 || locs[0] != want {
					t.Fatalf("piece %d at %+v, want %+v", piece, locs, want)
				}
			}
		}
	}
}
