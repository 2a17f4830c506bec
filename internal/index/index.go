// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package index keeps track of which piece is stored in which sector of which
// farm, for every sector that finished plotting.
package index

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	log "github.com/golang/glog"
	"github.com/plotfarm/plotfarm/internal/core"
)

var (
	metricPieces = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "index",
		Name:      "pieces",
		Help:      "number of distinct pieces stored in plotted sectors",
	})
	metricReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "index",
		Name:      "reads",
		Help:      "piece reads by result",
	}, []string{"result"})
)

// PieceReader reads a piece out of a plotted sector of one farm.
type PieceReader interface {
	ReadPiece(ctx context.Context, sector core.SectorIndex, offset core.PieceOffset) (core.Piece, error)
}

// Location is where one copy of a piece is stored.
type Location struct {
	Farm   core.FarmIndex
	Sector core.SectorIndex
	Offset core.PieceOffset
}

const (
	// A location is packed into one uint64: offset in the low 16 bits, then
	// sector, then farm.
	offsetBits = 16
	sectorBits = 16
	farmBits   = 8
)

type location uint64

func makeLocation(farm core.FarmIndex, sector core.SectorIndex, offset core.PieceOffset) location {
	return location(uint64(farm)<<(offsetBits+sectorBits) | uint64(sector)<<offsetBits | uint64(offset))
}

func (l location) unpack() Location {
	return Location{
		Farm:   core.FarmIndex(uint64(l) >> (offsetBits + sectorBits)),
		Sector: core.SectorIndex(uint64(l) >> offsetBits),
		Offset: core.PieceOffset(l),
	}
}

// PlottedPieces maps pieces to the plotted sectors holding them.
//
// A location (farm, sector, offset) holds at most one piece. A piece can be
// stored in several locations; lookups use the first one registered.
type PlottedPieces struct {
	// Per-farm readers, indexed by farm.
	readers [core.MaxFarms]PieceReader

	// Piece index to the locations holding it.
	pieces map[core.PieceIndex][]location

	// Synchronizes readers and pieces.
	lock sync.Mutex

	// Handle given out to non-owners, cleared by Close.
	handle *Handle
}

// ReadResult is the outcome of an asynchronous piece read.
type ReadResult struct {
	Piece core.Piece
	Err   error
}

// New returns an empty index.
func New() *PlottedPieces {
	p := &PlottedPieces{pieces: make(map[core.PieceIndex][]location)}
	p.handle = &Handle{}
	p.handle.p.Store(p)
	return p
}

// SetReader registers the piece reader of a farm.
func (p *PlottedPieces) SetReader(farm core.FarmIndex, r PieceReader) {
	p.lock.Lock()
	p.readers[farm] = r
	p.lock.Unlock()
}

// AddSector registers every piece of the sector. Registering a sector twice is
// harmless.
func (p *PlottedPieces) AddSector(farm core.FarmIndex, sector core.PlottedSector) {
	p.lock.Lock()
	defer p.lock.Unlock()

	for i, piece := range sector.PieceIndexes {
		loc := makeLocation(farm, sector.SectorIndex, core.PieceOffset(i))
		locs := p.pieces[piece]
		if containsLocation(locs, loc) {
			continue
		}
		p.pieces[piece] = append(locs, loc)
	}
	metricPieces.Set(float64(len(p.pieces)))
	log.V(2).Infof("[index] added sector %d of farm %d with %d pieces", sector.SectorIndex, farm, len(sector.PieceIndexes))
}

// DeleteSector removes every piece registration of the sector.
func (p *PlottedPieces) DeleteSector(farm core.FarmIndex, sector core.PlottedSector) {
	p.lock.Lock()
	defer p.lock.Unlock()

	for i, piece := range sector.PieceIndexes {
		loc := makeLocation(farm, sector.SectorIndex, core.PieceOffset(i))
		locs := p.pieces[piece]
		for j, l := range locs {
			if l == loc {
				locs = append(locs[:j:j], locs[j+1:]...)
				break
			}
		}
		if len(locs) == 0 {
			delete(p.pieces, piece)
		} else {
			p.pieces[piece] = locs
		}
	}
	metricPieces.Set(float64(len(p.pieces)))
	log.V(2).Infof("[index] deleted sector %d of farm %d", sector.SectorIndex, farm)
}

// Locations returns every location of the piece.
func (p *PlottedPieces) Locations(piece core.PieceIndex) []Location {
	p.lock.Lock()
	defer p.lock.Unlock()
	locs := p.pieces[piece]
	out := make([]Location, len(locs))
	for i, l := range locs {
		out[i] = l.unpack()
	}
	return out
}

// Len returns the number of distinct pieces in the index.
func (p *PlottedPieces) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.pieces)
}

// ReadPiece looks up the piece and, if it is known and its farm has a reader,
// starts reading it. The decision is made under the lock; the read itself
// happens on its own goroutine and its result is delivered on the returned
// channel. ok is false if the piece isn't available.
func (p *PlottedPieces) ReadPiece(ctx context.Context, piece core.PieceIndex) (result <-chan ReadResult, ok bool) {
	p.lock.Lock()
	var reader PieceReader
	var loc Location
	if locs := p.pieces[piece]; len(locs) > 0 {
		loc = locs[0].unpack()
		reader = p.readers[loc.Farm]
	}
	p.lock.Unlock()

	if reader == nil {
		metricReads.WithLabelValues("not_found").Inc()
		return nil, false
	}

	ch := make(chan ReadResult, 1)
	go func() {
		data, err := reader.ReadPiece(ctx, loc.Sector, loc.Offset)
		if err != nil {
			metricReads.WithLabelValues("failed").Inc()
			log.Errorf("[index] failed to read piece %d from farm %d sector %d offset %d: %s",
				piece, loc.Farm, loc.Sector, loc.Offset, err)
		} else {
			metricReads.WithLabelValues("ok").Inc()
		}
		ch <- ReadResult{Piece: data, Err: err}
	}()
	return ch, true
}

// Handle returns the non-owning handle of the index.
func (p *PlottedPieces) Handle() *Handle {
	return p.handle
}

// Close invalidates all handles. The index itself stays usable by its owner.
func (p *PlottedPieces) Close() {
	p.handle.p.Store(nil)
}

func containsLocation(locs []location, loc location) bool {
	for _, l := range locs {
		if l == loc {
			return true
		}
	}
	return false
}

// Handle is a non-owning reference to a PlottedPieces. Once the owner closes
// the index the handle resolves to nothing, and every lookup through it
// reports the piece as unavailable.
type Handle struct {
	p atomic.Pointer[PlottedPieces]
}

// Get returns the index, or nil if it has been closed.
func (h *Handle) Get() *PlottedPieces {
	if h == nil {
		return nil
	}
	return h.p.Load()
}

// ReadPiece is PlottedPieces.ReadPiece, or not found if the index is gone.
func (h *Handle) ReadPiece(ctx context.Context, piece core.PieceIndex) (<-chan ReadResult, bool) {
	p := h.Get()
	if p == nil {
		return nil, false
	}
	return p.ReadPiece(ctx, piece)
}
