// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package singlefarm

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	log "github.com/golang/glog"
	"github.com/zeebo/xxh3"

	"github.com/plotfarm/plotfarm/internal/core"
	"github.com/plotfarm/plotfarm/internal/piececache"
)

// encodeSlot lays out a cache slot: piece index, piece checksum, present flag
// and the piece.
func encodeSlot(index core.PieceIndex, piece core.Piece) []byte {
	buf := make([]byte, slotSize)
	binary.LittleEndian.PutUint64(buf[0:], uint64(index))
	binary.LittleEndian.PutUint64(buf[8:], xxh3.Hash(piece))
	buf[16] = 1
	copy(buf[slotHeaderSize:], piece)
	return buf
}

// decodeSlot returns the content of a slot, or a nil piece if the slot is
// empty or corrupt.
func decodeSlot(buf []byte) (core.PieceIndex, core.Piece) {
	index := core.PieceIndex(binary.LittleEndian.Uint64(buf[0:]))
	if buf[16] != 1 {
		return index, nil
	}
	piece := core.Piece(buf[slotHeaderSize:])
	if xxh3.Hash(piece) != binary.LittleEndian.Uint64(buf[8:]) {
		log.Warningf("cached piece %d has a bad checksum", index)
		return index, nil
	}
	return index, piece
}

// pieceCache is the piece cache region of a farm, stored in cache.bin.
type pieceCache struct {
	f     *os.File
	slots int
}

var _ piececache.Store = (*pieceCache)(nil)

func (c *pieceCache) Slots() int {
	return c.slots
}

func (c *pieceCache) Contents(ctx context.Context) ([]piececache.SlotContent, error) {
	var out []piececache.SlotContent
	hdr := make([]byte, slotHeaderSize)
	for i := 0; i < c.slots; i++ {
		if i%1024 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if _, err := c.f.ReadAt(hdr, int64(i)*slotSize); err != nil {
			return nil, fmt.Errorf("failed to read cache slot %d: %w", i, err)
		}
		if hdr[16] == 1 {
			out = append(out, piececache.SlotContent{Slot: i, Index: core.PieceIndex(binary.LittleEndian.Uint64(hdr))})
		}
	}
	return out, nil
}

func (c *pieceCache) ReadSlot(ctx context.Context, slot int) (core.PieceIndex, core.Piece, error) {
	if slot < 0 || slot >= c.slots {
		return 0, nil, fmt.Errorf("cache slot %d out of range", slot)
	}
	buf := make([]byte, slotSize)
	if _, err := c.f.ReadAt(buf, int64(slot)*slotSize); err != nil {
		return 0, nil, err
	}
	index, piece := decodeSlot(buf)
	return index, piece, nil
}

func (c *pieceCache) WriteSlot(ctx context.Context, slot int, index core.PieceIndex, piece core.Piece) error {
	if slot < 0 || slot >= c.slots {
		return fmt.Errorf("cache slot %d out of range", slot)
	}
	_, err := c.f.WriteAt(encodeSlot(index, piece), int64(slot)*slotSize)
	return err
}

// plotCache stores pieces in sectors that aren't plotted yet. Slots are taken
// from the last sector backwards while initial plotting moves forward, and
// slots in a sector are dropped once plotting claims it. The contents are
// only kept in memory.
type plotCache struct {
	f *os.File
	l layout

	// Held shared while writing a slot, exclusively while claiming a sector.
	ioLock sync.RWMutex

	lock     sync.Mutex
	frontier uint64
	next     int
	pieces   map[core.PieceIndex]int
}

var _ piececache.PlotCache = (*plotCache)(nil)

func newPlotCache(f *os.File, l layout, frontier uint64) *plotCache {
	return &plotCache{f: f, l: l, frontier: frontier, pieces: make(map[core.PieceIndex]int)}
}

// Call with c.lock held.
func (c *plotCache) capacity() int {
	if c.frontier >= c.l.totalSectors {
		return 0
	}
	return int(c.l.totalSectors-c.frontier) * c.l.plotCacheSlotsPerSector()
}

func (c *plotCache) slotOffset(slot int) int64 {
	per := c.l.plotCacheSlotsPerSector()
	sector := core.SectorIndex(c.l.totalSectors - 1 - uint64(slot/per))
	return c.l.sectorOffset(sector) + int64(slot%per)*slotSize
}

// claim makes sectors below sector+1 unavailable for caching, dropping any
// pieces stored there. It waits for slot writes in progress.
func (c *plotCache) claim(sector core.SectorIndex) {
	c.ioLock.Lock()
	defer c.ioLock.Unlock()
	c.lock.Lock()
	defer c.lock.Unlock()

	if uint64(sector)+1 <= c.frontier {
		return
	}
	c.frontier = uint64(sector) + 1
	capacity := c.capacity()
	for idx, slot := range c.pieces {
		if slot >= capacity {
			delete(c.pieces, idx)
		}
	}
	if c.next > capacity {
		c.next = capacity
	}
}

func (c *plotCache) len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.pieces)
}

func (c *plotCache) TryStorePiece(ctx context.Context, index core.PieceIndex, piece core.Piece) (bool, error) {
	c.ioLock.RLock()
	defer c.ioLock.RUnlock()

	c.lock.Lock()
	if _, ok := c.pieces[index]; ok {
		c.lock.Unlock()
		return true, nil
	}
	if c.next >= c.capacity() {
		c.lock.Unlock()
		return false, nil
	}
	slot := c.next
	c.next++
	c.lock.Unlock()

	if _, err := c.f.WriteAt(encodeSlot(index, piece), c.slotOffset(slot)); err != nil {
		return false, err
	}

	c.lock.Lock()
	c.pieces[index] = slot
	c.lock.Unlock()
	return true, nil
}

func (c *plotCache) ReadPiece(ctx context.Context, index core.PieceIndex) (core.Piece, error) {
	c.lock.Lock()
	slot, ok := c.pieces[index]
	c.lock.Unlock()
	if !ok {
		return nil, nil
	}

	buf := make([]byte, slotSize)
	if _, err := c.f.ReadAt(buf, c.slotOffset(slot)); err != nil {
		return nil, err
	}
	got, piece := decodeSlot(buf)
	if piece == nil || got != index {
		// Overwritten by plotting since the lookup.
		return nil, nil
	}
	return piece, nil
}
