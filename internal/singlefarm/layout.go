// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package singlefarm

import (
	"fmt"

	"github.com/plotfarm/plotfarm/internal/core"
)

const (
	dbFile    = "farm.db"
	plotFile  = "plot.bin"
	cacheFile = "cache.bin"

	// Space set aside for farm.db and filesystem overhead.
	metadataReserve = 16 << 20

	// Sectors are erasure coded into this many data and parity shards.
	dataShards   = 8
	parityShards = 2
	totalShards  = dataShards + parityShards

	// Every shard on disk is prefixed by the xxh3 checksum of its content.
	shardChecksumSize = 8

	// A cache slot is a header (piece index, xxh3 checksum, present flag)
	// followed by the piece.
	slotHeaderSize = 8 + 8 + 1
	slotSize       = slotHeaderSize + core.PieceSize
)

// layout is how the allocated space of a farm is divided.
type layout struct {
	piecesInSector uint16
	shardSize      int64
	sectorSize     int64
	totalSectors   uint64
	cacheSlots     uint64
}

// sectorOffset is where a sector starts in plot.bin.
func (l layout) sectorOffset(sector core.SectorIndex) int64 {
	return int64(sector) * l.sectorSize
}

// shardOffset is where a shard of a sector starts in plot.bin.
func (l layout) shardOffset(sector core.SectorIndex, shard int) int64 {
	return l.sectorOffset(sector) + int64(shard)*(l.shardSize+shardChecksumSize)
}

func (l layout) plotSize() int64 {
	return int64(l.totalSectors) * l.sectorSize
}

func (l layout) cacheSize() int64 {
	return int64(l.cacheSlots) * slotSize
}

// plotCacheSlotsPerSector is how many cache slots fit in the space of one
// sector.
func (l layout) plotCacheSlotsPerSector() int {
	return int(l.sectorSize / slotSize)
}

// computeLayout divides allocated bytes between the piece cache and sectors of
// piecesInSector pieces.
func computeLayout(allocated uint64, cachePercentage uint8, piecesInSector uint16) (layout, error) {
	if piecesInSector == 0 {
		return layout{}, fmt.Errorf("protocol has zero pieces per sector")
	}
	if cachePercentage >= 100 {
		return layout{}, fmt.Errorf("cache percentage %d is out of range", cachePercentage)
	}
	if allocated < core.MinFarmSize {
		return layout{}, &core.InsufficientSpaceError{Allocated: allocated, Min: core.MinFarmSize}
	}

	l := layout{piecesInSector: piecesInSector}
	sectorBytes := int64(piecesInSector) * core.PieceSize
	l.shardSize = (sectorBytes + dataShards - 1) / dataShards
	l.sectorSize = totalShards * (l.shardSize + shardChecksumSize)

	usable := allocated - metadataReserve
	l.cacheSlots = usable * uint64(cachePercentage) / 100 / slotSize
	plotBytes := usable - l.cacheSlots*slotSize
	l.totalSectors = plotBytes / uint64(l.sectorSize)
	if l.totalSectors > core.MaxSectorsPerFarm {
		l.totalSectors = core.MaxSectorsPerFarm
	}
	if l.totalSectors == 0 {
		// Enough for one sector plus the cache, rounded up to the farm minimum.
		min := uint64(l.sectorSize) + l.cacheSlots*slotSize + metadataReserve
		if min < core.MinFarmSize {
			min = core.MinFarmSize
		}
		return layout{}, &core.InsufficientSpaceError{Allocated: allocated, Min: min}
	}
	return l, nil
}
