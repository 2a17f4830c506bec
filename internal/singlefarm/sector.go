// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package singlefarm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	log "github.com/golang/glog"
	"github.com/klauspost/reedsolomon"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	"github.com/plotfarm/plotfarm/internal/core"
)

var (
	errCorruptSector = errors.New("sector is corrupt and can't be reconstructed")
	errNoHistory     = errors.New("no archived history to plot yet")
)

// selectPieces picks the pieces a sector stores, spread over the history
// archived so far.
func selectPieces(sectorID uint64, history uint64, n uint16) []core.PieceIndex {
	total := history * core.PiecesInSegment
	out := make([]core.PieceIndex, n)
	var b [24]byte
	binary.LittleEndian.PutUint64(b[0:], sectorID)
	binary.LittleEndian.PutUint64(b[16:], history)
	for i := range out {
		binary.LittleEndian.PutUint64(b[8:], uint64(i))
		out[i] = core.PieceIndex(xxh3.Hash(b[:]) % total)
	}
	return out
}

// recordKey is the mask a piece is encoded with at one offset of one sector.
func recordKey(sectorID uint64, offset core.PieceOffset) uint64 {
	var b [10]byte
	binary.LittleEndian.PutUint64(b[0:], sectorID)
	binary.LittleEndian.PutUint16(b[8:], uint16(offset))
	return xxh3.Hash(b[:])
}

// maskPiece xors src with key into dst. Masking twice restores the piece.
func maskPiece(dst, src []byte, key uint64) {
	for i := 0; i+8 <= len(src); i += 8 {
		binary.LittleEndian.PutUint64(dst[i:], binary.LittleEndian.Uint64(src[i:])^key)
	}
}

// encodeSector masks pieces into one buffer, erasure codes it and returns the
// on-disk image of the sector: every shard prefixed with its checksum.
func encodeSector(enc reedsolomon.Encoder, l layout, sectorID uint64, pieces []core.Piece, concurrency int) ([]byte, error) {
	if len(pieces) != int(l.piecesInSector) {
		return nil, fmt.Errorf("sector needs %d pieces, got %d", l.piecesInSector, len(pieces))
	}
	for i, p := range pieces {
		if len(p) != core.PieceSize {
			return nil, fmt.Errorf("piece at offset %d has size %d", i, len(p))
		}
	}
	data := make([]byte, dataShards*l.shardSize)

	var g errgroup.Group
	if concurrency < 1 {
		concurrency = 1
	}
	g.SetLimit(concurrency)
	for i, p := range pieces {
		i, p := i, p
		g.Go(func() error {
			off := i * core.PieceSize
			maskPiece(data[off:off+core.PieceSize], p, recordKey(sectorID, core.PieceOffset(i)))
			return nil
		})
	}
	g.Wait()

	shards, err := enc.Split(data)
	if err != nil {
		return nil, err
	}
	if err := enc.Encode(shards); err != nil {
		return nil, err
	}

	out := make([]byte, l.sectorSize)
	for i, s := range shards {
		off := int64(i) * (l.shardSize + shardChecksumSize)
		binary.LittleEndian.PutUint64(out[off:], xxh3.Hash(s))
		copy(out[off+shardChecksumSize:], s)
	}
	return out, nil
}

// readShard reads one shard of a sector. It returns nil if the checksum
// doesn't match.
func readShard(r io.ReaderAt, l layout, sector core.SectorIndex, shard int) ([]byte, error) {
	buf := make([]byte, l.shardSize+shardChecksumSize)
	if _, err := r.ReadAt(buf, l.shardOffset(sector, shard)); err != nil {
		return nil, err
	}
	s := buf[shardChecksumSize:]
	if xxh3.Hash(s) != binary.LittleEndian.Uint64(buf) {
		log.Warningf("shard %d of sector %d has a bad checksum", shard, sector)
		return nil, nil
	}
	return s, nil
}

// readSectorPiece reads and unmasks the piece at offset. Only the data shards
// covering the piece are read unless one of them is bad, in which case the
// whole sector is read and the data reconstructed.
func readSectorPiece(r io.ReaderAt, enc reedsolomon.Encoder, l layout, sectorID uint64, sector core.SectorIndex, offset core.PieceOffset) (core.Piece, error) {
	if uint16(offset) >= l.piecesInSector {
		return nil, fmt.Errorf("offset %d out of range", offset)
	}
	start := int64(offset) * core.PieceSize
	end := start + core.PieceSize
	first, last := int(start/l.shardSize), int((end-1)/l.shardSize)

	shards := make([][]byte, totalShards)
	intact := true
	for i := first; i <= last; i++ {
		s, err := readShard(r, l, sector, i)
		if err != nil {
			return nil, err
		}
		shards[i] = s
		intact = intact && s != nil
	}

	if !intact {
		for i := range shards {
			if i >= first && i <= last {
				continue
			}
			s, err := readShard(r, l, sector, i)
			if err != nil {
				return nil, err
			}
			shards[i] = s
		}
		if err := enc.ReconstructData(shards); err != nil {
			log.Errorf("failed to reconstruct sector %d: %s", sector, err)
			return nil, errCorruptSector
		}
		log.Infof("reconstructed piece at offset %d of sector %d", offset, sector)
	}

	piece := make(core.Piece, 0, core.PieceSize)
	for i := first; i <= last; i++ {
		lo, hi := int64(0), l.shardSize
		if i == first {
			lo = start - int64(i)*l.shardSize
		}
		if i == last {
			hi = end - int64(i)*l.shardSize
		}
		piece = append(piece, shards[i][lo:hi]...)
	}
	maskPiece(piece, piece, recordKey(sectorID, offset))
	return piece, nil
}
