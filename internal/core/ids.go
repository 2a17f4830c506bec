// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/zeebo/xxh3"
)

// FarmIndex identifies a farm within one farmer. There are at most MaxFarms.
type FarmIndex uint8

// SectorIndex identifies a sector within one farm.
type SectorIndex uint16

// PieceOffset is the position of a piece within a sector.
type PieceOffset uint16

// PieceIndex is the global index of a piece of archived history.
type PieceIndex uint64

// SegmentIndex is the index of an archived segment.
type SegmentIndex uint64

// FarmID is a random identifier persisted in the farm's metadata.
type FarmID string

// RecordKey is the content-derived key a piece is cached under.
type RecordKey uint64

// Segment returns the segment the piece belongs to.
func (p PieceIndex) Segment() SegmentIndex {
	return SegmentIndex(p / PiecesInSegment)
}

// Key returns the cache key of the piece.
func (p PieceIndex) Key() RecordKey {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(p))
	return RecordKey(xxh3.Hash(b[:]))
}

// String returns a human-readable representation of the piece index.
func (p PieceIndex) String() string {
	return strconv.FormatUint(uint64(p), 10)
}

// ParsePieceIndex parses the output of PieceIndex.String.
func ParsePieceIndex(s string) (PieceIndex, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid piece index %q: %w", s, err)
	}
	return PieceIndex(v), nil
}

// FirstPiece returns the index of the first piece in the segment.
func (s SegmentIndex) FirstPiece() PieceIndex {
	return PieceIndex(uint64(s) * PiecesInSegment)
}

// NewFarmID returns a new random farm id.
func NewFarmID() FarmID {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %s", err))
	}
	return FarmID(hex.EncodeToString(b[:]))
}

// SectorID derives the id of a sector from the farm that owns it.
func SectorID(farm FarmID, sector SectorIndex) uint64 {
	b := make([]byte, len(farm)+2)
	copy(b, farm)
	binary.LittleEndian.PutUint16(b[len(farm):], uint16(sector))
	return xxh3.Hash(b)
}
