// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package singlefarm

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/boltdb/bolt"
	"github.com/klauspost/reedsolomon"

	"github.com/plotfarm/plotfarm/internal/core"
	"github.com/plotfarm/plotfarm/internal/nodeclient"
	"github.com/plotfarm/plotfarm/pkg/testutil"
)

func TestComputeLayout(t *testing.T) {
	l, err := computeLayout(core.MinFarmSize, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if l.shardSize != 2*core.PieceSize/dataShards {
		t.Errorf("shard size %d", l.shardSize)
	}
	if l.sectorSize != totalShards*(l.shardSize+shardChecksumSize) {
		t.Errorf("sector size %d", l.sectorSize)
	}
	usable := core.MinFarmSize - metadataReserve
	if want := usable / 100 / slotSize; l.cacheSlots != want {
		t.Errorf("expected %d cache slots, got %d", want, l.cacheSlots)
	}
	if used := uint64(l.plotSize()+l.cacheSize()) + metadataReserve; used > core.MinFarmSize {
		t.Errorf("layout uses %d bytes of %d", used, core.MinFarmSize)
	}
	if left := usable - uint64(l.plotSize()+l.cacheSize()); left >= uint64(l.sectorSize) {
		t.Errorf("%d bytes left over, enough for another sector", left)
	}

	l, err = computeLayout(1<<50, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if l.totalSectors != core.MaxSectorsPerFarm {
		t.Errorf("expected sectors capped at %d, got %d", core.MaxSectorsPerFarm, l.totalSectors)
	}
}

func TestComputeLayoutInsufficient(t *testing.T) {
	_, err := computeLayout(core.MinFarmSize-1, 1, 2)
	if !core.IsInsufficientSpace(err) {
		t.Fatalf("expected insufficient space, got %v", err)
	}
	if err.(*core.InsufficientSpaceError).Min != core.MinFarmSize {
		t.Errorf("wrong minimum: %s", err)
	}

	// Sectors larger than the farm.
	_, err = computeLayout(core.MinFarmSize, 1, 4096)
	if !core.IsInsufficientSpace(err) {
		t.Fatalf("expected insufficient space, got %v", err)
	}
	if min := err.(*core.InsufficientSpaceError).Min; min <= core.MinFarmSize {
		t.Errorf("minimum %d should cover one sector", min)
	}

	if _, err := computeLayout(core.MinFarmSize, 1, 0); err == nil {
		t.Errorf("expected an error for zero pieces per sector")
	}
}

// encodeTestSector returns the on-disk image of sector 0 holding pieces a and b.
func encodeTestSector(t *testing.T) (layout, reedsolomon.Encoder, []byte, []core.Piece) {
	l, err := computeLayout(core.MinFarmSize, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		t.Fatal(err)
	}
	pieces := []core.Piece{nodeclient.MemPiece(10), nodeclient.MemPiece(20)}
	img, err := encodeSector(enc, l, 42, pieces, 2)
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(img)) != l.sectorSize {
		t.Fatalf("image is %d bytes, sector is %d", len(img), l.sectorSize)
	}
	return l, enc, img, pieces
}

func TestSectorRoundTrip(t *testing.T) {
	l, enc, img, pieces := encodeTestSector(t)
	if bytes.Contains(img, pieces[0][:64]) {
		t.Errorf("piece is stored unmasked")
	}
	for i, want := range pieces {
		got, err := readSectorPiece(bytes.NewReader(img), enc, l, 42, 0, core.PieceOffset(i))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("piece at offset %d doesn't match", i)
		}
	}
	if _, err := readSectorPiece(bytes.NewReader(img), enc, l, 42, 0, 2); err == nil {
		t.Errorf("expected an error for an offset past the sector")
	}
}

func corruptShard(l layout, img []byte, shard int) {
	img[l.shardOffset(0, shard)+shardChecksumSize+100] ^= 0xff
}

func TestSectorReconstruct(t *testing.T) {
	l, enc, img, pieces := encodeTestSector(t)
	// Piece 1 lives in data shards 4 to 7.
	corruptShard(l, img, 5)
	corruptShard(l, img, 9)
	got, err := readSectorPiece(bytes.NewReader(img), enc, l, 42, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, pieces[1]) {
		t.Errorf("reconstructed piece doesn't match")
	}
}

func TestSectorTooCorrupt(t *testing.T) {
	l, enc, img, _ := encodeTestSector(t)
	corruptShard(l, img, 4)
	corruptShard(l, img, 5)
	corruptShard(l, img, 6)
	if _, err := readSectorPiece(bytes.NewReader(img), enc, l, 42, 0, 1); err != errCorruptSector {
		t.Errorf("expected errCorruptSector, got %v", err)
	}
}

func TestSelectPieces(t *testing.T) {
	a := selectPieces(1, 3, 16)
	b := selectPieces(1, 3, 16)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("selection isn't deterministic")
		}
		if a[i] >= 3*core.PiecesInSegment {
			t.Errorf("piece %d is beyond history", a[i])
		}
	}
	c := selectPieces(2, 3, 16)
	same := 0
	for i := range a {
		if a[i] == c[i] {
			same++
		}
	}
	if same == len(a) {
		t.Errorf("different sectors selected the same pieces")
	}
}

func TestMetadataDB(t *testing.T) {
	m, err := openMetaDB(filepath.Join(testutil.NewDir(t), dbFile), false)
	if err != nil {
		t.Fatal(err)
	}
	defer m.close()

	if _, found, err := m.info(); err != nil || found {
		t.Fatalf("expected no info, got found=%v err=%v", found, err)
	}
	info := Info{ID: "abc", GenesisHash: "g", AllocatedSpace: 5, PiecesInSector: 2, TotalSectors: 9}
	if err := m.putInfo(info); err != nil {
		t.Fatal(err)
	}
	got, found, err := m.info()
	if err != nil || !found || got != info {
		t.Fatalf("got %+v found=%v err=%v", got, found, err)
	}

	for _, s := range []core.SectorIndex{0, 1, 5} {
		ps := core.PlottedSector{SectorIndex: s, PieceIndexes: []core.PieceIndex{core.PieceIndex(s), 7}}
		if err := m.putSector(ps); err != nil {
			t.Fatal(err)
		}
	}
	n, err := m.deleteSectorsFrom(2)
	if err != nil || n != 1 {
		t.Fatalf("deleted %d sectors, err %v", n, err)
	}

	// A corrupt entry is reported on its own.
	err = m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sectorsBucket).Put(sectorKey(1), []byte("garbage"))
	})
	if err != nil {
		t.Fatal(err)
	}
	results, err := m.sectors()
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 sectors, got %d", len(results))
	}
	if results[0].err != nil || results[0].sector.PieceIndexes[1] != 7 {
		t.Errorf("sector 0 didn't round trip: %+v", results[0])
	}
	if results[1].err == nil {
		t.Errorf("expected an error for the corrupt sector")
	}
}

func TestPieceCache(t *testing.T) {
	f, err := openSized(filepath.Join(testutil.NewDir(t), cacheFile), 3*slotSize)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	c := &pieceCache{f: f, slots: 3}
	ctx := context.Background()

	contents, err := c.Contents(ctx)
	if err != nil || len(contents) != 0 {
		t.Fatalf("expected an empty cache, got %v %v", contents, err)
	}
	if err := c.WriteSlot(ctx, 1, 7, nodeclient.MemPiece(7)); err != nil {
		t.Fatal(err)
	}
	idx, piece, err := c.ReadSlot(ctx, 1)
	if err != nil || idx != 7 || !bytes.Equal(piece, nodeclient.MemPiece(7)) {
		t.Errorf("slot 1 holds %d, err %v", idx, err)
	}
	if _, piece, _ := c.ReadSlot(ctx, 0); piece != nil {
		t.Errorf("empty slot returned a piece")
	}
	contents, _ = c.Contents(ctx)
	if len(contents) != 1 || contents[0].Slot != 1 || contents[0].Index != 7 {
		t.Errorf("unexpected contents %v", contents)
	}
	if err := c.WriteSlot(ctx, 3, 1, nodeclient.MemPiece(1)); err == nil {
		t.Errorf("expected an error writing past the last slot")
	}

	// A corrupt piece reads as empty.
	f.WriteAt([]byte{0xff}, slotSize+slotHeaderSize+10)
	if _, piece, _ := c.ReadSlot(ctx, 1); piece != nil {
		t.Errorf("corrupt slot returned a piece")
	}
}

func TestPlotCache(t *testing.T) {
	l, err := computeLayout(core.MinFarmSize, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	l.totalSectors = 3
	f, err := openSized(filepath.Join(testutil.NewDir(t), plotFile), l.plotSize())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	per := l.plotCacheSlotsPerSector()
	c := newPlotCache(f, l, 0)
	ctx := context.Background()
	for i := 0; i < 3*per; i++ {
		ok, err := c.TryStorePiece(ctx, core.PieceIndex(i), nodeclient.MemPiece(core.PieceIndex(i)))
		if err != nil || !ok {
			t.Fatalf("failed to store piece %d: %v", i, err)
		}
	}
	if ok, _ := c.TryStorePiece(ctx, 1000, nodeclient.MemPiece(1000)); ok {
		t.Errorf("stored a piece in a full plot cache")
	}
	for i := 0; i < 3*per; i++ {
		p, err := c.ReadPiece(ctx, core.PieceIndex(i))
		if err != nil || !bytes.Equal(p, nodeclient.MemPiece(core.PieceIndex(i))) {
			t.Fatalf("piece %d didn't round trip: %v", i, err)
		}
	}

	// Plotting sector 1 leaves only the last sector for caching.
	c.claim(1)
	if c.len() != per {
		t.Errorf("expected %d pieces after claim, got %d", per, c.len())
	}
	if p, _ := c.ReadPiece(ctx, core.PieceIndex(per)); p != nil {
		t.Errorf("piece in a claimed sector is still served")
	}
	if p, _ := c.ReadPiece(ctx, 0); p == nil {
		t.Errorf("piece in the last sector was dropped")
	}
	c.claim(2)
	if ok, _ := c.TryStorePiece(ctx, 1000, nodeclient.MemPiece(1000)); ok || c.len() != 0 {
		t.Errorf("plot cache should be empty once every sector is claimed")
	}
}
