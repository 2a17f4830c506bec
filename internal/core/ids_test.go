// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"testing"
)

func TestPieceIndexParse(t *testing.T) {
	for _, p := range []PieceIndex{0, 1, 255, 256, 1<<64 - 1} {
		q, err := ParsePieceIndex(p.String())
		if err != nil || q != p {
			t.Errorf("parse %s: got %d, %v", p, q, err)
		}
	}
	if _, err := ParsePieceIndex("-1"); err == nil {
		t.Errorf("expected error for negative index")
	}
	if _, err := ParsePieceIndex("abc"); err == nil {
		t.Errorf("expected error for garbage")
	}
}

func TestPieceSegment(t *testing.T) {
	if s := PieceIndex(255).Segment(); s != 0 {
		t.Errorf("piece 255 in segment %d", s)
	}
	if s := PieceIndex(256).Segment(); s != 1 {
		t.Errorf("piece 256 in segment %d", s)
	}
	if p := SegmentIndex(3).FirstPiece(); p != 768 {
		t.Errorf("first piece of segment 3 is %d", p)
	}
}

func TestKeysDiffer(t *testing.T) {
	seen := make(map[RecordKey]PieceIndex)
	for p := PieceIndex(0); p < 10000; p++ {
		k := p.Key()
		if q, ok := seen[k]; ok {
			t.Fatalf("pieces %d and %d share key %d", p, q, k)
		}
		seen[k] = p
	}
	if PieceIndex(7).Key() != PieceIndex(7).Key() {
		t.Errorf("keys not deterministic")
	}
}

func TestSectorID(t *testing.T) {
	a, b := NewFarmID(), NewFarmID()
	if a == b {
		t.Fatalf("farm ids collide")
	}
	if SectorID(a, 1) == SectorID(a, 2) || SectorID(a, 1) == SectorID(b, 1) {
		t.Errorf("sector ids collide")
	}
	if SectorID(a, 1) != SectorID(a, 1) {
		t.Errorf("sector id not deterministic")
	}
}

func TestInsufficientSpace(t *testing.T) {
	err := error(&InsufficientSpaceError{Allocated: 1 << 30, Min: MinFarmSize})
	if !IsInsufficientSpace(err) {
		t.Errorf("not recognized")
	}
	if IsInsufficientSpace(ErrPieceNotFound) {
		t.Errorf("wrong error recognized")
	}
}
