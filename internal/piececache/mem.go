// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package piececache

import (
	"context"
	"sort"
	"sync"

	"github.com/plotfarm/plotfarm/internal/core"
)

// MemStore is an in-memory Store.
type MemStore struct {
	lock   sync.Mutex
	slots  []memSlot
	writes int
}

type memSlot struct {
	index core.PieceIndex
	piece core.Piece
}

// NewMemStore creates a store with n empty slots.
func NewMemStore(n int) *MemStore {
	return &MemStore{slots: make([]memSlot, n)}
}

// Slots implements Store.
func (m *MemStore) Slots() int {
	return len(m.slots)
}

// Contents implements Store.
func (m *MemStore) Contents(ctx context.Context) ([]SlotContent, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	var out []SlotContent
	for i, s := range m.slots {
		if s.piece != nil {
			out = append(out, SlotContent{Slot: i, Index: s.index})
		}
	}
	return out, nil
}

// ReadSlot implements Store.
func (m *MemStore) ReadSlot(ctx context.Context, slot int) (core.PieceIndex, core.Piece, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	s := m.slots[slot]
	return s.index, s.piece, nil
}

// WriteSlot implements Store.
func (m *MemStore) WriteSlot(ctx context.Context, slot int, index core.PieceIndex, piece core.Piece) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.slots[slot] = memSlot{index: index, piece: piece}
	m.writes++
	return nil
}

// Writes returns the number of WriteSlot calls.
func (m *MemStore) Writes() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.writes
}

// Indexes returns the stored piece indexes in ascending order.
func (m *MemStore) Indexes() []core.PieceIndex {
	m.lock.Lock()
	defer m.lock.Unlock()
	var out []core.PieceIndex
	for _, s := range m.slots {
		if s.piece != nil {
			out = append(out, s.index)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MemPlotCache is an in-memory PlotCache holding up to a fixed number of
// pieces.
type MemPlotCache struct {
	lock   sync.Mutex
	limit  int
	pieces map[core.PieceIndex]core.Piece
}

// NewMemPlotCache creates a plot cache with room for limit pieces.
func NewMemPlotCache(limit int) *MemPlotCache {
	return &MemPlotCache{limit: limit, pieces: make(map[core.PieceIndex]core.Piece)}
}

// TryStorePiece implements PlotCache.
func (m *MemPlotCache) TryStorePiece(ctx context.Context, index core.PieceIndex, piece core.Piece) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.pieces[index]; ok {
		return true, nil
	}
	if len(m.pieces) >= m.limit {
		return false, nil
	}
	m.pieces[index] = piece
	return true, nil
}

// ReadPiece implements PlotCache.
func (m *MemPlotCache) ReadPiece(ctx context.Context, index core.PieceIndex) (core.Piece, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.pieces[index], nil
}

// Len returns the number of stored pieces.
func (m *MemPlotCache) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.pieces)
}
