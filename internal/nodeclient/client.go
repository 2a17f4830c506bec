// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package nodeclient talks to the node the farmer farms for.
package nodeclient

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/plotfarm/plotfarm/internal/core"
)

// ErrNotYetAvailable is returned by Maybe until a client is injected.
var ErrNotYetAvailable = errors.New("node client is not yet available")

// Client is the view of the node the farmer needs.
type Client interface {
	// FarmerAppInfo returns the chain parameters.
	FarmerAppInfo(ctx context.Context) (core.FarmerAppInfo, error)

	// SubmitSolution submits the solutions of one slot.
	SubmitSolution(ctx context.Context, resp core.SolutionResponse) error

	// SubscribeSlotInfo delivers farming challenges until ctx is done or the
	// connection drops, then closes the channel.
	SubscribeSlotInfo(ctx context.Context) (<-chan core.SlotInfo, error)

	// SubscribeArchivedSegmentHeaders delivers newly archived segments until
	// ctx is done or the connection drops, then closes the channel.
	SubscribeArchivedSegmentHeaders(ctx context.Context) (<-chan core.SegmentHeader, error)

	// SegmentHeaders returns the headers of the given segments. Entries for
	// unknown segments are nil.
	SegmentHeaders(ctx context.Context, indexes []core.SegmentIndex) ([]*core.SegmentHeader, error)

	// LastSegmentHeaders returns up to limit most recent segment headers.
	LastSegmentHeaders(ctx context.Context, limit uint64) ([]*core.SegmentHeader, error)

	// Piece returns a piece, or nil if the node doesn't have it.
	Piece(ctx context.Context, index core.PieceIndex) (core.Piece, error)
}

// Maybe is a Client that fails with ErrNotYetAvailable until a real client is
// injected, so that the farmer can be built before the node is reachable.
type Maybe struct {
	c atomic.Pointer[clientBox]
}

type clientBox struct {
	Client
}

// Inject makes every later call go to c.
func (m *Maybe) Inject(c Client) {
	m.c.Store(&clientBox{c})
}

// Available returns true once a client has been injected.
func (m *Maybe) Available() bool {
	return m.c.Load() != nil
}

func (m *Maybe) get() (Client, error) {
	b := m.c.Load()
	if b == nil {
		return nil, ErrNotYetAvailable
	}
	return b.Client, nil
}

// FarmerAppInfo implements Client.
func (m *Maybe) FarmerAppInfo(ctx context.Context) (core.FarmerAppInfo, error) {
	c, err := m.get()
	if err != nil {
		return core.FarmerAppInfo{}, err
	}
	return c.FarmerAppInfo(ctx)
}

// SubmitSolution implements Client.
func (m *Maybe) SubmitSolution(ctx context.Context, resp core.SolutionResponse) error {
	c, err := m.get()
	if err != nil {
		return err
	}
	return c.SubmitSolution(ctx, resp)
}

// SubscribeSlotInfo implements Client.
func (m *Maybe) SubscribeSlotInfo(ctx context.Context) (<-chan core.SlotInfo, error) {
	c, err := m.get()
	if err != nil {
		return nil, err
	}
	return c.SubscribeSlotInfo(ctx)
}

// SubscribeArchivedSegmentHeaders implements Client.
func (m *Maybe) SubscribeArchivedSegmentHeaders(ctx context.Context) (<-chan core.SegmentHeader, error) {
	c, err := m.get()
	if err != nil {
		return nil, err
	}
	return c.SubscribeArchivedSegmentHeaders(ctx)
}

// SegmentHeaders implements Client.
func (m *Maybe) SegmentHeaders(ctx context.Context, indexes []core.SegmentIndex) ([]*core.SegmentHeader, error) {
	c, err := m.get()
	if err != nil {
		return nil, err
	}
	return c.SegmentHeaders(ctx, indexes)
}

// LastSegmentHeaders implements Client.
func (m *Maybe) LastSegmentHeaders(ctx context.Context, limit uint64) ([]*core.SegmentHeader, error) {
	c, err := m.get()
	if err != nil {
		return nil, err
	}
	return c.LastSegmentHeaders(ctx, limit)
}

// Piece implements Client.
func (m *Maybe) Piece(ctx context.Context, index core.PieceIndex) (core.Piece, error) {
	c, err := m.get()
	if err != nil {
		return nil, err
	}
	return c.Piece(ctx, index)
}
