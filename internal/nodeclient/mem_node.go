// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package nodeclient

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/plotfarm/plotfarm/internal/core"
	"github.com/plotfarm/plotfarm/internal/notify"
)

// ErrMemNodeDown is a convenience error for SetFailing.
var ErrMemNodeDown = errors.New("mem node is down")

// MemNode is an in-memory Client for tests. Its history consists of
// deterministic pieces generated by MemPiece.
type MemNode struct {
	lock      sync.Mutex
	info      core.FarmerAppInfo
	headers   []core.SegmentHeader
	solutions []core.SolutionResponse
	failing   error

	slots    *notify.Broadcaster[core.SlotInfo]
	segments *notify.Broadcaster[core.SegmentHeader]

	pieceRequests atomic.Int64
}

// NewMemNode creates a node with segments archived segments.
func NewMemNode(protocol core.ProtocolInfo, segments int) *MemNode {
	n := &MemNode{
		info:     core.FarmerAppInfo{GenesisHash: "mem-genesis", Protocol: protocol},
		slots:    notify.NewBroadcaster[core.SlotInfo](),
		segments: notify.NewBroadcaster[core.SegmentHeader](),
	}
	for i := 0; i < segments; i++ {
		n.appendSegment()
	}
	return n
}

// MemPiece returns the content of a piece of a MemNode.
func MemPiece(index core.PieceIndex) core.Piece {
	p := make(core.Piece, core.PieceSize)
	binary.LittleEndian.PutUint64(p, uint64(index))
	for i := 8; i < len(p); i += 8 {
		binary.LittleEndian.PutUint64(p[i:], uint64(index)*0x9e3779b97f4a7c15+uint64(i))
	}
	return p
}

// Call with n.lock held.
func (n *MemNode) appendSegment() core.SegmentHeader {
	idx := core.SegmentIndex(len(n.headers))
	h := core.SegmentHeader{Index: idx, Commitment: []byte{byte(idx), byte(idx >> 8)}, LastBlock: uint64(idx) * 100}
	if idx > 0 {
		h.PrevHeaderHash = n.headers[idx-1].Commitment
	}
	n.headers = append(n.headers, h)
	n.info.Protocol.HistorySize = uint64(len(n.headers))
	return h
}

// ArchiveSegment archives a new segment and notifies subscribers.
func (n *MemNode) ArchiveSegment() core.SegmentHeader {
	n.lock.Lock()
	h := n.appendSegment()
	n.lock.Unlock()
	n.segments.Send(h)
	return h
}

// SendSlot sends a farming challenge to subscribers.
func (n *MemNode) SendSlot(si core.SlotInfo) {
	n.slots.Send(si)
}

// SetFailing makes every call fail with err, or succeed again if err is nil.
func (n *MemNode) SetFailing(err error) {
	n.lock.Lock()
	n.failing = err
	n.lock.Unlock()
}

// Solutions returns every solution submitted so far.
func (n *MemNode) Solutions() []core.SolutionResponse {
	n.lock.Lock()
	defer n.lock.Unlock()
	return append([]core.SolutionResponse(nil), n.solutions...)
}

// PieceRequests returns how many pieces were requested.
func (n *MemNode) PieceRequests() int64 {
	return n.pieceRequests.Load()
}

// SegmentSubscribers returns the number of archived segment subscriptions.
func (n *MemNode) SegmentSubscribers() int {
	return n.segments.Len()
}

// SlotSubscribers returns the number of slot info subscriptions.
func (n *MemNode) SlotSubscribers() int {
	return n.slots.Len()
}

func (n *MemNode) check() error {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.failing
}

// FarmerAppInfo implements Client.
func (n *MemNode) FarmerAppInfo(ctx context.Context) (core.FarmerAppInfo, error) {
	if err := n.check(); err != nil {
		return core.FarmerAppInfo{}, err
	}
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.info, nil
}

// SubmitSolution implements Client.
func (n *MemNode) SubmitSolution(ctx context.Context, resp core.SolutionResponse) error {
	if err := n.check(); err != nil {
		return err
	}
	n.lock.Lock()
	n.solutions = append(n.solutions, resp)
	n.lock.Unlock()
	return nil
}

func forward[T any](ctx context.Context, b *notify.Broadcaster[T]) <-chan T {
	in, cancel := b.Subscribe(16)
	out := make(chan T)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case v := <-in:
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// SubscribeSlotInfo implements Client.
func (n *MemNode) SubscribeSlotInfo(ctx context.Context) (<-chan core.SlotInfo, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	return forward(ctx, n.slots), nil
}

// SubscribeArchivedSegmentHeaders implements Client.
func (n *MemNode) SubscribeArchivedSegmentHeaders(ctx context.Context) (<-chan core.SegmentHeader, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	return forward(ctx, n.segments), nil
}

// SegmentHeaders implements Client.
func (n *MemNode) SegmentHeaders(ctx context.Context, indexes []core.SegmentIndex) ([]*core.SegmentHeader, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	n.lock.Lock()
	defer n.lock.Unlock()
	out := make([]*core.SegmentHeader, len(indexes))
	for i, idx := range indexes {
		if int(idx) < len(n.headers) {
			h := n.headers[idx]
			out[i] = &h
		}
	}
	return out, nil
}

// LastSegmentHeaders implements Client.
func (n *MemNode) LastSegmentHeaders(ctx context.Context, limit uint64) ([]*core.SegmentHeader, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	n.lock.Lock()
	defer n.lock.Unlock()
	start := 0
	if uint64(len(n.headers)) > limit {
		start = len(n.headers) - int(limit)
	}
	var out []*core.SegmentHeader
	for i := start; i < len(n.headers); i++ {
		h := n.headers[i]
		out = append(out, &h)
	}
	return out, nil
}

// Piece implements Client.
func (n *MemNode) Piece(ctx context.Context, index core.PieceIndex) (core.Piece, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	n.pieceRequests.Add(1)
	n.lock.Lock()
	history := uint64(len(n.headers))
	n.lock.Unlock()
	if uint64(index.Segment()) >= history {
		return nil, nil
	}
	return MemPiece(index), nil
}
