// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package network answers piece and segment header requests of peers from
// the farmer's piece cache, its plotted sectors and the node.
package network

import (
	"context"

	log "github.com/golang/glog"

	"github.com/plotfarm/plotfarm/internal/core"
	"github.com/plotfarm/plotfarm/internal/index"
	"github.com/plotfarm/plotfarm/internal/server"
)

var opm = server.NewOpMetric("network_requests", "request")

// PieceCache is the fast path for piece requests.
type PieceCache interface {
	GetPiece(ctx context.Context, idx core.PieceIndex) (core.Piece, bool)
}

// SegmentHeaderSource answers segment header requests. It is usually the node
// client, possibly behind a nodeclient.SegmentHeaderCache.
type SegmentHeaderSource interface {
	SegmentHeaders(ctx context.Context, indexes []core.SegmentIndex) ([]*core.SegmentHeader, error)
	LastSegmentHeaders(ctx context.Context, limit uint64) ([]*core.SegmentHeader, error)
}

// Handlers serve requests of peers.
type Handlers struct {
	cache   PieceCache
	index   *index.Handle
	headers SegmentHeaderSource
}

// NewHandlers creates Handlers. idx may resolve to nothing once the farmer is
// closed; pieces are then reported as unavailable.
func NewHandlers(cache PieceCache, idx *index.Handle, headers SegmentHeaderSource) *Handlers {
	return &Handlers{cache: cache, index: idx, headers: headers}
}

// PieceByIndex returns a piece from the piece cache, or from the plotted
// sector holding it. ok is false if the piece isn't available locally.
func (h *Handlers) PieceByIndex(ctx context.Context, idx core.PieceIndex) (piece core.Piece, ok bool) {
	op := opm.Start("piece")
	defer op.End()

	if piece, ok := h.cache.GetPiece(ctx, idx); ok {
		return piece, true
	}

	ch, ok := h.index.ReadPiece(ctx, idx)
	if !ok {
		log.V(2).Infof("piece %d is not available", idx)
		op.NotFound()
		return nil, false
	}
	select {
	case r := <-ch:
		if r.Err != nil || r.Piece == nil {
			// The index logs read errors.
			op.Failed()
			return nil, false
		}
		return r.Piece, true
	case <-ctx.Done():
		op.Failed()
		return nil, false
	}
}

// SegmentHeaders returns the headers of the given segments. Entries the node
// doesn't know are nil.
func (h *Handlers) SegmentHeaders(ctx context.Context, indexes []core.SegmentIndex) ([]*core.SegmentHeader, error) {
	op := opm.Start("segment_headers")
	headers, err := h.headers.SegmentHeaders(ctx, indexes)
	op.EndWithError(err)
	if err != nil {
		log.Errorf("failed to get segment headers %v: %s", indexes, err)
		return nil, err
	}
	warnMissing(headers)
	return headers, nil
}

// LastSegmentHeaders returns up to limit of the most recent segment headers.
// limit is capped at core.MaxSegmentHeadersPerRequest.
func (h *Handlers) LastSegmentHeaders(ctx context.Context, limit uint64) ([]*core.SegmentHeader, error) {
	if limit > core.MaxSegmentHeadersPerRequest {
		log.V(1).Infof("clamping request for %d segment headers to %d", limit, core.MaxSegmentHeadersPerRequest)
		limit = core.MaxSegmentHeadersPerRequest
	}
	op := opm.Start("last_segment_headers")
	headers, err := h.headers.LastSegmentHeaders(ctx, limit)
	op.EndWithError(err)
	if err != nil {
		log.Errorf("failed to get last %d segment headers: %s", limit, err)
		return nil, err
	}
	warnMissing(headers)
	return headers, nil
}

// warnMissing logs nil headers. They are passed on as they are.
func warnMissing(headers []*core.SegmentHeader) {
	for i, h := range headers {
		if h == nil {
			log.Warningf("segment header %d of %d in response is missing", i, len(headers))
		}
	}
}

// Stats returns request statistics by request kind.
func Stats() map[string]string {
	return opm.Strings("piece", "segment_headers", "last_segment_headers")
}
