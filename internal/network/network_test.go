// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/plotfarm/plotfarm/internal/core"
	"github.com/plotfarm/plotfarm/internal/farmer"
	"github.com/plotfarm/plotfarm/internal/index"
	"github.com/plotfarm/plotfarm/internal/nodeclient"
)

type mapCache map[core.PieceIndex]core.Piece

func (c mapCache) GetPiece(ctx context.Context, idx core.PieceIndex) (core.Piece, bool) {
	p, ok := c[idx]
	return p, ok
}

// sectorReader serves the pieces of sectors registered with it.
type sectorReader struct {
	sectors map[core.SectorIndex]core.PlottedSector
	err     error
}

func (r *sectorReader) ReadPiece(ctx context.Context, sector core.SectorIndex, offset core.PieceOffset) (core.Piece, error) {
	if r.err != nil {
		return nil, r.err
	}
	return nodeclient.MemPiece(r.sectors[sector].PieceIndexes[offset]), nil
}

// recordingHeaders remembers the last limit it was asked for.
type recordingHeaders struct {
	*nodeclient.MemNode
	limit uint64
}

func (r *recordingHeaders) LastSegmentHeaders(ctx context.Context, limit uint64) ([]*core.SegmentHeader, error) {
	r.limit = limit
	return r.MemNode.LastSegmentHeaders(ctx, limit)
}

type testStatus struct{}

func (testStatus) FarmStates() []farmer.FarmState {
	return []farmer.FarmState{{Index: 0, ID: "farm-a", State: farmer.StateIdle, TotalSectors: 3, PlottedSectors: 3, LastError: errors.New("disk hiccup")}}
}
func (testStatus) PlottingStarted() bool  { return true }
func (testStatus) CacheProgress() float32 { return 42.5 }
func (testStatus) CachedPieces() int      { return 7 }

func newTestHandlers() (*Handlers, *index.PlottedPieces, *sectorReader, *recordingHeaders) {
	s := core.PlottedSector{SectorIndex: 2, PieceIndexes: []core.PieceIndex{10, 11}}
	r := &sectorReader{sectors: map[core.SectorIndex]core.PlottedSector{2: s}}
	idx := index.New()
	idx.SetReader(0, r)
	idx.AddSector(0, s)
	cache := mapCache{5: nodeclient.MemPiece(5)}
	headers := &recordingHeaders{MemNode: nodeclient.NewMemNode(core.ProtocolInfo{HistorySize: 3}, 3)}
	return NewHandlers(cache, idx.Handle(), headers), idx, r, headers
}

func TestPieceByIndex(t *testing.T) {
	h, idx, r, _ := newTestHandlers()
	ctx := context.Background()

	if p, ok := h.PieceByIndex(ctx, 5); !ok || !bytes.Equal(p, nodeclient.MemPiece(5)) {
		t.Errorf("cached piece not served")
	}
	if p, ok := h.PieceByIndex(ctx, 11); !ok || !bytes.Equal(p, nodeclient.MemPiece(11)) {
		t.Errorf("plotted piece not served")
	}
	if _, ok := h.PieceByIndex(ctx, 99); ok {
		t.Errorf("unknown piece served")
	}

	r.err = errors.New("bad disk")
	if _, ok := h.PieceByIndex(ctx, 10); ok {
		t.Errorf("failed read served a piece")
	}
	r.err = nil

	idx.Close()
	if _, ok := h.PieceByIndex(ctx, 10); ok {
		t.Errorf("piece served after the index was closed")
	}
	if _, ok := h.PieceByIndex(ctx, 5); !ok {
		t.Errorf("cached piece not served after the index was closed")
	}
}

func TestSegmentHeaders(t *testing.T) {
	h, _, _, headers := newTestHandlers()
	ctx := context.Background()

	got, err := h.SegmentHeaders(ctx, []core.SegmentIndex{0, 7, 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Index != 0 || got[1] != nil || got[2].Index != 2 {
		t.Errorf("unexpected headers %v", got)
	}

	got, err = h.LastSegmentHeaders(ctx, 2)
	if err != nil || len(got) != 2 || got[1].Index != 2 {
		t.Errorf("unexpected last headers %v, err %v", got, err)
	}
	if _, err := h.LastSegmentHeaders(ctx, 5000); err != nil {
		t.Fatal(err)
	}
	if headers.limit != core.MaxSegmentHeadersPerRequest {
		t.Errorf("limit of %d passed on", headers.limit)
	}

	headers.SetFailing(nodeclient.ErrMemNodeDown)
	if _, err := h.SegmentHeaders(ctx, []core.SegmentIndex{0}); err != nodeclient.ErrMemNodeDown {
		t.Errorf("expected the node error, got %v", err)
	}
}

func get(t *testing.T, srv *httptest.Server, path string, header ...string) (int, []byte) {
	req, err := http.NewRequest("GET", srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, b
}

func TestHTTP(t *testing.T) {
	h, _, _, _ := newTestHandlers()
	srv := httptest.NewServer(NewServer("", h, testStatus{}))
	defer srv.Close()

	code, body := get(t, srv, "/v1/piece/11")
	if code != http.StatusOK || !bytes.Equal(body, nodeclient.MemPiece(11)) {
		t.Errorf("piece request: %d", code)
	}
	if code, _ := get(t, srv, "/v1/piece/99"); code != http.StatusNotFound {
		t.Errorf("missing piece: %d", code)
	}
	if code, _ := get(t, srv, "/v1/piece/abc"); code != http.StatusBadRequest {
		t.Errorf("bad piece index: %d", code)
	}

	code, body = get(t, srv, "/v1/segment-headers?indexes=1,9")
	if code != http.StatusOK {
		t.Fatalf("segment headers: %d %s", code, body)
	}
	var headers []*core.SegmentHeader
	if err := json.Unmarshal(body, &headers); err != nil {
		t.Fatal(err)
	}
	if len(headers) != 2 || headers[0].Index != 1 || headers[1] != nil {
		t.Errorf("unexpected headers %s", body)
	}
	if code, _ := get(t, srv, "/v1/segment-headers?last=x"); code != http.StatusBadRequest {
		t.Errorf("bad last: %d", code)
	}
	if code, _ := get(t, srv, "/v1/segment-headers"); code != http.StatusBadRequest {
		t.Errorf("empty request: %d", code)
	}

	code, body = get(t, srv, "/")
	if code != http.StatusOK || !strings.Contains(string(body), "farm-a") || !strings.Contains(string(body), "disk hiccup") {
		t.Errorf("status page: %d", code)
	}
	code, body = get(t, srv, "/", "Accept", "application/json")
	var status StatusData
	if code != http.StatusOK || json.Unmarshal(body, &status) != nil {
		t.Fatalf("json status: %d %s", code, body)
	}
	if status.CachedPieces != 7 || len(status.Farms) != 1 || status.Farms[0].LastError != "disk hiccup" {
		t.Errorf("unexpected status %+v", status)
	}
	if code, _ := get(t, srv, "/nope"); code != http.StatusNotFound {
		t.Errorf("unknown path: %d", code)
	}

	code, body = get(t, srv, "/metrics")
	if code != http.StatusOK || !strings.Contains(string(body), "network_requests") {
		t.Errorf("metrics: %d", code)
	}
}

func TestWriteJSONError(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, map[string]interface{}{"bad": make(chan int)})
	if w.Code != http.StatusInternalServerError || !strings.Contains(w.Body.String(), "failed to encode json") {
		t.Errorf("unexpected response %d %q", w.Code, w.Body.String())
	}
}

// Shutdown is a clean stop, not an error.
func TestServerShutdown(t *testing.T) {
	h, _, _, _ := newTestHandlers()
	srv := NewServer("127.0.0.1:0", h, testStatus{})
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil after shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server still running after shutdown")
	}
}
