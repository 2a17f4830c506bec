// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plotfarm/plotfarm/internal/core"
)

const (
	piecePath          = "/v1/piece/"
	segmentHeadersPath = "/v1/segment-headers"
)

// Server serves Handlers, the status page and metrics over HTTP.
type Server struct {
	handlers *Handlers
	status   StatusSource
	mux      *http.ServeMux
	srv      *http.Server
}

// NewServer creates a Server that will listen on addr. status may be nil, in
// which case the status page only shows host information.
func NewServer(addr string, h *Handlers, status StatusSource) *Server {
	s := &Server{handlers: h, status: status, mux: http.NewServeMux()}
	s.mux.HandleFunc(piecePath, s.pieceHandler)
	s.mux.HandleFunc(segmentHeadersPath, s.segmentHeadersHandler)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/", s.statusHandler)
	s.srv = &http.Server{Addr: addr, Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	log.Infof("serving pieces on %s", l.Addr())
	err := s.srv.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ListenAndServe listens on the address given to NewServer and serves.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown stops the server, waiting for active requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) pieceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	idx, err := core.ParsePieceIndex(strings.TrimPrefix(r.URL.Path, piecePath))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	piece, ok := s.handlers.PieceByIndex(r.Context(), idx)
	if !ok {
		http.Error(w, core.ErrPieceNotFound.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(piece)))
	w.Write(piece)
}

func (s *Server) segmentHeadersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()

	var headers []*core.SegmentHeader
	var err error
	switch {
	case q.Get("last") != "":
		limit, perr := strconv.ParseUint(q.Get("last"), 10, 64)
		if perr != nil {
			http.Error(w, fmt.Sprintf("bad last: %s", perr), http.StatusBadRequest)
			return
		}
		headers, err = s.handlers.LastSegmentHeaders(r.Context(), limit)
	case q.Get("indexes") != "":
		indexes, perr := parseSegmentIndexes(q.Get("indexes"))
		if perr != nil {
			http.Error(w, perr.Error(), http.StatusBadRequest)
			return
		}
		headers, err = s.handlers.SegmentHeaders(r.Context(), indexes)
	default:
		http.Error(w, "one of indexes and last is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, headers)
}

// parseSegmentIndexes parses a comma separated list of at most
// core.MaxSegmentHeadersPerRequest indexes.
func parseSegmentIndexes(s string) ([]core.SegmentIndex, error) {
	parts := strings.Split(s, ",")
	if len(parts) > core.MaxSegmentHeadersPerRequest {
		return nil, fmt.Errorf("at most %d segment headers can be requested at once", core.MaxSegmentHeadersPerRequest)
	}
	out := make([]core.SegmentIndex, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad segment index %q", p)
		}
		out[i] = core.SegmentIndex(v)
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		e := fmt.Sprintf("failed to encode json: %s", err)
		log.Errorf("%s", e)
		http.Error(w, e, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}
