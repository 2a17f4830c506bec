// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package nodeclient

import (
	"context"
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/plotfarm/plotfarm/internal/core"
)

// SegmentHeaderCache wraps a Client and remembers segment headers, which never
// change once archived. Only SegmentHeaders is served from the cache.
type SegmentHeaderCache struct {
	Client

	lock  sync.Mutex
	cache *lru.Cache
}

// NewSegmentHeaderCache caches up to size headers fetched through c.
func NewSegmentHeaderCache(c Client, size int) *SegmentHeaderCache {
	return &SegmentHeaderCache{Client: c, cache: lru.New(size)}
}

// SegmentHeaders implements Client. Missing entries are fetched in one batch;
// nil entries are not cached.
func (s *SegmentHeaderCache) SegmentHeaders(ctx context.Context, indexes []core.SegmentIndex) ([]*core.SegmentHeader, error) {
	out := make([]*core.SegmentHeader, len(indexes))
	var missing []core.SegmentIndex
	var missingPos []int

	s.lock.Lock()
	for i, idx := range indexes {
		if v, ok := s.cache.Get(idx); ok {
			out[i] = v.(*core.SegmentHeader)
		} else {
			missing = append(missing, idx)
			missingPos = append(missingPos, i)
		}
	}
	s.lock.Unlock()

	if len(missing) == 0 {
		return out, nil
	}
	fetched, err := s.Client.SegmentHeaders(ctx, missing)
	if err != nil {
		return nil, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	for i, h := range fetched {
		if i >= len(missingPos) {
			break
		}
		out[missingPos[i]] = h
		if h != nil {
			s.cache.Add(missing[i], h)
		}
	}
	return out, nil
}

// Len returns the number of cached headers.
func (s *SegmentHeaderCache) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.cache.Len()
}
