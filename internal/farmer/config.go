// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package farmer

import (
	"fmt"
	"time"

	"github.com/plotfarm/plotfarm/internal/threadpool"
)

// Config encapsulates parameters for Farmer.
type Config struct {
	RewardAddress   string // Address solutions are rewarded to.
	CachePercentage uint8  // Share of every farm used for the piece cache.
	ReduceCPULoad   bool   // Halve the plotting and replotting pools.

	// --- Thread pools ---
	// Core sets to create thread pools on. Detected from the cpu topology if
	// empty.
	CoreSets []threadpool.CoreSet
	// Farms audit while they are still initially plotting only on machines
	// with more cores than this.
	FarmDuringInitialPlottingMinCores int

	// --- Piece cache ---
	// Identity of this farmer on the network. Pieces closest to it are cached.
	PeerID string
	// Pieces downloaded in parallel while filling the cache.
	CacheDownloadConcurrency int

	// --- Node ---
	// How long to wait before retrying a failed node request. Backoff grows
	// from here.
	RetryDelay time.Duration
	// How long to wait before retrying a sector that failed to plot.
	PlotRetryDelay time.Duration
}

// Validate validates the configuration object has reasonable(not obviously
// wrong) values.
func (c Config) Validate() error {
	if c.RewardAddress == "" {
		return fmt.Errorf("RewardAddress can not be empty")
	}
	if c.CachePercentage == 0 || c.CachePercentage >= 100 {
		return fmt.Errorf("CachePercentage must be in [1, 99], got %d", c.CachePercentage)
	}
	if c.CacheDownloadConcurrency < 1 {
		return fmt.Errorf("CacheDownloadConcurrency can not be %d", c.CacheDownloadConcurrency)
	}
	if c.RetryDelay <= 0 || c.PlotRetryDelay <= 0 {
		return fmt.Errorf("retry delays must be positive")
	}
	for i, set := range c.CoreSets {
		if len(set.Cores) == 0 {
			return fmt.Errorf("core set %d is empty", i)
		}
	}
	return nil
}

// DefaultProdConfig specifies the default values for Config that is used for
// production.
var DefaultProdConfig = Config{
	CachePercentage:                   1,
	FarmDuringInitialPlottingMinCores: 8,
	CacheDownloadConcurrency:          32,
	RetryDelay:                        time.Second,
	PlotRetryDelay:                    10 * time.Second,
}

// DefaultTestConfig specifies the default values for Config that is used for
// testing.
var DefaultTestConfig = Config{
	RewardAddress:                     "test-reward",
	CachePercentage:                   1,
	CoreSets:                          []threadpool.CoreSet{{Cores: []int{0}}},
	FarmDuringInitialPlottingMinCores: 8,
	PeerID:                            "test-peer",
	CacheDownloadConcurrency:          4,
	RetryDelay:                        5 * time.Millisecond,
	PlotRetryDelay:                    10 * time.Millisecond,
}
