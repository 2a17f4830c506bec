// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package config holds the user-editable farmer configuration and its
// validation into concrete farm allocations.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/golang/glog"

	"github.com/plotfarm/plotfarm/internal/capacity"
	"github.com/plotfarm/plotfarm/internal/core"
)

var (
	// ErrNoFarms is returned when no farm is configured.
	ErrNoFarms = errors.New("at least one farm must be configured")

	// ErrTooManyFarms is returned when more than core.MaxFarms farms are configured.
	ErrTooManyFarms = fmt.Errorf("at most %d farms can be configured", core.MaxFarms)

	// ErrDuplicateFarm is returned when two farms share a directory.
	ErrDuplicateFarm = errors.New("farm directory is configured twice")

	// ErrNoRewardAddress is returned when the reward address is empty.
	ErrNoRewardAddress = errors.New("reward address can not be empty")
)

// Farm is one configured farm.
type Farm struct {
	Path string `json:"path"`
	// Size is a byte quantity such as "4TB" or a percentage such as "50%".
	Size string `json:"size"`
}

// Network is the configuration of the piece-serving listener.
type Network struct {
	ListenAddr string `json:"listen_addr"`
}

// Raw is the configuration as the user wrote it.
type Raw struct {
	RewardAddress         string  `json:"reward_address"`
	NodeRPCURL            string  `json:"node_rpc_url"`
	Farms                 []Farm  `json:"farms"`
	ReducePlottingCPULoad bool    `json:"reduce_plotting_cpu_load"`
	CachePercentage       uint8   `json:"cache_percentage"`
	Network               Network `json:"network"`
	HistoryDB             string  `json:"history_db"`
}

// Default returns a configuration with every optional field filled in.
func Default() Raw {
	return Raw{
		NodeRPCURL:      "ws://127.0.0.1:9944",
		CachePercentage: 1,
		Network:         Network{ListenAddr: "localhost:30533"},
	}
}

// Load reads a configuration file. Fields missing from the file keep their
// default values.
func Load(path string) (Raw, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path, replacing it atomically.
func (c Raw) Save(path string) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Valid is a configuration whose farm sizes have been resolved to allocations.
type Valid struct {
	Raw
	Allocations []capacity.Allocation
}

// Validate checks the configuration and plans every farm. Planning errors are
// returned wrapped so that errors.Is/As still see capacity.ErrInvalidSizeFormat
// and *capacity.PathError.
func (c Raw) Validate(ctx context.Context, planner *capacity.Planner) (Valid, error) {
	if c.RewardAddress == "" {
		return Valid{}, ErrNoRewardAddress
	}
	if len(c.Farms) == 0 {
		return Valid{}, ErrNoFarms
	}
	if len(c.Farms) > core.MaxFarms {
		return Valid{}, fmt.Errorf("%w: got %d", ErrTooManyFarms, len(c.Farms))
	}
	if c.CachePercentage == 0 || c.CachePercentage >= 100 {
		return Valid{}, fmt.Errorf("cache percentage must be in [1, 99], got %d", c.CachePercentage)
	}

	seen := make(map[string]bool)
	v := Valid{Raw: c}
	for i, f := range c.Farms {
		path, err := filepath.Abs(f.Path)
		if err != nil {
			return Valid{}, &capacity.PathError{Path: f.Path, Err: err}
		}
		if seen[path] {
			return Valid{}, fmt.Errorf("%w: %s", ErrDuplicateFarm, path)
		}
		seen[path] = true

		size, err := capacity.ParseSize(f.Size)
		if err != nil {
			return Valid{}, fmt.Errorf("farm %d: %w", i, err)
		}
		alloc, err := planner.Plan(ctx, path, size)
		if err != nil {
			return Valid{}, fmt.Errorf("farm %d: %w", i, err)
		}
		log.Infof("farm %d at %s: requested %s, allocating %d bytes", i, path, size, alloc.AllocatedSpace)
		v.Allocations = append(v.Allocations, alloc)
	}
	return v, nil
}
