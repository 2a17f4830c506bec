// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package farmer

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/plotfarm/plotfarm/internal/core"
	"github.com/plotfarm/plotfarm/internal/index"
	"github.com/plotfarm/plotfarm/internal/nodeclient"
	"github.com/plotfarm/plotfarm/internal/notify"
	"github.com/plotfarm/plotfarm/internal/piececache"
	"github.com/plotfarm/plotfarm/internal/singlefarm"
	"github.com/plotfarm/plotfarm/internal/threadpool"
)

// Farm is one disk-backed farm as the farmer drives it.
type Farm interface {
	ID() core.FarmID
	TotalSectors() uint64

	// PlottedSectors calls fn for every sector plotted so far. Sectors whose
	// metadata can't be read are passed with an error.
	PlottedSectors(fn func(core.PlottedSector, error)) error

	OnSectorUpdate(fn func(core.SectorUpdate)) notify.HandlerID
	OnFarmingNotification(fn func(core.FarmingNotification)) notify.HandlerID

	PieceReader() index.PieceReader
	PieceCache() piececache.Store
	PlotCache() piececache.PlotCache

	// Run plots, replots and farms until ctx is done or a fatal error occurs.
	Run(ctx context.Context) error
	Close() error
}

// FarmOptions is what a farm is constructed with.
type FarmOptions struct {
	Index          core.FarmIndex
	Directory      string
	AllocatedSpace uint64
	AppInfo        core.FarmerAppInfo

	CachePercentage           uint8
	Node                      nodeclient.Client
	PieceGetter               singlefarm.PieceGetter
	Pools                     *threadpool.Manager
	DownloadSemaphore         *semaphore.Weighted
	RecordEncodingConcurrency int
	PlottingDelay             <-chan struct{}
	FarmDuringInitialPlotting bool
	RewardAddress             string

	Config Config
}

// Summary describes what is on disk in a farm directory.
type Summary struct {
	Found          bool
	AllocatedSpace uint64
}

// Storage opens farms.
type Storage interface {
	Summary(dir string) (Summary, error)
	Open(ctx context.Context, opts FarmOptions) (Farm, error)
}

// DiskStorage opens singlefarm farms.
type DiskStorage struct{}

// Summary implements Storage.
func (DiskStorage) Summary(dir string) (Summary, error) {
	s, err := singlefarm.ReadSummary(dir)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Found: s.Found, AllocatedSpace: s.Info.AllocatedSpace}, nil
}

// Open implements Storage.
func (DiskStorage) Open(ctx context.Context, opts FarmOptions) (Farm, error) {
	f, err := singlefarm.New(ctx, singlefarm.Options{
		Directory:                 opts.Directory,
		AllocatedSpace:            opts.AllocatedSpace,
		CachePercentage:           opts.CachePercentage,
		Protocol:                  opts.AppInfo.Protocol,
		GenesisHash:               opts.AppInfo.GenesisHash,
		Node:                      opts.Node,
		PieceGetter:               opts.PieceGetter,
		Pools:                     opts.Pools,
		DownloadSemaphore:         opts.DownloadSemaphore,
		RecordEncodingConcurrency: opts.RecordEncodingConcurrency,
		PlottingDelay:             opts.PlottingDelay,
		FarmDuringInitialPlotting: opts.FarmDuringInitialPlotting,
		RewardAddress:             opts.RewardAddress,
		PlotRetryDelay:            opts.Config.PlotRetryDelay,
		RetryDelay:                opts.Config.RetryDelay,
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}
