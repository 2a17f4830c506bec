// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/codegangsta/cli"
	units "github.com/docker/go-units"
	log "github.com/golang/glog"

	"github.com/plotfarm/plotfarm/internal/capacity"
	"github.com/plotfarm/plotfarm/internal/config"
	"github.com/plotfarm/plotfarm/internal/farmer"
	"github.com/plotfarm/plotfarm/internal/history"
	"github.com/plotfarm/plotfarm/internal/network"
	"github.com/plotfarm/plotfarm/internal/nodeclient"
	"github.com/plotfarm/plotfarm/internal/singlefarm"
)

const (
	// Segment headers never change, so a few thousand of them are cached in
	// front of the node for peers.
	segmentHeaderCacheSize = 4096

	// Buffer of the history subscriptions.
	historyBuffer = 256

	// How long active piece requests get to finish on shutdown.
	shutdownTimeout = 5 * time.Second
)

var usage = `
	plotfarm plots and farms the disks of one machine for a node.

	The farms, the reward address and the node to talk to are read from a json
	configuration file. A new one can be written with:

		plotfarm init --reward <address> --farm /disk/a:4TB --farm /disk/b:50%

	Then start farming with:

		plotfarm farm

	While farming, pieces and segment headers are served to peers on the
	configured listen address, which also hosts a status page and /metrics.
	`

// plotfarmCli holds the command line app and the state of a running farmer
// so that a signal can shut it down cleanly.
type plotfarmCli struct {
	app *cli.App

	lock   sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "plotfarm", "config.json")
	}
	return "plotfarm.json"
}

func defaultPeerID() string {
	host, err := os.Hostname()
	if err != nil {
		return "plotfarm"
	}
	return host
}

// newPlotfarmCli creates a new plotfarmCli object.
func newPlotfarmCli() *plotfarmCli {
	p := &plotfarmCli{}
	app := cli.NewApp()
	app.Name = "plotfarm"
	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "configuration file",
			Value: defaultConfigPath(),
		},
	}

	app.Commands = []cli.Command{
		{
			Name:  "init",
			Usage: "Writes a new configuration file.",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "reward",
					Usage: "address to reward solutions to",
				},
				cli.StringSliceFlag{
					Name:  "farm",
					Usage: "farm as path:size, where size is like 4TB or 50%",
				},
				cli.StringFlag{
					Name:  "node",
					Usage: "websocket rpc url of the node",
				},
				cli.BoolFlag{
					Name:  "force",
					Usage: "overwrite an existing configuration",
				},
			},
			Action: p.cmdInit,
		},
		{
			Name:  "farm",
			Usage: "Plots and farms every configured farm until interrupted.",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "node",
					Usage: "websocket rpc url of the node (overrides the configuration)",
				},
				cli.StringFlag{
					Name:  "listen",
					Usage: "address to serve pieces, status and metrics on (overrides the configuration)",
				},
				cli.StringFlag{
					Name:  "peer_id",
					Usage: "identity of this farmer, pieces closest to it are cached",
					Value: defaultPeerID(),
				},
			},
			Action: p.cmdFarm,
		},
		{
			Name:   "info",
			Usage:  "Prints what is stored in every configured farm.",
			Action: p.cmdInfo,
		},
		{
			Name:      "wipe",
			Usage:     "Removes the farm files from the given directories, or from every configured farm.",
			ArgsUsage: "[dir...]",
			Action:    p.cmdWipe,
		},
		{
			Name:  "history",
			Usage: "Prints recent plotting and farming events.",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "n",
					Usage: "number of events",
					Value: 20,
				},
				cli.DurationFlag{
					Name:  "prune",
					Usage: "delete events older than this before printing (0 keeps everything)",
				},
			},
			Action: p.cmdHistory,
		},
	}
	p.app = app
	return p
}

// run runs the command line app.
func (p *plotfarmCli) run(args []string) error {
	return p.app.Run(args)
}

// stop shuts down a running farmer and waits for it to close.
func (p *plotfarmCli) stop() {
	p.lock.Lock()
	cancel, done := p.cancel, p.done
	p.lock.Unlock()
	if cancel == nil {
		os.Exit(1)
	}
	log.Infof("shutting down")
	cancel()
	<-done
}

func loadConfig(c *cli.Context) (config.Raw, error) {
	path := c.GlobalString("config")
	raw, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return raw, fmt.Errorf("no configuration at %s, create one with 'plotfarm init'", path)
		}
		return raw, err
	}
	return raw, nil
}

// cmdInit implements the "init" subcommand.
func (p *plotfarmCli) cmdInit(c *cli.Context) {
	path := c.GlobalString("config")
	if _, err := os.Stat(path); err == nil && !c.Bool("force") {
		log.Errorf("%s exists, use --force to overwrite it", path)
		return
	}

	raw := config.Default()
	raw.RewardAddress = c.String("reward")
	if node := c.String("node"); node != "" {
		raw.NodeRPCURL = node
	}
	for _, farm := range c.StringSlice("farm") {
		i := strings.LastIndexByte(farm, ':')
		if i <= 0 {
			log.Errorf("farm %q is not path:size", farm)
			return
		}
		raw.Farms = append(raw.Farms, config.Farm{Path: farm[:i], Size: farm[i+1:]})
	}

	valid, err := raw.Validate(context.Background(), capacity.NewPlanner())
	if err != nil {
		log.Errorf("Invalid configuration: %s", err)
		return
	}
	printAllocations(valid.Allocations)
	if err := raw.Save(path); err != nil {
		log.Errorf("Failed to write %s: %s", path, err)
		return
	}
	log.Infof("Configuration written to %s", path)
}

func printAllocations(allocs []capacity.Allocation) {
	for i, a := range allocs {
		fmt.Printf("farm %d: %s, %s\n", i, a.Directory, units.BytesSize(float64(a.AllocatedSpace)))
		if a.Warning != "" {
			fmt.Printf("  warning: %s\n", a.Warning)
		}
	}
}

// cmdFarm implements the "farm" subcommand.
func (p *plotfarmCli) cmdFarm(c *cli.Context) {
	raw, err := loadConfig(c)
	if err != nil {
		log.Errorf("%s", err)
		return
	}
	if node := c.String("node"); node != "" {
		raw.NodeRPCURL = node
	}
	if addr := c.String("listen"); addr != "" {
		raw.Network.ListenAddr = addr
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	defer close(done)
	p.lock.Lock()
	p.cancel, p.done = cancel, done
	p.lock.Unlock()
	defer cancel()

	valid, err := raw.Validate(ctx, capacity.NewPlanner())
	if err != nil {
		log.Errorf("Invalid configuration: %s", err)
		return
	}
	for i, a := range valid.Allocations {
		if a.Warning != "" {
			log.Warningf("farm %d: %s", i, a.Warning)
		}
	}

	cfg := farmer.DefaultProdConfig
	cfg.RewardAddress = raw.RewardAddress
	cfg.CachePercentage = raw.CachePercentage
	cfg.ReduceCPULoad = raw.ReducePlottingCPULoad
	cfg.PeerID = c.String("peer_id")

	// The farmer is built against a node that may not be reachable yet;
	// Connect injects the connection once it is.
	node := &nodeclient.Maybe{}
	go nodeclient.Connect(ctx, raw.NodeRPCURL, node)

	log.Infof("opening %d farms", len(valid.Allocations))
	f, err := farmer.New(ctx, cfg, valid.Allocations, node, farmer.DiskStorage{})
	if err != nil {
		log.Errorf("Failed to start farmer: %s", err)
		return
	}
	defer f.Close()
	if f.Resized() {
		log.Infof("some farms were resized, their sectors are re-laid out as they are replotted")
	}

	if raw.HistoryDB != "" {
		db, err := history.Open(raw.HistoryDB)
		if err != nil {
			log.Errorf("Failed to open history: %s", err)
			return
		}
		defer db.Close()
		sectors, cancelSectors := f.SubscribeSectorUpdates(historyBuffer)
		defer cancelSectors()
		farming, cancelFarming := f.SubscribeFarmingNotifications(historyBuffer)
		defer cancelFarming()
		go db.Follow(ctx, sectors, farming)
		// Follow stops reading on shutdown, farms still emitting then must
		// not block on it.
		go func() {
			<-ctx.Done()
			cancelSectors()
			cancelFarming()
		}()
	}

	headers := nodeclient.NewSegmentHeaderCache(node, segmentHeaderCacheSize)
	srv := network.NewServer(raw.Network.ListenAddr, network.NewHandlers(f.Cache(), f.Index(), headers), f)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Errorf("piece server stopped: %s", err)
		}
	}()

	err = f.Run(ctx)
	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	srv.Shutdown(sctx)
	scancel()
	if err != nil {
		log.Errorf("Farmer stopped: %s", err)
		return
	}
	log.Infof("farmer stopped")
}

// cmdInfo implements the "info" subcommand.
func (p *plotfarmCli) cmdInfo(c *cli.Context) {
	raw, err := loadConfig(c)
	if err != nil {
		log.Errorf("%s", err)
		return
	}
	fmt.Printf("Reward address: %s\nNode: %s\n\n", raw.RewardAddress, raw.NodeRPCURL)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tPath\tID\tAllocated\tSectors\tPlotted")
	for i, farm := range raw.Farms {
		s, err := singlefarm.ReadSummary(farm.Path)
		switch {
		case err != nil:
			fmt.Fprintf(tw, "%d\t%s\terror: %s\t\t\t\n", i, farm.Path, err)
		case !s.Found:
			fmt.Fprintf(tw, "%d\t%s\t(not created)\t%s\t\t\n", i, farm.Path, farm.Size)
		default:
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\n", i, farm.Path, s.Info.ID,
				units.BytesSize(float64(s.Info.AllocatedSpace)), s.Info.TotalSectors, s.PlottedSectors)
		}
	}
	tw.Flush()
}

// cmdWipe implements the "wipe" subcommand.
func (p *plotfarmCli) cmdWipe(c *cli.Context) {
	dirs := []string(c.Args())
	if len(dirs) == 0 {
		raw, err := loadConfig(c)
		if err != nil {
			log.Errorf("%s", err)
			return
		}
		for _, farm := range raw.Farms {
			dirs = append(dirs, farm.Path)
		}
	}
	for _, dir := range dirs {
		if err := singlefarm.Wipe(dir); err != nil {
			log.Errorf("Failed to wipe %s: %s", dir, err)
			continue
		}
		log.Infof("wiped %s", dir)
	}
}

// cmdHistory implements the "history" subcommand.
func (p *plotfarmCli) cmdHistory(c *cli.Context) {
	raw, err := loadConfig(c)
	if err != nil {
		log.Errorf("%s", err)
		return
	}
	if raw.HistoryDB == "" {
		log.Errorf("history_db is not set in the configuration")
		return
	}
	db, err := history.Open(raw.HistoryDB)
	if err != nil {
		log.Errorf("%s", err)
		return
	}
	defer db.Close()

	if d := c.Duration("prune"); d > 0 {
		n, err := db.Prune(time.Now().Add(-d))
		if err != nil {
			return
		}
		log.Infof("pruned %d events", n)
	}

	events, err := db.Recent(c.Int("n"))
	if err != nil {
		log.Errorf("Failed to read history: %s", err)
		return
	}
	for _, e := range events {
		fmt.Println(e)
	}

	counts, err := db.Counts()
	if err != nil {
		log.Errorf("Failed to count events: %s", err)
		return
	}
	var parts []string
	for _, kind := range []string{history.KindPlotted, history.KindReplotted, history.KindPlotError,
		history.KindExpired, history.KindProof, history.KindProofFailed, history.KindFarmingError} {
		parts = append(parts, fmt.Sprintf("%s=%d", kind, counts[kind]))
	}
	fmt.Printf("\ntotals: %s\n", strings.Join(parts, " "))
}
