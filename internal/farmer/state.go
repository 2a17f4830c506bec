// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package farmer

import (
	"fmt"

	"github.com/plotfarm/plotfarm/internal/core"
)

// State is the lifecycle state of a farm.
type State int

// Farm states. A farm starts Created, plots its empty sectors in
// PlottingInitial and then alternates between Idle and Replotting until it
// is Terminated.
const (
	StateCreated State = iota
	StatePlottingInitial
	StateIdle
	StateReplotting
	StateTerminated
)

var stateNames = []string{"created", "plotting_initial", "idle", "replotting", "terminated"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// FarmState is a snapshot of one farm.
type FarmState struct {
	Index     core.FarmIndex
	ID        core.FarmID
	Directory string

	State State
	// InitialState is what the farm started in after construction.
	InitialState State

	TotalSectors   uint64
	PlottedSectors int
	// Sectors that expired and are waiting for a replot.
	ExpiredSectors int

	// LastError is the last plotting error, or what the farm terminated
	// with.
	LastError error
}

// farmState tracks one farm. It is guarded by Farmer.lock.
type farmState struct {
	FarmState

	// Sectors registered in the index.
	sectors map[core.SectorIndex]core.PlottedSector
	expired map[core.SectorIndex]bool
}

func newFarmState(idx core.FarmIndex, dir string, f Farm) *farmState {
	return &farmState{
		FarmState: FarmState{
			Index:        idx,
			ID:           f.ID(),
			Directory:    dir,
			State:        StateCreated,
			TotalSectors: f.TotalSectors(),
		},
		sectors: make(map[core.SectorIndex]core.PlottedSector),
		expired: make(map[core.SectorIndex]bool),
	}
}

// loaded moves a freshly loaded farm out of Created.
func (s *farmState) loaded() {
	s.PlottedSectors = len(s.sectors)
	if uint64(s.PlottedSectors) < s.TotalSectors {
		s.State = StatePlottingInitial
	} else {
		s.State = StateIdle
	}
	s.InitialState = s.State
}

// plotting applies a plotting update to the state.
func (s *farmState) plotting(sector core.SectorIndex, u *core.PlottingUpdate) {
	if s.State == StateTerminated {
		return
	}
	switch u.Stage {
	case core.PlottingStarting:
		if u.Replotting {
			s.State = StateReplotting
		}
	case core.PlottingError:
		s.LastError = u.Err
	case core.PlottingFinished:
		delete(s.expired, sector)
		s.ExpiredSectors = len(s.expired)
		s.PlottedSectors = len(s.sectors)
		if uint64(s.PlottedSectors) >= s.TotalSectors || s.State == StateReplotting {
			s.State = StateIdle
		}
	}
}

func (s *farmState) expiration(sector core.SectorIndex, u *core.ExpirationUpdate) {
	if u.Stage == core.ExpirationExpired {
		s.expired[sector] = true
	} else {
		delete(s.expired, sector)
	}
	s.ExpiredSectors = len(s.expired)
}

func (s *farmState) terminated(err error) {
	s.State = StateTerminated
	if err != nil {
		s.LastError = err
	}
}
