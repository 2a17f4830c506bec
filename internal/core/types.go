// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"
	"time"
)

// Piece is one piece of archived history.
type Piece []byte

// SegmentHeader describes one archived segment.
type SegmentHeader struct {
	Index          SegmentIndex `json:"index"`
	Commitment     []byte       `json:"commitment"`
	PrevHeaderHash []byte       `json:"prev_header_hash"`
	LastBlock      uint64       `json:"last_block"`
}

// ProtocolInfo holds the protocol parameters a farm is plotted against.
type ProtocolInfo struct {
	// HistorySize is the number of archived segments.
	HistorySize uint64 `json:"history_size"`
	// MaxPiecesInSector is the number of pieces every sector holds.
	MaxPiecesInSector uint16 `json:"max_pieces_in_sector"`
	// MinSectorLifetime is the number of segments a sector lives at least
	// before it expires.
	MinSectorLifetime uint64 `json:"min_sector_lifetime"`
}

// FarmerAppInfo is what the node tells the farmer at startup.
type FarmerAppInfo struct {
	GenesisHash string       `json:"genesis_hash"`
	Syncing     bool         `json:"syncing"`
	Protocol    ProtocolInfo `json:"protocol_info"`
}

// SlotInfo is a farming challenge.
type SlotInfo struct {
	SlotNumber      uint64 `json:"slot_number"`
	GlobalChallenge []byte `json:"global_challenge"`
	SolutionRange   uint64 `json:"solution_range"`
}

// Solution is a winning audit of one sector.
type Solution struct {
	FarmID        FarmID      `json:"farm_id"`
	SectorIndex   SectorIndex `json:"sector_index"`
	PieceOffset   PieceOffset `json:"piece_offset"`
	ChunkHash     uint64      `json:"chunk_hash"`
	RewardAddress string      `json:"reward_address"`
}

// SolutionResponse carries the solutions found for one slot.
type SolutionResponse struct {
	SlotNumber uint64     `json:"slot_number"`
	Solutions  []Solution `json:"solutions"`
}

// SectorMetadata is persisted for every plotted sector.
type SectorMetadata struct {
	SectorIndex    SectorIndex `json:"sector_index"`
	PiecesInSector uint16      `json:"pieces_in_sector"`
	// HistorySize at the time the sector was plotted.
	HistorySize uint64 `json:"history_size"`
	// ExpiresAt is the segment at which the sector must be replotted.
	ExpiresAt SegmentIndex `json:"expires_at"`
}

// PlottedSector is a sector that finished plotting. PieceIndexes[i] is the
// piece stored at offset i.
type PlottedSector struct {
	SectorID     uint64         `json:"sector_id"`
	SectorIndex  SectorIndex    `json:"sector_index"`
	Metadata     SectorMetadata `json:"metadata"`
	PieceIndexes []PieceIndex   `json:"piece_indexes"`
}

// PlottingStage is the progress of plotting one sector. Within one farm stages
// of a sector are emitted strictly in order.
type PlottingStage int

// Plotting stages.
const (
	PlottingStarting PlottingStage = iota
	PlottingDownloading
	PlottingDownloaded
	PlottingEncoding
	PlottingEncoded
	PlottingWriting
	PlottingWritten
	PlottingFinished
	PlottingError
)

var plottingStageNames = []string{
	"starting", "downloading", "downloaded", "encoding", "encoded", "writing", "written", "finished", "error",
}

func (s PlottingStage) String() string {
	if int(s) < len(plottingStageNames) {
		return plottingStageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// ExpirationStage is the expiry state of a plotted sector.
type ExpirationStage int

// Expiration stages.
const (
	ExpirationDetermined ExpirationStage = iota
	ExpirationAboutToExpire
	ExpirationExpired
)

func (s ExpirationStage) String() string {
	switch s {
	case ExpirationDetermined:
		return "determined"
	case ExpirationAboutToExpire:
		return "about_to_expire"
	case ExpirationExpired:
		return "expired"
	}
	return fmt.Sprintf("expiration(%d)", int(s))
}

// PlottingUpdate is a plotting progress event.
type PlottingUpdate struct {
	Stage      PlottingStage
	Replotting bool
	// Duration of the finished step, set for Downloaded, Encoded, Written and
	// Finished.
	Duration time.Duration
	// Set for Finished.
	PlottedSector *PlottedSector
	// Set for Finished when the sector replaced a previous one.
	OldPlottedSector *PlottedSector
	// Set for Error.
	Err error
}

// ExpirationUpdate is an expiry event.
type ExpirationUpdate struct {
	Stage         ExpirationStage
	ExpiresAt     SegmentIndex
	PlottedSector *PlottedSector
}

// SectorUpdate is a lifecycle event of one sector. Exactly one of Plotting and
// Expiration is set.
type SectorUpdate struct {
	SectorIndex SectorIndex
	Plotting    *PlottingUpdate
	Expiration  *ExpirationUpdate
}

// FarmingKind classifies a FarmingNotification.
type FarmingKind int

// Farming notification kinds.
const (
	FarmingAuditing FarmingKind = iota
	FarmingProving
	FarmingNonFatalError
)

func (k FarmingKind) String() string {
	switch k {
	case FarmingAuditing:
		return "auditing"
	case FarmingProving:
		return "proving"
	case FarmingNonFatalError:
		return "non_fatal_error"
	}
	return fmt.Sprintf("farming(%d)", int(k))
}

// FarmingNotification is emitted by a farm's farming loop.
type FarmingNotification struct {
	Kind FarmingKind
	// SectorsCount is the number of audited sectors, for Auditing.
	SectorsCount int
	Duration     time.Duration
	// Success of a proof, for Proving.
	Success bool
	Err     error
}
