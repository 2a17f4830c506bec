// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Global constants that several components need to agree on are defined here.
// If a constant is only needed for single component, probably it should not be
// placed here.
const (
	// PieceSize is the size of one piece of archived history.
	PieceSize = 1 << 20

	// PiecesInSegment is the number of pieces produced by archiving one segment.
	PiecesInSegment = 256

	// MinFarmSize is the smallest allocation a farm can be constructed with.
	MinFarmSize uint64 = 2 << 30

	// MaxFarms is the number of farms one farmer can drive. Farm indices are
	// stored in a single byte.
	MaxFarms = 256

	// MaxSectorsPerFarm is bounded by the width of SectorIndex.
	MaxSectorsPerFarm = 1 << 16

	// MaxSegmentHeadersPerRequest bounds "last N segment headers" requests.
	MaxSegmentHeadersPerRequest = 1000
)
