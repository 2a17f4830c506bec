// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package singlefarm

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/golang/snappy"

	"github.com/plotfarm/plotfarm/internal/core"
)

var (
	infoBucket    = []byte("info")    // Farm-wide Info under infoKey.
	sectorsBucket = []byte("sectors") // PlottedSector by big-endian sector index.

	infoKey = []byte("farm")
)

const dbMode = 0600

// Info is the farm-wide metadata persisted in farm.db.
type Info struct {
	ID             core.FarmID `json:"id"`
	GenesisHash    string      `json:"genesis_hash"`
	AllocatedSpace uint64      `json:"allocated_space"`
	PiecesInSector uint16      `json:"pieces_in_sector"`
	TotalSectors   uint64      `json:"total_sectors"`
	CacheSlots     uint64      `json:"cache_slots"`
}

// Summary describes an existing farm without opening it for writing.
type Summary struct {
	// Found is false if there is no farm in the directory.
	Found bool
	Info  Info
	// PlottedSectors is the number of sectors with persisted metadata.
	PlottedSectors int
}

// metaDB wraps the bolt database of a farm.
type metaDB struct {
	db *bolt.DB
}

func openMetaDB(path string, readOnly bool) (*metaDB, error) {
	db, err := bolt.Open(path, dbMode, &bolt.Options{Timeout: time.Second, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if readOnly {
		return &metaDB{db: db}, nil
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(infoBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(sectorsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets in %s: %w", path, err)
	}
	return &metaDB{db: db}, nil
}

func (m *metaDB) close() error {
	return m.db.Close()
}

func encodeValue(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, b), nil
}

func decodeValue(b []byte, v interface{}) error {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func sectorKey(sector core.SectorIndex) []byte {
	var k [2]byte
	binary.BigEndian.PutUint16(k[:], uint16(sector))
	return k[:]
}

// info returns the persisted farm info, if any.
func (m *metaDB) info() (info Info, found bool, err error) {
	err = m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(infoBucket)
		if b == nil {
			return nil
		}
		v := b.Get(infoKey)
		if v == nil {
			return nil
		}
		found = true
		return decodeValue(v, &info)
	})
	return
}

func (m *metaDB) putInfo(info Info) error {
	v, err := encodeValue(info)
	if err != nil {
		return err
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(infoBucket).Put(infoKey, v)
	})
}

func (m *metaDB) putSector(s core.PlottedSector) error {
	v, err := encodeValue(s)
	if err != nil {
		return err
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sectorsBucket).Put(sectorKey(s.SectorIndex), v)
	})
}

// deleteSector removes the metadata of one sector. Bolt syncs the commit, so
// once it returns a restart won't load the sector.
func (m *metaDB) deleteSector(sector core.SectorIndex) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sectorsBucket).Delete(sectorKey(sector))
	})
}

// deleteSectorsFrom removes metadata of sectors with index >= first, for farms
// that shrank.
func (m *metaDB) deleteSectorsFrom(first uint64) (int, error) {
	n := 0
	err := m.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(sectorsBucket).Cursor()
		if first > 0xffff {
			return nil
		}
		for k, _ := c.Seek(sectorKey(core.SectorIndex(first))); k != nil; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// sectorResult is one decoded entry of the sectors bucket.
type sectorResult struct {
	sector core.PlottedSector
	err    error
}

// sectors decodes every persisted sector. Entries that fail to decode are
// returned with their error instead of failing the whole read.
func (m *metaDB) sectors() ([]sectorResult, error) {
	var out []sectorResult
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sectorsBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var r sectorResult
			if len(k) != 2 {
				r.err = fmt.Errorf("invalid sector key %x", k)
			} else if err := decodeValue(v, &r.sector); err != nil {
				r.err = fmt.Errorf("sector %d: %w", binary.BigEndian.Uint16(k), err)
			} else if uint16(r.sector.SectorIndex) != binary.BigEndian.Uint16(k) {
				r.err = fmt.Errorf("sector %d: metadata is for sector %d", binary.BigEndian.Uint16(k), r.sector.SectorIndex)
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// ReadSummary reads the metadata of the farm in dir, if there is one.
func ReadSummary(dir string) (Summary, error) {
	path := filepath.Join(dir, dbFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Summary{}, nil
	} else if err != nil {
		return Summary{}, err
	}

	m, err := openMetaDB(path, true)
	if err != nil {
		return Summary{}, err
	}
	defer m.close()

	info, found, err := m.info()
	if err != nil || !found {
		return Summary{}, err
	}
	sectors, err := m.sectors()
	if err != nil {
		return Summary{}, err
	}
	return Summary{Found: true, Info: info, PlottedSectors: len(sectors)}, nil
}
