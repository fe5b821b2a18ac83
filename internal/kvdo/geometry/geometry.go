// Package geometry decodes and encodes the on-disk geometry block, the
// single self-describing block at GEOMETRY_BLOCK_LOCATION that tells the
// core where the index and data regions begin. Grounded on
// original_source/vdo/volumeGeometry.h's struct volume_geometry and
// vdo_parse_geometry_block.
package geometry

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tigerblue77/kvdo/internal/kvdo/crc32x"
)

// BlockLocation is the fixed block number the geometry block always
// occupies, mirroring GEOMETRY_BLOCK_LOCATION.
const BlockLocation uint64 = 0

// RegionID identifies one of the two regions a Geometry describes, in the
// fixed order they are laid out on disk.
type RegionID int

const (
	IndexRegion RegionID = iota
	DataRegion
	regionCount
)

// Region is the absolute starting block of one region; it runs until the
// next region (or the end of the device) begins.
type Region struct {
	ID         RegionID
	StartBlock uint64
}

// IndexConfig mirrors struct index_config: the parameters handed to the
// deduplication index, opaque to everything outside that subsystem.
type IndexConfig struct {
	Mem                 uint32
	CheckpointFrequency uint32
	Sparse              bool
}

// Geometry is the decoded contents of the geometry block.
type Geometry struct {
	ReleaseVersion uint32
	Nonce          uint64
	UUID           uuid.UUID
	Regions        [regionCount]Region
	Index          IndexConfig
}

// IndexRegionOffset returns the first block of the index region.
func (g Geometry) IndexRegionOffset() uint64 {
	return g.Regions[IndexRegion].StartBlock
}

// DataRegionOffset returns the first block of the data region.
func (g Geometry) DataRegionOffset() uint64 {
	return g.Regions[DataRegion].StartBlock
}

// IndexRegionSize returns the number of blocks occupied by the index
// region, derived as the gap before the data region begins.
func (g Geometry) IndexRegionSize() uint64 {
	return g.DataRegionOffset() - g.IndexRegionOffset()
}

// wire layout, little-endian throughout:
//
//	4  release version
//	8  nonce
//	16 uuid
//	(8 start_block) * regionCount, in ID order
//	4  index mem
//	4  index checkpoint frequency
//	1  index sparse
//	4  crc32 of everything preceding it
const (
	encodedSize = 4 + 8 + 16 + 8*int(regionCount) + 4 + 4 + 1 + 4
	crcOffset   = encodedSize - 4
)

// ErrMalformed is returned when a block fails to decode as a geometry
// block: wrong length, corrupt CRC, a zero release version, a nil uuid, or
// an inverted region order. The release-version and uuid checks stand in
// for vdo_parse_geometry_block's canonical-structure validation: Geometry
// has no flat_page_origin/flat_page_count fields (those belong to the
// block-map state decoder, not volume_geometry), so the canonical check
// here is against the fields Geometry actually carries.
var ErrMalformed = errors.New("kvdo: malformed geometry block")

// Encode serializes g into a new slice of exactly encodedSize bytes,
// suitable for writing to BlockLocation.
func Encode(g Geometry) []byte {
	buf := make([]byte, encodedSize)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], g.ReleaseVersion)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], g.Nonce)
	off += 8
	copy(buf[off:off+16], g.UUID[:])
	off += 16
	for i := 0; i < int(regionCount); i++ {
		binary.LittleEndian.PutUint64(buf[off:], g.Regions[i].StartBlock)
		off += 8
	}
	binary.LittleEndian.PutUint32(buf[off:], g.Index.Mem)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], g.Index.CheckpointFrequency)
	off += 4
	if g.Index.Sparse {
		buf[off] = 1
	}
	off++

	binary.LittleEndian.PutUint32(buf[off:], crc32x.Checksum(buf[:off]))
	return buf
}

// Decode parses block as a geometry block, validating its length and CRC.
// block may be longer than encodedSize (a full device block); only the
// leading encodedSize bytes are interpreted.
func Decode(block []byte) (Geometry, error) {
	if len(block) < encodedSize {
		return Geometry{}, fmt.Errorf("%w: block too short (%d bytes)", ErrMalformed, len(block))
	}
	buf := block[:encodedSize]

	want := binary.LittleEndian.Uint32(buf[crcOffset:])
	got := crc32x.Checksum(buf[:crcOffset])
	if want != got {
		return Geometry{}, fmt.Errorf("%w: crc mismatch", ErrMalformed)
	}

	var g Geometry
	off := 0
	g.ReleaseVersion = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	g.Nonce = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	copy(g.UUID[:], buf[off:off+16])
	off += 16
	for i := 0; i < int(regionCount); i++ {
		g.Regions[i] = Region{ID: RegionID(i), StartBlock: binary.LittleEndian.Uint64(buf[off:])}
		off += 8
	}
	g.Index.Mem = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	g.Index.CheckpointFrequency = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	g.Index.Sparse = buf[off] != 0

	if g.ReleaseVersion == 0 {
		return Geometry{}, fmt.Errorf("%w: zero release version", ErrMalformed)
	}
	if g.UUID == uuid.Nil {
		return Geometry{}, fmt.Errorf("%w: nil uuid", ErrMalformed)
	}
	if g.DataRegionOffset() < g.IndexRegionOffset() {
		return Geometry{}, fmt.Errorf("%w: data region precedes index region", ErrMalformed)
	}
	return g, nil
}
