package layout

import (
	"encoding/binary"
	"math/bits"

	"fat32fs.dev/pkg/xerror"
)

// BPB holds the BIOS Parameter Block fields needed by the core, plus the
// derived geometry computed once at load time. Fields not consumed by any
// higher layer (media descriptor, volume label, ...) are intentionally
// omitted rather than carried as dead weight.
type BPB struct {
	SectorBytes      uint16
	SectorPerCluster uint8
	sectorReserved   uint16
	FatNum           uint8
	sectorPerFatDisc uint16 // FAT32 always stores 0 here; real value is in SectorPerFat
	sectorHidden     uint32
	sectorTotal      uint32
	SectorPerFat     uint32
	RootClusterID    uint32
	InfoClusterID    uint16
	BackupSectorID   uint16

	// Derived at Load time.
	SectorBytesLog2  uint32
	ClusterBytesLog2 uint32
	ClusterBytes     int
	FatSectorStart   SID
	DataSectorStart  SID
	DataSectorNum    int
	DataClusterNum   int
}

// bpbOffset is the logical byte offset of the BPB within its sector.
const bpbOffset = 0x0B

// minSectorBytes is the smallest sector size this loader accepts; FAT32
// BPBs are always read from a sector of at least this size.
const minSectorBytes = 512

// Load parses a BPB out of raw, the full contents of the device's BPB
// sector (as returned by BlockDevice.ReadBlock at SectorBPB()), and fills
// in the derived geometry fields.
func Load(raw []byte) (*BPB, error) {
	if len(raw) < minSectorBytes {
		return nil, xerror.New("layout.Load", xerror.EINVAL)
	}
	b := &BPB{}
	off := bpbOffset
	b.SectorBytes = binary.LittleEndian.Uint16(raw[off:])
	off += 2
	b.SectorPerCluster = raw[off]
	off++
	b.sectorReserved = binary.LittleEndian.Uint16(raw[off:])
	off += 2
	b.FatNum = raw[off]
	off++
	off += 2 // discard_root_entry_size
	off += 2 // discard_small_sector_size
	off++    // media_descriptor
	off += 2 // discard_sector_per_fat
	off += 2 // sectors_per_track
	off += 2 // head_num
	b.sectorHidden = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	b.sectorTotal = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	b.SectorPerFat = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	off += 2 // extended_flag
	off += 2 // version
	b.RootClusterID = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	b.InfoClusterID = binary.LittleEndian.Uint16(raw[off:])
	off += 2
	b.BackupSectorID = binary.LittleEndian.Uint16(raw[off:])
	off += 2

	if b.SectorBytes == 0 || b.SectorPerCluster == 0 || b.FatNum == 0 {
		return nil, xerror.New("layout.Load", xerror.EINVAL)
	}

	b.SectorBytesLog2 = uint32(bits.TrailingZeros16(b.SectorBytes))
	b.ClusterBytes = int(b.SectorBytes) * int(b.SectorPerCluster)
	b.ClusterBytesLog2 = uint32(bits.TrailingZeros(uint(b.ClusterBytes)))
	b.FatSectorStart = SID(b.sectorHidden + uint32(b.sectorReserved))
	b.DataSectorStart = SID(uint32(b.FatSectorStart) + b.SectorPerFat*uint32(b.FatNum))
	dataSectors := b.sectorHidden + b.sectorTotal - uint32(b.DataSectorStart)
	b.DataClusterNum = int(dataSectors) / int(b.SectorPerCluster)
	b.DataSectorNum = b.DataClusterNum * int(b.SectorPerCluster)

	return b, nil
}

// CIDToSID converts a data-region cluster id to its first sector. cid must
// be >= 2, the first valid data cluster.
func (b *BPB) CIDToSID(cid CID) SID {
	return SID(uint32(b.DataSectorStart) + (uint32(cid)-2)*uint32(b.SectorPerCluster))
}

// ClusterSplit decomposes a byte offset within a file into a cluster index
// and the remaining in-cluster offset.
func (b *BPB) ClusterSplit(offset int64) (clusterIndex int64, inCluster int) {
	clusterIndex = offset >> b.ClusterBytesLog2
	inCluster = int(offset) & ((1 << b.ClusterBytesLog2) - 1)
	return
}

// EntriesPerFatSector is the number of 32-bit CID slots held in one FAT
// sector.
func (b *BPB) EntriesPerFatSector() int {
	return int(b.SectorBytes) / 4
}

// FatCopySectors returns the physical sector id of logical FAT sector
// logicalSector in each of the b.FatNum mirrored copies, in copy order.
// The FAT list tracks dirty state per logical sector; flushing a logical
// sector means writing it to every entry this returns.
func (b *BPB) FatCopySectors(logicalSector uint32) []SID {
	out := make([]SID, b.FatNum)
	for i := 0; i < int(b.FatNum); i++ {
		out[i] = b.FatSectorStart + SID(uint32(i)*b.SectorPerFat) + SID(logicalSector)
	}
	return out
}
