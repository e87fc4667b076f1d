package device

import (
	"context"
	"sync"

	"fat32fs.dev/pkg/xerror"
)

// Mem is an in-memory BlockDevice, used by every package's unit tests and
// as the backing store for the end-to-end scenarios in SPEC_FULL.md §8.
// Grounded on the same single-mutex, explicit-offset discipline as
// pkg/blobserver/diskpacked's storage type, minus the file and index.
type Mem struct {
	mu          sync.Mutex
	sectorBytes int
	sectorBPB   uint32
	data        []byte
}

// NewMem allocates a Mem device of totalSectors sectors, each
// sectorBytes long, with the BPB at sector sectorBPB.
func NewMem(sectorBytes int, totalSectors int, sectorBPB uint32) *Mem {
	return &Mem{
		sectorBytes: sectorBytes,
		sectorBPB:   sectorBPB,
		data:        make([]byte, sectorBytes*totalSectors),
	}
}

func (m *Mem) SectorBytes() int    { return m.sectorBytes }
func (m *Mem) SectorBPB() uint32   { return m.sectorBPB }

func (m *Mem) ReadBlock(ctx context.Context, sectorID uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := int64(sectorID) * int64(m.sectorBytes)
	if off < 0 || off+int64(len(buf)) > int64(len(m.data)) {
		return xerror.New("memdevice.ReadBlock", xerror.EINVAL)
	}
	copy(buf, m.data[off:off+int64(len(buf))])
	return nil
}

func (m *Mem) WriteBlock(ctx context.Context, sectorID uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := int64(sectorID) * int64(m.sectorBytes)
	if off < 0 || off+int64(len(buf)) > int64(len(m.data)) {
		return xerror.New("memdevice.WriteBlock", xerror.EINVAL)
	}
	copy(m.data[off:off+int64(len(buf))], buf)
	return nil
}

// RawBytes exposes the full backing array, for tests that want to seed an
// image or inspect the result of a flush.
func (m *Mem) RawBytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}
