package device

import (
	"context"
	"os"
	"sync"

	"fat32fs.dev/pkg/xerror"
)

// File is a BlockDevice backed by an *os.File (typically a disk image),
// grounded on pkg/blobserver/diskpacked's single-mutex, ReadAt/WriteAt
// access to an already-open file.
type File struct {
	mu          sync.Mutex
	f           *os.File
	sectorBytes int
	sectorBPB   uint32
}

// NewFile wraps an open file as a BlockDevice with the given sector size
// and BPB sector index. The caller retains ownership of f and must close
// it after unmounting.
func NewFile(f *os.File, sectorBytes int, sectorBPB uint32) *File {
	return &File{f: f, sectorBytes: sectorBytes, sectorBPB: sectorBPB}
}

func (d *File) SectorBytes() int  { return d.sectorBytes }
func (d *File) SectorBPB() uint32 { return d.sectorBPB }

func (d *File) ReadBlock(ctx context.Context, sectorID uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := int64(sectorID) * int64(d.sectorBytes)
	if _, err := d.f.ReadAt(buf, off); err != nil {
		return xerror.Wrap("filedevice.ReadBlock", xerror.EIO, err)
	}
	return nil
}

func (d *File) WriteBlock(ctx context.Context, sectorID uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := int64(sectorID) * int64(d.sectorBytes)
	if _, err := d.f.WriteAt(buf, off); err != nil {
		return xerror.Wrap("filedevice.WriteBlock", xerror.EIO, err)
	}
	return nil
}

// Sync flushes the underlying file to stable storage.
func (d *File) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.f.Sync(); err != nil {
		return xerror.Wrap("filedevice.Sync", xerror.EIO, err)
	}
	return nil
}
