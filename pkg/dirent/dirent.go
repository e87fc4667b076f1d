// Package dirent implements the FAT32 directory-entry engine: scanning a
// directory's cluster chain into logical items, allocating runs of free
// slots for new entries, and the short/long name encoding rules (8.3
// generation with ~N collision suffixing, long-name checksums).
//
// dirent is deliberately decoupled from the block cache and FAT list: it
// talks only to the ClusterIO interface, so it can be tested against an
// in-memory fake instead of a real cache stack. pkg/vfile wires a real
// ClusterIO backed by pkg/block and pkg/fatlist.
//
// Grounded on the fat32 crate's layout/name.rs (entry layout) and the
// directory-walk/creation logic in manager/mod.rs; locking discipline
// around a directory's mutable child set follows pkg/fs/mut.go's
// mutDir.
package dirent

import (
	"context"
	"strconv"
	"strings"
	"time"

	"fat32fs.dev/pkg/layout"
	"fat32fs.dev/pkg/xerror"
)

// ClusterIO is the narrow cluster-chain interface the directory engine
// needs: sequential read/write of whole clusters and the ability to
// extend a chain. Implementations live in pkg/vfile.
type ClusterIO interface {
	ClusterBytes() int
	ReadCluster(ctx context.Context, cid layout.CID) ([]byte, error)
	WriteCluster(ctx context.Context, cid layout.CID, fn func([]byte)) error
	NextCluster(ctx context.Context, cid layout.CID) (next layout.CID, ok bool, err error)
	AppendCluster(ctx context.Context, prev layout.CID) (layout.CID, error)
}

// Item is one decoded directory entry: its name, metadata, and enough
// location information to delete or rewrite it later.
type Item struct {
	ShortName string // "NAME.EXT" display form, case-adjusted per the
	// entry's reserved NT byte (layout.CaseLowerBase/CaseLowerExt) when
	// there is no long name to carry exact case instead
	LongName string // "" if the entry has no long-name run
	Attrs    uint8
	StartCID layout.CID
	Size     uint32

	// EntryCluster/EntryIndex locate the short entry's 32-byte slot:
	// the cluster it lives in and its slot index within that cluster.
	// Combined with the directory's start CID, this is the inode cache
	// key (see pkg/inodecache.Key).
	EntryCluster layout.CID
	EntryIndex   int
	NumSlots     int // long entries + 1, consumed starting at this slot

	CreateTime, ModifyTime, AccessTime time.Time
}

func (it *Item) IsDir() bool { return it.Attrs&layout.AttrDirectory != 0 }

// DisplayName prefers the long name when present.
func (it *Item) DisplayName() string {
	if it.LongName != "" {
		return it.LongName
	}
	return it.ShortName
}

// Scan walks the entire cluster chain starting at start and decodes every
// live item (skipping free/deleted slots). Slot offsets are recorded
// relative to the cluster each short entry lives in, not flattened across
// the whole chain, since a cluster id is already a stable identifier.
func Scan(ctx context.Context, io ClusterIO, start layout.CID) ([]Item, error) {
	var items []Item
	cid := start
	for {
		raw, err := io.ReadCluster(ctx, cid)
		if err != nil {
			return nil, err
		}
		slotsPerCluster := len(raw) / layout.EntrySize
		var longRun []layout.LongEntry
		for i := 0; i < slotsPerCluster; i++ {
			slot := raw[i*layout.EntrySize : (i+1)*layout.EntrySize]
			switch slot[0] {
			case layout.EntryFree:
				longRun = nil
				continue
			case layout.EntryDeleted:
				longRun = nil
				continue
			}
			if slot[11] == layout.AttrLongName {
				le, err := layout.DecodeLongEntry(slot)
				if err != nil {
					return nil, err
				}
				longRun = append(longRun, *le)
				continue
			}
			se, err := layout.DecodeShortEntry(slot)
			if err != nil {
				return nil, err
			}
			item := shortEntryToItem(se, cid, i, len(longRun)+1)
			if len(longRun) > 0 {
				name11 := shortName11(se)
				if validLongRun(longRun, layout.ShortNameChecksum(name11)) {
					item.LongName = layout.UnpackLongName(longRun)
				}
			}
			items = append(items, item)
			longRun = nil
		}
		next, ok, err := io.NextCluster(ctx, cid)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		cid = next
	}
	return items, nil
}

func validLongRun(run []layout.LongEntry, checksum uint8) bool {
	for _, e := range run {
		if e.Checksum != checksum {
			return false
		}
	}
	return run[0].IsLast() // stored descending; index 0 is the highest sequence
}

func shortName11(se *layout.ShortEntry) [11]byte {
	var n [11]byte
	copy(n[0:8], se.Name[:])
	copy(n[8:11], se.Ext[:])
	return n
}

func shortEntryToItem(se *layout.ShortEntry, cluster layout.CID, index, numSlots int) Item {
	base := strings.TrimRight(string(se.Name[:]), " ")
	ext := strings.TrimRight(string(se.Ext[:]), " ")
	if se.CaseInfo&layout.CaseLowerBase != 0 {
		base = strings.ToLower(base)
	}
	if se.CaseInfo&layout.CaseLowerExt != 0 {
		ext = strings.ToLower(ext)
	}
	name := base
	if ext != "" {
		name += "." + ext
	}
	return Item{
		ShortName:    name,
		Attrs:        se.Attributes,
		StartCID:     se.ClusterID(),
		Size:         se.FileBytes,
		EntryCluster: cluster,
		EntryIndex:   index,
		NumSlots:     numSlots,
		CreateTime:   layout.FromDOSTime(se.CreateDate, se.CreateHMS, se.CreateMS),
		ModifyTime:   layout.FromDOSTime(se.ModifyDate, se.ModifyHMS, 0),
		AccessTime:   layout.FromDOSTime(se.AccessDate, 0, 0),
	}
}

// Find scans the directory for name (matched case-insensitively against
// both the long and short display names) and returns its Item.
func Find(ctx context.Context, io ClusterIO, start layout.CID, name string) (*Item, error) {
	items, err := Scan(ctx, io, start)
	if err != nil {
		return nil, err
	}
	upper := strings.ToUpper(name)
	for i := range items {
		if strings.ToUpper(items[i].DisplayName()) == upper || strings.ToUpper(items[i].ShortName) == upper {
			return &items[i], nil
		}
	}
	return nil, xerror.New("dirent.Find", xerror.ENOENT)
}

var shortNameInvalid = " \"*+,./:;<=>?[\\]|"

func isValidShortChar(b byte) bool {
	if b < 0x20 {
		return false
	}
	return !strings.ContainsRune(shortNameInvalid, rune(b))
}

func cleanShortComponent(s string) (clean string, lossy bool) {
	upper := strings.ToUpper(s)
	var b strings.Builder
	for i := 0; i < len(upper); i++ {
		c := upper[i]
		if !isValidShortChar(c) {
			lossy = true
			b.WriteByte('_')
			continue
		}
		b.WriteByte(c)
	}
	return b.String(), lossy
}

// splitBaseExt splits name on the last '.', FAT32-style (a name with no
// dot has an empty extension; a name with multiple dots is lossy because
// only one extension component is representable in 8.3).
func splitBaseExt(name string) (base, ext string, multiDot bool) {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 {
		return name, "", false
	}
	base = name[:idx]
	ext = name[idx+1:]
	multiDot = strings.ContainsRune(base, '.')
	return
}

// GenerateShortName produces a unique 11-byte 8.3 name for longName,
// avoiding collisions with taken (a set of already-used 11-byte short
// names in the same directory, uppercase, space-padded). Returns EEXIST
// if the ~N suffix space (1..9999999) is exhausted.
func GenerateShortName(longName string, taken map[[11]byte]bool) ([11]byte, error) {
	base, ext, multiDot := splitBaseExt(longName)
	cleanBase, baseLossy := cleanShortComponent(base)
	cleanExt, extLossy := cleanShortComponent(ext)
	if len(cleanExt) > 3 {
		cleanExt = cleanExt[:3]
		extLossy = true
	}
	// Case alone isn't lossy: cleanBase/cleanExt are always the upper-cased
	// form of base/ext (cleanShortComponent only substitutes invalid
	// characters), so a pure case difference never needs the ~N suffix
	// path here. Create records the original case in the short entry's
	// reserved byte instead (layout.CaseLowerBase/CaseLowerExt).
	lossy := baseLossy || extLossy || multiDot || len(cleanBase) > 8

	pack := func(b, e string) [11]byte {
		var out [11]byte
		for i := range out {
			out[i] = ' '
		}
		copy(out[0:8], []byte(b))
		copy(out[8:11], []byte(e))
		return out
	}

	if !lossy {
		candidate := pack(cleanBase, cleanExt)
		if !taken[candidate] {
			return candidate, nil
		}
	}

	truncatedBase := cleanBase
	if len(truncatedBase) > 8 {
		truncatedBase = truncatedBase[:8]
	}
	for n := 1; n <= 9_999_999; n++ {
		suffix := "~" + strconv.Itoa(n)
		keep := 8 - len(suffix)
		if keep < 0 {
			break
		}
		head := truncatedBase
		if len(head) > keep {
			head = head[:keep]
		}
		candidate := pack(head+suffix, cleanExt)
		if !taken[candidate] {
			return candidate, nil
		}
	}
	return [11]byte{}, xerror.New("dirent.GenerateShortName", xerror.EEXIST)
}
