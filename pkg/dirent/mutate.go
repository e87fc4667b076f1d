package dirent

import (
	"context"
	"strings"
	"time"
	"unicode"

	"fat32fs.dev/pkg/layout"
	"fat32fs.dev/pkg/xerror"
)

// clusterSlots is one cluster's worth of entry slots, kept in memory while
// Create searches for (or extends into) a free run.
type clusterSlots struct {
	cid layout.CID
	raw []byte
}

func loadChain(ctx context.Context, io ClusterIO, start layout.CID) ([]clusterSlots, error) {
	var out []clusterSlots
	cid := start
	for {
		raw, err := io.ReadCluster(ctx, cid)
		if err != nil {
			return nil, err
		}
		out = append(out, clusterSlots{cid: cid, raw: raw})
		next, ok, err := io.NextCluster(ctx, cid)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		cid = next
	}
}

// slotPos is a global index into the flattened (cluster, localIndex) slot
// space of a directory chain.
type slotPos struct {
	clusterPos int // index into the chain slice
	localIndex int
}

func isFreeSlot(raw []byte, localIndex int) bool {
	b := raw[localIndex*layout.EntrySize]
	return b == layout.EntryFree || b == layout.EntryDeleted
}

// findFreeRun looks for `need` consecutive free/deleted slots across the
// already-loaded chain. Returns ok=false if no such run exists yet.
func findFreeRun(chain []clusterSlots, need int) (run []slotPos, ok bool) {
	var current []slotPos
	for ci, cs := range chain {
		slotsPerCluster := len(cs.raw) / layout.EntrySize
		for li := 0; li < slotsPerCluster; li++ {
			if isFreeSlot(cs.raw, li) {
				current = append(current, slotPos{clusterPos: ci, localIndex: li})
				if len(current) == need {
					return current, true
				}
			} else {
				current = current[:0]
			}
		}
	}
	return nil, false
}

func toRaw11(displayName string) [11]byte {
	base, ext, _ := splitBaseExt(displayName)
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	b := []byte(strings.ToUpper(base))
	if len(b) > 8 {
		b = b[:8]
	}
	e := []byte(strings.ToUpper(ext))
	if len(e) > 3 {
		e = e[:3]
	}
	copy(out[0:8], b)
	copy(out[8:11], e)
	return out
}

// caseBits reports the single reserved bit that records s's case, for an
// 8.3 component that will be stored without a long-name run: 0 if s has no
// cased letters or is already all-uppercase, lowerBit if s is entirely
// lowercase, and ok=false if s mixes cases (which a single bit can't
// represent, so the caller must fall back to a long-name run instead).
func caseBits(s string, lowerBit uint8) (bits uint8, ok bool) {
	hasUpper, hasLower := false, false
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		}
	}
	if hasUpper && hasLower {
		return 0, false
	}
	if hasLower {
		return lowerBit, true
	}
	return 0, true
}

// Create allocates and writes a new directory item named name in the
// directory whose content chain starts at dirStart. startCluster is the
// new item's own start cluster (0 for an empty file; a freshly allocated
// cluster for a directory). now stamps create/modify/access times.
func Create(ctx context.Context, io ClusterIO, dirStart layout.CID, name string, attrs uint8, startCluster layout.CID, size uint32, now time.Time) (*Item, error) {
	existing, err := Scan(ctx, io, dirStart)
	if err != nil {
		return nil, err
	}
	upper := strings.ToUpper(name)
	taken := make(map[[11]byte]bool, len(existing))
	for _, it := range existing {
		if strings.ToUpper(it.DisplayName()) == upper {
			return nil, xerror.New("dirent.Create", xerror.EEXIST)
		}
		taken[toRaw11(it.ShortName)] = true
	}

	shortRaw, err := GenerateShortName(name, taken)
	if err != nil {
		return nil, err
	}
	shortDisplay := strings.TrimRight(string(shortRaw[0:8]), " ")
	if ext := strings.TrimRight(string(shortRaw[8:11]), " "); ext != "" {
		shortDisplay += "." + ext
	}

	checksum := layout.ShortNameChecksum(shortRaw)
	needLong := !strings.EqualFold(shortDisplay, name)
	var caseInfo uint8
	if !needLong {
		nameBase, nameExt, _ := splitBaseExt(name)
		baseBits, baseOK := caseBits(nameBase, layout.CaseLowerBase)
		extBits, extOK := caseBits(nameExt, layout.CaseLowerExt)
		if !baseOK || !extOK {
			// Mixed case within a component can't be represented by the
			// reserved byte; fall back to a long-name run instead.
			needLong = true
		} else {
			caseInfo = baseBits | extBits
		}
	}
	var longEntries []layout.LongEntry
	if needLong {
		longEntries = layout.PackLongName(name, checksum)
	}
	need := len(longEntries) + 1

	chain, err := loadChain(ctx, io, dirStart)
	if err != nil {
		return nil, err
	}
	run, ok := findFreeRun(chain, need)
	if !ok {
		last := chain[len(chain)-1].cid
		for {
			newCID, err := io.AppendCluster(ctx, last)
			if err != nil {
				return nil, err
			}
			raw, err := io.ReadCluster(ctx, newCID)
			if err != nil {
				return nil, err
			}
			chain = append(chain, clusterSlots{cid: newCID, raw: raw})
			last = newCID
			if run, ok = findFreeRun(chain, need); ok {
				break
			}
		}
	}

	createDate, createHMS, createMS := layout.DOSTime(now)
	modifyDate, modifyHMS, _ := layout.DOSTime(now)
	accessDate, _, _ := layout.DOSTime(now)

	se := &layout.ShortEntry{
		Attributes: attrs,
		CaseInfo:   caseInfo,
		CreateMS:   createMS,
		CreateHMS:  createHMS,
		CreateDate: createDate,
		AccessDate: accessDate,
		ModifyHMS:  modifyHMS,
		ModifyDate: modifyDate,
		FileBytes:  size,
	}
	copy(se.Name[:], shortRaw[0:8])
	copy(se.Ext[:], shortRaw[8:11])
	se.SetClusterID(startCluster)

	// Long entries are stored highest-sequence first (descending); run[]
	// is in ascending slot order, so the first len(longEntries) slots take
	// the long entries in descending sequence and the final slot takes
	// the short entry.
	touched := make(map[int]bool)
	for i, le := range longEntries {
		pos := run[i]
		descendingIdx := len(longEntries) - 1 - i
		entryBytes := make([]byte, layout.EntrySize)
		longEntries[descendingIdx].Encode(entryBytes)
		copy(chain[pos.clusterPos].raw[pos.localIndex*layout.EntrySize:], entryBytes)
		touched[pos.clusterPos] = true
		_ = le
	}
	shortPos := run[len(run)-1]
	shortBytes := make([]byte, layout.EntrySize)
	se.Encode(shortBytes)
	copy(chain[shortPos.clusterPos].raw[shortPos.localIndex*layout.EntrySize:], shortBytes)
	touched[shortPos.clusterPos] = true

	for ci := range touched {
		cs := chain[ci]
		if err := io.WriteCluster(ctx, cs.cid, func(b []byte) { copy(b, cs.raw) }); err != nil {
			return nil, err
		}
	}

	item := shortEntryToItem(se, chain[shortPos.clusterPos].cid, shortPos.localIndex, need)
	item.LongName = ""
	if len(longEntries) > 0 {
		item.LongName = name
	}
	return &item, nil
}

// Delete marks item's slots (its long-name run and short entry) deleted.
// It reloads the directory's clusters and marks the item.NumSlots slots
// ending at the item's short entry; the slots are not checked against the
// current directory contents, so a stale Item marks whatever now occupies
// those positions.
func Delete(ctx context.Context, io ClusterIO, dirStart layout.CID, item *Item) error {
	chain, err := loadChain(ctx, io, dirStart)
	if err != nil {
		return err
	}
	clusterPos := -1
	for i, cs := range chain {
		if cs.cid == item.EntryCluster {
			clusterPos = i
			break
		}
	}
	if clusterPos < 0 {
		return xerror.New("dirent.Delete", xerror.ENOENT)
	}

	// Walk backward from the short entry across its long-name run,
	// marking every slot deleted, stopping early only if we hit the start
	// of the directory.
	positions := []slotPos{{clusterPos: clusterPos, localIndex: item.EntryIndex}}
	if item.LongName != "" {
		ci, li := clusterPos, item.EntryIndex
		for k := 0; k < item.NumSlots-1; k++ {
			li--
			if li < 0 {
				ci--
				if ci < 0 {
					break
				}
				li = len(chain[ci].raw)/layout.EntrySize - 1
			}
			positions = append(positions, slotPos{clusterPos: ci, localIndex: li})
		}
	}

	touched := make(map[int]bool)
	for _, p := range positions {
		chain[p.clusterPos].raw[p.localIndex*layout.EntrySize] = layout.EntryDeleted
		touched[p.clusterPos] = true
	}
	for ci := range touched {
		cs := chain[ci]
		if err := io.WriteCluster(ctx, cs.cid, func(b []byte) { copy(b, cs.raw) }); err != nil {
			return err
		}
	}
	return nil
}
