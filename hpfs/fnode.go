package hpfs

// fnode removal (§4.G) and the anode/fnode/dnode allocation helpers the
// engine and the EA store share. Grounded on original_source/anode.c's
// ntfs_remove_fnode and on the consumed "anode/fnode/dnode allocator"
// interface from spec §6 (pre-initializes magic, self, and an empty btree
// header).

import (
	"github.com/hpfscore/hpfs/internal/bufcache"
)

// allocAnode allocates one fresh sector and formats it as an empty,
// external (leaf) anode, hinting the allocator near hint (typically the
// sector of the node being split, so the new anode lands close to its
// sibling).
func (m *Mount) allocAnode(hint uint32) (*anodeStruct, *bufcache.Handle, error) {
	sec, err := m.alloc.AllocSector(hint, 1, 0)
	if err != nil {
		return nil, nil, err
	}
	h, err := m.cache.GetSector(sec)
	if err != nil {
		_ = m.alloc.FreeSectors(sec, 1)
		return nil, nil, ioErr("alloc_anode", sec, err)
	}
	a := &anodeStruct{
		Sector: sec,
		Self:   sec,
		Tree: &bplusTree{
			capInternal: AnodeInternalSlots,
			capExternal: AnodeExternalSlots,
			header:      bplusHeaderOnDisk{NFreeNodes: AnodeExternalSlots, FirstFree: bplusHeaderSize},
		},
	}
	copy(h.Data, a.encode())
	if err := m.cache.MarkDirty(h); err != nil {
		m.cache.Release(h)
		_ = m.alloc.FreeSectors(sec, 1)
		return nil, nil, ioErr("alloc_anode", sec, err)
	}
	return a, h, nil
}

// allocFnode allocates one fresh sector and formats it as an empty fnode
// (empty external embedded btree, no EAs, zero length).
func (m *Mount) allocFnode(hint uint32) (*fnodeStruct, *bufcache.Handle, error) {
	sec, err := m.alloc.AllocSector(hint, 1, 0)
	if err != nil {
		return nil, nil, err
	}
	h, err := m.cache.GetSector(sec)
	if err != nil {
		_ = m.alloc.FreeSectors(sec, 1)
		return nil, nil, ioErr("alloc_fnode", sec, err)
	}
	f := &fnodeStruct{
		Sector: sec,
		EAOffs: fnodeEAAreaStart,
		Tree: &bplusTree{
			capInternal: FnodeInternalSlots,
			capExternal: FnodeExternalSlots,
			header:      bplusHeaderOnDisk{NFreeNodes: FnodeExternalSlots, FirstFree: bplusHeaderSize},
		},
	}
	copy(h.Data, f.encode())
	if err := m.cache.MarkDirty(h); err != nil {
		m.cache.Release(h)
		_ = m.alloc.FreeSectors(sec, 1)
		return nil, nil, ioErr("alloc_fnode", sec, err)
	}
	return f, h, nil
}

// allocDnode allocates 4 contiguous sectors and formats them as an empty
// dnode (no dirents, terminator only). The dirent payload layout itself is
// the out-of-scope directory B-tree's responsibility; this only produces a
// structurally valid, empty shell.
func (m *Mount) allocDnode(hint uint32) (uint32, *bufcache.Quad, error) {
	sec, err := m.alloc.AllocSector(hint, 4, 0)
	if err != nil {
		return 0, nil, err
	}
	if sec%4 != 0 {
		_ = m.alloc.FreeSectors(sec, 4)
		return 0, nil, corruptionErr("alloc_dnode", sec, errDnodeAlign)
	}
	q, err := m.cache.Get4(sec)
	if err != nil {
		_ = m.alloc.FreeSectors(sec, 4)
		return 0, nil, ioErr("alloc_dnode", sec, err)
	}
	byteOrder.PutUint32(q.Data[dnodeOffMagic:], DnodeMagic)
	byteOrder.PutUint32(q.Data[dnodeOffSelf:], sec)
	byteOrder.PutUint32(q.Data[dnodeOffFirstFree:], dnodeDirentStart+32)
	// A single terminator dirent: length 32 (minimum), namelen 0, down 0,
	// ending in the 01 FF byte pair the validator looks for.
	term := q.Data[dnodeDirentStart : dnodeDirentStart+32]
	term[0], term[1] = 32, 0
	term[30], term[31] = 1, 255
	if err := q.Mark4Dirty(); err != nil {
		q.Release4()
		_ = m.alloc.FreeSectors(sec, 4)
		return 0, nil, ioErr("alloc_dnode", sec, err)
	}
	return sec, q, nil
}

// withFnodeWriteBack encodes f back into h's buffer, dirties it, and
// releases h. Used by callers that mutate an already-mapped fnode in place.
func (m *Mount) withFnodeWriteBack(f *fnodeStruct, h *bufcache.Handle) error {
	copy(h.Data, f.encode())
	if err := m.cache.MarkDirty(h); err != nil {
		m.cache.Release(h)
		return ioErr("write_fnode", f.Sector, err)
	}
	m.cache.Release(h)
	return nil
}

// RemoveFnode disposes of the whole allocation tree and all EA storage for
// a deleted file (or, for a directory, hands off to the DirectoryService).
// Grounded on anode.c's ntfs_remove_fnode.
func (m *Mount) RemoveFnode(fno uint32) error {
	if m.readOnly {
		return readOnlyErr("remove_fnode")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, h, err := m.MapFnode(fno)
	if err != nil {
		return err
	}

	if f.isDir() {
		if m.dirService == nil {
			m.cache.Release(h)
			return invalidArgErr("remove_fnode", errNoDirService)
		}
		if len(f.Tree.external) == 0 {
			m.cache.Release(h)
			return corruptionErr("remove_fnode", fno, errFnodeNoDirentRoot)
		}
		rootDno := f.Tree.external[0].DiskSecno
		if err := m.dirService.RemoveDtree(rootDno); err != nil {
			m.cache.Release(h)
			return err
		}
	} else if err := m.btree.Remove(fno, true); err != nil {
		m.cache.Release(h)
		return err
	}

	for pos := 0; ; {
		ea, n, ok, err := nextInlineEA(f, pos)
		if err != nil {
			m.cache.Release(h)
			return err
		}
		if !ok {
			break
		}
		if ea.Indirect {
			length, sector, err := indirectTarget(ea.Value)
			if err != nil {
				m.cache.Release(h)
				return err
			}
			if err := m.eaRemove(sector, ea.Flags&eaFlagIndirectAnode != 0, length); err != nil {
				m.cache.Release(h)
				return err
			}
		}
		pos = n
	}

	if f.EASizeL > 0 {
		if err := m.eaExtRemove(f.EASecno, f.eaInAnode(), f.EASizeL); err != nil {
			m.cache.Release(h)
			return err
		}
	}

	m.cache.Release(h)
	return m.alloc.FreeSectors(fno, 1)
}

var (
	errNoDirService      = &Error{Kind: KindInvalidArgument, Op: "remove_fnode"}
	errFnodeNoDirentRoot = &Error{Kind: KindCorruption, Op: "remove_fnode"}
)
