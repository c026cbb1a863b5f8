package hpfs

// Extended attribute store (§4.F): inline records living inside a fnode's
// EA area, external records stored either as a plain sector run or as an
// anode tree, and INDIRECT records pointing at either. Grounded on
// original_source/ea.c (ntfs_read_ea, ntfs_get_ea, ntfs_set_ea,
// ntfs_ea_ext_remove) and anode.c's ntfs_ea_read/ntfs_ea_write/ntfs_ea_remove
// sector-at-a-time copy loop.

import (
	"github.com/hpfscore/hpfs/internal/bufcache"
)

// inlineEARegion returns f's inline EA byte range (empty if none).
func inlineEARegion(f *fnodeStruct) []byte {
	if f.EASizeS == 0 {
		return nil
	}
	start := int(f.EAOffs) + int(f.ACLSizeS)
	end := start + int(f.EASizeS)
	return f.raw[start:end]
}

// nextInlineEA decodes the inline EA record starting at byte pos within
// f's inline EA region, returning the record, the offset of the following
// record, and ok=false once pos reaches the end.
func nextInlineEA(f *fnodeStruct, pos int) (*extendedAttribute, int, bool, error) {
	buf := inlineEARegion(f)
	if pos >= len(buf) {
		return nil, pos, false, nil
	}
	ea, n, err := decodeEARecord(buf[pos:])
	if err != nil {
		return nil, 0, false, err
	}
	return ea, pos + n, true, nil
}

// findInlineEA returns the inline record named key, if any.
func findInlineEA(f *fnodeStruct, key string) (*extendedAttribute, bool, error) {
	for pos := 0; ; {
		ea, n, ok, err := nextInlineEA(f, pos)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		if ea.Name == key {
			return ea, true, nil
		}
		pos = n
	}
}

// eaRead copies length bytes starting at byte offset pos of an external EA
// store (a plain sector run, or an anode tree if inAnode) into a new slice.
// Grounded on anode.c's ntfs_ea_read.
func (m *Mount) eaRead(a uint32, inAnode bool, pos, length uint32) ([]byte, error) {
	out := make([]byte, length)
	if err := m.eaCopy(a, inAnode, pos, out, false); err != nil {
		return nil, err
	}
	return out, nil
}

// eaWrite is eaRead's write counterpart. Grounded on ntfs_ea_write.
func (m *Mount) eaWrite(a uint32, inAnode bool, pos uint32, data []byte) error {
	return m.eaCopy(a, inAnode, pos, data, true)
}

// eaCopy implements the shared sector-at-a-time loop of ntfs_ea_read and
// ntfs_ea_write: buf is read from (write=false) or written to (write=true)
// the external store, one sector boundary at a time.
func (m *Mount) eaCopy(a uint32, inAnode bool, pos uint32, buf []byte, write bool) error {
	done := uint32(0)
	total := uint32(len(buf))
	for done < total {
		sector := a + pos/bufcache.SectorSize
		if inAnode {
			disk, err := m.btree.Lookup(a, false, pos/bufcache.SectorSize)
			if err != nil {
				return err
			}
			sector = disk
		}
		h, err := m.cache.MapSector(sector, 0)
		if err != nil {
			return ioErr("ea_copy", sector, err)
		}
		within := pos % bufcache.SectorSize
		chunk := bufcache.SectorSize - within
		if remaining := total - done; chunk > remaining {
			chunk = remaining
		}
		if write {
			copy(h.Data[within:within+chunk], buf[done:done+chunk])
			if err := m.cache.MarkDirty(h); err != nil {
				m.cache.Release(h)
				return ioErr("ea_copy", sector, err)
			}
		} else {
			copy(buf[done:done+chunk], h.Data[within:within+chunk])
		}
		m.cache.Release(h)
		done += chunk
		pos += chunk
	}
	return nil
}

// GetEA returns the value stored under key on fno, following an INDIRECT
// record to its external target transparently. Grounded on ntfs_get_ea.
func (m *Mount) GetEA(fno uint32, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, h, err := m.MapFnode(fno)
	if err != nil {
		return nil, err
	}
	defer m.cache.Release(h)

	if ea, ok, err := findInlineEA(f, key); err != nil {
		return nil, err
	} else if ok {
		if ea.Indirect {
			length, sector, err := indirectTarget(ea.Value)
			if err != nil {
				return nil, err
			}
			return m.eaRead(sector, ea.Flags&eaFlagIndirectAnode != 0, 0, length)
		}
		out := make([]byte, len(ea.Value))
		copy(out, ea.Value)
		return out, nil
	}

	ea, pos, ok, err := m.findExternalEA(f, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFoundErr("get_ea", fno)
	}
	if ea.Indirect {
		length, sector, err := indirectTarget(ea.Value)
		if err != nil {
			return nil, err
		}
		return m.eaRead(sector, ea.Flags&eaFlagIndirectAnode != 0, 0, length)
	}
	valueOff := pos + 4 + uint32(len(ea.Name)) + 1
	return m.eaRead(f.EASecno, f.eaInAnode(), valueOff, uint32(len(ea.Value)))
}

// findExternalEA scans fno's external EA region (a plain sector run or
// anode tree) for key, returning the decoded record and its byte offset
// within that region.
func (m *Mount) findExternalEA(f *fnodeStruct, key string) (*extendedAttribute, uint32, bool, error) {
	pos := uint32(0)
	for pos < f.EASizeL {
		head, err := m.eaRead(f.EASecno, f.eaInAnode(), pos, 4)
		if err != nil {
			return nil, 0, false, err
		}
		namelen := int(head[1])
		vallen := int(head[2]) | int(head[3])<<8
		rest, err := m.eaRead(f.EASecno, f.eaInAnode(), pos+4, uint32(namelen)+1+uint32(vallen))
		if err != nil {
			return nil, 0, false, err
		}
		full := append(append([]byte{}, head...), rest...)
		ea, n, err := decodeEARecord(full)
		if err != nil {
			return nil, 0, false, err
		}
		if ea.Name == key {
			return ea, pos, true, nil
		}
		pos += uint32(n)
	}
	return nil, 0, false, nil
}

// SetEA updates key's value in place if it already exists with the same
// size (inline or external, direct or indirect), or creates a new inline
// record if there is room, or grows the external store. Silently does
// nothing if key exists with a different size: this store never changes an
// existing EA's size, matching ntfs_set_ea's documented behavior.
func (m *Mount) SetEA(fno uint32, key string, data []byte) error {
	if m.readOnly {
		return readOnlyErr("set_ea")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, h, err := m.MapFnode(fno)
	if err != nil {
		return err
	}

	if ea, ok, err := findInlineEA(f, key); err != nil {
		m.cache.Release(h)
		return err
	} else if ok {
		if ea.Indirect {
			length, sector, err := indirectTarget(ea.Value)
			if err != nil {
				m.cache.Release(h)
				return err
			}
			m.cache.Release(h)
			if int(length) != len(data) {
				return nil
			}
			return m.eaWrite(sector, ea.Flags&eaFlagIndirectAnode != 0, 0, data)
		}
		if len(ea.Value) != len(data) {
			m.cache.Release(h)
			return nil
		}
		buf := inlineEARegion(f)
		valOff := 4 + len(ea.Name) + 1
		pos, _, err := locateInline(f, key)
		if err != nil {
			m.cache.Release(h)
			return err
		}
		copy(buf[pos+valOff:pos+valOff+len(data)], data)
		return m.withFnodeWriteBack(f, h)
	}

	if ea, pos, ok, err := m.findExternalEA(f, key); err != nil {
		m.cache.Release(h)
		return err
	} else if ok {
		m.cache.Release(h)
		if ea.Indirect {
			length, sector, err := indirectTarget(ea.Value)
			if err != nil {
				return err
			}
			if int(length) != len(data) {
				return nil
			}
			return m.eaWrite(sector, ea.Flags&eaFlagIndirectAnode != 0, 0, data)
		}
		if len(ea.Value) != len(data) {
			return nil
		}
		valOff := pos + 4 + uint32(len(ea.Name)) + 1
		return m.eaWrite(f.EASecno, f.eaInAnode(), valOff, data)
	}

	return m.createEA(f, h, key, data)
}

// locateInline returns the byte offset of key's record within f's inline
// region, and its decoded length.
func locateInline(f *fnodeStruct, key string) (int, int, error) {
	buf := inlineEARegion(f)
	pos := 0
	for pos < len(buf) {
		ea, n, err := decodeEARecord(buf[pos:])
		if err != nil {
			return 0, 0, err
		}
		if ea.Name == key {
			return pos, n, nil
		}
		pos += n
	}
	return 0, 0, notFoundErr("locate_inline", 0)
}

// createEA implements the tail of ntfs_set_ea: try inline first (room
// permitting), else grow the external store, capped at eaGrowthCap bytes of
// external EA storage. Growth itself is delegated to growEARegion, which
// implements §4.F.4 step 4's contiguous-extend-else-reallocate rule; any
// failure from growEARegion onward is rolled back so a partial attempt never
// leaves orphaned sectors behind (§4.F.4 rule 6).
func (m *Mount) createEA(f *fnodeStruct, h *bufcache.Handle, key string, data []byte) error {
	rec := &extendedAttribute{Name: key, Value: data}
	recLen := rec.encodedLen()

	if f.EAOffs == 0 {
		f.EAOffs = fnodeEAAreaStart
	}
	if (f.EASizeS != 0 || f.EASizeL == 0) &&
		int(f.EAOffs)+int(f.ACLSizeS)+int(f.EASizeS)+recLen <= fnodeEAAreaEnd {
		encoded := encodeEARecord(rec)
		start := int(f.EAOffs) + int(f.ACLSizeS) + int(f.EASizeS)
		copy(f.raw[start:start+recLen], encoded)
		f.EASizeS += uint16(recLen)
		return m.withFnodeWriteBack(f, h)
	}

	if f.EASizeS != 0 && f.EASizeL == 0 {
		if err := m.migrateInlineToExternal(f); err != nil {
			m.cache.Release(h)
			return err
		}
	}

	newLen := f.EASizeL + uint32(recLen)
	if newLen >= eaGrowthCap {
		m.cache.Release(h)
		return outOfSpaceErr("set_ea")
	}

	oldSectors := (f.EASizeL + bufcache.SectorSize - 1) / bufcache.SectorSize
	newSectors := (newLen + bufcache.SectorSize - 1) / bufcache.SectorSize

	if newSectors == oldSectors {
		if err := m.eaWrite(f.EASecno, f.eaInAnode(), f.EASizeL, encodeEARecord(rec)); err != nil {
			m.cache.Release(h)
			return err
		}
		f.EASizeL = newLen
		return m.withFnodeWriteBack(f, h)
	}

	freeOld, abort, err := m.growEARegion(f, oldSectors, newSectors)
	if err != nil {
		m.cache.Release(h)
		return err
	}
	if err := m.eaWrite(f.EASecno, f.eaInAnode(), f.EASizeL, encodeEARecord(rec)); err != nil {
		abort()
		m.cache.Release(h)
		return err
	}
	f.EASizeL = newLen
	if err := m.withFnodeWriteBack(f, h); err != nil {
		abort()
		return err
	}
	// The fnode on disk now points at the grown region: only past this
	// point is it safe to free whatever the old region occupied, per
	// §4.F.4 rule 6's write-new-then-free-old ordering.
	if err := freeOld(); err != nil {
		m.logf("set_ea", f.Sector, "failed to free superseded ea region after growth")
	}
	return nil
}

// growEARegion grows f's external EA store from oldSectors to newSectors,
// mutating f.EASecno in memory (the caller is responsible for committing f
// via withFnodeWriteBack) but touching nothing on disk that the caller
// doesn't already own. It returns two callbacks: freeOld, to run only after
// the caller's fnode write-back has durably landed, which releases whatever
// the old region occupied; and abort, to run instead on any failure between
// here and that write-back, which releases whatever this call claimed and
// leaves the committed region untouched. Grounded on original_source/ea.c's
// external growth loop and its anode.c/alloc.c counterparts for the
// contiguous-extend-else-reallocate fallback (§4.F.4 step 4).
func (m *Mount) growEARegion(f *fnodeStruct, oldSectors, newSectors uint32) (freeOld func() error, abort func(), err error) {
	wasEmpty := oldSectors == 0
	if wasEmpty {
		sec, err := m.alloc.AllocSector(f.Sector, 1, 0)
		if err != nil {
			return nil, nil, err
		}
		f.EASecno = sec
		oldSectors = 1
		if oldSectors == newSectors {
			return noopFree, func() { _ = m.alloc.FreeSectors(sec, 1) }, nil
		}
	}

	if !f.eaInAnode() {
		base := f.EASecno
		extended := oldSectors
		for extended < newSectors {
			ok, aerr := m.alloc.AllocIfPossible(base + extended)
			if aerr != nil {
				m.freeClaimed(wasEmpty, base, oldSectors, extended)
				return nil, nil, aerr
			}
			if !ok {
				break
			}
			extended++
		}
		if extended == newSectors {
			return noopFree, func() { m.freeClaimed(wasEmpty, base, oldSectors, extended) }, nil
		}

		// A contiguous in-place extension fell short of the target: give
		// back whatever partial run was claimed and reallocate a fresh,
		// full-size contiguous run per §4.F.4 step 4, copying the live
		// bytes across before handing the new sectors back to the caller.
		if extended > oldSectors {
			_ = m.alloc.FreeSectors(base+oldSectors, extended-oldSectors)
		}
		newSec, aerr := m.alloc.AllocSector(f.Sector, newSectors, 0)
		if aerr != nil {
			if wasEmpty {
				_ = m.alloc.FreeSectors(base, 1)
			}
			return nil, nil, aerr
		}
		if !wasEmpty {
			if cerr := m.copySectors(base, newSec, oldSectors); cerr != nil {
				_ = m.alloc.FreeSectors(newSec, newSectors)
				return nil, nil, cerr
			}
		}
		f.EASecno = newSec
		if wasEmpty {
			// base held no live data; it was never referenced by any
			// committed fnode, so there's nothing to defer.
			_ = m.alloc.FreeSectors(base, 1)
			return noopFree, func() { _ = m.alloc.FreeSectors(newSec, newSectors) }, nil
		}
		return func() error { return m.alloc.FreeSectors(base, oldSectors) },
			func() { _ = m.alloc.FreeSectors(newSec, newSectors) },
			nil
	}

	appended := uint32(0)
	for oldSectors+appended < newSectors {
		if _, aerr := m.btree.AppendSector(f.EASecno, false, oldSectors+appended); aerr != nil {
			if appended > 0 {
				_ = m.btree.Truncate(f.EASecno, false, oldSectors)
			}
			return nil, nil, aerr
		}
		appended++
	}
	root := f.EASecno
	return noopFree, func() { _ = m.btree.Truncate(root, false, oldSectors) }, nil
}

// freeClaimed releases the partial extension a failed AllocIfPossible loop
// claimed: from base+oldSectors (or base itself, if wasEmpty's placeholder
// first sector is also unreferenced) through extended.
func (m *Mount) freeClaimed(wasEmpty bool, base, oldSectors, extended uint32) {
	if wasEmpty {
		_ = m.alloc.FreeSectors(base, extended)
		return
	}
	_ = m.alloc.FreeSectors(base+oldSectors, extended-oldSectors)
}

func noopFree() error { return nil }

// copySectors copies n sectors of data from the contiguous run starting at
// src to the one starting at dst, through the sector cache so any pending
// dirty data is seen. Grounded on anode.c's ntfs_ea_read/ntfs_ea_write
// sector-at-a-time copy loop, here run src-to-dst instead of buffer-to-disk.
func (m *Mount) copySectors(src, dst, n uint32) error {
	for i := uint32(0); i < n; i++ {
		rh, err := m.cache.GetSector(src + i)
		if err != nil {
			return ioErr("grow_ea", src+i, err)
		}
		buf := append([]byte{}, rh.Data...)
		m.cache.Release(rh)

		wh, err := m.cache.GetSector(dst + i)
		if err != nil {
			return ioErr("grow_ea", dst+i, err)
		}
		copy(wh.Data, buf)
		if err := m.cache.MarkDirty(wh); err != nil {
			m.cache.Release(wh)
			return ioErr("grow_ea", dst+i, err)
		}
		m.cache.Release(wh)
	}
	return nil
}

// migrateInlineToExternal moves the current inline EA blob into a freshly
// allocated external sector, per ea.c's inline-to-sector-run promotion.
func (m *Mount) migrateInlineToExternal(f *fnodeStruct) error {
	inline := append([]byte{}, inlineEARegion(f)...)
	sec, err := m.alloc.AllocSector(f.Sector, 1, 0)
	if err != nil {
		return err
	}
	h, err := m.cache.GetSector(sec)
	if err != nil {
		_ = m.alloc.FreeSectors(sec, 1)
		return ioErr("migrate_inline_ea", sec, err)
	}
	copy(h.Data, inline)
	if err := m.cache.MarkDirty(h); err != nil {
		m.cache.Release(h)
		_ = m.alloc.FreeSectors(sec, 1)
		return ioErr("migrate_inline_ea", sec, err)
	}
	m.cache.Release(h)

	f.EASizeL = uint32(len(inline))
	f.EASizeS = 0
	f.EASecno = sec
	f.Flags &^= FnodeFlagAnode
	return nil
}

// RemoveEA implements full fnode teardown's per-key cleanup for a caller
// that wants to drop a single named attribute; since this store never
// shrinks the inline/external region (mirroring the original driver, which
// also never compacts), removal here only follows and frees an INDIRECT
// record's external target, leaving a zero-valued record behind it would
// otherwise be unsafe to compact without rewriting every later offset.
func (m *Mount) RemoveEA(fno uint32, key string) error {
	if m.readOnly {
		return readOnlyErr("remove_ea")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, h, err := m.MapFnode(fno)
	if err != nil {
		return err
	}
	defer m.cache.Release(h)

	ea, ok, err := findInlineEA(f, key)
	if err != nil {
		return err
	}
	if !ok {
		ea, _, ok, err = m.findExternalEA(f, key)
		if err != nil {
			return err
		}
		if !ok {
			return notFoundErr("remove_ea", fno)
		}
	}
	if !ea.Indirect {
		return nil
	}
	length, sector, err := indirectTarget(ea.Value)
	if err != nil {
		return err
	}
	return m.eaRemove(sector, ea.Flags&eaFlagIndirectAnode != 0, length)
}

// eaRemove frees an INDIRECT record's external target: a plain sector run,
// or an anode tree plus its root anode. Grounded on anode.c's
// ntfs_ea_remove.
func (m *Mount) eaRemove(a uint32, inAnode bool, length uint32) error {
	if !inAnode {
		n := (length + bufcache.SectorSize - 1) / bufcache.SectorSize
		return m.alloc.FreeSectors(a, n)
	}
	if err := m.btree.Remove(a, false); err != nil {
		return err
	}
	return m.alloc.FreeSectors(a, 1)
}

// eaExtRemove walks an fnode's external EA region (plain run or anode
// tree) freeing any INDIRECT targets it finds, then frees the region
// itself. Grounded on ntfs_ea_ext_remove.
func (m *Mount) eaExtRemove(a uint32, inAnode bool, length uint32) error {
	pos := uint32(0)
	for pos < length {
		head, err := m.eaRead(a, inAnode, pos, 4)
		if err != nil {
			return err
		}
		flags := head[0]
		namelen := uint32(head[1])
		vallen := uint32(head[2]) | uint32(head[3])<<8
		if flags&EAFlagIndirect != 0 {
			if vallen != 8 {
				return corruptionErr("ea_ext_remove", a, errIndirectSize)
			}
			rest, err := m.eaRead(a, inAnode, pos+4, namelen+1+8)
			if err != nil {
				return err
			}
			target := rest[namelen+1:]
			tlen, tsec, err := indirectTarget(target)
			if err != nil {
				return err
			}
			if err := m.eaRemove(tsec, flags&eaFlagIndirectAnode != 0, tlen); err != nil {
				return err
			}
		}
		pos += namelen + vallen + 5
	}
	if !inAnode {
		n := (length + bufcache.SectorSize - 1) / bufcache.SectorSize
		return m.alloc.FreeSectors(a, n)
	}
	if err := m.btree.Remove(a, false); err != nil {
		return err
	}
	return m.alloc.FreeSectors(a, 1)
}
