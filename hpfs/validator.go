package hpfs

// Structure mapper & validator (§4.B): loads fnodes, anodes and dnodes
// through the sector cache and, when the mount's check level requires it,
// runs the same magic/invariant checks the original driver's map.c does in
// ntfs_map_fnode / ntfs_map_anode / ntfs_map_dnode. A validation failure is
// logged and surfaced as a CorruptionError; the caller treats it exactly
// like an I/O failure.

import (
	"github.com/hpfscore/hpfs/internal/bufcache"
)

// CheckLevel controls how much validation MapFnode/MapAnode/MapDnode do.
// Mirrors the original's sb_chk: 0 disables checks entirely, 1 enables the
// structural checks above, 2 additionally accepts a dirent whose length is
// larger than its namelen/down fields imply (at level 1 any difference is
// rejected). No dnode down-pointer balance check is made at any level.
type CheckLevel int

const (
	CheckNone CheckLevel = iota
	CheckBasic
	CheckFull
)

// MapFnode loads and, if m.checkLevel > CheckNone, validates the fnode at
// sector ino. Grounded on map.c's ntfs_map_fnode.
func (m *Mount) MapFnode(ino uint32) (*fnodeStruct, *bufcache.Handle, error) {
	h, err := m.cache.MapSector(ino, FnodeRdAhead)
	if err != nil {
		return nil, nil, ioErr("map_fnode", ino, err)
	}
	f, err := decodeFnode(h.Data)
	if err != nil {
		m.cache.Release(h)
		return nil, nil, err
	}
	f.Sector = ino

	if m.checkLevel > CheckNone {
		if magicOf(h.Data) != FnodeMagic {
			m.logf("map_fnode", ino, "bad magic on fnode")
			m.cache.Release(h)
			return nil, nil, corruptionErr("map_fnode", ino, errBadMagic)
		}
		if !f.isDir() {
			if err := checkBplusCapacity(f.Tree, FnodeInternalSlots, FnodeExternalSlots); err != nil {
				m.logf("map_fnode", ino, "bad number of nodes in fnode")
				m.cache.Release(h)
				return nil, nil, corruptionErr("map_fnode", ino, err)
			}
			if f.Tree.header.FirstFree != f.Tree.expectedFirstFree() {
				m.logf("map_fnode", ino, "bad first_free pointer in fnode")
				m.cache.Release(h)
				return nil, nil, corruptionErr("map_fnode", ino, errBadFirstFree)
			}
		}
		if f.EASizeS != 0 && (f.EAOffs < fnodeEAAreaStart ||
			uint32(f.EAOffs)+uint32(f.ACLSizeS)+uint32(f.EASizeS) > fnodeEAAreaEnd) {
			m.logf("map_fnode", ino, "bad EA info in fnode")
			m.cache.Release(h)
			return nil, nil, corruptionErr("map_fnode", ino, errBadEALayout)
		}
		if err := walkInlineEAs(f); err != nil {
			m.logf("map_fnode", ino, "bad EA in fnode")
			m.cache.Release(h)
			return nil, nil, err
		}
	}
	return f, h, nil
}

// MapAnode loads and validates the anode at sector ano. Grounded on map.c's
// ntfs_map_anode.
func (m *Mount) MapAnode(ano uint32) (*anodeStruct, *bufcache.Handle, error) {
	h, err := m.cache.MapSector(ano, AnodeRdAhead)
	if err != nil {
		return nil, nil, ioErr("map_anode", ano, err)
	}
	a, err := decodeAnode(ano, h.Data)
	if err != nil {
		m.cache.Release(h)
		return nil, nil, err
	}

	if m.checkLevel > CheckNone {
		if magicOf(h.Data) != AnodeMagic {
			m.logf("map_anode", ano, "bad magic on anode")
			m.cache.Release(h)
			return nil, nil, corruptionErr("map_anode", ano, errBadMagic)
		}
		if a.Self != ano {
			m.logf("map_anode", ano, "self pointer invalid on anode")
			m.cache.Release(h)
			return nil, nil, corruptionErr("map_anode", ano, errBadSelf)
		}
		if err := checkBplusCapacity(a.Tree, AnodeInternalSlots, AnodeExternalSlots); err != nil {
			m.logf("map_anode", ano, "bad number of nodes in anode")
			m.cache.Release(h)
			return nil, nil, corruptionErr("map_anode", ano, err)
		}
		if a.Tree.header.FirstFree != a.Tree.expectedFirstFree() {
			m.logf("map_anode", ano, "bad first_free pointer in anode")
			m.cache.Release(h)
			return nil, nil, corruptionErr("map_anode", ano, errBadFirstFree)
		}
	}
	return a, h, nil
}

// dnodeView is the opaque, validated-only decode of a directory node: the
// core never interprets dirent payloads, only walks their length fields.
type dnodeView struct {
	Self      uint32
	FirstFree uint32
	Raw       []byte // 2048 bytes
}

// MapDnode loads and validates the 4-sector dnode at secno. Grounded on
// map.c's ntfs_map_dnode; dirents themselves remain opaque to the core.
func (m *Mount) MapDnode(secno uint32) (*dnodeView, *bufcache.Quad, error) {
	if secno%4 != 0 {
		return nil, nil, corruptionErr("map_dnode", secno, errDnodeAlign)
	}
	q, err := m.cache.Map4(secno, DnodeRdAhead)
	if err != nil {
		return nil, nil, ioErr("map_dnode", secno, err)
	}

	dv := &dnodeView{
		Self:      byteOrder.Uint32(q.Data[dnodeOffSelf:]),
		FirstFree: byteOrder.Uint32(q.Data[dnodeOffFirstFree:]),
		Raw:       q.Data,
	}

	if m.checkLevel > CheckNone {
		if magicOf(q.Data) != DnodeMagic {
			m.logf("map_dnode", secno, "bad magic on dnode")
			q.Release4()
			return nil, nil, corruptionErr("map_dnode", secno, errBadMagic)
		}
		if dv.Self != secno {
			m.logf("map_dnode", secno, "bad self pointer on dnode")
			q.Release4()
			return nil, nil, corruptionErr("map_dnode", secno, errBadSelf)
		}
		if dv.FirstFree > dnodeQuadSize {
			m.logf("map_dnode", secno, "dnode first_free out of range")
			q.Release4()
			return nil, nil, corruptionErr("map_dnode", secno, errDnodeFirstFree)
		}
		if err := walkDirents(q.Data, dv.FirstFree, m.checkLevel >= CheckFull); err != nil {
			m.logf("map_dnode", secno, "bad dirent")
			q.Release4()
			return nil, nil, err
		}
	}
	return dv, q, nil
}

func checkBplusCapacity(t *bplusTree, capInternal, capExternal int) error {
	want := capExternal
	if t.isInternal() {
		want = capInternal
	}
	if t.nUsed()+t.nFree() != want {
		return errBadCapacity
	}
	return nil
}

func walkInlineEAs(f *fnodeStruct) error {
	if f.EASizeS == 0 {
		return nil
	}
	start := int(f.EAOffs) + int(f.ACLSizeS)
	end := start + int(f.EASizeS)
	if end > len(f.raw) {
		return corruptionErr("map_fnode", f.Sector, errBadEALayout)
	}
	buf := f.raw[start:end]
	pos := 0
	for pos < len(buf) {
		_, n, err := decodeEARecord(buf[pos:])
		if err != nil {
			return err
		}
		pos += n
	}
	return nil
}

// walkDirents replays map.c's dirent length walk: each entry's length must
// be in [0x20, 0x124], 4-byte aligned, and consistent with namelen/down, and
// the walk must land exactly on firstFree with a 01 FF terminator on the
// last dirent visited.
func walkDirents(raw []byte, firstFree uint32, strict bool) error {
	p := dnodeDirentStart
	last := p
	for uint32(p) < firstFree {
		if p+2 > len(raw) {
			return corruptionErr("map_dnode", 0, errDirentBounds)
		}
		length := int(raw[p]) | int(raw[p+1])<<8
		if length > dnodeDirentMaxLen || length < dnodeDirentMinLen || length&3 != 0 || p+length > dnodeQuadSize {
			return corruptionErr("map_dnode", 0, errDirentBounds)
		}
		namelen := int(raw[p+30])
		down := raw[p+31]
		expected := (31 + namelen + int(down)*4 + 3) &^ 3
		if expected != length {
			if !(expected < length && strict) {
				return corruptionErr("map_dnode", 0, errDirentLen)
			}
		}
		if down != 0 {
			downPtr := byteOrder.Uint32(raw[p+length-4:])
			if downPtr < 0x10 {
				return corruptionErr("map_dnode", 0, errDirentDown)
			}
		}
		last = p
		p += length
	}
	if uint32(p) != firstFree {
		return corruptionErr("map_dnode", 0, errDirentFirstFreeMismatch)
	}
	if raw[last+30] != 1 || raw[last+31] != 255 {
		return corruptionErr("map_dnode", 0, errDirentTerminator)
	}
	return nil
}

var (
	errBadMagic                = &Error{Kind: KindCorruption, Op: "validate"}
	errBadSelf                 = &Error{Kind: KindCorruption, Op: "validate"}
	errBadCapacity             = &Error{Kind: KindCorruption, Op: "validate"}
	errBadFirstFree            = &Error{Kind: KindCorruption, Op: "validate"}
	errBadEALayout             = &Error{Kind: KindCorruption, Op: "validate"}
	errDnodeAlign              = &Error{Kind: KindCorruption, Op: "validate"}
	errDnodeFirstFree          = &Error{Kind: KindCorruption, Op: "validate"}
	errDirentBounds            = &Error{Kind: KindCorruption, Op: "validate"}
	errDirentLen               = &Error{Kind: KindCorruption, Op: "validate"}
	errDirentDown              = &Error{Kind: KindCorruption, Op: "validate"}
	errDirentFirstFreeMismatch = &Error{Kind: KindCorruption, Op: "validate"}
	errDirentTerminator        = &Error{Kind: KindCorruption, Op: "validate"}
)
