package hpfs

// On-disk structure decoding. The fixed 8-byte bplus_header is unpacked with
// go-restruct (grounded in dsoprea-go-exfat's structures.go); a
// recover()-at-the-boundary wrapper turns any panic from a malformed buffer
// into an error instead of letting it propagate, mirroring that package's
// parseN, and decodeBplusTree surfaces it as a typed CorruptionError. The
// fnode and anode fields and the variable-length portions (the btree entry
// arrays themselves, EA records, dnode dirents) are decoded by hand with
// encoding/binary, in the style of filesystem/ext4/extent.go.

import (
	"encoding/binary"
	"reflect"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

var byteOrder = binary.LittleEndian

// unpackFixed decodes the fixed-size head of raw into x via restruct,
// recovering from any panic restruct.Unpack raises on malformed input and
// returning it as a plain error instead.
func unpackFixed(raw []byte, x interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if asErr, ok := r.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("hpfs: restruct panic decoding %s: %v", reflect.TypeOf(x).Elem().Name(), r)
			}
		}
	}()

	if unpackErr := restruct.Unpack(raw, byteOrder, x); unpackErr != nil {
		log.PanicIf(unpackErr)
	}
	return nil
}

// bplusHeaderOnDisk is the fixed 8-byte header preceding every btree entry
// array embedded in an fnode or anode.
type bplusHeaderOnDisk struct {
	Flags       uint8
	NFreeNodes  uint8
	NUsedNodes  uint8
	_           uint8 // reserved
	FirstFree   uint16
	_           uint16 // reserved
}

// internalEntry is one {file_secno, down} slot of an internal btree node.
type internalEntry struct {
	FileSecno uint32
	Down      uint32
}

// externalEntry is one {file_secno, length, disk_secno} slot of a leaf
// btree node.
type externalEntry struct {
	FileSecno uint32
	Length    uint32
	DiskSecno uint32
}

// bplusTree is the decoded, in-memory view of a bplus_header plus its entry
// array, shared by fnode- and anode-embedded trees. capacity distinguishes
// the two hosting kinds (12/8 for fnodes, 60/40 for anodes).
type bplusTree struct {
	header   bplusHeaderOnDisk
	internal []internalEntry // populated iff header.Flags&BPInternal != 0
	external []externalEntry // populated iff header.Flags&BPInternal == 0

	capInternal int
	capExternal int
}

func (t *bplusTree) isInternal() bool { return t.header.Flags&BPInternal != 0 }
func (t *bplusTree) fnodeParent() bool { return t.header.Flags&BPFnodeParent != 0 }

// capacity returns the slot capacity for this tree's current kind.
func (t *bplusTree) capacity() int {
	if t.isInternal() {
		return t.capInternal
	}
	return t.capExternal
}

func (t *bplusTree) slotSize() int {
	if t.isInternal() {
		return InternalSlotSize
	}
	return ExternalSlotSize
}

func (t *bplusTree) nUsed() int { return int(t.header.NUsedNodes) }
func (t *bplusTree) nFree() int { return int(t.header.NFreeNodes) }

// expectedFirstFree computes invariant 4's formula relative to the start of
// the header (so the 8-byte header itself is counted — matching the
// original's "first_free relative to header").
func (t *bplusTree) expectedFirstFree() uint16 {
	return uint16(bplusHeaderSize + t.nUsed()*t.slotSize())
}

// decodeBplusTree parses an 8-byte header plus entry array out of raw,
// starting at raw[0]. capInternal/capExternal are the hosting node's slot
// capacities.
func decodeBplusTree(raw []byte, capInternal, capExternal int) (*bplusTree, error) {
	var hdr bplusHeaderOnDisk
	if err := unpackFixed(raw[:8], &hdr); err != nil {
		return nil, corruptionErr("decode_bplus_tree", 0, err)
	}
	t := &bplusTree{header: hdr, capInternal: capInternal, capExternal: capExternal}

	entries := raw[bplusHeaderSize:]
	if t.isInternal() {
		t.internal = make([]internalEntry, t.nUsed())
		for i := range t.internal {
			off := i * InternalSlotSize
			if off+InternalSlotSize > len(entries) {
				return nil, corruptionErr("decode_bplus_tree", 0, errEntryOverrun)
			}
			t.internal[i] = internalEntry{
				FileSecno: byteOrder.Uint32(entries[off:]),
				Down:      byteOrder.Uint32(entries[off+4:]),
			}
		}
	} else {
		t.external = make([]externalEntry, t.nUsed())
		for i := range t.external {
			off := i * ExternalSlotSize
			if off+ExternalSlotSize > len(entries) {
				return nil, corruptionErr("decode_bplus_tree", 0, errEntryOverrun)
			}
			t.external[i] = externalEntry{
				FileSecno: byteOrder.Uint32(entries[off:]),
				Length:    byteOrder.Uint32(entries[off+4:]),
				DiskSecno: byteOrder.Uint32(entries[off+8:]),
			}
		}
	}
	return t, nil
}

// encodeBplusTree writes t back into raw starting at raw[0], recomputing
// NFreeNodes/FirstFree from the current entry slice so callers only ever
// mutate the entry slices and call this once before marking the buffer
// dirty.
func encodeBplusTree(raw []byte, t *bplusTree) {
	n := t.nUsedFromEntries()
	t.header.NUsedNodes = uint8(n)
	t.header.NFreeNodes = uint8(t.capacity() - n)
	t.header.FirstFree = t.expectedFirstFree()

	raw[0] = t.header.Flags
	raw[1] = t.header.NFreeNodes
	raw[2] = t.header.NUsedNodes
	raw[3] = 0
	byteOrder.PutUint16(raw[4:], t.header.FirstFree)
	raw[6], raw[7] = 0, 0

	entries := raw[bplusHeaderSize:]
	if t.isInternal() {
		for i, e := range t.internal {
			off := i * InternalSlotSize
			byteOrder.PutUint32(entries[off:], e.FileSecno)
			byteOrder.PutUint32(entries[off+4:], e.Down)
		}
	} else {
		for i, e := range t.external {
			off := i * ExternalSlotSize
			byteOrder.PutUint32(entries[off:], e.FileSecno)
			byteOrder.PutUint32(entries[off+4:], e.Length)
			byteOrder.PutUint32(entries[off+8:], e.DiskSecno)
		}
	}
}

func (t *bplusTree) nUsedFromEntries() int {
	if t.isInternal() {
		return len(t.internal)
	}
	return len(t.external)
}

var errEntryOverrun = &Error{Kind: KindCorruption, Op: "decode_bplus_tree"}

// fnodeStruct is the in-memory decode of a 512-byte fnode sector.
type fnodeStruct struct {
	Sector   uint32
	Up       uint32
	Tree     *bplusTree
	Flags    uint32
	FileSize uint64
	EASecno  uint32
	EASizeL  uint32
	EAOffs   uint16
	ACLSizeS uint16
	EASizeS  uint16
	raw      [fnodeSectorSize]byte
}

func (f *fnodeStruct) isDir() bool       { return f.Flags&FnodeFlagDir != 0 }
func (f *fnodeStruct) eaInAnode() bool   { return f.Flags&FnodeFlagAnode != 0 }

// decodeFnode parses a 512-byte fnode sector. Structural validation (magic,
// invariant checks) is performed by validator.go, not here: this function
// only does the mechanical byte-to-field decode.
func decodeFnode(raw []byte) (*fnodeStruct, error) {
	if len(raw) != fnodeSectorSize {
		return nil, corruptionErr("decode_fnode", 0, errBadSectorLen)
	}
	f := &fnodeStruct{}
	copy(f.raw[:], raw)

	f.Up = byteOrder.Uint32(raw[fnodeOffUp:])
	tree, err := decodeBplusTree(raw[fnodeOffBPlus:fnodeOffFlags], FnodeInternalSlots, FnodeExternalSlots)
	if err != nil {
		return nil, err
	}
	f.Tree = tree
	f.Flags = byteOrder.Uint32(raw[fnodeOffFlags:])
	f.FileSize = binary.LittleEndian.Uint64(raw[fnodeOffFileSize:])
	f.EASecno = byteOrder.Uint32(raw[fnodeOffEASecno:])
	f.EASizeL = byteOrder.Uint32(raw[fnodeOffEASizeL:])
	f.EAOffs = byteOrder.Uint16(raw[fnodeOffEAOffs:])
	f.ACLSizeS = byteOrder.Uint16(raw[fnodeOffACLSizeS:])
	f.EASizeS = byteOrder.Uint16(raw[fnodeOffEASizeS:])
	return f, nil
}

func magicOf(raw []byte) uint32 { return byteOrder.Uint32(raw) }

// encode serializes f's fields (including its tree) back into f.raw and
// returns the buffer, ready to be copied into a cache handle and dirtied.
func (f *fnodeStruct) encode() []byte {
	byteOrder.PutUint32(f.raw[fnodeOffMagic:], FnodeMagic)
	byteOrder.PutUint32(f.raw[fnodeOffUp:], f.Up)
	encodeBplusTree(f.raw[fnodeOffBPlus:fnodeOffFlags], f.Tree)
	byteOrder.PutUint32(f.raw[fnodeOffFlags:], f.Flags)
	binary.LittleEndian.PutUint64(f.raw[fnodeOffFileSize:], f.FileSize)
	byteOrder.PutUint32(f.raw[fnodeOffEASecno:], f.EASecno)
	byteOrder.PutUint32(f.raw[fnodeOffEASizeL:], f.EASizeL)
	byteOrder.PutUint16(f.raw[fnodeOffEAOffs:], f.EAOffs)
	byteOrder.PutUint16(f.raw[fnodeOffACLSizeS:], f.ACLSizeS)
	byteOrder.PutUint16(f.raw[fnodeOffEASizeS:], f.EASizeS)
	return f.raw[:]
}

// anodeStruct is the in-memory decode of a 512-byte anode sector.
type anodeStruct struct {
	Sector uint32
	Self   uint32
	Up     uint32
	Tree   *bplusTree
	raw    [anodeSectorSize]byte
}

func decodeAnode(sector uint32, raw []byte) (*anodeStruct, error) {
	if len(raw) != anodeSectorSize {
		return nil, corruptionErr("decode_anode", sector, errBadSectorLen)
	}
	a := &anodeStruct{Sector: sector}
	copy(a.raw[:], raw)

	a.Self = byteOrder.Uint32(raw[anodeOffSelf:])
	a.Up = byteOrder.Uint32(raw[anodeOffUp:])
	tree, err := decodeBplusTree(raw[anodeOffBPlus:anodeSectorSize], AnodeInternalSlots, AnodeExternalSlots)
	if err != nil {
		return nil, err
	}
	a.Tree = tree
	return a, nil
}

func (a *anodeStruct) encode() []byte {
	byteOrder.PutUint32(a.raw[anodeOffMagic:], AnodeMagic)
	byteOrder.PutUint32(a.raw[anodeOffSelf:], a.Self)
	byteOrder.PutUint32(a.raw[anodeOffUp:], a.Up)
	encodeBplusTree(a.raw[anodeOffBPlus:anodeSectorSize], a.Tree)
	return a.raw[:]
}

var errBadSectorLen = &Error{Kind: KindCorruption, Op: "decode"}

// extendedAttribute is one decoded EA record, inline or external.
type extendedAttribute struct {
	Flags    uint8
	Name     string
	Value    []byte // raw stored value; if Flags&EAFlagIndirect, this is the 8-byte {length,sector} trailer
	Indirect bool
}

// encodedLen returns the on-disk byte length of this record.
func (ea *extendedAttribute) encodedLen() int {
	return 4 + len(ea.Name) + 1 + len(ea.Value)
}

// decodeEARecord decodes one extended_attribute record from buf starting at
// offset 0, returning the record and the number of bytes it occupied.
func decodeEARecord(buf []byte) (*extendedAttribute, int, error) {
	if len(buf) < 4 {
		return nil, 0, corruptionErr("decode_ea_record", 0, errEARecordShort)
	}
	flags := buf[0]
	namelen := int(buf[1])
	vallenLo := buf[2]
	vallenHi := buf[3]
	vallen := int(vallenLo) | int(vallenHi)<<8

	nameEnd := 4 + namelen + 1 // name plus its NUL terminator
	valEnd := nameEnd + vallen
	if valEnd > len(buf) {
		return nil, 0, corruptionErr("decode_ea_record", 0, errEARecordShort)
	}
	name := string(buf[4 : 4+namelen])
	value := make([]byte, vallen)
	copy(value, buf[nameEnd:valEnd])

	return &extendedAttribute{
		Flags:    flags,
		Name:     name,
		Value:    value,
		Indirect: flags&EAFlagIndirect != 0,
	}, valEnd, nil
}

// encodeEARecord writes ea into buf starting at offset 0 and returns the
// slice actually written.
func encodeEARecord(ea *extendedAttribute) []byte {
	buf := make([]byte, ea.encodedLen())
	buf[0] = ea.Flags
	buf[1] = byte(len(ea.Name))
	buf[2] = byte(len(ea.Value))
	buf[3] = byte(len(ea.Value) >> 8)
	copy(buf[4:], ea.Name)
	buf[4+len(ea.Name)] = 0
	copy(buf[4+len(ea.Name)+1:], ea.Value)
	return buf
}

// indirectTarget decodes an INDIRECT record's 8-byte value into its
// {length, sector} target.
func indirectTarget(value []byte) (length uint32, sector uint32, err error) {
	if len(value) != 8 {
		return 0, 0, corruptionErr("indirect_target", 0, errIndirectSize)
	}
	return byteOrder.Uint32(value), byteOrder.Uint32(value[4:]), nil
}

func encodeIndirectTarget(length, sector uint32) []byte {
	buf := make([]byte, 8)
	byteOrder.PutUint32(buf, length)
	byteOrder.PutUint32(buf[4:], sector)
	return buf
}

var (
	errEARecordShort = &Error{Kind: KindCorruption, Op: "decode_ea_record"}
	errIndirectSize  = &Error{Kind: KindCorruption, Op: "indirect_target"}
)
