package hpfs

// On-disk magic numbers, carried over literally from the original HPFS
// driver (original_source/ntfs_fn.h). Values are the same regardless of
// host endianness: they are matched against the little-endian bytes already
// decoded into a uint32.
const (
	FnodeMagic = 0xF7E4_0F7E
	AnodeMagic = 0x3723_8527
	DnodeMagic = 0x7772_2777
	CPDirMagic = 0x1F77_34F0
)

// Node capacities: fixed by the on-disk format, not configurable.
const (
	FnodeInternalSlots = 12
	FnodeExternalSlots = 8
	AnodeInternalSlots = 60
	AnodeExternalSlots = 40
)

// Slot sizes in bytes.
const (
	InternalSlotSize = 8  // {file_secno uint32, down uint32}
	ExternalSlotSize = 12 // {file_secno uint32, length uint32, disk_secno uint32}
)

// bplusHeaderSize is the fixed 8-byte header preceding every entry array,
// in both fnode- and anode-embedded btrees. See DESIGN.md Open Question 1
// for why this is 8, not the 12 the distilled text also mentions.
const bplusHeaderSize = 8

// bplus_header.flags bits.
const (
	BPInternal     = 1 << 0 // node holds down-pointers
	BPFnodeParent  = 1 << 1 // this node's parent is an fnode, not an anode
)

// fnode.flags bits.
const (
	FnodeFlagDir   = 1 << 0 // fnode describes a directory
	FnodeFlagAnode = 1 << 1 // external EA storage is an anode tree, not a plain run
)

// extended_attribute.flags bits.
const (
	EAFlagIndirect = 1 << 0
	// eaFlagIndirectAnode marks an INDIRECT record's target as anode-tree
	// backed rather than a plain sector run; carried in the same record's
	// flags byte alongside EAFlagIndirect, per §4.F.5.
	eaFlagIndirectAnode = 1 << 1
)

// Byte offsets within a 512-byte fnode sector.
const (
	fnodeOffMagic     = 0x00
	fnodeOffUp        = 0x04
	fnodeOffBPlus     = 0x08
	fnodeOffFlags     = 0x70
	fnodeOffFileSize  = 0x74
	fnodeOffEASecno   = 0x7C
	fnodeOffEASizeL   = 0x80
	fnodeOffEAOffs    = 0x84
	fnodeOffACLSizeS  = 0x86
	fnodeOffEASizeS   = 0x88
	fnodeEAAreaStart  = 0xC4
	fnodeEAAreaEnd    = 0x200
	fnodeSectorSize   = 512
)

// Byte offsets within a 512-byte anode sector.
const (
	anodeOffMagic   = 0x00
	anodeOffSelf    = 0x04
	anodeOffUp      = 0x08
	anodeOffBPlus   = 0x0C
	anodeSectorSize = 512
)

// Byte offsets within a 2048-byte (4-sector) dnode quad.
const (
	dnodeOffMagic      = 0x00
	dnodeOffSelf       = 0x04
	dnodeOffFirstFree  = 0x10
	dnodeDirentStart   = 20
	dnodeQuadSize      = 2048
	dnodeDirentMinLen  = 0x20
	dnodeDirentMaxLen  = 0x124
)

// Tuning constants, required to be literal-equivalent to the original
// driver (spec §6).
const (
	AllocFwdMin   = 16
	AllocFwdMax   = 128
	AllocM        = 1
	FnodeRdAhead  = 16
	AnodeRdAhead  = 0
	DnodeRdAhead  = 72
	CountRdAhead  = 62
	eaGrowthCap   = 30000
	bandSize      = 16384 // sectors per bitmap band (sb_bmp_dir granularity)
)

// sentinelFileSecno terminates every internal node's entry array.
const sentinelFileSecno = 0xFFFFFFFF
