package hpfs

// One-shot superblock-time loaders: the code page upper/lowercasing table
// and the bitmap-of-bitmaps directory (the flat array of per-band bitmap
// sector numbers consulted by BitmapAllocator). Grounded on
// original_source/map.c's ntfs_load_code_page and
// ntfs_load_bitmap_directory.

const (
	cpDirOffMagic       = 0x00
	cpDirOffNCodePages  = 0x04
	cpDirArrayStart     = 0x0C
	cpDirArrayIndexOff  = 0x00
	cpDirArrayDataOff   = 0x02
	cpDataOffsTableBase = 0x06
	cpDataOffsEntrySize = 2
	cpDataMaxOffs       = 0x178
)

// CodePageTable is a loaded upper/lower case-folding table for bytes
// 128-255, per ntfs_load_code_page's contract.
type CodePageTable struct {
	Upper [128]byte
	Lower [128]byte
}

// loadCodePage reads the code page directory rooted at sector cps and
// returns the first code page's folding table.
func (m *Mount) loadCodePage(cps uint32) (*CodePageTable, error) {
	h, err := m.cache.MapSector(cps, 0)
	if err != nil {
		return nil, ioErr("load_code_page", cps, err)
	}
	if byteOrder.Uint32(h.Data[cpDirOffMagic:]) != CPDirMagic {
		m.cache.Release(h)
		return nil, corruptionErr("load_code_page", cps, errCPDirMagic)
	}
	if byteOrder.Uint32(h.Data[cpDirOffNCodePages:]) == 0 {
		m.cache.Release(h)
		return nil, corruptionErr("load_code_page", cps, errCPDirEmpty)
	}
	entry := h.Data[cpDirArrayStart:]
	cpi := byteOrder.Uint16(entry[cpDirArrayIndexOff:])
	cpds := byteOrder.Uint32(entry[cpDirArrayDataOff:])
	m.cache.Release(h)

	if cpi >= 3 {
		return nil, corruptionErr("load_code_page", cps, errCPIndexRange)
	}

	dh, err := m.cache.MapSector(cpds, 0)
	if err != nil {
		return nil, ioErr("load_code_page", cpds, err)
	}
	defer m.cache.Release(dh)

	offsetsBase := cpDataOffsTableBase + int(cpi)*cpDataOffsEntrySize
	off := byteOrder.Uint16(dh.Data[offsetsBase:])
	if off > cpDataMaxOffs {
		return nil, corruptionErr("load_code_page", cpds, errCPSectorRange)
	}

	tbl := &CodePageTable{}
	start := int(off) + 6
	copy(tbl.Upper[:], dh.Data[start:start+128])
	for i := 0; i < 128; i++ {
		tbl.Lower[i] = byte(128 + i)
	}
	for i := 0; i < 128; i++ {
		up := tbl.Upper[i]
		if up != byte(128+i) && up >= 128 {
			tbl.Lower[up-128] = byte(128 + i)
		}
	}
	return tbl, nil
}

// loadBitmapDirectory reads the flat array of per-band bitmap sector
// numbers starting at sector bmp, sized from the mount's filesystem size:
// one directory sector (128 entries of one 16384-sector band each) per 2^21
// filesystem sectors.
func (m *Mount) loadBitmapDirectory(bmp uint32) ([]uint32, error) {
	n := int((m.cache.FilesystemSize() + (1 << 21) - 1) >> 21)
	dirs := make([]uint32, 0, n*128)
	for i := 0; i < n; i++ {
		h, err := m.cache.MapSector(bmp+uint32(i), n-i-1)
		if err != nil {
			return nil, ioErr("load_bitmap_directory", bmp+uint32(i), err)
		}
		for off := 0; off+4 <= len(h.Data); off += 4 {
			dirs = append(dirs, byteOrder.Uint32(h.Data[off:]))
		}
		m.cache.Release(h)
	}
	return dirs, nil
}

var (
	errCPDirMagic    = &Error{Kind: KindCorruption, Op: "load_code_page"}
	errCPDirEmpty    = &Error{Kind: KindCorruption, Op: "load_code_page"}
	errCPIndexRange  = &Error{Kind: KindCorruption, Op: "load_code_page"}
	errCPSectorRange = &Error{Kind: KindCorruption, Op: "load_code_page"}
)
