package hpfs

// Block allocator (§4.I, newly specified): a concrete bitmap-of-bitmaps
// implementation so the allocation core is runnable standalone against a
// disk image, grounded in the original's bitmap-band scheme (map.c's
// ntfs_map_bitmap / sb_bmp_dir) and in the teacher's util/bitmap idiom
// (here internal/bitmap).
//
// The filesystem is divided into bandSize (16384) sector bands. bmpDir
// gives, for each band, the sector of that band's 4-sector (2048-byte,
// 16384-bit) free bitmap — one bit per sector of the band, 0 == free.

import (
	"github.com/hpfscore/hpfs/internal/bitmap"
	"github.com/hpfscore/hpfs/internal/bufcache"
)

// Allocator is the block allocator interface §6 names as consumed: the
// btree engine, the EA store and fnode removal all depend on this, never on
// the concrete bitmap implementation directly.
type Allocator interface {
	// AllocSector allocates count contiguous sectors starting near hint,
	// using forwardHint as a secondary placement bias (ALLOC_FWD_* derived
	// by the caller), returning the first sector or an OutOfSpace error.
	AllocSector(hint uint32, count uint32, forwardHint uint32) (uint32, error)
	// AllocIfPossible claims sec iff it is free, returning whether it
	// succeeded.
	AllocIfPossible(sec uint32) (bool, error)
	// FreeSectors clears count contiguous bits starting at sec.
	FreeSectors(sec uint32, count uint32) error
}

// BitmapAllocator is the bitmap-of-bitmaps Allocator.
type BitmapAllocator struct {
	cache  *bufcache.Cache
	bmpDir []uint32 // band index -> sector of that band's 4-sector bitmap
	m      *Mount
}

// NewBitmapAllocator wraps the code-page/bitmap-directory loader's bmpDir
// (§4.H) as a live Allocator.
func NewBitmapAllocator(m *Mount, cache *bufcache.Cache, bmpDir []uint32) *BitmapAllocator {
	return &BitmapAllocator{cache: cache, bmpDir: bmpDir, m: m}
}

func (a *BitmapAllocator) numBands() uint32 {
	return uint32(len(a.bmpDir))
}

func (a *BitmapAllocator) bandOf(sec uint32) uint32 { return sec / bandSize }

// loadBand reads band b's bitmap as a quad buffer plus a decoded Bitmap
// view. Callers that mutate must call storeBand before releasing the quad.
func (a *BitmapAllocator) loadBand(b uint32) (*bufcache.Quad, *bitmap.Bitmap, error) {
	if b >= a.numBands() {
		return nil, nil, outOfSpaceErr("alloc_sector")
	}
	q, err := a.cache.Map4(a.bmpDir[b], 4)
	if err != nil {
		return nil, nil, ioErr("alloc_sector", a.bmpDir[b], err)
	}
	return q, bitmap.FromBytes(q.Data), nil
}

func (a *BitmapAllocator) storeBand(q *bufcache.Quad, bm *bitmap.Bitmap) error {
	copy(q.Data, bm.ToBytes())
	return q.Mark4Dirty()
}

// AllocIfPossible implements the single-sector "allocate if adjacent free"
// primitive used by append-time extend-in-place (§4.E.3 step 2).
func (a *BitmapAllocator) AllocIfPossible(sec uint32) (bool, error) {
	b := a.bandOf(sec)
	q, bm, err := a.loadBand(b)
	if err != nil {
		if e, ok := err.(*Error); ok && e.Kind == KindOutOfSpace {
			return false, nil
		}
		return false, err
	}
	defer q.Release4()

	local := int(sec % bandSize)
	free, err := bm.IsFree(local)
	if err != nil {
		return false, corruptionErr("alloc_if_possible", sec, err)
	}
	if !free {
		return false, nil
	}
	if err := bm.Use(local); err != nil {
		return false, corruptionErr("alloc_if_possible", sec, err)
	}
	if err := a.storeBand(q, bm); err != nil {
		return false, ioErr("alloc_if_possible", sec, err)
	}
	return true, nil
}

// AllocSector finds count contiguous free sectors, preferring hint's band
// and falling back to the following bands (wrapping around to band 0) on
// exhaustion. In hint's own band the scan starts at hint; in every other
// band it starts at forwardHint's offset within the band (or at the band's
// start when forwardHint is 0).
func (a *BitmapAllocator) AllocSector(hint uint32, count uint32, forwardHint uint32) (uint32, error) {
	if count == 0 {
		return 0, invalidArgErr("alloc_sector", errZeroCount)
	}
	startBand := a.bandOf(hint)
	for bOff := uint32(0); bOff < a.numBands(); bOff++ {
		b := (startBand + bOff) % a.numBands()
		q, bm, err := a.loadBand(b)
		if err != nil {
			return 0, err
		}

		searchStart := 0
		if b == startBand {
			searchStart = int(hint % bandSize)
		} else if forwardHint != 0 {
			searchStart = int(forwardHint % bandSize)
		}

		sec, ok := findRun(bm, searchStart, int(count))
		if !ok {
			q.Release4()
			continue
		}
		for i := 0; i < int(count); i++ {
			if err := bm.Use(sec + i); err != nil {
				q.Release4()
				return 0, corruptionErr("alloc_sector", 0, err)
			}
		}
		if err := a.storeBand(q, bm); err != nil {
			q.Release4()
			return 0, ioErr("alloc_sector", 0, err)
		}
		q.Release4()
		return b*bandSize + uint32(sec), nil
	}
	return 0, outOfSpaceErr("alloc_sector")
}

// findRun scans bm for count consecutive free bits starting at or after
// start, wrapping once to the beginning of the band if nothing is found
// after start.
func findRun(bm *bitmap.Bitmap, start int, count int) (int, bool) {
	for _, base := range []int{start, 0} {
		pos := base
		for pos+count <= bm.Len() {
			free := bm.FirstFree(pos)
			if free == -1 || free+count > bm.Len() {
				break
			}
			runEnd := free
			ok := true
			for i := 0; i < count; i++ {
				isFree, err := bm.IsFree(free + i)
				if err != nil || !isFree {
					ok = false
					runEnd = free + i + 1
					break
				}
			}
			if ok {
				return free, true
			}
			pos = runEnd
		}
		if base == 0 && start == 0 {
			break // avoid scanning the same range twice when start was already 0
		}
	}
	return 0, false
}

// FreeSectors clears count contiguous bits starting at sec, crossing band
// boundaries sector by sector.
func (a *BitmapAllocator) FreeSectors(sec uint32, count uint32) error {
	remaining := count
	cur := sec
	for remaining > 0 {
		b := a.bandOf(cur)
		q, bm, err := a.loadBand(b)
		if err != nil {
			return err
		}
		local := int(cur % bandSize)
		n := 0
		for n < int(remaining) && local+n < int(bandSize) {
			if err := bm.Free(local + n); err != nil {
				q.Release4()
				return corruptionErr("free_sectors", cur, err)
			}
			n++
		}
		if err := a.storeBand(q, bm); err != nil {
			q.Release4()
			return ioErr("free_sectors", cur, err)
		}
		q.Release4()
		cur += uint32(n)
		remaining -= uint32(n)
	}
	return nil
}

var errZeroCount = &Error{Kind: KindInvalidArgument, Op: "alloc_sector"}
