// Package bufcache implements the sector buffer cache adaptor described in
// the allocation core's design: mapping a single 512-byte sector, or an
// aligned run of four sectors as one contiguous 2 KiB scratch buffer, on top
// of a backend.Storage block device.
//
// It is grounded on the original HPFS driver's buffer.c (ntfs_map_sector,
// ntfs_get_sector, ntfs_map_4sectors, ntfs_brelse4,
// ntfs_mark_4buffers_dirty): reads are cached and shared within one mount
// session, and a dirty mark writes straight back through to the backing
// store so that later reads in the same operation observe the write
// (buffer.c relies on the page cache for the same property; here the cache
// entry itself is the single source of truth).
package bufcache

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hpfscore/hpfs/backend"
)

// SectorSize is the fixed block size this filesystem core operates on.
const SectorSize = 512

// Cache adapts a backend.Storage to sector-addressed buffer handles.
type Cache struct {
	mu      sync.Mutex
	storage backend.Storage
	fsSize  uint32 // sb_fs_size: sectors in the filesystem, not necessarily the device
	entries map[uint32]*entry
	log     *logrus.Entry
}

type entry struct {
	data  [SectorSize]byte
	dirty bool
	refs  int
}

// New creates a Cache over storage for a filesystem of fsSize sectors.
func New(storage backend.Storage, fsSize uint32, log *logrus.Entry) *Cache {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Cache{
		storage: storage,
		fsSize:  fsSize,
		entries: make(map[uint32]*entry),
		log:     log,
	}
}

// FilesystemSize returns the number of sectors the cache considers valid.
func (c *Cache) FilesystemSize() uint32 {
	return c.fsSize
}

// Handle is an exclusive reference to one cached sector buffer. Data is a
// live view: writes to it are only persisted once MarkDirty is called, but
// are visible to any other Handle on the same sector obtained
// before Release, mirroring the page-cache sharing the original relies on.
type Handle struct {
	cache    *Cache
	sec      uint32
	Data     []byte
	released bool
}

// MapSector reads sec (if not already cached) and issues readaheadHint
// additional contiguous prefetches, per the rd_ahead tuning constants.
func (c *Cache) MapSector(sec uint32, readaheadHint int) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.load(sec)
	if err != nil {
		return nil, err
	}
	e.refs++
	c.prefetchLocked(sec+1, readaheadHint)
	return &Handle{cache: c, sec: sec, Data: e.data[:]}, nil
}

// GetSector returns a buffer for sec without reading it from disk. The
// caller commits to overwriting it fully; existing contents are undefined
// except that a previously-cached buffer for the same sector in this
// session is reused verbatim (matching ntfs_get_sector's "if cached, don't
// re-read" behavior).
func (c *Cache) GetSector(sec uint32) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sec >= c.fsSize {
		return nil, fmt.Errorf("bufcache: sector %d out of range (fs size %d)", sec, c.fsSize)
	}
	e, ok := c.entries[sec]
	if !ok {
		e = &entry{}
		c.entries[sec] = e
	}
	e.refs++
	return &Handle{cache: c, sec: sec, Data: e.data[:]}, nil
}

// MarkDirty flags h's buffer as modified and writes it straight through to
// the backing store.
func (c *Cache) MarkDirty(h *Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markDirtyLocked(h.sec)
}

func (c *Cache) markDirtyLocked(sec uint32) error {
	e, ok := c.entries[sec]
	if !ok {
		return fmt.Errorf("bufcache: mark_dirty on unmapped sector %d", sec)
	}
	e.dirty = true
	w, err := c.storage.Writable()
	if err != nil {
		return fmt.Errorf("bufcache: sector %d not writable: %w", sec, err)
	}
	if _, err := w.WriteAt(e.data[:], int64(sec)*SectorSize); err != nil {
		return fmt.Errorf("bufcache: write sector %d: %w", sec, err)
	}
	return nil
}

// Release gives up this handle. Double-release is a programmer error and
// panics, matching the "double-release is a bug" resource rule.
func (c *Cache) Release(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.released {
		panic("bufcache: double release of sector handle")
	}
	h.released = true
	e, ok := c.entries[h.sec]
	if !ok {
		return
	}
	e.refs--
}

func (c *Cache) load(sec uint32) (*entry, error) {
	if sec >= c.fsSize {
		return nil, fmt.Errorf("bufcache: sector %d out of range (fs size %d)", sec, c.fsSize)
	}
	if e, ok := c.entries[sec]; ok {
		return e, nil
	}
	e := &entry{}
	if _, err := c.storage.ReadAt(e.data[:], int64(sec)*SectorSize); err != nil {
		return nil, fmt.Errorf("bufcache: read sector %d: %w", sec, err)
	}
	c.entries[sec] = e
	return e, nil
}

// Prefetch is a best-effort read of n sectors starting at sec, stopping at
// the filesystem boundary.
func (c *Cache) Prefetch(sec uint32, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefetchLocked(sec, n)
}

func (c *Cache) prefetchLocked(sec uint32, n int) {
	for i := 0; i < n; i++ {
		s := sec + uint32(i)
		if s >= c.fsSize {
			return
		}
		if _, ok := c.entries[s]; ok {
			continue
		}
		if _, err := c.load(s); err != nil {
			c.log.WithFields(logrus.Fields{"sector": s}).Debug("bufcache: prefetch skipped a bad sector")
			return
		}
	}
}

// Quad is the 2 KiB working copy backed by four adjacent sector handles,
// used for dnodes.
type Quad struct {
	cache    *Cache
	handles  [4]*Handle
	Data     []byte // 2048-byte scratch copy
	released bool
}

// Map4 maps an aligned run of 4 sectors as one contiguous buffer.
func (c *Cache) Map4(sec uint32, readaheadHint int) (*Quad, error) {
	if sec%4 != 0 {
		return nil, fmt.Errorf("bufcache: map_4 requires a sector aligned to 4, got %d", sec)
	}
	q := &Quad{cache: c, Data: make([]byte, 4*SectorSize)}
	for i := 0; i < 4; i++ {
		ra := 0
		if i == 3 {
			ra = readaheadHint
		}
		h, err := c.MapSector(sec+uint32(i), ra)
		if err != nil {
			q.releasePartial(i)
			return nil, err
		}
		q.handles[i] = h
		copy(q.Data[i*SectorSize:(i+1)*SectorSize], h.Data)
	}
	return q, nil
}

// Get4 is Map4's non-reading counterpart.
func (c *Cache) Get4(sec uint32) (*Quad, error) {
	if sec%4 != 0 {
		return nil, fmt.Errorf("bufcache: get_4 requires a sector aligned to 4, got %d", sec)
	}
	q := &Quad{cache: c, Data: make([]byte, 4*SectorSize)}
	for i := 0; i < 4; i++ {
		h, err := c.GetSector(sec + uint32(i))
		if err != nil {
			q.releasePartial(i)
			return nil, err
		}
		q.handles[i] = h
		copy(q.Data[i*SectorSize:(i+1)*SectorSize], h.Data)
	}
	return q, nil
}

func (q *Quad) releasePartial(n int) {
	for i := 0; i < n; i++ {
		q.cache.Release(q.handles[i])
	}
}

// Mark4Dirty splats the 2 KiB scratch buffer back into the four underlying
// sector buffers and dirties each.
func (q *Quad) Mark4Dirty() error {
	for i := 0; i < 4; i++ {
		copy(q.handles[i].Data, q.Data[i*SectorSize:(i+1)*SectorSize])
		if err := q.cache.MarkDirty(q.handles[i]); err != nil {
			return err
		}
	}
	return nil
}

// Release4 releases all four underlying handles.
func (q *Quad) Release4() {
	if q.released {
		panic("bufcache: double release of quad handle")
	}
	q.released = true
	for _, h := range q.handles {
		q.cache.Release(h)
	}
}
