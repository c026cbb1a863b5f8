package hpfs

// Mount ties the sector cache, block allocator, btree engine, directory
// service and superblock-derived metadata together into the single entry
// point callers open once per filesystem image. Grounded on the teacher's
// top-level Disk type (diskfs.go) for the "one struct holds the open
// backend plus derived config" shape, generalized to HPFS's own superblock
// layout (original_source/ntfs_fn.h's sb_root/sb_fs_size/sb_bmp_dir
// fields; the on-disk byte offsets storing them are not in the retrieved
// source and are reconstructed here, matching publicly documented HPFS
// superblock placement: sector 16, magic 0xF995E849).
//
// Concurrency model (§5): the core is not internally concurrent — every
// entry point that reads or mutates an allocation tree or EA store
// (Lookup, AppendSector, Truncate, GetEA, SetEA, RemoveEA, RemoveFnode)
// holds mu for its duration, matching the original driver's single big
// kernel lock around the whole filesystem. The structure mappers
// (MapFnode, MapAnode, MapDnode) and the accessors do not take mu. Callers
// needing concurrent access serialize through a single Mount instance.

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hpfscore/hpfs/backend"
	"github.com/hpfscore/hpfs/internal/bufcache"
)

const (
	superblockSector = 16
	spareblockSector = 17
	superblockMagic  = 0xF995E849

	sbOffMagic  = 0x00
	sbOffRoot   = 0x14
	sbOffFSSize = 0x18
	sbOffBmpDir = 0x1C
	sbOffCPSec  = 0x20
)

// MountOptions configures a Mount. Grounded on the teacher's functional
// top-level config structs (diskfs.go), rendered here as a plain record
// since the core has few enough knobs that a builder is unwarranted.
type MountOptions struct {
	// ReadOnly rejects every mutating operation with ErrReadOnly without
	// touching the backing store.
	ReadOnly bool
	// CheckLevel controls MapFnode/MapAnode/MapDnode validation strictness.
	CheckLevel CheckLevel
	// DirService handles directory-tree removal and lookup; a mount that
	// only exercises plain file allocation can leave this nil, in which
	// case RemoveFnode on a directory fails with InvalidArgument.
	DirService DirectoryService
	// Log receives structured diagnostics; defaults to logrus's standard
	// logger wrapped in a fresh Entry if nil.
	Log *logrus.Entry
}

// Mount is an open HPFS-compatible filesystem image.
type Mount struct {
	mu sync.Mutex

	storage    backend.Storage
	cache      *bufcache.Cache
	alloc      Allocator
	btree      *btreeEngine
	dirService DirectoryService

	readOnly   bool
	checkLevel CheckLevel
	log        *logrus.Entry

	sessionID uuid.UUID

	rootFnode uint32
	fsSize    uint32
	bmpDir    []uint32
	codePage  *CodePageTable
}

// Open maps storage's superblock, loads the bitmap directory and code page,
// and returns a ready Mount. The spareblock is not read. Grounded on the
// original driver's ntfs_fill_super sequence of one-shot loader calls.
func Open(storage backend.Storage, opts MountOptions) (*Mount, error) {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	info, err := storage.Stat()
	if err != nil {
		return nil, ioErr("open", 0, err)
	}
	fsSize := uint32(info.Size() / bufcache.SectorSize)

	m := &Mount{
		storage:    storage,
		readOnly:   opts.ReadOnly,
		checkLevel: opts.CheckLevel,
		dirService: opts.DirService,
		log:        log,
		sessionID:  newSessionID(),
	}
	m.cache = bufcache.New(storage, fsSize, log)

	sbh, err := m.cache.MapSector(superblockSector, 0)
	if err != nil {
		return nil, ioErr("open", superblockSector, err)
	}
	if byteOrder.Uint32(sbh.Data[sbOffMagic:]) != superblockMagic {
		m.cache.Release(sbh)
		return nil, corruptionErr("open", superblockSector, errSuperblockMagic)
	}
	m.rootFnode = byteOrder.Uint32(sbh.Data[sbOffRoot:])
	m.fsSize = byteOrder.Uint32(sbh.Data[sbOffFSSize:])
	bmpDirSec := byteOrder.Uint32(sbh.Data[sbOffBmpDir:])
	cpSec := byteOrder.Uint32(sbh.Data[sbOffCPSec:])
	m.cache.Release(sbh)

	if m.fsSize == 0 || m.fsSize > fsSize {
		m.fsSize = fsSize
	}

	bmpDir, err := m.loadBitmapDirectory(bmpDirSec)
	if err != nil {
		return nil, err
	}
	m.bmpDir = bmpDir
	m.alloc = NewBitmapAllocator(m, m.cache, bmpDir)
	m.btree = newBTreeEngine(m, m.alloc)

	if cpSec != 0 {
		cp, err := m.loadCodePage(cpSec)
		if err != nil {
			m.log.WithError(err).Warn("hpfs: code page load failed, continuing without a case-folding table")
		} else {
			m.codePage = cp
		}
	}

	return m, nil
}

// RootFnode returns the sector of the filesystem's root directory fnode.
func (m *Mount) RootFnode() uint32 { return m.rootFnode }

// FilesystemSize returns the mounted filesystem's size in sectors.
func (m *Mount) FilesystemSize() uint32 { return m.fsSize }

// CodePage returns the loaded case-folding table, or nil if none was
// present or it failed to load.
func (m *Mount) CodePage() *CodePageTable { return m.codePage }

// SessionID uniquely identifies this open session, for diagnostics that
// need to correlate log lines across a single mount's lifetime.
func (m *Mount) SessionID() uuid.UUID { return m.sessionID }

// Lock acquires the mutex that the locking entry points above hold,
// mirroring the original driver's single per-superblock lock (§5). The
// mutex is not reentrant: a caller holding Lock that then calls Lookup,
// AppendSector, Truncate, GetEA, SetEA, RemoveEA or RemoveFnode deadlocks.
func (m *Mount) Lock()   { m.mu.Lock() }
func (m *Mount) Unlock() { m.mu.Unlock() }

// Lookup resolves file-relative sector target on the tree rooted at fno's
// embedded btree to an absolute disk sector.
func (m *Mount) Lookup(fno uint32, target uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.btree.Lookup(fno, true, target)
}

// AppendSector appends one sector to fno's allocation tree, returning the
// disk sector allocated.
func (m *Mount) AppendSector(fno uint32, fsecno uint32) (uint32, error) {
	if m.readOnly {
		return 0, readOnlyErr("append_sector")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.btree.AppendSector(fno, true, fsecno)
}

// Truncate shrinks fno's allocation tree to newCount sectors.
func (m *Mount) Truncate(fno uint32, newCount uint32) error {
	if m.readOnly {
		return readOnlyErr("truncate")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.btree.Truncate(fno, true, newCount)
}

// logf records a structured diagnostic for a validator or allocator
// failure, tagged with this session's UUID so concurrent mounts in the
// same process don't interleave confusingly in aggregated logs.
func (m *Mount) logf(op string, sec uint32, msg string) {
	m.log.WithFields(logrus.Fields{
		"op":      op,
		"sector":  sec,
		"session": m.sessionID.String(),
	}).Warn(msg)
}

// newSessionID draws a random session identifier. Isolated behind this
// function (rather than calling uuid.New inline at every call site) so the
// single indirection point is obvious if a future caller needs determinism
// in tests.
func newSessionID() uuid.UUID { return uuid.New() }

var errSuperblockMagic = &Error{Kind: KindCorruption, Op: "open"}
