package hpfs

// Test fixtures: an in-memory backend.Storage standing in for a disk image
// (grounded on the teacher's testhelper.FileImpl,
// diskfs-go-diskfs/testhelper/fileimpl.go) plus a minimal formatted-image
// builder that writes just enough of a superblock, bitmap directory and
// root fnode for Open to succeed, so tests exercise the real mount/cache/
// allocator/btree stack rather than a mock of it.

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hpfscore/hpfs/backend"
	"github.com/hpfscore/hpfs/internal/bitmap"
	"github.com/hpfscore/hpfs/internal/bufcache"
)

type memStorage struct {
	mu   sync.Mutex
	data []byte
}

func newMemStorage(nSectors int) *memStorage {
	return &memStorage{data: make([]byte, nSectors*bufcache.SectorSize)}
}

func (s *memStorage) Stat() (fs.FileInfo, error) {
	return memFileInfo{size: int64(len(s.data))}, nil
}

func (s *memStorage) Read(p []byte) (int, error) { return 0, io.EOF }
func (s *memStorage) Close() error                { return nil }

func (s *memStorage) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if off < 0 || int(off) >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	return n, nil
}

func (s *memStorage) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(s.data) {
		return 0, errWritePastEnd
	}
	n := copy(s.data[off:], p)
	return n, nil
}

func (s *memStorage) Sys() (*os.File, error) { return nil, errNoBackingFile }

func (s *memStorage) Writable() (backend.WritableFile, error) { return s, nil }

var (
	errWritePastEnd  = errors.New("memStorage: write past end of image")
	errNoBackingFile = errors.New("memStorage: no backing os.File")
)

type memFileInfo struct{ size int64 }

func (i memFileInfo) Name() string       { return "mem" }
func (i memFileInfo) Size() int64        { return i.size }
func (i memFileInfo) Mode() fs.FileMode  { return 0o600 }
func (i memFileInfo) ModTime() time.Time { return time.Time{} }
func (i memFileInfo) IsDir() bool        { return false }
func (i memFileInfo) Sys() interface{}   { return nil }

// testFsSectors covers two real bitmap bands, so firstSectorHint's "jump to
// the next band" rule for a brand new fnode-rooted tree lands somewhere the
// bitmap directory actually describes.
const (
	testFsSectors    = 2 * bandSize
	testBmpDirSec    = 20
	testBand0BmpSec  = 24
	testBand1BmpSec  = 28
	testRootFnodeSec = 32
)

// newTestMount builds a minimal formatted image in memory and opens it,
// returning the mount and its root fnode's sector.
func newTestMount(t *testing.T) (*Mount, uint32) {
	t.Helper()

	storage := newMemStorage(testFsSectors)

	sb := make([]byte, bufcache.SectorSize)
	byteOrder.PutUint32(sb[sbOffMagic:], superblockMagic)
	byteOrder.PutUint32(sb[sbOffRoot:], testRootFnodeSec)
	byteOrder.PutUint32(sb[sbOffFSSize:], uint32(testFsSectors))
	byteOrder.PutUint32(sb[sbOffBmpDir:], testBmpDirSec)
	byteOrder.PutUint32(sb[sbOffCPSec:], 0)
	mustWriteAt(t, storage, sb, superblockSector*bufcache.SectorSize)

	dir := make([]byte, bufcache.SectorSize)
	byteOrder.PutUint32(dir[0:], testBand0BmpSec)
	byteOrder.PutUint32(dir[4:], testBand1BmpSec)
	mustWriteAt(t, storage, dir, testBmpDirSec*bufcache.SectorSize)

	band0 := bitmap.NewBits(bandSize)
	for i := 0; i <= testRootFnodeSec; i++ {
		if err := band0.Use(i); err != nil {
			t.Fatalf("reserve sector %d in band0: %v", i, err)
		}
	}
	mustWriteAt(t, storage, band0.ToBytes(), testBand0BmpSec*bufcache.SectorSize)

	band1 := bitmap.NewBits(bandSize)
	mustWriteAt(t, storage, band1.ToBytes(), testBand1BmpSec*bufcache.SectorSize)

	f := &fnodeStruct{
		Sector: testRootFnodeSec,
		EAOffs: fnodeEAAreaStart,
		Tree: &bplusTree{
			capInternal: FnodeInternalSlots,
			capExternal: FnodeExternalSlots,
			header:      bplusHeaderOnDisk{NFreeNodes: FnodeExternalSlots, FirstFree: bplusHeaderSize},
		},
	}
	mustWriteAt(t, storage, f.encode(), testRootFnodeSec*bufcache.SectorSize)

	m, err := Open(storage, MountOptions{CheckLevel: CheckBasic, DirService: NopDirectoryService{}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return m, testRootFnodeSec
}

func mustWriteAt(t *testing.T, s *memStorage, data []byte, offset int64) {
	t.Helper()
	if _, err := s.WriteAt(data, offset); err != nil {
		t.Fatalf("test fixture write at %d: %v", offset, err)
	}
}

// trackingAllocator is a bitmap-free Allocator fake for tests that need
// full control over allocation order (forcing non-adjacent sectors so
// AppendSector can never extend a run in place) or precise accounting of
// the live allocated set (for the no-leaks-on-failure property).
type trackingAllocator struct {
	next uint32
	live map[uint32]bool
}

func newTrackingAllocator(start uint32) *trackingAllocator {
	return &trackingAllocator{next: start, live: map[uint32]bool{}}
}

func (g *trackingAllocator) AllocSector(hint, count, forwardHint uint32) (uint32, error) {
	sec := g.next
	g.next += count + 1 // always leave a gap so nothing is ever adjacent
	for i := uint32(0); i < count; i++ {
		g.live[sec+i] = true
	}
	return sec, nil
}

func (g *trackingAllocator) AllocIfPossible(sec uint32) (bool, error) { return false, nil }

func (g *trackingAllocator) FreeSectors(sec, count uint32) error {
	for i := uint32(0); i < count; i++ {
		delete(g.live, sec+i)
	}
	return nil
}

func (g *trackingAllocator) liveCount() int { return len(g.live) }

// failAfterNAllocator wraps another Allocator, letting the first `allowed`
// AllocSector calls through and refusing every one after that with
// OutOfSpace, so a test can pinpoint exactly which allocation in a
// multi-step mutator fails.
type failAfterNAllocator struct {
	inner   Allocator
	allowed int
	calls   int
}

func (f *failAfterNAllocator) AllocSector(hint, count, forwardHint uint32) (uint32, error) {
	f.calls++
	if f.calls > f.allowed {
		return 0, outOfSpaceErr("alloc_sector")
	}
	return f.inner.AllocSector(hint, count, forwardHint)
}

func (f *failAfterNAllocator) AllocIfPossible(sec uint32) (bool, error) {
	return f.inner.AllocIfPossible(sec)
}

func (f *failAfterNAllocator) FreeSectors(sec, count uint32) error {
	return f.inner.FreeSectors(sec, count)
}

func asHpfsErr(t *testing.T, err error) *Error {
	t.Helper()
	herr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *hpfs.Error, got %T: %v", err, err)
	}
	return herr
}
