package hpfs

// Allocation btree property and scenario tests (spec §8, properties
// P1-P8 and end-to-end scenarios 1-4). Grounded in the teacher's
// plain-testing style (filesystem/fat32's table-driven _internal_test.go
// files): no testify, direct field inspection of the decoded structures.

import "testing"

func assertExternalMonotonic(t *testing.T, entries []externalEntry) {
	t.Helper()
	for i := 1; i < len(entries); i++ {
		prev := entries[i-1]
		if entries[i].FileSecno != prev.FileSecno+prev.Length {
			t.Fatalf("P1 violated: %+v not contiguous with %+v", entries[i], prev)
		}
	}
}

func assertInternalSentinel(t *testing.T, entries []internalEntry) {
	t.Helper()
	if len(entries) == 0 {
		return
	}
	last := entries[len(entries)-1]
	if last.FileSecno != sentinelFileSecno {
		t.Fatalf("P2 violated: last entry %+v is not the sentinel", last)
	}
	for i := 1; i < len(entries)-1; i++ {
		if entries[i].FileSecno <= entries[i-1].FileSecno {
			t.Fatalf("P2 violated: entries not strictly increasing: %+v", entries)
		}
	}
}

func assertCapacityBalance(t *testing.T, tr *bplusTree, capInternal, capExternal int) {
	t.Helper()
	want := capExternal
	if tr.isInternal() {
		want = capInternal
	}
	if tr.nUsed()+tr.nFree() != want {
		t.Fatalf("P3 violated: n_used(%d)+n_free(%d) != %d", tr.nUsed(), tr.nFree(), want)
	}
	if tr.header.FirstFree != tr.expectedFirstFree() {
		t.Fatalf("P3 violated: first_free=%d want %d", tr.header.FirstFree, tr.expectedFirstFree())
	}
}

func (m *Mount) mustMapAnodeForTest(t *testing.T, sec uint32) *anodeStruct {
	t.Helper()
	a, h, err := m.MapAnode(sec)
	if err != nil {
		t.Fatalf("MapAnode(%d): %v", sec, err)
	}
	m.cache.Release(h)
	return a
}

func (m *Mount) mustMapFnodeForTest(t *testing.T, sec uint32) *fnodeStruct {
	t.Helper()
	f, h, err := m.MapFnode(sec)
	if err != nil {
		t.Fatalf("MapFnode(%d): %v", sec, err)
	}
	m.cache.Release(h)
	return f
}

// assertParentWiring checks P4 for a single anode: its self pointer, and
// that its recorded parent's btree carries exactly one down-pointer back to
// it, tagged with the right FNODE_PARENT flag.
func assertParentWiring(t *testing.T, m *Mount, a *anodeStruct) {
	t.Helper()
	if a.Self != a.Sector {
		t.Fatalf("P4 violated: anode %d has self=%d", a.Sector, a.Self)
	}
	var parentTree *bplusTree
	if a.Tree.fnodeParent() {
		parentTree = m.mustMapFnodeForTest(t, a.Up).Tree
	} else {
		parentTree = m.mustMapAnodeForTest(t, a.Up).Tree
	}
	count := 0
	for _, e := range parentTree.internal {
		if e.Down == a.Sector {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("P4 violated: parent of anode %d has %d down-pointers to it, want 1", a.Sector, count)
	}
}

// Scenario 1: fresh file, 10 appends.
func TestAppendSectorFreshFile(t *testing.T) {
	m, root := newTestMount(t)

	var first uint32
	for i := uint32(0); i < 10; i++ {
		disk, err := m.AppendSector(root, i)
		if err != nil {
			t.Fatalf("AppendSector(%d): %v", i, err)
		}
		if i == 0 {
			first = disk
		} else if disk != first+i {
			t.Fatalf("append %d: got disk sector %d, want %d (contiguous run from %d)", i, disk, first+i, first)
		}
	}

	f := m.mustMapFnodeForTest(t, root)
	if f.Tree.isInternal() {
		t.Fatalf("expected the embedded root to still be a single leaf after 10 appends")
	}
	if len(f.Tree.external) != 1 {
		t.Fatalf("expected a single merged extent, got %d entries", len(f.Tree.external))
	}
	got := f.Tree.external[0]
	want := externalEntry{FileSecno: 0, Length: 10, DiskSecno: first}
	if got != want {
		t.Fatalf("leaf entry = %+v, want %+v", got, want)
	}
	assertCapacityBalance(t, f.Tree, FnodeInternalSlots, FnodeExternalSlots)

	disk, err := m.Lookup(root, 5)
	if err != nil || disk != first+5 {
		t.Fatalf("Lookup(5) = %d, %v; want %d, nil", disk, err, first+5)
	}

	_, err = m.Lookup(root, 10)
	herr := asHpfsErr(t, err)
	if herr.Kind != KindNotFound {
		t.Fatalf("Lookup(10) kind = %v, want NotFound", herr.Kind)
	}
}

// Scenario 2: split at slot 9, under an allocator that never returns
// adjacent sectors (so every append takes a fresh extent, forcing the leaf
// to fill up after exactly FnodeExternalSlots entries).
func TestAppendSectorSplitPromotesToAnode(t *testing.T) {
	m, root := newTestMount(t)
	g := newTrackingAllocator(1000)
	m.alloc = g
	m.btree.alloc = g

	var disks [9]uint32
	for i := uint32(0); i < 9; i++ {
		disk, err := m.AppendSector(root, i)
		if err != nil {
			t.Fatalf("AppendSector(%d): %v", i, err)
		}
		disks[i] = disk
	}

	f := m.mustMapFnodeForTest(t, root)
	if !f.Tree.isInternal() {
		t.Fatalf("expected the embedded root to become internal after the 9th append")
	}
	if len(f.Tree.internal) != 1 || f.Tree.internal[0].FileSecno != sentinelFileSecno {
		t.Fatalf("unexpected root internal entries: %+v", f.Tree.internal)
	}
	assertInternalSentinel(t, f.Tree.internal)
	assertCapacityBalance(t, f.Tree, FnodeInternalSlots, FnodeExternalSlots)

	a := m.mustMapAnodeForTest(t, f.Tree.internal[0].Down)
	if len(a.Tree.external) != 9 {
		t.Fatalf("anode has %d external entries, want 9", len(a.Tree.external))
	}
	assertExternalMonotonic(t, a.Tree.external)
	assertCapacityBalance(t, a.Tree, AnodeInternalSlots, AnodeExternalSlots)
	assertParentWiring(t, m, a)

	disk, err := m.Lookup(root, 8)
	if err != nil || disk != disks[8] {
		t.Fatalf("Lookup(8) = %d, %v; want %d, nil", disk, err, disks[8])
	}
}

// Scenario 3: truncating mid-extent shortens the single entry and frees the
// tail; the freed tail is then immediately reusable.
func TestTruncateMidExtent(t *testing.T) {
	m, root := newTestMount(t)

	var first uint32
	for i := uint32(0); i < 10; i++ {
		disk, err := m.AppendSector(root, i)
		if err != nil {
			t.Fatalf("AppendSector(%d): %v", i, err)
		}
		if i == 0 {
			first = disk
		}
	}

	if err := m.Truncate(root, 4); err != nil {
		t.Fatalf("Truncate(4): %v", err)
	}

	f := m.mustMapFnodeForTest(t, root)
	if len(f.Tree.external) != 1 {
		t.Fatalf("expected a single entry after truncate, got %d", len(f.Tree.external))
	}
	want := externalEntry{FileSecno: 0, Length: 4, DiskSecno: first}
	if f.Tree.external[0] != want {
		t.Fatalf("leaf entry = %+v, want %+v", f.Tree.external[0], want)
	}

	if _, err := m.Lookup(root, 4); err == nil {
		t.Fatalf("Lookup(4) should fail after truncating to 4 sectors")
	}

	freed, err := m.alloc.AllocIfPossible(first + 4)
	if err != nil {
		t.Fatalf("AllocIfPossible(%d): %v", first+4, err)
	}
	if !freed {
		t.Fatalf("sector %d should have been freed by Truncate(4)", first+4)
	}
	_ = m.alloc.FreeSectors(first+4, 1)
}

// Scenario 4 / P7: an OutOfSpace failure part way through a split leaves no
// net change in the allocator's live set, and the pre-failure tree state is
// untouched.
func TestAppendSectorOOMRollback(t *testing.T) {
	m, root := newTestMount(t)
	g := newTrackingAllocator(1000)
	m.alloc = g
	m.btree.alloc = g

	// Fill a single anode leaf to capacity (40 external entries): the
	// first 8 appends live in the fnode's own embedded leaf, the 9th
	// triggers the first-ever split producing a 9-entry anode, and the
	// remaining appends grow that anode without needing another split.
	for i := uint32(0); i < AnodeExternalSlots; i++ {
		if _, err := m.AppendSector(root, i); err != nil {
			t.Fatalf("AppendSector(%d): %v", i, err)
		}
	}

	f := m.mustMapFnodeForTest(t, root)
	anodeSec := f.Tree.internal[0].Down
	a := m.mustMapAnodeForTest(t, anodeSec)
	if len(a.Tree.external) != AnodeExternalSlots {
		t.Fatalf("anode has %d entries, want %d (full) before the failing append", len(a.Tree.external), AnodeExternalSlots)
	}

	wantLive := g.liveCount()

	// The anode leaf is now full: the next append must split it, needing
	// two more anode allocations (a fresh leaf sibling plus a scratch
	// anode to absorb the old root's contents) after the data sector
	// itself is allocated. Allow only that first allocation through.
	m.alloc = &failAfterNAllocator{inner: g, allowed: 1}
	m.btree.alloc = m.alloc

	_, err := m.AppendSector(root, AnodeExternalSlots)
	herr := asHpfsErr(t, err)
	if herr.Kind != KindOutOfSpace {
		t.Fatalf("AppendSector kind = %v, want OutOfSpace", herr.Kind)
	}

	if got := g.liveCount(); got != wantLive {
		t.Fatalf("P7 violated: live sector count after rollback = %d, want %d", got, wantLive)
	}

	m.alloc = g
	m.btree.alloc = g
	a2 := m.mustMapAnodeForTest(t, anodeSec)
	if len(a2.Tree.external) != AnodeExternalSlots {
		t.Fatalf("anode entry count changed across the failed append: %d vs %d", len(a2.Tree.external), AnodeExternalSlots)
	}

	disk, err := m.Lookup(root, AnodeExternalSlots-1)
	if err != nil {
		t.Fatalf("Lookup(%d) after rollback: %v", AnodeExternalSlots-1, err)
	}
	last := a2.Tree.external[len(a2.Tree.external)-1]
	if disk != last.DiskSecno {
		t.Fatalf("Lookup(%d) = %d, want %d", AnodeExternalSlots-1, disk, last.DiskSecno)
	}
}

// P5/P6: round-trip lookup over a full append sequence, then a sequence of
// truncations, checking lookup is defined exactly where it should be.
func TestRoundTripAppendLookupTruncate(t *testing.T) {
	m, root := newTestMount(t)
	const n = 20

	disks := make([]uint32, n)
	for i := uint32(0); i < n; i++ {
		disk, err := m.AppendSector(root, i)
		if err != nil {
			t.Fatalf("AppendSector(%d): %v", i, err)
		}
		disks[i] = disk
	}

	for k := uint32(0); k < n; k++ {
		disk, err := m.Lookup(root, k)
		if err != nil || disk != disks[k] {
			t.Fatalf("Lookup(%d) = %d, %v; want %d, nil", k, disk, err, disks[k])
		}
	}
	if _, err := m.Lookup(root, n); err == nil {
		t.Fatalf("Lookup(%d) should be NotFound", n)
	}

	for _, trunc := range []uint32{15, 7, 0} {
		if err := m.Truncate(root, trunc); err != nil {
			t.Fatalf("Truncate(%d): %v", trunc, err)
		}
		for k := uint32(0); k < n; k++ {
			_, err := m.Lookup(root, k)
			defined := err == nil
			wantDefined := k < trunc
			if defined != wantDefined {
				t.Fatalf("after Truncate(%d): Lookup(%d) defined=%v, want %v", trunc, k, defined, wantDefined)
			}
		}
	}
}

// P8: a corrupted tree whose down-pointers loop is reported as Corruption,
// not an infinite traversal.
func TestLookupDetectsCyclicTree(t *testing.T) {
	m, root := newTestMount(t)

	ax, hx, err := m.allocAnode(0)
	if err != nil {
		t.Fatalf("allocAnode: %v", err)
	}
	ay, hy, err := m.allocAnode(0)
	if err != nil {
		t.Fatalf("allocAnode: %v", err)
	}

	ax.Tree.header.Flags |= BPInternal
	ax.Tree.internal = []internalEntry{{FileSecno: sentinelFileSecno, Down: ay.Sector}}
	copy(hx.Data, ax.encode())
	if err := m.cache.MarkDirty(hx); err != nil {
		t.Fatalf("MarkDirty: %v", err)
	}
	m.cache.Release(hx)

	ay.Tree.header.Flags |= BPInternal
	ay.Tree.internal = []internalEntry{{FileSecno: sentinelFileSecno, Down: ax.Sector}}
	copy(hy.Data, ay.encode())
	if err := m.cache.MarkDirty(hy); err != nil {
		t.Fatalf("MarkDirty: %v", err)
	}
	m.cache.Release(hy)

	rf, rh, err := m.MapFnode(root)
	if err != nil {
		t.Fatalf("MapFnode: %v", err)
	}
	rf.Tree.header.Flags |= BPInternal
	rf.Tree.internal = []internalEntry{{FileSecno: sentinelFileSecno, Down: ax.Sector}}
	rf.Tree.external = nil
	if err := m.withFnodeWriteBack(rf, rh); err != nil {
		t.Fatalf("withFnodeWriteBack: %v", err)
	}

	_, err = m.Lookup(root, 0)
	herr := asHpfsErr(t, err)
	if herr.Kind != KindCorruption {
		t.Fatalf("Lookup on cyclic tree kind = %v, want Corruption", herr.Kind)
	}
}
