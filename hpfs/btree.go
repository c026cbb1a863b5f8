package hpfs

// Allocation B+ tree engine (§4.E): lookup, append_sector, truncate, remove
// over the per-file anode tree rooted either in an fnode's embedded btree
// or, for external EA trees, in an anode. Grounded directly on
// original_source/anode.c (ntfs_bplus_lookup, ntfs_add_sector_to_btree,
// ntfs_remove_btree, ntfs_truncate_btree), restructured as explicit loops
// and error returns in the spirit of filesystem/ext4/extent.go's
// extentBlockFinder.

import (
	"github.com/hpfscore/hpfs/internal/bufcache"
)

type btreeEngine struct {
	m     *Mount
	alloc Allocator
}

func newBTreeEngine(m *Mount, alloc Allocator) *btreeEngine {
	return &btreeEngine{m: m, alloc: alloc}
}

// node is a uniform handle over either an fnode's or an anode's embedded
// btree, so the traversal code below doesn't need to branch on the host
// kind except where the original algorithm genuinely does.
type node struct {
	isFnode bool
	sector  uint32
	fn      *fnodeStruct
	an      *anodeStruct
	h       *bufcache.Handle
}

func (e *btreeEngine) mapNode(sector uint32, isFnode bool) (*node, error) {
	if isFnode {
		f, h, err := e.m.MapFnode(sector)
		if err != nil {
			return nil, err
		}
		return &node{isFnode: true, sector: sector, fn: f, h: h}, nil
	}
	a, h, err := e.m.MapAnode(sector)
	if err != nil {
		return nil, err
	}
	return &node{isFnode: false, sector: sector, an: a, h: h}, nil
}

func (n *node) tree() *bplusTree {
	if n.isFnode {
		return n.fn.Tree
	}
	return n.an.Tree
}

func (n *node) up() uint32 {
	if n.isFnode {
		return 0
	}
	return n.an.Up
}

func (e *btreeEngine) writeBack(n *node) error {
	var raw []byte
	if n.isFnode {
		raw = n.fn.encode()
	} else {
		raw = n.an.encode()
	}
	copy(n.h.Data, raw)
	return e.m.cache.MarkDirty(n.h)
}

func (e *btreeEngine) release(n *node) { e.m.cache.Release(n.h) }

func (e *btreeEngine) maxHops() int { return int(e.m.cache.FilesystemSize()) }

// Lookup descends the tree rooted at (root, isFnode) and returns the disk
// sector mapping target, or NotFound. Grounded on ntfs_bplus_lookup.
func (e *btreeEngine) Lookup(root uint32, isFnode bool, target uint32) (uint32, error) {
	cd := NewCycleDetector("lookup", e.maxHops())
	sector, curIsFnode := root, isFnode

	for {
		if err := cd.Step(sector); err != nil {
			return 0, err
		}
		n, err := e.mapNode(sector, curIsFnode)
		if err != nil {
			return 0, err
		}
		t := n.tree()
		if t.isInternal() {
			next, ok := firstInternalExceeding(t, target)
			e.release(n)
			if !ok {
				return 0, corruptionErr("lookup", sector, errNotFoundInternal)
			}
			sector, curIsFnode = next, false
			continue
		}
		for _, ent := range t.external {
			if ent.FileSecno <= target && target < ent.FileSecno+ent.Length {
				disk := ent.DiskSecno + (target - ent.FileSecno)
				e.release(n)
				return disk, nil
			}
		}
		e.release(n)
		return 0, notFoundErr("lookup", sector)
	}
}

func firstInternalExceeding(t *bplusTree, target uint32) (down uint32, ok bool) {
	for _, ent := range t.internal {
		if ent.FileSecno > target {
			return ent.Down, true
		}
	}
	return 0, false
}

var errNotFoundInternal = &Error{Kind: KindCorruption, Op: "lookup"}

// allocGuard tracks sectors and anodes allocated during one mutating
// operation so a failure partway through can free everything obtained so
// far, satisfying P7 (no leaks on failure).
type allocGuard struct {
	alloc     Allocator
	sectors   []uint32 // single sectors, e.g. data extents
	anodeSecs []uint32 // whole anodes (also single sectors, tracked separately for clarity)
}

func (g *allocGuard) trackSector(sec uint32) { g.sectors = append(g.sectors, sec) }
func (g *allocGuard) trackAnode(sec uint32)  { g.anodeSecs = append(g.anodeSecs, sec) }

func (g *allocGuard) rollback() {
	for _, s := range g.sectors {
		_ = g.alloc.FreeSectors(s, 1)
	}
	for _, s := range g.anodeSecs {
		_ = g.alloc.FreeSectors(s, 1)
	}
}

// firstSectorHint computes the disk-sector hint used for the very first
// sector ever written into a tree (§SUPPLEMENTED FEATURES): for an
// fnode-rooted tree, jump to the start of the next band; for an
// anode-rooted tree, use the anode's own sector.
func firstSectorHint(rootSector uint32, isFnode bool) uint32 {
	if isFnode {
		return (rootSector + bandSize) &^ (bandSize - 1)
	}
	return rootSector
}

// forwardHint is ALLOC_FWD_MIN..ALLOC_FWD_MAX clamp(fsecno * ALLOC_M).
func forwardHint(fsecno uint32) uint32 {
	h := fsecno * AllocM
	if h > AllocFwdMax {
		return AllocFwdMax
	}
	if h < AllocFwdMin {
		return AllocFwdMin
	}
	return h
}

// AppendSector implements append_sector (§4.E.3): descend to the rightmost
// leaf, extend in place if possible, otherwise allocate a fresh sector and
// either insert directly or split and promote up the tree.
func (e *btreeEngine) AppendSector(root uint32, isFnode bool, fsecno uint32) (uint32, error) {
	guard := &allocGuard{alloc: e.alloc}

	// Phase 1: descend to the rightmost leaf, following (and fixing up)
	// the sentinel last entry at every internal level.
	n, err := e.mapNode(root, isFnode)
	if err != nil {
		return 0, err
	}
	cd := NewCycleDetector("append_sector", e.maxHops())
	a := root
	for {
		if err := cd.Step(a); err != nil {
			e.release(n)
			return 0, err
		}
		t := n.tree()
		last := t.nUsed() - 1
		minLast := 0
		if n.isFnode {
			minLast = -1
		}
		if last < minLast {
			e.release(n)
			return 0, corruptionErr("append_sector", a, errEmptyNode)
		}
		if !t.isInternal() {
			break
		}
		down := t.internal[last].Down
		t.internal[last].FileSecno = sentinelFileSecno
		if err := e.writeBack(n); err != nil {
			e.release(n)
			return 0, ioErr("append_sector", a, err)
		}
		e.release(n)
		a = down
		n, err = e.mapNode(a, false)
		if err != nil {
			return 0, err
		}
	}

	// n/a is now the rightmost leaf.
	t := n.tree()
	last := t.nUsed() - 1

	if last >= 0 {
		lastEnt := t.external[last]
		if lastEnt.FileSecno+lastEnt.Length != fsecno {
			e.release(n)
			return 0, invalidArgErr("append_sector", errNotAppendOrder)
		}
		candidate := lastEnt.DiskSecno + lastEnt.Length
		ok, err := e.alloc.AllocIfPossible(candidate)
		if err != nil {
			e.release(n)
			return 0, err
		}
		if ok {
			t.external[last].Length++
			if err := e.writeBack(n); err != nil {
				e.release(n)
				return 0, ioErr("append_sector", a, err)
			}
			e.release(n)
			return candidate, nil
		}
	} else if fsecno != 0 {
		e.release(n)
		return 0, invalidArgErr("append_sector", errNotAppendOrder)
	}

	hint := a
	if last < 0 {
		hint = firstSectorHint(a, isFnode && a == root)
	}
	se, err := e.alloc.AllocSector(hint, 1, forwardHint(fsecno))
	if err != nil {
		e.release(n)
		return 0, err
	}
	guard.trackSector(se)

	fs := uint32(0)
	if last >= 0 {
		fs = t.external[last].FileSecno + t.external[last].Length
	}

	if t.nFree() == 0 {
		disk, err := e.splitAndInsert(n, root, isFnode, a, fs, se, guard)
		if err != nil {
			guard.rollback()
			return 0, err
		}
		return disk, nil
	}

	t.external = append(t.external, externalEntry{FileSecno: fs, Length: 1, DiskSecno: se})
	if err := e.writeBack(n); err != nil {
		e.release(n)
		guard.rollback()
		return 0, ioErr("append_sector", a, err)
	}
	e.release(n)
	return se, nil
}

var (
	errEmptyNode      = &Error{Kind: KindCorruption, Op: "append_sector"}
	errNotAppendOrder = &Error{Kind: KindInvalidArgument, Op: "append_sector"}
)

// splitAndInsert implements §4.E.3 steps 5-7: the full leaf is split, the
// new data entry lands in a fresh sibling anode, and the promoted
// {file_secno, down} pair is inserted up the parent chain, allocating
// further anodes (and, if the fnode's own embedded root ends up full too,
// a brand new 2-entry root) as the cascade requires.
func (e *btreeEngine) splitAndInsert(leaf *node, root uint32, isFnode bool, a uint32, fs uint32, se uint32, guard *allocGuard) (uint32, error) {
	leafIsRoot := a == root
	firstEverSplit := leafIsRoot && isFnode

	up := leaf.up()
	if leafIsRoot {
		up = invalidSector
	}

	newAnode, newH, err := e.m.allocAnode(a)
	if err != nil {
		e.release(leaf)
		return 0, err
	}
	guard.trackAnode(newAnode.Sector)
	na := newAnode.Sector

	var scratchAnode *anodeStruct
	var scratchH *bufcache.Handle
	if !firstEverSplit {
		scratchAnode, scratchH, err = e.m.allocAnode(0)
		if err != nil {
			e.m.cache.Release(newH)
			_ = e.alloc.FreeSectors(na, 1)
			e.release(leaf)
			return 0, err
		}
		guard.trackAnode(scratchAnode.Sector)
	}

	if firstEverSplit {
		lt := leaf.tree()
		newAnode.Up = leaf.sector
		newAnode.Tree.header.Flags |= BPFnodeParent
		newAnode.Tree.external = append([]externalEntry(nil), lt.external...)

		lt.internal = []internalEntry{{FileSecno: sentinelFileSecno, Down: na}}
		lt.external = nil
		lt.header.Flags |= BPInternal
		if err := e.writeBack(leaf); err != nil {
			e.m.cache.Release(newH)
			return 0, ioErr("append_sector", a, err)
		}
		e.release(leaf)

		nn := &node{isFnode: false, sector: na, an: newAnode, h: newH}
		nt := nn.tree()
		nt.external = append(nt.external, externalEntry{FileSecno: fs, Length: 1, DiskSecno: se})
		if err := e.writeBack(nn); err != nil {
			e.release(nn)
			return 0, ioErr("append_sector", na, err)
		}
		e.release(nn)
		return se, nil
	}

	nn := &node{isFnode: false, sector: na, an: newAnode, h: newH}
	nt := nn.tree()
	nt.external = append(nt.external, externalEntry{FileSecno: fs, Length: 1, DiskSecno: se})
	if err := e.writeBack(nn); err != nil {
		e.release(nn)
		e.release(leaf)
		return 0, ioErr("append_sector", na, err)
	}
	e.release(nn)
	e.release(leaf)

	if up == invalidSector {
		return e.splitRoot(root, isFnode, fs, na, scratchAnode, scratchH, guard)
	}

	return e.promote(root, isFnode, up, a, fs, na, se, scratchAnode.Sector, scratchH, guard)
}

// invalidSector marks "no parent" (the leaf being split is the tree root).
const invalidSector = ^uint32(0)

// promote walks up the parent chain inserting {fs, na} into the first
// parent with a free internal slot, splitting again at each full level,
// per §4.E.3 steps 6-7.
func (e *btreeEngine) promote(root uint32, isFnode bool, up uint32, prevLeaf uint32, fs uint32, na uint32, se uint32, ra uint32, raH *bufcache.Handle, guard *allocGuard) (uint32, error) {
	cd := NewCycleDetector("append_sector_promote", e.maxHops())

	for {
		if err := cd.Step(up); err != nil {
			e.m.cache.Release(raH)
			return 0, err
		}

		parentIsFnode := up == root && isFnode
		p, err := e.mapNode(up, parentIsFnode)
		if err != nil {
			e.m.cache.Release(raH)
			return 0, err
		}
		pt := p.tree()

		if pt.nFree() > 0 {
			pt.internal = append(pt.internal, internalEntry{FileSecno: sentinelFileSecno, Down: na})
			pt.internal[len(pt.internal)-2].FileSecno = fs
			if err := e.writeBack(p); err != nil {
				e.release(p)
				e.m.cache.Release(raH)
				return 0, ioErr("append_sector", up, err)
			}
			e.release(p)
			e.m.cache.Release(raH)
			_ = e.alloc.FreeSectors(ra, 1)

			child, ch, err := e.m.MapAnode(na)
			if err == nil {
				child.Up = up
				child.Tree.header.Flags &^= BPFnodeParent
				if parentIsFnode {
					child.Tree.header.Flags |= BPFnodeParent
				}
				copy(ch.Data, child.encode())
				_ = e.m.cache.MarkDirty(ch)
				e.m.cache.Release(ch)
			}
			return se, nil
		}

		nextUp := invalidSector
		if up != root {
			nextUp = p.up()
		}
		pt.internal[len(pt.internal)-1].FileSecno = sentinelFileSecno
		if err := e.writeBack(p); err != nil {
			e.release(p)
			e.m.cache.Release(raH)
			return 0, err
		}
		e.release(p)

		newAnode, newH, err := e.m.allocAnode(na)
		if err != nil {
			e.m.cache.Release(raH)
			return 0, err
		}
		guard.trackAnode(newAnode.Sector)
		newAnode.Tree.header.Flags |= BPInternal
		newAnode.Tree.internal = []internalEntry{{FileSecno: sentinelFileSecno, Down: up}}
		copy(newH.Data, newAnode.encode())
		if err := e.m.cache.MarkDirty(newH); err != nil {
			e.m.cache.Release(newH)
			e.m.cache.Release(raH)
			return 0, ioErr("append_sector", newAnode.Sector, err)
		}
		e.m.cache.Release(newH)

		if child, ch, err := e.m.MapAnode(up); err == nil {
			child.Up = newAnode.Sector
			copy(ch.Data, child.encode())
			_ = e.m.cache.MarkDirty(ch)
			e.m.cache.Release(ch)
		}

		fs = sentinelFileSecno // promoted key no longer meaningful above this split point until replaced
		na = newAnode.Sector

		if nextUp == invalidSector {
			scratch, sh, err := e.m.MapAnode(ra)
			if err != nil {
				e.m.cache.Release(raH)
				return 0, err
			}
			return e.splitRoot(root, isFnode, fs, na, scratch, sh, guard)
		}
		up = nextUp
	}
}

// splitRoot handles the final case: even the fnode's embedded root (or the
// anode tree's top) is full, so a brand new 2-entry internal root is
// built, referencing the scratch anode R (which absorbs the old root's
// contents) and the newly promoted anode na.
func (e *btreeEngine) splitRoot(root uint32, isFnode bool, fs uint32, na uint32, scratch *anodeStruct, scratchH *bufcache.Handle, guard *allocGuard) (uint32, error) {
	rootNode, err := e.mapNode(root, isFnode)
	if err != nil {
		e.m.cache.Release(scratchH)
		return 0, err
	}
	rt := rootNode.tree()

	scratch.Up = root
	scratch.Tree.header.Flags = rt.header.Flags
	scratch.Tree.internal = append([]internalEntry(nil), rt.internal...)
	scratch.Tree.external = append([]externalEntry(nil), rt.external...)
	if isFnode {
		scratch.Tree.header.Flags |= BPFnodeParent
	} else {
		scratch.Tree.header.Flags &^= BPFnodeParent
	}

	if scratch.Tree.isInternal() {
		for _, ent := range scratch.Tree.internal {
			if child, ch, err := e.m.MapAnode(ent.Down); err == nil {
				child.Up = scratch.Sector
				child.Tree.header.Flags &^= BPFnodeParent
				copy(ch.Data, child.encode())
				_ = e.m.cache.MarkDirty(ch)
				e.m.cache.Release(ch)
			}
		}
	}
	copy(scratchH.Data, scratch.encode())
	if err := e.m.cache.MarkDirty(scratchH); err != nil {
		e.m.cache.Release(scratchH)
		e.release(rootNode)
		return 0, ioErr("append_sector", scratch.Sector, err)
	}
	e.m.cache.Release(scratchH)

	rt.header.Flags |= BPInternal
	rt.internal = []internalEntry{
		{FileSecno: fs, Down: scratch.Sector},
		{FileSecno: sentinelFileSecno, Down: na},
	}
	rt.external = nil
	if err := e.writeBack(rootNode); err != nil {
		e.release(rootNode)
		return 0, ioErr("append_sector", root, err)
	}

	if child, ch, err := e.m.MapAnode(na); err == nil {
		child.Up = root
		if isFnode {
			child.Tree.header.Flags |= BPFnodeParent
		}
		copy(ch.Data, child.encode())
		_ = e.m.cache.MarkDirty(ch)
		e.m.cache.Release(ch)
	}

	e.release(rootNode)
	return seFromLeaf(e, na)
}

// seFromLeaf re-reads na's single external entry's allocated sector. Used
// at the end of splitRoot, where the original returns the already-known
// `se` directly; this keeps the same result without threading `se` through
// every recursive call of splitRoot (which can also be entered from the
// promote cascade, where `se` is still in scope at the call site).
func seFromLeaf(e *btreeEngine, na uint32) (uint32, error) {
	a, h, err := e.m.MapAnode(na)
	if err != nil {
		return 0, err
	}
	defer e.m.cache.Release(h)
	if len(a.Tree.external) == 0 {
		return 0, corruptionErr("append_sector", na, errEmptyNode)
	}
	last := a.Tree.external[len(a.Tree.external)-1]
	return last.DiskSecno + last.Length - 1, nil
}

// Truncate implements truncate(root, is_fnode, new_sec_count) per §4.E.4.
func (e *btreeEngine) Truncate(root uint32, isFnode bool, newCount uint32) error {
	if newCount == 0 {
		if err := e.Remove(root, isFnode); err != nil {
			return err
		}
		if isFnode {
			f, h, err := e.m.MapFnode(root)
			if err != nil {
				return err
			}
			f.Tree.header.Flags &^= BPInternal
			f.Tree.internal = nil
			f.Tree.external = nil
			if err := e.m.withFnodeWriteBack(f, h); err != nil {
				return err
			}
			return nil
		}
		return e.alloc.FreeSectors(root, 1)
	}

	cd := NewCycleDetector("truncate", e.maxHops())
	sector, curIsFnode := root, isFnode
	for {
		if err := cd.Step(sector); err != nil {
			return err
		}
		n, err := e.mapNode(sector, curIsFnode)
		if err != nil {
			return err
		}
		t := n.tree()
		if !t.isInternal() {
			return e.truncateLeaf(n, newCount)
		}

		idx := -1
		for i, ent := range t.internal {
			if ent.FileSecno >= newCount {
				idx = i
				break
			}
		}
		if idx == -1 {
			e.release(n)
			return corruptionErr("truncate", sector, errTruncateNoSentinel)
		}
		for j := idx + 1; j < len(t.internal); j++ {
			if err := e.Remove(t.internal[j].Down, false); err != nil {
				e.release(n)
				return err
			}
			if err := e.alloc.FreeSectors(t.internal[j].Down, 1); err != nil {
				e.release(n)
				return err
			}
		}
		exact := t.internal[idx].FileSecno == newCount
		down := t.internal[idx].Down
		t.internal = t.internal[:idx+1]
		t.internal[idx].FileSecno = sentinelFileSecno
		if err := e.writeBack(n); err != nil {
			e.release(n)
			return ioErr("truncate", sector, err)
		}
		e.release(n)
		if exact {
			return nil
		}
		sector, curIsFnode = down, false
	}
}

func (e *btreeEngine) truncateLeaf(n *node, newCount uint32) error {
	t := n.tree()
	idx := -1
	for i, ent := range t.external {
		if ent.FileSecno+ent.Length >= newCount {
			idx = i
			break
		}
	}
	if idx == -1 {
		e.release(n)
		return nil
	}

	ent := t.external[idx]
	if newCount <= ent.FileSecno {
		if idx > 0 {
			idx--
		}
	} else if ent.FileSecno+ent.Length > newCount {
		freeStart := ent.DiskSecno + (newCount - ent.FileSecno)
		freeLen := ent.Length - (newCount - ent.FileSecno)
		if err := e.alloc.FreeSectors(freeStart, freeLen); err != nil {
			e.release(n)
			return err
		}
		t.external[idx].Length = newCount - ent.FileSecno
	}

	for j := idx + 1; j < len(t.external); j++ {
		if err := e.alloc.FreeSectors(t.external[j].DiskSecno, t.external[j].Length); err != nil {
			e.release(n)
			return err
		}
	}
	t.external = t.external[:idx+1]
	if err := e.writeBack(n); err != nil {
		e.release(n)
		return ioErr("truncate", n.sector, err)
	}
	e.release(n)
	return nil
}

var errTruncateNoSentinel = &Error{Kind: KindCorruption, Op: "truncate"}

// removeFrame records one ancestor met while descending Remove's walk: the
// ancestor's own sector, its parent sector, and which child index was last
// (or is about to be) descended into.
type removeFrame struct {
	sector uint32
	up     uint32
	idx    int
}

// Remove frees every disk extent and every anode reachable from root,
// without freeing root itself (the caller frees the root sector, since for
// an fnode root "removing" just means emptying the embedded btree).
// Grounded on ntfs_remove_btree's iterative post-order walk.
func (e *btreeEngine) Remove(root uint32, isFnode bool) error {
	n, err := e.mapNode(root, isFnode)
	if err != nil {
		return err
	}

	cdDown := NewCycleDetector("remove_descend", e.maxHops())
	cdUp := NewCycleDetector("remove_ascend", e.maxHops())

	cur := n
	stack := []removeFrame{}

	for {
		if err := cdDown.Step(cur.sector); err != nil {
			e.release(cur)
			return err
		}
		t := cur.tree()
		if !t.isInternal() {
			break
		}
		down := t.internal[0].Down
		stack = append(stack, removeFrame{sector: cur.sector, up: cur.up(), idx: 0})
		e.release(cur)
		cur, err = e.mapNode(down, false)
		if err != nil {
			return err
		}
	}

	for {
		t := cur.tree()
		for _, ent := range t.external {
			if err := e.alloc.FreeSectors(ent.DiskSecno, ent.Length); err != nil {
				e.release(cur)
				return err
			}
		}
		e.release(cur)

		if len(stack) == 0 {
			return nil
		}
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if err := cdUp.Step(cur.sector); err != nil {
			return err
		}
		if err := e.alloc.FreeSectors(cur.sector, 1); err != nil {
			return err
		}

		parent, err := e.mapNode(top.sector, top.sector == root && isFnode)
		if err != nil {
			return err
		}
		pt := parent.tree()
		nextIdx := top.idx + 1
		if nextIdx >= len(pt.internal) {
			// No more siblings under top: top itself is now fully drained
			// of children and becomes the next node to free on the way up.
			cur = parent
			continue
		}
		down := pt.internal[nextIdx].Down
		stack = append(stack, removeFrame{sector: top.sector, up: top.up, idx: nextIdx})
		e.release(parent)
		cur, err = e.descendToLeaf(down, &stack)
		if err != nil {
			return err
		}
	}
}

// descendToLeaf walks from (sector, isFnode=false — only used for interior
// anode subtrees) down the leftmost path to a leaf, pushing a frame for
// every internal level it passes through.
func (e *btreeEngine) descendToLeaf(sector uint32, stack *[]removeFrame) (*node, error) {
	cd := NewCycleDetector("remove_descend", e.maxHops())
	cur, err := e.mapNode(sector, false)
	if err != nil {
		return nil, err
	}
	for {
		if err := cd.Step(cur.sector); err != nil {
			e.release(cur)
			return nil, err
		}
		t := cur.tree()
		if !t.isInternal() {
			return cur, nil
		}
		down := t.internal[0].Down
		*stack = append(*stack, removeFrame{sector: cur.sector, up: cur.up(), idx: 0})
		e.release(cur)
		cur, err = e.mapNode(down, false)
		if err != nil {
			return nil, err
		}
	}
}
