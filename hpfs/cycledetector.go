package hpfs

// CycleDetector guards a single btree walk (ascent or descent) against a
// corrupt up/down chain looping forever. It implements Brent's variant of
// Floyd's tortoise-and-hare: a single remembered comparison sector is
// re-sampled at doubling hop counts, so a short cycle is caught within
// O(log n) re-samples instead of needing one comparison per hop.
//
// Grounded on the doubling schedule implied by the original driver's
// ntfs_stop_cycles(sb, sector, &c1, &c2, op) callers in anode.c, which pass
// a pair of ints (c1, c2) threaded through every step of a descent or
// ascent; sb_fs_size is the hard ceiling named by the spec regardless of how
// quickly the doubling schedule would otherwise trip.
type CycleDetector struct {
	op         string
	tortoise   uint32
	hops       int
	nextSample int
	maxHops    int
}

// NewCycleDetector starts a fresh detector for one traversal. maxHops is the
// hard ceiling (the filesystem's sector count, sb_fs_size) beyond which a
// traversal is always reported corrupt even if the doubling schedule hasn't
// caught up yet.
func NewCycleDetector(op string, maxHops int) *CycleDetector {
	return &CycleDetector{op: op, nextSample: 1, maxHops: maxHops}
}

// Step records one hop to sector and reports whether a cycle was detected.
// Callers call this once per traversed sector, before acting on it.
func (c *CycleDetector) Step(sector uint32) error {
	c.hops++
	if c.hops > 1 && sector == c.tortoise {
		return corruptionErr(c.op, sector, errCycleDetected)
	}
	if c.hops == c.nextSample {
		c.tortoise = sector
		c.nextSample *= 2
	}
	if c.maxHops > 0 && c.hops > c.maxHops {
		return corruptionErr(c.op, sector, errCycleBoundExceeded)
	}
	return nil
}

var (
	errCycleDetected      = &Error{Kind: KindCorruption, Op: "cycle_detector"}
	errCycleBoundExceeded = &Error{Kind: KindCorruption, Op: "cycle_detector"}
)
