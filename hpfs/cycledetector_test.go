package hpfs

// P8 coverage at the unit level: CycleDetector itself, independent of any
// mounted filesystem. Grounded in the teacher's plain-testing style (no
// table-driven helpers needed here; the cases are few and distinct enough
// to read linearly).

import "testing"

func TestCycleDetectorAllowsAcyclicWalk(t *testing.T) {
	c := NewCycleDetector("test_walk", 1000)
	for sec := uint32(1); sec <= 100; sec++ {
		if err := c.Step(sec); err != nil {
			t.Fatalf("Step(%d) on an acyclic walk: %v", sec, err)
		}
	}
}

func TestCycleDetectorDetectsLoop(t *testing.T) {
	c := NewCycleDetector("test_walk", 1000)
	path := []uint32{10, 20, 30, 40, 20, 30, 40, 20, 30, 40}

	var lastErr error
	for _, sec := range path {
		if err := c.Step(sec); err != nil {
			lastErr = err
			break
		}
	}
	if lastErr == nil {
		t.Fatalf("expected a cycle to be detected within %d hops, got none", len(path))
	}
	herr := asHpfsErr(t, lastErr)
	if herr.Kind != KindCorruption {
		t.Fatalf("cycle detection kind = %v, want Corruption", herr.Kind)
	}
}

func TestCycleDetectorMaxHopsBound(t *testing.T) {
	const maxHops = 20
	c := NewCycleDetector("test_walk", maxHops)

	var err error
	sec := uint32(1)
	for i := 0; i < maxHops+5; i++ {
		sec++ // strictly increasing sectors: no short cycle for Step to catch on its own
		if err = c.Step(sec); err != nil {
			break
		}
	}
	if err == nil {
		t.Fatalf("expected the hard maxHops ceiling to trip on a non-repeating walk")
	}
	herr := asHpfsErr(t, err)
	if herr.Kind != KindCorruption {
		t.Fatalf("maxHops bound kind = %v, want Corruption", herr.Kind)
	}
}
