package defrag

import (
	"testing"
	"time"

	"github.com/database64128/vl1node/internal/bufpool"
)

func slice(pool *bufpool.Pool, t *testing.T, tag byte) bufpool.Slice {
	t.Helper()
	b, ok := pool.Get()
	if !ok {
		t.Fatal("pool exhausted")
	}
	b.B[0] = tag
	return bufpool.Slice{Buf: b, Start: 0, End: 1}
}

func TestAssembleSingleFragmentCompletes(t *testing.T) {
	d := New(4)
	pool := bufpool.New(4)
	now := time.Unix(0, 0)

	vec, res := d.Assemble(1, PathKey(1), 0, 1, slice(pool, t, 1), now, 8)
	if res != Complete {
		t.Fatalf("Assemble() = %v, want Complete", res)
	}
	if vec.Len() != 1 {
		t.Fatalf("vec.Len() = %d, want 1", vec.Len())
	}
	vec.Release()
}

func TestAssembleMultiFragmentOrdersCorrectly(t *testing.T) {
	d := New(4)
	pool := bufpool.New(4)
	now := time.Unix(0, 0)

	_, res := d.Assemble(42, PathKey(1), 1, 3, slice(pool, t, 'b'), now, 8)
	if res != OK {
		t.Fatalf("Assemble() fragment 1 = %v, want OK", res)
	}
	_, res = d.Assemble(42, PathKey(1), 0, 3, slice(pool, t, 'a'), now, 8)
	if res != OK {
		t.Fatalf("Assemble() fragment 0 = %v, want OK", res)
	}
	vec, res := d.Assemble(42, PathKey(1), 2, 3, slice(pool, t, 'c'), now, 8)
	if res != Complete {
		t.Fatalf("Assemble() fragment 2 = %v, want Complete", res)
	}
	defer vec.Release()

	if vec.Len() != 3 {
		t.Fatalf("vec.Len() = %d, want 3", vec.Len())
	}
	for i, want := range []byte{'a', 'b', 'c'} {
		if got := vec.At(i).Bytes()[0]; got != want {
			t.Errorf("vec.At(%d) = %q, want %q", i, got, want)
		}
	}
}

func TestAssembleDuplicateFragment(t *testing.T) {
	d := New(1)
	pool := bufpool.New(4)
	now := time.Unix(0, 0)

	_, res := d.Assemble(1, PathKey(1), 0, 2, slice(pool, t, 'a'), now, 8)
	if res != OK {
		t.Fatalf("Assemble() first fragment = %v, want OK", res)
	}
	_, res = d.Assemble(1, PathKey(1), 0, 2, slice(pool, t, 'a'), now, 8)
	if res != ErrDuplicate {
		t.Fatalf("Assemble() duplicate fragment = %v, want ErrDuplicate", res)
	}
}

func TestAssembleInvalidIndexOrTotal(t *testing.T) {
	d := New(1)
	pool := bufpool.New(4)
	now := time.Unix(0, 0)

	if _, res := d.Assemble(1, PathKey(1), 5, 3, slice(pool, t, 'a'), now, 8); res != ErrInvalid {
		t.Fatalf("Assemble() index>=total = %v, want ErrInvalid", res)
	}
	if _, res := d.Assemble(2, PathKey(1), 0, 200, slice(pool, t, 'a'), now, 8); res != ErrInvalid {
		t.Fatalf("Assemble() total>MaxFragmentsPerPacket = %v, want ErrInvalid", res)
	}
}

func TestAssembleConflictingTotal(t *testing.T) {
	d := New(1)
	pool := bufpool.New(4)
	now := time.Unix(0, 0)

	_, res := d.Assemble(1, PathKey(1), 0, 3, slice(pool, t, 'a'), now, 8)
	if res != OK {
		t.Fatalf("Assemble() first fragment = %v, want OK", res)
	}
	_, res = d.Assemble(1, PathKey(1), 1, 4, slice(pool, t, 'b'), now, 8)
	if res != ErrInvalid {
		t.Fatalf("Assemble() with conflicting total = %v, want ErrInvalid", res)
	}
}

func TestAssembleEvictsOldestOnCapacity(t *testing.T) {
	d := New(1)
	pool := bufpool.New(8)
	now := time.Unix(0, 0)

	// Fill one path to capacity with incomplete messages, each waiting on a
	// second fragment that never arrives.
	for id := uint64(1); id <= 2; id++ {
		_, res := d.Assemble(id, PathKey(1), 0, 2, slice(pool, t, byte(id)), now, 2)
		if res != OK {
			t.Fatalf("Assemble() packet %d = %v, want OK", id, res)
		}
	}

	// A third incomplete message should evict packet id 1 (the oldest).
	_, res := d.Assemble(3, PathKey(1), 0, 2, slice(pool, t, 3), now, 2)
	if res != OK {
		t.Fatalf("Assemble() packet 3 = %v, want OK", res)
	}

	// Packet id 1's original fragment was evicted and released; a fragment
	// arriving for it now starts a brand new, empty assembly rather than
	// completing against the evicted (and already-freed) data.
	_, res = d.Assemble(1, PathKey(1), 1, 2, slice(pool, t, 1), now, 2)
	if res != OK {
		t.Fatalf("Assemble() fragment for evicted packet id = %v, want OK (fresh assembly)", res)
	}
}

func TestAssembleZeroCapRejected(t *testing.T) {
	d := New(1)
	pool := bufpool.New(4)
	now := time.Unix(0, 0)

	_, res := d.Assemble(1, PathKey(1), 0, 1, slice(pool, t, 'a'), now, 0)
	if res != ErrTooMany {
		t.Fatalf("Assemble() with perPathCap=0 = %v, want ErrTooMany", res)
	}
}

func TestSeparatePathsDoNotInterfere(t *testing.T) {
	d := New(1)
	pool := bufpool.New(4)
	now := time.Unix(0, 0)

	vecA, res := d.Assemble(1, PathKey(1), 0, 1, slice(pool, t, 'a'), now, 1)
	if res != Complete {
		t.Fatalf("path A Assemble() = %v, want Complete", res)
	}
	defer vecA.Release()

	vecB, res := d.Assemble(1, PathKey(2), 0, 1, slice(pool, t, 'b'), now, 1)
	if res != Complete {
		t.Fatalf("path B Assemble() = %v, want Complete", res)
	}
	defer vecB.Release()
}
