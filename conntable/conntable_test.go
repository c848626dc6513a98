package conntable

import (
	"testing"
	"time"
)

func TestAddLookupRemove(t *testing.T) {
	tbl := New()
	h := tbl.Add(&Connection{FD: 5, Kind: ClientSocket})

	conn, found := tbl.Lookup(5)
	if conn == nil || found != h {
		t.Fatalf("Lookup(5) = %v, %v; want a connection and matching handle", conn, found)
	}

	tbl.Remove(h)
	if conn, _ := tbl.Lookup(5); conn != nil {
		t.Fatalf("expected fd 5 removed, got %+v", conn)
	}
}

func TestReapOrdersByActivity(t *testing.T) {
	tbl := New()
	tbl.Add(&Connection{FD: 1})
	h2 := tbl.Add(&Connection{FD: 2})

	// Backdate fd 1's activity so it is the only one eligible for reap.
	if conn := tbl.Get(Handle{index: 0, gen: 1}); conn != nil {
		conn.LastActive = time.Now().Add(-20 * time.Second)
	}

	conn, _ := tbl.Reap(10)
	if conn == nil || conn.FD != 1 {
		t.Fatalf("Reap() = %+v, want fd 1", conn)
	}

	if conn, _ := tbl.Reap(10); conn != nil {
		t.Fatalf("second Reap() = %+v, want nil (fd 2 still fresh)", conn)
	}

	if got := tbl.Get(h2); got == nil || got.FD != 2 {
		t.Fatalf("fd 2 should remain in the table")
	}
}

func TestTouchMovesToTailAndNeverDecreasesTimestamp(t *testing.T) {
	tbl := New()
	h := tbl.Add(&Connection{FD: 9})
	before := tbl.Get(h).LastActive

	time.Sleep(time.Millisecond)
	h2 := tbl.Touch(h)

	after := tbl.Get(h2).LastActive
	if after.Before(before) {
		t.Fatalf("touch decreased timestamp: before=%v after=%v", before, after)
	}
	if tbl.Get(h) != nil {
		t.Fatalf("old handle should be invalidated after touch")
	}
}

func TestStaleHandleAfterSlotReuse(t *testing.T) {
	tbl := New()
	h1 := tbl.Add(&Connection{FD: 1})
	tbl.Remove(h1)
	tbl.Add(&Connection{FD: 2}) // likely reuses h1's freed slot

	if tbl.Get(h1) != nil {
		t.Fatalf("stale handle should not resolve after its slot was reused")
	}
}
