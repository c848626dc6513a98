// Package conntable is the ordered collection of live connections keyed
// by file descriptor, ordered by last-activity time for O(1) reap at the
// head (spec.md §3, §4.4). Grounded on src/list.c's client linked list
// (search_client, add_client, delete_client, reinsert_client,
// check_timeout), reshaped per spec.md §9's redesign note into an arena
// of generation-tagged handles addressed by small integers rather than a
// raw pointer graph, so a CGI pipe's back-reference to its host can detect
// that the host slot has been reused after the host closed.
package conntable

import "time"

// Kind distinguishes a live TCP peer from a CGI child's stdout pipe.
type Kind int

const (
	ClientSocket Kind = iota
	CgiPipe
)

// Handle addresses a Connection in the table. A Handle captured before a
// slot is reused (same index, bumped generation) compares unequal to the
// current occupant, letting callers detect a stale back-reference.
type Handle struct {
	index int
	gen   uint64
}

// Valid reports whether h was ever issued.
func (h Handle) Valid() bool { return h.gen != 0 }

// Connection is a live TCP peer or CGI pipe (spec.md §3).
type Connection struct {
	FD         int
	Kind       Kind
	LastActive time.Time
	Buf        []byte // unconsumed bytes received but not yet framed
	RemoteAddr string
	RemotePort int

	// CGIPending is true for a ClientSocket whose request is being
	// answered by an in-flight CGI child (spec.md §4.5's ChildSpawned
	// state): the host is suspended from read dispatch until the pipe
	// reaches Done, so responses stay ordered (spec.md §5).
	CGIPending bool

	// Host is only meaningful when Kind == CgiPipe: the handle of the
	// ClientSocket this pipe's output must be forwarded to.
	Host Handle
}

type slot struct {
	conn *Connection
	gen  uint64
	prev int // -1 if head
	next int // -1 if tail
}

// Table is the ordered connection collection. The zero value is not
// usable; call New.
type Table struct {
	slots []slot
	free  []int
	byFD  map[int]int // fd -> slot index
	head  int
	tail  int
	gen   uint64
}

// New builds an empty table.
func New() *Table {
	return &Table{byFD: make(map[int]int), head: -1, tail: -1}
}

// Add inserts conn at the tail with a fresh timestamp and returns its
// handle. O(1) amortized.
func (t *Table) Add(conn *Connection) Handle {
	t.gen++
	conn.LastActive = time.Now()

	var idx int
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = len(t.slots)
		t.slots = append(t.slots, slot{})
	}

	t.slots[idx] = slot{conn: conn, gen: t.gen, prev: t.tail, next: -1}
	if t.tail >= 0 {
		t.slots[t.tail].next = idx
	} else {
		t.head = idx
	}
	t.tail = idx
	t.byFD[conn.FD] = idx

	return Handle{index: idx, gen: t.gen}
}

// Get dereferences a handle, returning nil if the slot has been reused or
// removed since the handle was issued — the mechanism spec.md §5 uses to
// detect a cancelled host before a CGI pipe's pending write is delivered.
func (t *Table) Get(h Handle) *Connection {
	if h.index < 0 || h.index >= len(t.slots) {
		return nil
	}
	s := t.slots[h.index]
	if s.conn == nil || s.gen != h.gen {
		return nil
	}
	return s.conn
}

// Lookup finds a live connection by descriptor. O(1) via an index map
// (the O(n) bound in spec.md §4.4 is the acceptable ceiling for a linear
// scan; this table uses a map since nothing forbids a faster structure).
func (t *Table) Lookup(fd int) (*Connection, Handle) {
	idx, ok := t.byFD[fd]
	if !ok {
		return nil, Handle{}
	}
	s := t.slots[idx]
	return s.conn, Handle{index: idx, gen: s.gen}
}

// Remove splices h's connection out of the table.
func (t *Table) Remove(h Handle) {
	if t.Get(h) == nil {
		return
	}
	s := t.slots[h.index]
	if s.prev >= 0 {
		t.slots[s.prev].next = s.next
	} else {
		t.head = s.next
	}
	if s.next >= 0 {
		t.slots[s.next].prev = s.prev
	} else {
		t.tail = s.prev
	}
	delete(t.byFD, s.conn.FD)
	t.slots[h.index] = slot{}
	t.free = append(t.free, h.index)
}

// Touch moves conn to the tail with a fresh timestamp: remove then
// add, matching src/list.c's reinsert_client exactly. Returns the new
// handle (the old one is invalidated).
func (t *Table) Touch(h Handle) Handle {
	conn := t.Get(h)
	if conn == nil {
		return Handle{}
	}
	t.Remove(h)
	return t.Add(conn)
}

// Reap removes and returns the head connection if it has been idle for
// more than idleSeconds; otherwise returns (nil, Handle{}). The event
// loop calls Reap repeatedly until it returns nil (spec.md §4.4/§4.6).
func (t *Table) Reap(idleSeconds int) (*Connection, Handle) {
	if t.head < 0 {
		return nil, Handle{}
	}
	s := t.slots[t.head]
	if time.Since(s.conn.LastActive) <= time.Duration(idleSeconds)*time.Second {
		return nil, Handle{}
	}
	h := Handle{index: t.head, gen: s.gen}
	conn := s.conn
	t.Remove(h)
	return conn, h
}

// Len reports the number of live connections.
func (t *Table) Len() int { return len(t.byFD) }
