// Package handle is the process-wide handle table: the one piece of
// global mutable state the core requires. It hands out stable integer
// IDs tagged with a kind, refcounted, for whatever the higher-level
// object model (files, groups, datasets, ...) wants to track. The core
// itself never inspects the payload; it only keeps the ID stable and
// the refcount honest.
package handle

import (
	"sync"
	"sync/atomic"

	"github.com/bljhdf/hdf5/swmrerr"
)

// Kind tags what a handle identifies. The core is indifferent to the
// payload each kind carries; this exists only so callers sharing one
// table can tell handles apart without a separate table per kind.
type Kind int

const (
	KindFile Kind = iota
	KindGroup
	KindDataset
	KindDatatype
	KindAttribute
	KindDataspace
	KindPropertyList
	KindReference
	KindErrorStack
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindGroup:
		return "group"
	case KindDataset:
		return "dataset"
	case KindDatatype:
		return "datatype"
	case KindAttribute:
		return "attribute"
	case KindDataspace:
		return "dataspace"
	case KindPropertyList:
		return "property-list"
	case KindReference:
		return "reference"
	case KindErrorStack:
		return "error-stack"
	default:
		return "unknown"
	}
}

// ID is an opaque, process-wide-unique handle identifier.
type ID int64

type entry struct {
	kind    Kind
	payload any
	refs    int32
}

// Table is the process-wide handle registry. The zero value is not
// usable; construct with New.
type Table struct {
	mu      sync.Mutex
	next    int64
	entries map[ID]*entry
}

// New constructs an empty Table. One per process is expected, created
// at the first open/create and torn down when the last handle closes,
// per §9's "explicit context handle" guidance.
func New() *Table {
	return &Table{entries: make(map[ID]*entry)}
}

// Register allocates a fresh ID for payload, tagged kind, with an
// initial refcount of 1.
func (t *Table) Register(kind Kind, payload any) ID {
	id := ID(atomic.AddInt64(&t.next, 1))
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = &entry{kind: kind, payload: payload, refs: 1}
	return id
}

// Incref bumps a handle's refcount, e.g. when a second API call hands
// out the same logical object.
func (t *Table) Incref(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return swmrerr.New(swmrerr.NotFound, "handle.Incref")
	}
	e.refs++
	return nil
}

// Decref drops a handle's refcount and removes it once it reaches
// zero, reporting whether removal happened so the caller knows whether
// to run its own teardown.
func (t *Table) Decref(id ID) (removed bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return false, swmrerr.New(swmrerr.NotFound, "handle.Decref")
	}
	e.refs--
	if e.refs <= 0 {
		delete(t.entries, id)
		return true, nil
	}
	return false, nil
}

// Lookup returns a handle's kind and payload.
func (t *Table) Lookup(id ID) (Kind, any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0, nil, swmrerr.New(swmrerr.NotFound, "handle.Lookup")
	}
	return e.kind, e.payload, nil
}

// Len returns the number of live handles, for tests and diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
