// Package vfd implements the container virtual file device: a thin,
// memory-type-aware block I/O layer over a backing store. Policy (what
// gets cached, when it becomes visible to readers) lives above this
// package, in pagebuf and tick; vfd only knows how to grow a file,
// read/write byte ranges of it, and hold an advisory lock on it.
package vfd

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// MemType discriminates the logical use of a byte range. The VFD carries
// the distinction through so upper layers can reserve separate EOA
// counters per type; it does not interpret it.
type MemType int

const (
	MemDefault MemType = iota
	MemSuperblock
	MemMetadata
	MemRawData
	MemGlobalHeap
	MemBTree
	memTypeCount
)

func (t MemType) String() string {
	switch t {
	case MemSuperblock:
		return "superblock"
	case MemMetadata:
		return "metadata"
	case MemRawData:
		return "raw"
	case MemGlobalHeap:
		return "global-heap"
	case MemBTree:
		return "btree"
	default:
		return "default"
	}
}

// Feature is a capability bit a VFD advertises to upper layers.
type Feature uint32

const (
	FeatureAggregateMetadata Feature = 1 << iota
	FeatureAccumulateMetadata
	FeatureDataSieve
	FeatureAggregateSmallData
	FeatureSupportsSWMRIO
	FeatureDefaultVFDCompatible
)

// Has reports whether all bits in want are set.
func (f Feature) Has(want Feature) bool { return f&want == want }

// LockMode selects the advisory lock mode requested via Lock.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

// VFD is the contract every container backing store implements. All
// operations are synchronous; there is no internal yielding.
type VFD interface {
	Read(typ MemType, addr uint64, size int) ([]byte, error)
	Write(typ MemType, addr uint64, data []byte) error
	Allocate(typ MemType, size uint64) (addr uint64, err error)
	GetEOA(typ MemType) uint64
	SetEOA(typ MemType, addr uint64) error
	GetEOF() uint64
	Truncate() error
	Lock(mode LockMode) error
	Unlock() error
	Features() Feature
	Close() error
}

// ErrShortRead is returned when the backing store could not satisfy a
// read of the requested size (reads are never short per contract; a
// caller that wants partial reads should request a smaller size).
var ErrShortRead = errors.New("vfd: short read")

// FileVFD is a VFD backed by a single OS file, with one EOA counter per
// memory type and an alignment/threshold policy for Allocate, mirroring
// the aggregation knobs exposed to upper layers as Feature bits.
type FileVFD struct {
	mu   sync.Mutex
	file StorageFile
	path string
	lock *fileLock

	eoa       [memTypeCount]uint64
	alignment uint64
	threshold uint64
	features  Feature
}

// Option configures a FileVFD at Open time.
type Option func(*FileVFD)

// WithAlignment sets the allocation alignment (addresses returned by
// Allocate for sizes >= threshold are rounded up to a multiple of align).
func WithAlignment(align, threshold uint64) Option {
	return func(f *FileVFD) {
		if align > 0 {
			f.alignment = align
		}
		f.threshold = threshold
	}
}

// WithFeatures overrides the advertised feature bitmask.
func WithFeatures(feat Feature) Option {
	return func(f *FileVFD) { f.features = feat }
}

// Open opens or creates path as a container file and takes an advisory
// lock on it in the requested mode.
func Open(path string, mode LockMode, opts ...Option) (*FileVFD, error) {
	lock, err := lockFile(path, mode == LockExclusive)
	if err != nil {
		return nil, err
	}

	flags := os.O_RDWR | os.O_CREATE
	if mode == LockShared {
		flags = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		lock.unlock()
		return nil, fmt.Errorf("vfd: cannot open %q: %w", path, err)
	}

	f := &FileVFD{
		file:      file,
		path:      path,
		lock:      lock,
		alignment: 1,
		features:  FeatureAggregateMetadata | FeatureAccumulateMetadata | FeatureSupportsSWMRIO | FeatureDefaultVFDCompatible,
	}
	for _, o := range opts {
		o(f)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		lock.unlock()
		return nil, err
	}
	size := uint64(info.Size())
	for t := range f.eoa {
		f.eoa[t] = size
	}
	return f, nil
}

// OpenMemory returns a FileVFD backed entirely by memory (no lock file,
// no OS file); used by tests and the in-memory demo mode.
func OpenMemory(opts ...Option) *FileVFD {
	f := &FileVFD{
		file:      NewMemFile(),
		path:      ":memory:",
		alignment: 1,
		features:  FeatureAggregateMetadata | FeatureAccumulateMetadata | FeatureSupportsSWMRIO,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *FileVFD) Read(typ MemType, addr uint64, size int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if addr+uint64(size) > f.eoa[typ] {
		return nil, fmt.Errorf("vfd: read [%d,%d) of %s exceeds eoa %d", addr, addr+uint64(size), typ, f.eoa[typ])
	}
	buf := make([]byte, size)
	n, err := f.file.ReadAt(buf, int64(addr))
	if err != nil && n < size {
		return nil, fmt.Errorf("vfd: read %s at %d: %w: %w", typ, addr, ErrShortRead, err)
	}
	return buf, nil
}

func (f *FileVFD) Write(typ MemType, addr uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if addr+uint64(len(data)) > f.eoa[typ] {
		return fmt.Errorf("vfd: write [%d,%d) of %s exceeds eoa %d", addr, addr+uint64(len(data)), typ, f.eoa[typ])
	}
	if _, err := f.file.WriteAt(data, int64(addr)); err != nil {
		return fmt.Errorf("vfd: write %s at %d: %w", typ, addr, err)
	}
	return nil
}

// Allocate returns a fresh, EOA-aligned address for size bytes of typ
// and advances that type's EOA. Each memory type keeps its own EOA
// counter, and Allocate does not consult the other types' counters, so
// ranges allocated for different types may overlap.
func (f *FileVFD) Allocate(typ MemType, size uint64) (uint64, error) {
	if size == 0 {
		return 0, errors.New("vfd: allocate: zero size")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	addr := f.eoa[typ]
	if size >= f.threshold && f.alignment > 1 {
		if rem := addr % f.alignment; rem != 0 {
			addr += f.alignment - rem
		}
	}
	f.eoa[typ] = addr + size
	return addr, nil
}

func (f *FileVFD) GetEOA(typ MemType) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eoa[typ]
}

// SetEOA sets typ's end-of-allocated address. Per contract this must be
// monotonic; callers that need to shrink should Truncate instead.
func (f *FileVFD) SetEOA(typ MemType, addr uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if addr < f.eoa[typ] {
		return fmt.Errorf("vfd: set_eoa(%s, %d) would move eoa backwards from %d", typ, addr, f.eoa[typ])
	}
	f.eoa[typ] = addr
	return nil
}

// GetEOF returns the current physical end of the backing file.
func (f *FileVFD) GetEOF() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, err := f.file.Stat()
	if err != nil {
		return 0
	}
	return uint64(info.Size())
}

// Truncate shrinks the backing file to the maximum EOA across types.
func (f *FileVFD) Truncate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max uint64
	for _, e := range f.eoa {
		if e > max {
			max = e
		}
	}
	tf, ok := f.file.(interface{ Truncate(int64) error })
	if !ok {
		return nil
	}
	return tf.Truncate(int64(max))
}

func (f *FileVFD) Lock(mode LockMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lock != nil && f.lock.exclusive && mode == LockShared {
		return fmt.Errorf("vfd: already held exclusively")
	}
	lk, err := lockFile(f.path+".relock", mode == LockExclusive)
	if err != nil {
		return err
	}
	f.lock = lk
	return nil
}

func (f *FileVFD) Unlock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lock == nil {
		return nil
	}
	err := f.lock.unlock()
	f.lock = nil
	return err
}

func (f *FileVFD) Features() Feature { return f.features }

func (f *FileVFD) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.file.Close()
	if f.lock != nil {
		f.lock.unlock()
	}
	return err
}
