package memtable

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/arborkv/arbor/keys"
)

const tMaxHeight = 12

const (
	posKV     = iota // position of k/v start (offset) in the data array
	posKey           // length of the key
	posVal           // length of the data
	posHeight        // height we are in the skiplist (number of next pointers)
	posNext          // First next pointer (level 0) (node + posNext + LEVEL is next pointer for LEVEL)
)

type MemTable struct {
	mu         sync.RWMutex
	rnd        *rand.Rand
	d          []byte // the actual data buffer
	md         []int  // meta data (data on where the data is in data)
	prev       [tMaxHeight]int
	maxHeight  int
	n          int
	numDeletes int
	keyBuf     []byte // reusable buffer for key encoding
	walPath    string // path of the WAL this memtable's writes were logged to

	// id is this memtable's creation sequence number. Strictly increasing
	// over the lifetime of the engine; assigned once, by whoever owns the
	// rotation/id counter (normally MemtableList.Add), and never reused.
	id atomic.Uint64

	// refs is the shared-ownership count. The memtable is only safe to
	// destroy once this reaches zero; see Ref/UnRef.
	refs atomic.Int32

	// flushInProgress/flushCompleted are the synchronization tokens
	// PickMemtablesToFlush and InstallMemtableFlushResults use to keep
	// concurrent flush picks disjoint and commits in creation order.
	flushInProgress atomic.Bool
	flushCompleted  atomic.Bool

	// edit carries the manifest-edit descriptor produced by the flush job
	// that wrote this memtable's contents to disk. Opaque to this package
	// so it doesn't have to import the root package's VersionEdit type;
	// the install bridge casts it back on read.
	edit any
}

func NewMemtable(writeBufferSize int) *MemTable {
	// Estimate metadata capacity based on expected number of entries
	// Each entry uses ~6 ints on average (4 base + ~2 for skiplist pointers)
	// Assume 64-byte average key+value size for capacity estimation
	estimatedEntries := writeBufferSize / 64
	estimatedMdCapacity := 4 + tMaxHeight + (estimatedEntries * 6)

	mt := &MemTable{
		rnd:       rand.New(rand.NewPCG(4, 8)),
		maxHeight: 1,
		d:         make([]byte, 0, writeBufferSize),
		md:        make([]int, 4+tMaxHeight, estimatedMdCapacity),
		keyBuf:    make([]byte, 0, 256), // Initial capacity for typical key sizes
	}
	mt.md[posHeight] = tMaxHeight
	return mt
}

func (mt *MemTable) randHeight() int {
	const b = 4
	h := 1
	for h < tMaxHeight && mt.rnd.Int()%b == 0 {
		h++
	}
	return h
}

func (mt *MemTable) findGE(key keys.EncodedKey, prev bool) (int, bool) {
	node := 0
	h := mt.maxHeight - 1
	for {
		next := mt.md[node+posNext+h]
		cmp := 1
		if next != 0 {
			o := mt.md[next]
			d := keys.EncodedKey(mt.d[o : o+mt.md[next+posKey]])
			cmp = d.Compare(key)
		}
		if cmp < 0 { // If stored < search, continue forward
			node = next
		} else {
			if prev {
				mt.prev[h] = node
			} else if cmp == 0 {
				return next, true
			}
			if h == 0 {
				return next, cmp == 0
			}
			h--
		}
	}
}

func (mt *MemTable) Put(key keys.EncodedKey, value []byte) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	// We don't find exact matches and are simply positioning the
	// mt.prev array for insertion of our new key/value, there should
	// never be an exact match because the sequence would have
	// advanced causing the internal key to be different.
	mt.findGE(key, true)

	h := mt.randHeight()
	if h > mt.maxHeight {
		// Only initialize the NEW levels (mt.maxHeight to h-1) to point to header
		// Don't overwrite the existing levels that were set by findGE
		for i := mt.maxHeight; i < h; i++ {
			mt.prev[i] = 0
		}
		mt.maxHeight = h
	}

	off := len(mt.d)
	mt.d = append(mt.d, key...)
	mt.d = append(mt.d, value...)
	node := len(mt.md)
	mt.md = append(mt.md, off, len(key), len(value), h)
	for i, n := range mt.prev[:h] {
		m := n + posNext + i
		mt.md = append(mt.md, mt.md[m])
		mt.md[m] = node
	}
	mt.n++
	if key.Kind() == keys.KindDelete {
		mt.numDeletes++
	}
}

// Get retrieves the most recent entry for a user key.
// Returns the raw value bytes and the internal key.
func (mt *MemTable) Get(key keys.EncodedKey) (keys.EncodedKey, []byte) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	if mt.n == 0 {
		return nil, nil
	}

	// Navigate skiplist to find first key with matching user key
	// Since keys are sorted by internal key order, the first match
	// will be the most recent (highest sequence number)
	if node, _ := mt.findGE(key, false); node != 0 {
		o := mt.md[node]
		storedKey := keys.EncodedKey(mt.d[o : o+mt.md[node+posKey]])

		// Check if user keys match
		if storedKey.UserKey().Compare(key.UserKey()) == 0 {
			valueStart := o + mt.md[node+posKey]
			value := mt.d[valueStart : valueStart+mt.md[node+posVal]]
			return storedKey, value
		}
	}
	return nil, nil
}

func (mt *MemTable) Size() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.n == 0 {
		return 0
	}
	return len(mt.d) + len(mt.md)*8
}

// MemoryUsage returns an approximation of memory usage
func (mt *MemTable) MemoryUsage() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return len(mt.d) + len(mt.md)
}

// NumEntries returns the number of live entries (including tombstones)
// written to this memtable.
func (mt *MemTable) NumEntries() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.n
}

// NumDeletes returns the number of KindDelete entries written to this
// memtable.
func (mt *MemTable) NumDeletes() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.numDeletes
}

// ID returns this memtable's creation sequence number.
func (mt *MemTable) ID() uint64 {
	return mt.id.Load()
}

// SetID assigns the creation sequence number. Callers must only do this
// once, before the memtable is published to any reader.
func (mt *MemTable) SetID(id uint64) {
	mt.id.Store(id)
}

// RegisterWAL records the path of the WAL this memtable's writes were
// logged to, so it can be cleaned up once the memtable is durably flushed.
func (mt *MemTable) RegisterWAL(path string) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.walPath = path
}

// WALPath returns the path registered by RegisterWAL, or "" if none.
func (mt *MemTable) WALPath() string {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.walPath
}

// Ref bumps the shared-ownership count. Pairs with UnRef.
func (mt *MemTable) Ref() {
	mt.refs.Add(1)
}

// RefCount returns the current shared-ownership count. Exposed mainly for
// tests that verify a memtable's refcount reaches zero after eviction.
func (mt *MemTable) RefCount() int32 {
	return mt.refs.Load()
}

// UnRef drops the shared-ownership count. If it reaches zero, mt is
// appended to toDelete so the caller can destroy it outside of any locked
// region, and mt is returned; otherwise UnRef returns nil.
func (mt *MemTable) UnRef(toDelete *[]*MemTable) *MemTable {
	if mt.refs.Add(-1) == 0 {
		if toDelete != nil {
			*toDelete = append(*toDelete, mt)
		}
		return mt
	}
	return nil
}

// FlushInProgress reports whether this memtable is currently claimed by an
// in-flight flush pick.
func (mt *MemTable) FlushInProgress() bool {
	return mt.flushInProgress.Load()
}

// SetFlushInProgress sets or clears the flush-in-progress flag. This is the
// synchronization token that keeps concurrent PickMemtablesToFlush calls
// disjoint; callers must hold the list's mutex.
func (mt *MemTable) SetFlushInProgress(v bool) {
	mt.flushInProgress.Store(v)
}

// FlushCompleted reports whether this memtable's contents have been
// durably materialized to an on-disk file, awaiting manifest commit.
func (mt *MemTable) FlushCompleted() bool {
	return mt.flushCompleted.Load()
}

// SetFlushCompleted sets or clears the flush-completed flag.
func (mt *MemTable) SetFlushCompleted(v bool) {
	mt.flushCompleted.Store(v)
}

// SetEdit attaches the manifest-edit descriptor produced by the flush job
// that wrote mt's contents to disk. Must be set before the memtable is
// handed to InstallMemtableFlushResults.
func (mt *MemTable) SetEdit(e any) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.edit = e
}

// Edit returns the manifest-edit descriptor set by SetEdit, or nil.
func (mt *MemTable) Edit() any {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.edit
}

// Close releases this memtable's in-memory buffers. Safe to call only
// after the last reference has been dropped (UnRef returned non-nil).
func (mt *MemTable) Close() error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.d = nil
	mt.md = nil
	return nil
}
