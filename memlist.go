package arbor

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arborkv/arbor/keys"
	"github.com/arborkv/arbor/memtable"
	"github.com/arborkv/arbor/metrics"
)

// MemtableListVersion is an immutable snapshot of the memtables an
// in-flight read should consult: unflushed (not yet durably on disk) and
// history (already flushed, retained for a little longer so recent reads
// don't have to fall through to the SSTable levels). Both slices are
// newest-first. A version is never mutated after it is published; every
// MemtableList operation that changes membership builds a successor and
// atomically swaps it in.
type MemtableListVersion struct {
	unflushed []*memtable.MemTable
	history   []*memtable.MemTable
}

// Unflushed returns the unflushed memtables, newest-first.
func (v *MemtableListVersion) Unflushed() []*memtable.MemTable {
	return v.unflushed
}

// History returns the retained flushed memtables, newest-first.
func (v *MemtableListVersion) History() []*memtable.MemTable {
	return v.history
}

// Get looks up key across the unflushed memtables, newest-first, stopping
// at the first match. It does not consult history.
func (v *MemtableListVersion) Get(key keys.EncodedKey) (keys.EncodedKey, []byte, bool) {
	for _, m := range v.unflushed {
		if sk, val := m.Get(key); sk != nil {
			return sk, val, true
		}
	}
	return nil, nil, false
}

// GetFromHistory looks up key across the retained flushed memtables,
// newest-first. Callers fall back to this only after Get and the SSTable
// levels have both missed, since history is strictly older than the
// levels' own most recent flush in the common case.
func (v *MemtableListVersion) GetFromHistory(key keys.EncodedKey) (keys.EncodedKey, []byte, bool) {
	for _, m := range v.history {
		if sk, val := m.Get(key); sk != nil {
			return sk, val, true
		}
	}
	return nil, nil, false
}

func cloneHandles(h []*memtable.MemTable) []*memtable.MemTable {
	c := make([]*memtable.MemTable, len(h))
	copy(c, h)
	return c
}

// MemtableList is the mutable façade over the current MemtableListVersion:
// it owns the flush state machine (num_flush_not_started, flush_requested,
// imm_flush_needed) and the creation-order bookkeeping that
// InstallMemtableFlushResults needs. All of its operations are protected
// by a single internal mutex, standing in for the external DB mutex the
// original engine shares across its whole write path.
type MemtableList struct {
	mu sync.Mutex

	current *MemtableListVersion

	minWriteBufferNumberToMerge   int // M: threshold for IsFlushPending
	maxWriteBufferNumberToMaintain int // H: combined unflushed+history cap

	numFlushNotStarted int
	flushRequested     bool
	commitInProgress   bool

	// immFlushNeeded is advisory: readers may load it without holding mu to
	// decide whether it's worth calling IsFlushPending at all. It can say
	// true when IsFlushPending would say false (see RollbackMemtableFlush).
	immFlushNeeded atomic.Bool

	nextMemtableID atomic.Uint64

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewMemtableList constructs an empty list. minToMerge and maxToMaintain
// come from Options.MinWriteBufferNumberToMerge / MaxWriteBufferNumberToMaintain.
func NewMemtableList(minToMerge, maxToMaintain int, logger *slog.Logger) *MemtableList {
	if logger == nil {
		logger = DefaultLogger()
	}
	l := &MemtableList{
		current:                        &MemtableListVersion{},
		minWriteBufferNumberToMerge:    minToMerge,
		maxWriteBufferNumberToMaintain: maxToMaintain,
		logger:                         logger,
	}
	return l
}

// SetMetrics attaches a Prometheus instrumentation sink. Optional; a list
// with no metrics attached behaves identically, just without the reporting.
func (l *MemtableList) SetMetrics(m *metrics.Metrics) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metrics = m
	l.reportGaugesLocked()
}

func (l *MemtableList) reportGaugesLocked() {
	l.metrics.SetGauges(l.immFlushNeeded.Load(), len(l.current.unflushed), len(l.current.history))
}

// Current returns the current snapshot. The returned version is immutable;
// callers may read it freely without holding any lock.
func (l *MemtableList) Current() *MemtableListVersion {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// NumNotFlushed returns the total number of unflushed memtables, regardless
// of whether a flush has been picked for them yet.
func (l *MemtableList) NumNotFlushed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.current.unflushed)
}

// NumFlushed returns the number of retained, already-flushed memtables.
func (l *MemtableList) NumFlushed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.current.history)
}

// ImmFlushNeeded is the advisory atomic: cheap to poll from the write path
// without taking the list's mutex. IsFlushPending is the authoritative
// check and must be used before actually deciding to schedule a flush.
func (l *MemtableList) ImmFlushNeeded() bool {
	return l.immFlushNeeded.Load()
}

// Add assigns m a creation id if it doesn't already have one, prepends it
// to the unflushed list as the new newest entry, and trims history if the
// addition pushed the combined unflushed+history count past the
// configured cap. Evicted history entries are unref'd into toDelete.
//
// The caller must already hold a reference on m (mirroring the
// RefMemTableList convention); Add takes ownership of that reference on
// behalf of the list's membership in m, it does not take its own.
func (l *MemtableList) Add(m *memtable.MemTable, toDelete *[]*memtable.MemTable) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m.ID() == 0 {
		m.SetID(l.nextMemtableID.Add(1))
	}

	nv := &MemtableListVersion{
		unflushed: make([]*memtable.MemTable, 0, len(l.current.unflushed)+1),
		history:   cloneHandles(l.current.history),
	}
	nv.unflushed = append(nv.unflushed, m)
	nv.unflushed = append(nv.unflushed, l.current.unflushed...)
	l.current = nv

	l.numFlushNotStarted++
	l.trimHistoryLocked(toDelete)
	l.recomputeImmFlushNeededLocked()
	l.reportGaugesLocked()

	l.logger.Debug("memtable added", "id", m.ID(), "unflushed", len(l.current.unflushed))
}

// trimHistoryLocked evicts the oldest history entries until the combined
// unflushed+history count is at or below maxWriteBufferNumberToMaintain.
// Must be called with mu held, and only against a current version whose
// history slice was freshly cloned for this call (Add and
// InstallMemtableFlushResults both satisfy this).
func (l *MemtableList) trimHistoryLocked(toDelete *[]*memtable.MemTable) {
	allowed := l.maxWriteBufferNumberToMaintain - len(l.current.unflushed)
	if allowed < 0 {
		allowed = 0
	}
	for len(l.current.history) > allowed {
		n := len(l.current.history)
		oldest := l.current.history[n-1]
		l.current.history = l.current.history[:n-1]
		oldest.UnRef(toDelete)
	}
}

// Close drops the list's membership reference on every memtable it still
// holds, unflushed and history alike, appending each that reaches a zero
// refcount to toDelete. Used when tearing down the database; the list
// itself must not be used again afterward.
func (l *MemtableList) Close(toDelete *[]*memtable.MemTable) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, m := range l.current.unflushed {
		m.UnRef(toDelete)
	}
	for _, m := range l.current.history {
		m.UnRef(toDelete)
	}
	l.current = &MemtableListVersion{}
}

// FlushRequested latches an explicit flush request. It makes
// IsFlushPending true even if num_flush_not_started is below the merge
// threshold, as long as at least one unflushed memtable has not yet been
// picked; it leaves ImmFlushNeeded unchanged. The request is cleared the
// next time PickMemtablesToFlush runs.
func (l *MemtableList) FlushRequested() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushRequested = true
	l.recomputeImmFlushNeededLocked()
}

// IsFlushPending is the authoritative check: true when at least one
// unflushed memtable has not yet been picked (num_flush_not_started > 0)
// and either that count has reached the merge threshold or a flush was
// explicitly requested.
func (l *MemtableList) IsFlushPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isFlushPendingLocked()
}

func (l *MemtableList) isFlushPendingLocked() bool {
	if l.numFlushNotStarted == 0 {
		return false
	}
	return l.numFlushNotStarted >= l.minWriteBufferNumberToMerge || l.flushRequested
}

// recomputeImmFlushNeededLocked keeps the advisory atomic in sync. Unlike
// IsFlushPending it does not consult the merge threshold or flush_requested
// at all: any not-started memtable is enough to make it true, so a reader
// that only checks this can never miss a flush that IsFlushPending would
// actually pick up once enough memtables accumulate or a flush is
// requested. A bare request against an already-fully-claimed (or empty)
// queue does not set it.
func (l *MemtableList) recomputeImmFlushNeededLocked() {
	l.immFlushNeeded.Store(l.numFlushNotStarted > 0)
}

// PickMemtablesToFlush clears flush_requested and claims every unflushed
// memtable not already flush_in_progress, appending them to out in
// oldest-first order. It does not stop at the first in-progress memtable
// it finds: an earlier, still-unfinished pick can leave a gap, and the
// memtables on either side of that gap are still fair game here. Creation
// order is only enforced again at install time, when the manifest commit
// walks the full unflushed queue from the very oldest entry.
func (l *MemtableList) PickMemtablesToFlush(out *[]*memtable.MemTable) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.flushRequested = false
	picked := 0
	for i := len(l.current.unflushed) - 1; i >= 0; i-- {
		m := l.current.unflushed[i]
		if m.FlushInProgress() {
			continue
		}
		m.SetFlushInProgress(true)
		m.SetFlushCompleted(false)
		*out = append(*out, m)
		picked++
	}
	l.numFlushNotStarted -= picked
	l.recomputeImmFlushNeededLocked()
	l.reportGaugesLocked()
}

// RollbackMemtableFlush undoes a pick: clears flush_in_progress and
// flush_completed on every memtable in picked and returns them to the
// not-started count. It sets imm_flush_needed unconditionally, even if
// IsFlushPending would now disagree (e.g. the rolled-back count is still
// below the merge threshold and no flush was requested) — a future
// PickMemtablesToFlush call needs the advisory bit set so a background
// flusher doesn't go to sleep with reclaimable work still pending.
func (l *MemtableList) RollbackMemtableFlush(picked []*memtable.MemTable) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, m := range picked {
		m.SetFlushInProgress(false)
		m.SetFlushCompleted(false)
	}
	l.numFlushNotStarted += len(picked)
	l.immFlushNeeded.Store(true)
	l.reportGaugesLocked()
	l.metrics.ObserveRollback()
}

// mergeFlushEdits combines the per-memtable manifest edits staged via
// memtable.MemTable.SetEdit into one VersionEdit, so a contiguous run of
// completed flushes commits as a single LogAndApply call.
func mergeFlushEdits(mems []*memtable.MemTable) *VersionEdit {
	edit := NewVersionEdit()
	for _, m := range mems {
		fe, ok := m.Edit().(*VersionEdit)
		if !ok || fe == nil {
			continue
		}
		for level, files := range fe.addFiles {
			for _, f := range files {
				edit.AddFile(level, f)
			}
		}
	}
	return edit
}

// InstallMemtableFlushResults commits the on-disk results of a flush to
// the manifest and, on success, moves the committed memtables out of
// unflushed and into history (or drops them if history retention is
// disabled). picked must be exactly the set of memtables a prior
// PickMemtablesToFlush call returned, each already carrying its flush
// output via SetEdit, and each already flush_completed (the caller sets
// this right before calling, once the background flush job finishes
// writing the SSTable).
//
// Only a contiguous run starting at the single oldest entry in the whole
// unflushed queue is actually committed: if that oldest entry isn't
// flush_completed yet, Install returns nil having done nothing — the
// caller is a straggler waiting behind an older, still-running flush, and
// will be picked up by whichever later Install call finally completes
// that older memtable.
func (l *MemtableList) InstallMemtableFlushResults(picked []*memtable.MemTable, versions *VersionSet, toDelete *[]*memtable.MemTable) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(picked) == 0 {
		return ErrEmptyFlushSet
	}
	for _, m := range picked {
		if !m.FlushInProgress() {
			return ErrFlushSetMismatch
		}
	}
	if l.commitInProgress {
		return ErrInstallInProgress
	}
	l.commitInProgress = true
	defer func() { l.commitInProgress = false }()

	start := time.Now()

	for _, m := range picked {
		m.SetFlushCompleted(true)
	}

	var toCommit []*memtable.MemTable
	for i := len(l.current.unflushed) - 1; i >= 0; i-- {
		m := l.current.unflushed[i]
		if !m.FlushCompleted() {
			break
		}
		toCommit = append(toCommit, m)
	}

	if len(toCommit) == 0 {
		l.recomputeImmFlushNeededLocked()
		l.metrics.ObserveInstall(time.Since(start), false)
		return nil
	}

	edit := mergeFlushEdits(toCommit)
	if err := versions.LogAndApply(edit); err != nil {
		for _, m := range toCommit {
			m.SetFlushCompleted(false)
		}
		l.recomputeImmFlushNeededLocked()
		l.metrics.ObserveInstall(time.Since(start), false)
		return fmt.Errorf("install memtable flush results: %w", err)
	}

	committed := make(map[*memtable.MemTable]bool, len(toCommit))
	for _, m := range toCommit {
		committed[m] = true
	}

	nv := &MemtableListVersion{
		unflushed: make([]*memtable.MemTable, 0, len(l.current.unflushed)-len(toCommit)),
		history:   cloneHandles(l.current.history),
	}
	for _, m := range l.current.unflushed {
		if !committed[m] {
			nv.unflushed = append(nv.unflushed, m)
		}
	}
	l.current = nv

	// toCommit is oldest-first; prepending each in that order leaves the
	// newest of the batch at the front of history, preserving newest-first.
	retain := l.maxWriteBufferNumberToMaintain > 0
	for _, m := range toCommit {
		if retain {
			l.current.history = append([]*memtable.MemTable{m}, l.current.history...)
		} else {
			m.UnRef(toDelete)
		}
	}

	l.trimHistoryLocked(toDelete)
	l.recomputeImmFlushNeededLocked()
	l.reportGaugesLocked()
	l.metrics.ObserveInstall(time.Since(start), true)

	l.logger.Debug("installed memtable flush results", "committed", len(toCommit), "picked", len(picked))
	return nil
}
