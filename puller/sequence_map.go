package puller

import (
	"sync"

	"github.com/c0deZ3R0/couchpull/cursor"
)

// SequenceMap tracks discovered feed sequences in discovery order and
// reports the newest one that is safe to checkpoint: the sequence of the
// highest entry whose predecessors are all complete.
type SequenceMap struct {
	mu        sync.Mutex
	base      uint64 // ordinal of pending[0]
	pending   []*sequenceEntry
	lastDone  cursor.Cursor
	completed uint64
}

type sequenceEntry struct {
	seq       cursor.Cursor
	remaining int
}

// NewSequenceMap starts from checkpoint, which may be nil.
func NewSequenceMap(checkpoint cursor.Cursor) *SequenceMap {
	return &SequenceMap{lastDone: checkpoint}
}

// Add registers seq with work outstanding units and returns its ordinal.
// An entry with no work completes immediately once every earlier entry has.
func (m *SequenceMap) Add(seq cursor.Cursor, work int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ord := m.base + uint64(len(m.pending))
	m.pending = append(m.pending, &sequenceEntry{seq: seq, remaining: work})
	m.advanceLocked()
	return ord
}

// Done marks one unit of work of ordinal ord complete.
func (m *SequenceMap) Done(ord uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ord < m.base || ord >= m.base+uint64(len(m.pending)) {
		return
	}
	e := m.pending[ord-m.base]
	if e.remaining > 0 {
		e.remaining--
	}
	m.advanceLocked()
}

func (m *SequenceMap) advanceLocked() {
	n := 0
	for n < len(m.pending) && m.pending[n].remaining == 0 {
		m.lastDone = m.pending[n].seq
		m.pending[n] = nil
		n++
	}
	if n == 0 {
		return
	}
	m.pending = m.pending[n:]
	m.base += uint64(n)
	m.completed += uint64(n)
}

// CheckpointedSequence returns the newest sequence whose entry and all
// earlier entries are complete.
func (m *SequenceMap) CheckpointedSequence() cursor.Cursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDone
}

// Pending returns the number of entries not yet checkpointable.
func (m *SequenceMap) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
