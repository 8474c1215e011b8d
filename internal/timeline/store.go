// Package timeline holds the ordered, de-duplicated message list of the
// active room.
package timeline

import (
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tOgg1/chatsync/internal/models"
)

// Op names the mutation that produced a Change.
type Op string

const (
	OpAppend  Op = "append"
	OpPrepend Op = "prepend"
	OpReplace Op = "replace"
	OpUpdate  Op = "update"
	OpReset   Op = "reset"
)

// Change is delivered to subscribers once per effective mutation.
type Change struct {
	Op      Op
	Version uint64
	// Count is the number of entries added or touched.
	Count int
}

type entry struct {
	msg models.Message
	seq uint64
}

func (e entry) less(o entry) bool {
	if c := e.msg.CreatedAt.Compare(o.msg.CreatedAt); c != 0 {
		return c < 0
	}
	return e.seq < o.seq
}

// Store is the ordered list of messages. Order is CreatedAt, then arrival
// order at the store; identities are unique.
type Store struct {
	mu      sync.RWMutex
	entries []entry
	ids     map[string]struct{}
	nextSeq uint64
	version uint64

	subMu  sync.Mutex
	subs   map[int]func(Change)
	nextID int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		ids:  make(map[string]struct{}),
		subs: make(map[int]func(Change)),
	}
}

func valid(msg models.Message) bool {
	return strings.TrimSpace(msg.ID) != "" && !msg.CreatedAt.IsZero()
}

// Append inserts msg at its chronological position, normally the tail.
// Returns false when the identity is already present or msg is unusable.
func (s *Store) Append(msg models.Message) bool {
	if !valid(msg) {
		return false
	}

	s.mu.Lock()
	if _, ok := s.ids[msg.ID]; ok {
		s.mu.Unlock()
		return false
	}
	e := s.newEntry(msg)
	s.insertSorted(e)
	change := s.bump(OpAppend, 1)
	s.mu.Unlock()

	s.notify(change)
	return true
}

// Prepend merges an older window. Identities already present, and
// duplicates inside batch, are skipped. Returns the number inserted.
func (s *Store) Prepend(batch []models.Message) int {
	s.mu.Lock()
	added := s.mergeLocked(batch)
	if added == 0 {
		s.mu.Unlock()
		return 0
	}
	change := s.bump(OpPrepend, added)
	s.mu.Unlock()

	s.notify(change)
	return added
}

// Reset discards everything and loads batch. Used on room switch.
func (s *Store) Reset(batch []models.Message) {
	s.mu.Lock()
	s.entries = nil
	s.ids = make(map[string]struct{}, len(batch))
	added := s.mergeLocked(batch)
	change := s.bump(OpReset, added)
	s.mu.Unlock()

	s.notify(change)
}

func (s *Store) mergeLocked(batch []models.Message) int {
	incoming := make([]models.Message, 0, len(batch))
	seen := make(map[string]struct{}, len(batch))
	for _, msg := range batch {
		if !valid(msg) {
			continue
		}
		if _, ok := s.ids[msg.ID]; ok {
			continue
		}
		if _, ok := seen[msg.ID]; ok {
			continue
		}
		seen[msg.ID] = struct{}{}
		incoming = append(incoming, msg)
	}
	if len(incoming) == 0 {
		return 0
	}
	slices.SortStableFunc(incoming, models.ByCreatedAt)

	merged := make([]entry, 0, len(s.entries)+len(incoming))
	merged = append(merged, s.entries...)
	for _, msg := range incoming {
		merged = append(merged, s.newEntry(msg))
	}
	slices.SortStableFunc(merged, func(a, b entry) int {
		switch {
		case a.less(b):
			return -1
		case b.less(a):
			return 1
		}
		return 0
	})
	s.entries = merged
	return len(incoming)
}

// Replace swaps the entry oldID for rec, keeping its position unless that
// would break ordering, in which case rec moves to its sorted slot. If
// rec.ID is already stored under another entry, oldID is dropped and the
// existing entry stays.
func (s *Store) Replace(oldID string, rec models.Message) bool {
	if !valid(rec) {
		return false
	}

	s.mu.Lock()
	idx := s.indexLocked(oldID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}

	if rec.ID != oldID {
		if _, exists := s.ids[rec.ID]; exists {
			s.removeAt(idx)
			delete(s.ids, oldID)
			change := s.bump(OpReplace, 1)
			s.mu.Unlock()
			s.notify(change)
			return true
		}
	}

	replaced := entry{msg: rec, seq: s.entries[idx].seq}
	delete(s.ids, oldID)
	s.ids[rec.ID] = struct{}{}

	if s.fitsAt(idx, replaced) {
		s.entries[idx] = replaced
	} else {
		s.removeAt(idx)
		s.insertSorted(replaced)
	}
	change := s.bump(OpReplace, 1)
	s.mu.Unlock()

	s.notify(change)
	return true
}

// MapInPlace applies update to every entry matching pred. Identity and
// timestamp are restored after update so ordering cannot change. Returns
// the number of entries touched.
func (s *Store) MapInPlace(pred func(models.Message) bool, update func(*models.Message)) int {
	if pred == nil || update == nil {
		return 0
	}

	s.mu.Lock()
	touched := 0
	for i := range s.entries {
		msg := &s.entries[i].msg
		if !pred(*msg) {
			continue
		}
		id, createdAt := msg.ID, msg.CreatedAt
		update(msg)
		msg.ID, msg.CreatedAt = id, createdAt
		touched++
	}
	if touched == 0 {
		s.mu.Unlock()
		return 0
	}
	change := s.bump(OpUpdate, touched)
	s.mu.Unlock()

	s.notify(change)
	return touched
}

// FindByID returns a copy of the entry with id.
func (s *Store) FindByID(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if idx := s.indexLocked(id); idx >= 0 {
		return s.entries[idx].msg.Clone(), true
	}
	return models.Message{}, false
}

// Has reports whether id is stored.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// Snapshot returns a deep copy of the ordered list.
func (s *Store) Snapshot() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.msg.Clone()
	}
	return out
}

// Oldest returns the timestamp of the first entry.
func (s *Store) Oldest() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return time.Time{}, false
	}
	return s.entries[0].msg.CreatedAt, true
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Version increases on every effective mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Subscribe registers fn for change notifications. fn runs on the mutating
// goroutine after the store lock is released.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify(change Change) {
	s.subMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.subs[id])
	}
	s.subMu.Unlock()

	for _, fn := range handlers {
		fn(change)
	}
}

func (s *Store) newEntry(msg models.Message) entry {
	s.nextSeq++
	s.ids[msg.ID] = struct{}{}
	return entry{msg: msg.Clone(), seq: s.nextSeq}
}

func (s *Store) bump(op Op, count int) Change {
	s.version++
	return Change{Op: op, Version: s.version, Count: count}
}

func (s *Store) insertSorted(e entry) {
	idx := sort.Search(len(s.entries), func(i int) bool {
		return e.less(s.entries[i])
	})
	s.entries = slices.Insert(s.entries, idx, e)
}

func (s *Store) removeAt(idx int) {
	s.entries = slices.Delete(s.entries, idx, idx+1)
}

func (s *Store) fitsAt(idx int, e entry) bool {
	if idx > 0 && e.less(s.entries[idx-1]) {
		return false
	}
	if idx < len(s.entries)-1 && s.entries[idx+1].less(e) {
		return false
	}
	return true
}

func (s *Store) indexLocked(id string) int {
	if _, ok := s.ids[id]; !ok {
		return -1
	}
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].msg.ID == id {
			return i
		}
	}
	return -1
}
