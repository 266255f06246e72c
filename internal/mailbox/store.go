package mailbox

import (
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"
)

// Persister is the optional storage backend behind a Store. Save failures are
// reported through the store's logf and never fail the mutation itself.
type Persister interface {
	Save(rec ThreadRecord) error
	LoadAll() ([]ThreadRecord, error)
}

// CommitFunc observes every committed mutation. It runs synchronously inside
// the commit path, before Mutate returns, so no update is silently dropped.
type CommitFunc func(rec ThreadRecord)

type StoreOptions struct {
	Persister Persister
	OnCommit  CommitFunc
	Logf      func(format string, args ...any)
	Now       func() time.Time
}

// Store owns the mapping of thread id to ThreadRecord. Mutations flow through
// Mutate only; reads observe committed, versioned snapshots.
type Store struct {
	persister Persister
	onCommit  CommitFunc
	logf      func(format string, args ...any)
	now       func() time.Time

	mu      sync.RWMutex
	records map[string]ThreadRecord
}

func NewStore(opts StoreOptions) (*Store, error) {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	s := &Store{
		persister: opts.Persister,
		onCommit:  opts.OnCommit,
		logf:      logf,
		now:       now,
		records:   make(map[string]ThreadRecord),
	}
	if s.persister != nil {
		recs, err := s.persister.LoadAll()
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			id := strings.TrimSpace(rec.ID)
			if id == "" {
				continue
			}
			s.records[id] = rec
		}
	}
	return s, nil
}

// SetOnCommit installs the change feed callback. Must be called before the
// store is shared between goroutines.
func (s *Store) SetOnCommit(fn CommitFunc) {
	if s == nil {
		return
	}
	s.onCommit = fn
}

// Get returns a snapshot of the record for threadID, creating a default
// record if none exists yet. It never fails.
func (s *Store) Get(threadID string) ThreadRecord {
	if s == nil {
		return ThreadRecord{}
	}
	id := strings.TrimSpace(threadID)

	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if ok {
		return rec.Clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		return rec.Clone()
	}
	rec = ThreadRecord{ID: id}
	s.records[id] = rec
	return rec.Clone()
}

// Peek returns a snapshot of the record for threadID without creating one.
// Read-only query paths use this so probing an unknown id leaves the mailbox
// untouched.
func (s *Store) Peek(threadID string) (ThreadRecord, bool) {
	if s == nil {
		return ThreadRecord{}, false
	}
	id := strings.TrimSpace(threadID)

	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return ThreadRecord{}, false
	}
	return rec.Clone(), true
}

// Mutate applies fn to a clone of the current record for threadID and commits
// the result if it differs, bumping Version by one. fn must be pure state
// transition logic: no inference or automation calls, nothing blocking.
// Mutate is linearizable per thread id because the task queue never runs two
// tasks for the same thread concurrently; the store lock only protects the
// map against concurrent readers and disjoint-thread writers.
func (s *Store) Mutate(threadID string, fn func(rec *ThreadRecord)) (ThreadRecord, bool) {
	if s == nil || fn == nil {
		return ThreadRecord{}, false
	}
	id := strings.TrimSpace(threadID)

	s.mu.Lock()
	cur, ok := s.records[id]
	if !ok {
		cur = ThreadRecord{ID: id}
	}
	next := cur.Clone()
	fn(&next)
	next.ID = id
	next.Version = cur.Version
	next.UpdatedAt = cur.UpdatedAt

	changed := !recordsEqual(cur, next)
	if changed {
		next.Version = cur.Version + 1
		next.UpdatedAt = s.now()
	}
	s.records[id] = next
	committed := next.Clone()
	s.mu.Unlock()

	if !changed {
		return committed, false
	}

	if s.persister != nil {
		if err := s.persister.Save(committed); err != nil {
			s.logf("store: persist thread %s failed: %v", id, err)
		}
	}
	if s.onCommit != nil {
		s.onCommit(committed.Clone())
	}
	return committed, true
}

// Snapshot returns the full client-visible mailbox mapping.
func (s *Store) Snapshot() map[string]ThreadRecordView {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ThreadRecordView, len(s.records))
	for id, rec := range s.records {
		out[id] = rec.View()
	}
	return out
}

// ThreadIDs returns all known thread ids in lexical order.
func (s *Store) ThreadIDs() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func recordsEqual(a, b ThreadRecord) bool {
	// Version and UpdatedAt are commit bookkeeping, not state.
	a.Version, b.Version = 0, 0
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(r ThreadRecord) ThreadRecord {
	if len(r.Messages) == 0 {
		r.Messages = nil
	}
	if len(r.SelectedFunctions) == 0 {
		r.SelectedFunctions = nil
	}
	if len(r.ExecutedFunctions) == 0 {
		r.ExecutedFunctions = nil
	}
	return r
}
