package mds

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	"github.com/motech/platform/internal/shared/errors"
)

// ErrConcurrentUpdate marks a transaction that wrote an instance another
// transaction changed after it was read. Single data service calls rerun on
// it; DoInTransaction callers receive it as a conflict.
var ErrConcurrentUpdate = stderrors.New("instance modified concurrently")

func concurrentUpdate(className, id string) *errors.AppError {
	e := errors.Conflict(fmt.Sprintf("%s %s was modified concurrently", className, id))
	e.Err = fmt.Errorf("%w: %w", errors.ErrConflict, ErrConcurrentUpdate)
	return e
}

// Store persists instances of every entity.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a unit of work against a Store. Get returns nil, nil for a missing
// instance. List returns instances in creation order.
type Tx interface {
	Get(ctx context.Context, className, id string) (*Instance, error)
	List(ctx context.Context, className string) ([]*Instance, error)
	Put(ctx context.Context, className string, inst *Instance) error
	Delete(ctx context.Context, className, id string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type storedInstance struct {
	seq     int64
	version int64
	inst    *Instance
}

// MemoryStore keeps instances in memory. Transactions write to an overlay
// that is applied on Commit. A commit fails with ErrConcurrentUpdate when an
// instance it read and then wrote was committed by someone else meanwhile.
type MemoryStore struct {
	mu      sync.RWMutex
	data    map[string]map[string]storedInstance
	seq     int64
	version int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]storedInstance)}
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	return &memoryTx{
		store:  s,
		writes: make(map[string]map[string]*Instance),
		reads:  make(map[writeKey]int64),
	}, nil
}

type memoryTx struct {
	store *MemoryStore
	// writes maps class -> id -> instance; a nil instance is a delete.
	writes map[string]map[string]*Instance
	order  []writeKey
	// reads holds the version first seen for each instance read from the
	// store; 0 means it did not exist.
	reads map[writeKey]int64
	done  bool
}

type writeKey struct {
	class, id string
}

func (t *memoryTx) Get(ctx context.Context, className, id string) (*Instance, error) {
	if w, ok := t.writes[className][id]; ok {
		if w == nil {
			return nil, nil
		}
		return w.Clone(), nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	st, ok := t.store.data[className][id]
	key := writeKey{class: className, id: id}
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = st.version
	}
	if !ok {
		return nil, nil
	}
	return st.inst.Clone(), nil
}

func (t *memoryTx) List(ctx context.Context, className string) ([]*Instance, error) {
	t.store.mu.RLock()
	base := make([]storedInstance, 0, len(t.store.data[className]))
	for id, st := range t.store.data[className] {
		if _, overridden := t.writes[className][id]; !overridden {
			base = append(base, st)
		}
	}
	t.store.mu.RUnlock()

	sort.Slice(base, func(i, j int) bool { return base[i].seq < base[j].seq })

	// Pending writes keep their original position when the instance already
	// exists; new ones follow in write order.
	t.store.mu.RLock()
	var merged []storedInstance
	for _, k := range t.order {
		if k.class != className {
			continue
		}
		w := t.writes[k.class][k.id]
		if w == nil {
			continue
		}
		seq := int64(1<<62) + int64(len(merged))
		if st, ok := t.store.data[className][k.id]; ok {
			seq = st.seq
		}
		merged = append(merged, storedInstance{seq: seq, inst: w})
	}
	t.store.mu.RUnlock()

	all := append(base, merged...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	out := make([]*Instance, 0, len(all))
	for _, st := range all {
		out = append(out, st.inst.Clone())
	}
	return out, nil
}

func (t *memoryTx) write(className, id string, inst *Instance) {
	byID, ok := t.writes[className]
	if !ok {
		byID = make(map[string]*Instance)
		t.writes[className] = byID
	}
	if _, seen := byID[id]; !seen {
		t.order = append(t.order, writeKey{class: className, id: id})
	}
	byID[id] = inst
}

func (t *memoryTx) Put(ctx context.Context, className string, inst *Instance) error {
	t.write(className, inst.ID, inst.Clone())
	return nil
}

func (t *memoryTx) Delete(ctx context.Context, className, id string) error {
	t.write(className, id, nil)
	return nil
}

func (t *memoryTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range t.order {
		seen, read := t.reads[k]
		if read && s.data[k.class][k.id].version != seen {
			return concurrentUpdate(k.class, k.id)
		}
	}

	for _, k := range t.order {
		w := t.writes[k.class][k.id]
		byID, ok := s.data[k.class]
		if !ok {
			byID = make(map[string]storedInstance)
			s.data[k.class] = byID
		}
		if w == nil {
			delete(byID, k.id)
			continue
		}
		st, exists := byID[k.id]
		if !exists {
			s.seq++
			st.seq = s.seq
		}
		s.version++
		st.version = s.version
		st.inst = w
		byID[k.id] = st
	}
	return nil
}

func (t *memoryTx) Rollback(ctx context.Context) error {
	t.done = true
	t.writes = nil
	t.order = nil
	t.reads = nil
	return nil
}
