package mds

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/motech/platform/internal/shared/errors"
	"github.com/motech/platform/internal/shared/metrics"
)

// Revision is a previous version of an instance. Revisions of one instance
// form a hash chain.
type Revision struct {
	EntityClass string    `json:"entity_class"`
	InstanceID  string    `json:"instance_id"`
	Number      int       `json:"revision"`
	RecordedAt  time.Time `json:"recorded_at"`
	RecordedBy  string    `json:"recorded_by"`
	Instance    *Instance `json:"instance"`
	PrevHash    string    `json:"prev_hash,omitempty"`
	Hash        string    `json:"hash"`
}

// canonicalJSON produces JSON with sorted map keys so the hash does not
// depend on map iteration order or on a store reordering keys.
func canonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	return canonicalMarshal(parsed)
}

func canonicalMarshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, _ := json.Marshal(k)
			buf.Write(keyBytes)
			buf.WriteByte(':')
			valBytes, err := canonicalMarshal(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(valBytes)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil

	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			itemBytes, err := canonicalMarshal(item)
			if err != nil {
				return nil, err
			}
			buf.Write(itemBytes)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil

	default:
		return json.Marshal(val)
	}
}

// ComputeHash returns sha256(prevHash + canonical json of the revision).
func (r *Revision) ComputeHash() string {
	data := map[string]any{
		"entity_class": r.EntityClass,
		"instance_id":  r.InstanceID,
		"revision":     r.Number,
		"recorded_at":  r.RecordedAt.UTC().Format(time.RFC3339Nano),
		"recorded_by":  r.RecordedBy,
		"instance":     r.Instance,
	}
	body, _ := canonicalJSON(data)
	sum := sha256.Sum256(append([]byte(r.PrevHash), body...))
	return hex.EncodeToString(sum[:])
}

// seal numbers the revision after prev and computes its hash.
func (r *Revision) seal(prev *Revision) {
	r.Number = 1
	r.PrevHash = ""
	if prev != nil {
		r.Number = prev.Number + 1
		r.PrevHash = prev.Hash
	}
	r.Hash = r.ComputeHash()
}

// HistoryRepository stores revisions. Append numbers and chains the revision
// against the last one stored for the same instance.
type HistoryRepository interface {
	Append(ctx context.Context, rev *Revision) error
	List(ctx context.Context, className, id string) ([]*Revision, error)
}

// MemoryHistoryRepository keeps revisions in memory.
type MemoryHistoryRepository struct {
	mu        sync.RWMutex
	revisions map[string][]*Revision
}

func NewMemoryHistoryRepository() *MemoryHistoryRepository {
	return &MemoryHistoryRepository{revisions: make(map[string][]*Revision)}
}

func historyKey(className, id string) string {
	return className + "#" + id
}

func (r *MemoryHistoryRepository) Append(ctx context.Context, rev *Revision) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := historyKey(rev.EntityClass, rev.InstanceID)
	var prev *Revision
	if list := r.revisions[key]; len(list) > 0 {
		prev = list[len(list)-1]
	}
	rev.seal(prev)
	stored := *rev
	stored.Instance = rev.Instance.Clone()
	r.revisions[key] = append(r.revisions[key], &stored)
	return nil
}

func (r *MemoryHistoryRepository) List(ctx context.Context, className, id string) ([]*Revision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.revisions[historyKey(className, id)]
	out := make([]*Revision, 0, len(list))
	for _, rev := range list {
		c := *rev
		c.Instance = rev.Instance.Clone()
		out = append(out, &c)
	}
	return out, nil
}

// HistoryService records and reads instance revisions.
type HistoryService struct {
	repo     HistoryRepository
	registry *Registry
}

func NewHistoryService(repo HistoryRepository, registry *Registry) *HistoryService {
	return &HistoryService{repo: repo, registry: registry}
}

func (h *HistoryService) record(ctx context.Context, e *Entity, inst *Instance, user string, at time.Time) error {
	rev := &Revision{
		EntityClass: e.ClassName,
		InstanceID:  inst.ID,
		RecordedAt:  at.UTC(),
		RecordedBy:  user,
		Instance:    inst.Clone(),
	}
	if err := h.repo.Append(ctx, rev); err != nil {
		return errors.Wrap(err, "failed to record history")
	}
	metrics.RecordHistoryRevision()
	return nil
}

// GetHistoryForInstance returns the previous versions of an instance,
// oldest first. The current version is not part of its history.
func (h *HistoryService) GetHistoryForInstance(ctx context.Context, className, id string) ([]*Revision, error) {
	e, err := h.registry.Get(className)
	if err != nil {
		return nil, err
	}
	revs, err := h.repo.List(ctx, className, id)
	if err != nil {
		return nil, err
	}
	for _, rev := range revs {
		if rev.Instance == nil {
			continue
		}
		decoded, err := decodeInstance(e, rev.Instance)
		if err != nil {
			return nil, err
		}
		rev.Instance = decoded
	}
	return revs, nil
}

// VerifyHistory checks the hash chain of an instance's revisions.
func (h *HistoryService) VerifyHistory(ctx context.Context, className, id string) error {
	revs, err := h.repo.List(ctx, className, id)
	if err != nil {
		return err
	}
	prevHash := ""
	for i, rev := range revs {
		if rev.Number != i+1 {
			return fmt.Errorf("revision %d of %s %s is out of sequence", rev.Number, className, id)
		}
		if rev.PrevHash != prevHash {
			return fmt.Errorf("revision %d of %s %s does not link to the previous one", rev.Number, className, id)
		}
		if rev.ComputeHash() != rev.Hash {
			return fmt.Errorf("revision %d of %s %s has been altered", rev.Number, className, id)
		}
		prevHash = rev.Hash
	}
	return nil
}
