package record

import "sync"

// SubStore is the ordered member collection of a parent record's
// sub-record field, such as the members of a distribution list. Its
// lifetime is bound to the parent: edits mark the parent field modified
// and are committed or rejected together with the parent.
type SubStore struct {
	mu      sync.RWMutex
	parent  *Record
	field   Field
	records []*Record
}

func newSubStore(parent *Record, f Field) *SubStore {
	return &SubStore{parent: parent, field: f}
}

// Parent returns the record owning this collection.
func (s *SubStore) Parent() *Record { return s.parent }

// Definition returns the member schema.
func (s *SubStore) Definition() *Definition { return s.field.Records }

// New creates a phantom member record. It is not added to the collection.
func (s *SubStore) New() *Record { return New(s.field.Records) }

// Records returns the members in order.
func (s *SubStore) Records() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, len(s.records))
	copy(out, s.records)
	return out
}

// Len returns the number of members.
func (s *SubStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Find returns the member with the given id.
func (s *SubStore) Find(id string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.ID() == id {
			return r
		}
	}
	return nil
}

// Add appends members, taking them over from any previous owner.
func (s *SubStore) Add(records ...*Record) {
	for _, r := range records {
		if prev := r.SetOwner(s); prev != nil && prev != Owner(s) {
			prev.Release(r)
		}
	}
	s.mutate(func(cur []*Record) []*Record {
		return append(cur, records...)
	})
}

// Remove drops a member. It reports whether the record was a member.
func (s *SubStore) Remove(r *Record) bool {
	if !s.contains(r) {
		return false
	}
	found := false
	s.mutate(func(cur []*Record) []*Record {
		return removeRecord(cur, r, &found)
	})
	if found {
		r.SetOwner(nil)
	}
	return found
}

// Replace swaps the whole membership.
func (s *SubStore) Replace(records ...*Record) {
	for _, r := range records {
		if prev := r.SetOwner(s); prev != nil && prev != Owner(s) {
			prev.Release(r)
		}
	}
	s.mutate(func([]*Record) []*Record {
		return append([]*Record(nil), records...)
	})
}

// RecordUpdated marks the parent field modified when a member changes.
func (s *SubStore) RecordUpdated(_ *Record, _ string) {
	s.parent.markMembersModified(s.field.Name, s.Records())
	s.parent.changed(s.field.Name, nil, s)
}

// Release drops a member that moved to another collection.
func (s *SubStore) Release(r *Record) {
	if !s.contains(r) {
		return
	}
	found := false
	s.mutate(func(cur []*Record) []*Record {
		return removeRecord(cur, r, &found)
	})
}

func (s *SubStore) mutate(fn func([]*Record) []*Record) {
	s.mu.Lock()
	snapshot := append([]*Record(nil), s.records...)
	s.records = fn(s.records)
	s.mu.Unlock()

	s.parent.markMembersModified(s.field.Name, snapshot)
	s.parent.changed(s.field.Name, nil, s)
}

// restore resets the membership without marking the parent. The parent
// holds its own lock while calling it.
func (s *SubStore) restore(members []*Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append([]*Record(nil), members...)
	for _, r := range s.records {
		r.SetOwner(s)
	}
}

// adopt takes over other's members as committed state.
func (s *SubStore) adopt(other *SubStore) {
	members := other.Records()
	for _, r := range members {
		r.SetOwner(s)
	}
	s.mu.Lock()
	s.records = members
	s.mu.Unlock()
}

func (s *SubStore) contains(r *Record) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cur := range s.records {
		if cur == r {
			return true
		}
	}
	return false
}

func removeRecord(records []*Record, r *Record, found *bool) []*Record {
	out := records[:0:0]
	for _, cur := range records {
		if cur == r {
			*found = true
			continue
		}
		out = append(out, cur)
	}
	return out
}
