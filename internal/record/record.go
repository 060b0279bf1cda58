// Package record implements typed, field-validated data units with dirty
// tracking and change notification, plus the schema registry used to
// resolve backend items to record definitions.
package record

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChangeFunc observes a field change on a record. It is invoked after the
// record's lock has been released.
type ChangeFunc func(r *Record, field string, oldValue, newValue any)

// Owner is the collection currently holding a record. A record belongs to
// at most one owner; moving it to another collection releases it here.
type Owner interface {
	// RecordUpdated is called after a field of r changed.
	RecordUpdated(r *Record, field string)

	// Release detaches r from the owner without issuing a destroy.
	Release(r *Record)
}

// original is the committed state of a field captured on its first edit.
type original struct {
	value   any
	present bool
	sub     bool
	members []*Record // committed membership of a sub-record field
}

// Record is one typed domain entity instance.
type Record struct {
	mu        sync.RWMutex
	def       *Definition
	values    map[string]any
	modified  map[string]original
	phantom   bool
	phantomID string
	owner     Owner
	listeners map[int]ChangeFunc
	nextLsn   int
	rev       uint64 // bumped on every local edit
}

// New creates an unsaved (phantom) record of the given definition. Until
// the backend assigns an id, ID returns a locally generated one.
func New(def *Definition) *Record {
	r := newRecord(def)
	r.phantom = true
	r.phantomID = "phantom-" + r.phantomID
	return r
}

func newRecord(def *Definition) *Record {
	return &Record{
		def:       def,
		phantomID: uuid.NewString(),
		values:    make(map[string]any),
		modified:  make(map[string]original),
		listeners: make(map[int]ChangeFunc),
	}
}

// Decode builds a committed record from backend data. Every value is
// coerced per its field declaration; all coercion failures are returned
// joined together and no record is produced.
func Decode(def *Definition, data map[string]any) (*Record, error) {
	r := newRecord(def)
	var errs []error
	for name, raw := range Flatten(data) {
		f := def.fieldFor(name)
		if f.Type == TypeRecords {
			sub, err := decodeMembers(r, f, raw)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			r.values[name] = sub
			continue
		}
		v, err := f.Coerce(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.values[name] = v
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

func decodeMembers(parent *Record, f Field, raw any) (*SubStore, error) {
	sub := newSubStore(parent, f)
	if raw == nil {
		return sub, nil
	}
	var items []any
	switch x := raw.(type) {
	case []any:
		items = x
	case map[string]any:
		items = []any{x}
	default:
		return nil, &ValidationError{Field: f.Name, Value: raw, Reason: "not a record list"}
	}
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, &ValidationError{
				Field: f.Name, Value: item,
				Reason: fmt.Sprintf("member %d is not an object", i),
			}
		}
		member, err := Decode(f.Records, m)
		if err != nil {
			return nil, fmt.Errorf("decoding %s member %d: %w", f.Name, i, err)
		}
		member.owner = sub
		sub.records = append(sub.records, member)
	}
	return sub, nil
}

// Flatten merges a nested "props" object over the item's top-level
// properties. Items without "props" are returned unchanged.
func Flatten(item map[string]any) map[string]any {
	props, ok := item["props"].(map[string]any)
	if !ok {
		return item
	}
	out := make(map[string]any, len(item)+len(props))
	for k, v := range item {
		if k != "props" {
			out[k] = v
		}
	}
	for k, v := range props {
		out[k] = v
	}
	return out
}

// Definition returns the record's schema.
func (r *Record) Definition() *Definition { return r.def }

// ID returns the backend id, or the local phantom id for unsaved records.
func (r *Record) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch id := r.values[r.def.IDProperty].(type) {
	case nil:
	case string:
		if id != "" {
			return id
		}
	default:
		return fmt.Sprint(id)
	}
	return r.phantomID
}

// IsPhantom reports whether the record has never been saved.
func (r *Record) IsPhantom() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phantom
}

// Has reports whether the record holds a value for field.
func (r *Record) Has(field string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.values[field]
	return ok
}

// Get returns the coerced value of field, or the field's zero value.
func (r *Record) Get(field string) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.values[field]; ok {
		return v
	}
	return r.def.fieldFor(field).Zero()
}

// GetString returns field as a string.
func (r *Record) GetString(field string) string {
	s, _ := r.Get(field).(string)
	return s
}

// GetInt returns field as an int64.
func (r *Record) GetInt(field string) int64 {
	n, _ := r.Get(field).(int64)
	return n
}

// GetFloat returns field as a float64.
func (r *Record) GetFloat(field string) float64 {
	f, _ := r.Get(field).(float64)
	return f
}

// GetBool returns field as a bool.
func (r *Record) GetBool(field string) bool {
	b, _ := r.Get(field).(bool)
	return b
}

// GetTime returns field as a time.Time.
func (r *Record) GetTime(field string) time.Time {
	t, _ := r.Get(field).(time.Time)
	return t
}

// Fields returns the names of all fields holding a value: declared fields
// in declaration order followed by undeclared ones sorted by name.
func (r *Record) Fields() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.values))
	seen := make(map[string]bool, len(r.values))
	for _, f := range r.def.Fields() {
		if _, ok := r.values[f.Name]; ok {
			out = append(out, f.Name)
			seen[f.Name] = true
		}
	}
	var extra []string
	for name := range r.values {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

// Set coerces v per the field declaration and stores it, recording the
// committed value for Reject. Coercion failures leave the record unchanged.
func (r *Record) Set(field string, v any) error {
	f := r.def.fieldFor(field)
	if f.Type == TypeRecords {
		members, ok := v.([]*Record)
		if !ok {
			return &ValidationError{Field: field, Value: v, Reason: "expected []*record.Record"}
		}
		r.SubStore(field).Replace(members...)
		return nil
	}
	coerced, err := f.Coerce(v)
	if err != nil {
		return err
	}
	old, changed := r.store(field, coerced, false)
	if changed {
		r.changed(field, old, coerced)
	}
	return nil
}

// SetValues coerces every value first and applies them only if all pass.
func (r *Record) SetValues(values map[string]any) error {
	coerced := make(map[string]any, len(values))
	for name, v := range values {
		f := r.def.fieldFor(name)
		if f.Type == TypeRecords {
			return &ValidationError{Field: name, Value: v, Reason: "set sub-record fields through their SubStore"}
		}
		c, err := f.Coerce(v)
		if err != nil {
			return err
		}
		coerced[name] = c
	}
	for _, name := range sortedKeys(coerced) {
		if old, changed := r.store(name, coerced[name], false); changed {
			r.changed(name, old, coerced[name])
		}
	}
	return nil
}

// Apply merges authoritative backend values into the record. Applied
// fields are committed: a pending local edit of the same field is
// dropped. A phantom record given a backend id is no longer phantom. It
// returns the fields whose value changed.
func (r *Record) Apply(values map[string]any) ([]string, error) {
	values = Flatten(values)
	coerced := make(map[string]any, len(values))
	var subs = make(map[string]*SubStore)
	for name, raw := range values {
		f := r.def.fieldFor(name)
		if f.Type == TypeRecords {
			sub, err := decodeMembers(r, f, raw)
			if err != nil {
				return nil, err
			}
			subs[name] = sub
			continue
		}
		c, err := f.Coerce(raw)
		if err != nil {
			return nil, err
		}
		coerced[name] = c
	}

	var changedFields []string
	for _, name := range sortedKeys(coerced) {
		if old, changed := r.store(name, coerced[name], true); changed {
			changedFields = append(changedFields, name)
			r.changed(name, old, coerced[name])
		}
	}
	r.mu.Lock()
	r.settleLocked()
	r.mu.Unlock()
	for _, name := range sortedKeys(subs) {
		r.SubStore(name).adopt(subs[name])
		r.mu.Lock()
		delete(r.modified, name)
		r.mu.Unlock()
		changedFields = append(changedFields, name)
		r.changed(name, nil, r.SubStore(name))
	}
	return changedFields, nil
}

// store writes a coerced value. With commit set the field's edit tracking
// is cleared instead of updated.
func (r *Record) store(field string, v any, commit bool) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, had := r.values[field]
	if had && valuesEqual(old, v) {
		if commit {
			delete(r.modified, field)
		}
		return old, false
	}
	switch orig, tracked := r.modified[field]; {
	case commit:
		delete(r.modified, field)
	case !tracked:
		r.modified[field] = original{value: old, present: had}
	case orig.present && valuesEqual(orig.value, v):
		delete(r.modified, field)
	}
	if !commit {
		r.rev++
	}
	r.values[field] = v
	return old, true
}

// SubStore returns the sub-record collection of a TypeRecords field,
// creating an empty one on first access. It returns nil for other fields.
func (r *Record) SubStore(field string) *SubStore {
	f := r.def.fieldFor(field)
	if f.Type != TypeRecords {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.values[field].(*SubStore); ok {
		return sub
	}
	sub := newSubStore(r, f)
	r.values[field] = sub
	return sub
}

// markMembersModified is called by a SubStore before its membership or a
// member changes. snapshot is the membership before the change.
func (r *Record) markMembersModified(field string, snapshot []*Record) {
	r.mu.Lock()
	if _, tracked := r.modified[field]; !tracked {
		r.modified[field] = original{present: true, sub: true, members: snapshot}
	}
	r.rev++
	r.mu.Unlock()
}

// IsModified reports whether any of the given fields, or any field at all
// when none are given, has an uncommitted edit.
func (r *Record) IsModified(fields ...string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(fields) == 0 {
		return len(r.modified) > 0
	}
	for _, f := range fields {
		if _, ok := r.modified[f]; ok {
			return true
		}
	}
	return false
}

// Modified returns the names of the fields with uncommitted edits.
func (r *Record) Modified() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.modified)
}

// Commit accepts all pending edits, including those of sub-record members.
// A phantom record stops being phantom once it carries a backend id.
func (r *Record) Commit() {
	r.mu.Lock()
	r.modified = make(map[string]original)
	r.settleLocked()
	subs := r.subStoresLocked()
	r.mu.Unlock()

	commitMembers(subs)
}

func commitMembers(subs []*SubStore) {
	for _, sub := range subs {
		for _, m := range sub.Records() {
			m.Commit()
		}
	}
}

// settleLocked clears the phantom flag of a record that carries a backend
// id. The caller holds r.mu.
func (r *Record) settleLocked() {
	if id, ok := r.values[r.def.IDProperty]; ok && id != "" && id != nil {
		r.phantom = false
	}
}

// Pending is the state of a record's uncommitted edits captured when they
// are handed to the backend.
type Pending struct {
	rev  uint64
	sent map[string]original
}

// Fields returns the names of the captured edits.
func (p Pending) Fields() []string {
	return sortedKeys(p.sent)
}

// Pending captures the edits about to be written. Take it before
// serializing the record so that a concurrent edit is never committed
// without having been sent.
func (r *Record) Pending() Pending {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := Pending{rev: r.rev, sent: make(map[string]original, len(r.modified))}
	for field, orig := range r.modified {
		if orig.sub {
			var members []*Record
			if sub, ok := r.values[field].(*SubStore); ok {
				members = sub.Records()
			}
			p.sent[field] = original{present: true, sub: true, members: members}
			continue
		}
		v, had := r.values[field]
		p.sent[field] = original{value: v, present: had}
	}
	return p
}

// CommitPending commits the edits captured by p. Edits made after p was
// taken stay pending; their committed value becomes the one that was
// sent.
func (r *Record) CommitPending(p Pending) {
	r.mu.Lock()
	if r.rev == p.rev {
		r.modified = make(map[string]original)
		r.settleLocked()
		subs := r.subStoresLocked()
		r.mu.Unlock()
		commitMembers(subs)
		return
	}

	for field, sent := range p.sent {
		if sent.sub {
			// Member edits cannot be told apart; the field is resent.
			r.modified[field] = sent
			continue
		}
		cur, has := r.values[field]
		if has == sent.present && (!has || valuesEqual(cur, sent.value)) {
			delete(r.modified, field)
			continue
		}
		r.modified[field] = sent
	}
	r.settleLocked()
	r.mu.Unlock()
}

// Reject rolls every pending edit back to its committed value and fires
// change events for the restored fields.
func (r *Record) Reject() {
	r.mu.Lock()
	pending := r.modified
	r.modified = make(map[string]original)
	type restore struct {
		field    string
		old, new any
	}
	var restored []restore
	var subs []*SubStore
	for _, field := range sortedKeys(pending) {
		orig := pending[field]
		if orig.sub {
			if sub, ok := r.values[field].(*SubStore); ok {
				sub.restore(orig.members)
				subs = append(subs, sub)
			}
			continue
		}
		cur := r.values[field]
		if orig.present {
			r.values[field] = orig.value
		} else {
			delete(r.values, field)
		}
		restored = append(restored, restore{field, cur, orig.value})
	}
	r.mu.Unlock()

	for _, sub := range subs {
		for _, m := range sub.Records() {
			m.Reject()
		}
	}
	for _, rs := range restored {
		r.fire(rs.field, rs.old, rs.new)
	}
}

// OnChange registers fn for field change events and returns a function
// that unregisters it.
func (r *Record) OnChange(fn ChangeFunc) func() {
	r.mu.Lock()
	id := r.nextLsn
	r.nextLsn++
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Owner returns the collection currently holding the record.
func (r *Record) Owner() Owner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner
}

// SetOwner assigns the owning collection and returns the previous one.
// Callers moving a record between collections release it from the
// previous owner themselves.
func (r *Record) SetOwner(o Owner) Owner {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.owner
	r.owner = o
	return prev
}

// Values returns a shallow copy of the record's values.
func (r *Record) Values() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// changed fires listeners and notifies the owner.
func (r *Record) changed(field string, oldValue, newValue any) {
	r.fire(field, oldValue, newValue)
	if o := r.Owner(); o != nil {
		o.RecordUpdated(r, field)
	}
}

func (r *Record) fire(field string, oldValue, newValue any) {
	r.mu.RLock()
	fns := make([]ChangeFunc, 0, len(r.listeners))
	for _, id := range sortedKeys(r.listeners) {
		fns = append(fns, r.listeners[id])
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(r, field, oldValue, newValue)
	}
}

func (r *Record) subStoresLocked() []*SubStore {
	var subs []*SubStore
	for _, v := range r.values {
		if sub, ok := v.(*SubStore); ok {
			subs = append(subs, sub)
		}
	}
	return subs
}

func valuesEqual(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

func sortedKeys[K interface{ ~string | ~int }, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
