package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/groupware/internal/cache"
	"github.com/nhle/groupware/internal/metrics"
	"github.com/nhle/groupware/internal/protocol"
	"github.com/nhle/groupware/internal/record"
)

// LoadMode selects how loaded records combine with the current collection.
type LoadMode int

const (
	// LoadReplace swaps the whole collection for the loaded records.
	LoadReplace LoadMode = iota

	// LoadAdd appends the loaded records. A loaded record whose id is
	// already present takes the place of the old one.
	LoadAdd
)

// SortField orders a list request.
type SortField struct {
	Field      string
	Descending bool
}

// LoadOptions parameterizes Load and Search.
type LoadOptions struct {
	Mode  LoadMode
	Start int

	// Limit caps the number of rows returned. Zero leaves it to the backend.
	Limit int

	Sort        []SortField
	Restriction map[string]any

	// Params are merged into the request parameters last.
	Params map[string]any
}

// EventKind identifies a store event.
type EventKind int

const (
	EventLoad EventKind = iota
	EventAdd
	EventRemove
	EventUpdate
	EventWrite
	EventException
	EventClear

	// EventStale reports that the backend holds changes the store has not
	// loaded, such as new mail or a modification without values.
	EventStale
)

func (k EventKind) String() string {
	switch k {
	case EventLoad:
		return "load"
	case EventAdd:
		return "add"
	case EventRemove:
		return "remove"
	case EventUpdate:
		return "update"
	case EventWrite:
		return "write"
	case EventException:
		return "exception"
	case EventClear:
		return "clear"
	case EventStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Event describes a change of a store's collection or a failed operation.
type Event struct {
	Kind    EventKind
	Store   *Store
	Records []*record.Record

	// Fields lists the changed fields of an EventUpdate.
	Fields []string

	// Op is the operation an EventException or EventWrite belongs to.
	Op  Operation
	Err error
}

// SnapshotCache persists store contents between sessions.
type SnapshotCache interface {
	PutSnapshot(ctx context.Context, snap cache.Snapshot) error
	GetSnapshot(ctx context.Context, key string) (*cache.Snapshot, error)
	DeleteItems(ctx context.Context, ids ...string) error
}

// StoreConfig holds the collaborators and scope of a Store.
type StoreConfig struct {
	// Name identifies the store in logs, metrics and cache keys.
	Name string

	// FolderID and StoreID scope list requests and notifications. A store
	// without a folder, such as a search result, accepts every folder.
	FolderID string
	StoreID  string

	Proxy  Proxy
	Reader *Reader

	// Writer defaults to a delta writer.
	Writer *Writer

	// Cache is optional.
	Cache SnapshotCache

	// BaseParams are sent with every list and search request.
	BaseParams map[string]any

	Logger  *logrus.Entry
	Metrics *metrics.Metrics
}

// Store is an ordered, id-keyed collection of records kept in sync with
// the backend. No two records of a store share an id.
//
// Store methods are safe for concurrent use. Events are emitted after the
// store's lock has been released.
type Store struct {
	name     string
	folderID string
	storeID  string
	proxy    Proxy
	reader   *Reader
	writer   *Writer
	cache    SnapshotCache
	base     map[string]any
	log      *logrus.Entry
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	records []*record.Record
	index   map[string]*record.Record
	ids     map[*record.Record]string
	removed []*record.Record
	total   int
	loadSeq uint64

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

// NewStore validates cfg and creates an empty store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Proxy == nil {
		return nil, errors.New("store requires a proxy")
	}
	if cfg.Reader == nil {
		return nil, errors.New("store requires a reader")
	}
	if cfg.Name == "" {
		cfg.Name = "store"
	}
	if cfg.Writer == nil {
		cfg.Writer = NewWriter(WriteDelta)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{
		name:     cfg.Name,
		folderID: cfg.FolderID,
		storeID:  cfg.StoreID,
		proxy:    cfg.Proxy,
		reader:   cfg.Reader,
		writer:   cfg.Writer,
		cache:    cfg.Cache,
		base:     cfg.BaseParams,
		log: cfg.Logger.WithFields(logrus.Fields{
			"component": "store",
			"store":     cfg.Name,
		}),
		metrics: cfg.Metrics,
		index:   make(map[string]*record.Record),
		ids:     make(map[*record.Record]string),
		subs:    make(map[int]func(Event)),
	}, nil
}

// Name returns the store name.
func (s *Store) Name() string { return s.name }

// FolderID returns the folder the store lists.
func (s *Store) FolderID() string { return s.folderID }

// CacheKey returns the key of the store's snapshot.
func (s *Store) CacheKey() string { return s.name + ":" + s.folderID }

// Subscribe registers fn for store events and returns a function that
// unregisters it.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) emit(ev Event) {
	ev.Store = s
	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, id := range slices.Sorted(maps.Keys(s.subs)) {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Records returns the collection in order.
func (s *Store) Records() []*record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.records)
}

// Count returns the number of records held.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// TotalCount returns the size of the full result set on the backend, as
// reported by the last load, or the number of records held.
func (s *Store) TotalCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return max(s.total, len(s.records))
}

// GetByID returns the record with the given id.
func (s *Store) GetByID(id string) *record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index[id]
}

// HasChanges reports whether Save has anything to send.
func (s *Store) HasChanges() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.removed) > 0 {
		return true
	}
	for _, r := range s.records {
		if r.IsPhantom() || r.IsModified() {
			return true
		}
	}
	return false
}

// Load fetches a list from the backend and merges it per opts.Mode. A
// response arriving after a newer Load or Clear on the same store is
// discarded.
func (s *Store) Load(ctx context.Context, opts LoadOptions) error {
	return s.fetch(ctx, OpList, opts)
}

// Search runs a backend search and merges the results like Load.
func (s *Store) Search(ctx context.Context, query string, opts LoadOptions) error {
	restriction := maps.Clone(opts.Restriction)
	if restriction == nil {
		restriction = make(map[string]any)
	}
	restriction["search"] = query
	opts.Restriction = restriction
	return s.fetch(ctx, OpSearch, opts)
}

func (s *Store) fetch(ctx context.Context, op Operation, opts LoadOptions) error {
	s.mu.Lock()
	s.loadSeq++
	seq := s.loadSeq
	s.mu.Unlock()

	var applied *loadResult
	h := NewResponseHandler(s.log)
	doList := func(resp protocol.Response) error {
		applied = s.doList(seq, opts, resp)
		return nil
	}
	h.On(protocol.ActionList, doList).
		On(protocol.ActionSearch, doList).
		On(protocol.ActionUpdateSearch, doList)

	err := s.proxy.Do(ctx, ProxyRequest{Op: op, Params: s.listParams(opts), Handler: h})
	if err == nil {
		err = h.Err()
	}
	if err != nil {
		s.emit(Event{Kind: EventException, Op: op, Err: err})
		return fmt.Errorf("%s %s: %w", op, s.name, err)
	}

	if applied != nil && opts.Mode == LoadReplace && s.cache != nil {
		snap := cache.Snapshot{
			Key:        s.CacheKey(),
			Items:      applied.items,
			IDs:        applied.ids,
			TotalCount: applied.total,
			UpdatedAt:  time.Now(),
		}
		if err := s.cache.PutSnapshot(ctx, snap); err != nil {
			s.log.WithError(err).Warn("failed to cache snapshot")
		}
	}
	return nil
}

type loadResult struct {
	items []json.RawMessage
	ids   []string
	total int
}

// doList merges a list payload into the collection.
func (s *Store) doList(seq uint64, opts LoadOptions, resp protocol.Response) *loadResult {
	res := s.reader.ReadRecords(resp.Payload)
	s.reportSchemaErrors(res.Errors)

	s.mu.Lock()
	if seq != s.loadSeq {
		s.mu.Unlock()
		s.log.WithField("action", resp.Action).Debug("discarding response of superseded load")
		return nil
	}

	pending := make(map[string]bool, len(s.removed))
	for _, r := range s.removed {
		pending[r.ID()] = true
	}

	var released []*record.Record
	if opts.Mode == LoadReplace {
		released = s.records
		s.records = nil
		s.index = make(map[string]*record.Record)
		s.ids = make(map[*record.Record]string)
	}

	out := &loadResult{}
	loaded := make([]*record.Record, 0, len(res.Records))
	for i, r := range res.Records {
		id := r.ID()
		if pending[id] {
			continue
		}
		if old, ok := s.index[id]; ok {
			if opts.Mode == LoadReplace {
				// Duplicate id within one payload: keep the first.
				continue
			}
			pos := slices.Index(s.records, old)
			s.records[pos] = r
			delete(s.ids, old)
			released = append(released, old)
		} else {
			s.records = append(s.records, r)
		}
		s.index[id] = r
		s.ids[r] = id
		r.SetOwner(s)
		loaded = append(loaded, r)
		out.items = append(out.items, res.Items[i])
		out.ids = append(out.ids, id)
	}

	switch {
	case res.HasPage:
		s.total = res.Page.TotalRowCount
	case opts.Mode == LoadReplace:
		s.total = len(s.records)
	default:
		s.total = max(s.total, len(s.records))
	}
	out.total = s.total
	s.mu.Unlock()

	for _, r := range released {
		if r.Owner() == record.Owner(s) {
			r.SetOwner(nil)
		}
	}

	s.log.WithFields(logrus.Fields{
		"action":  resp.Action,
		"records": len(loaded),
		"skipped": len(res.Errors),
	}).Debug("loaded records")
	s.emit(Event{Kind: EventLoad, Records: loaded, Err: errors.Join(res.Errors...)})
	return out
}

func (s *Store) reportSchemaErrors(errs []error) {
	if len(errs) == 0 {
		return
	}
	s.metrics.SchemaFailure(s.name, len(errs))
	for _, err := range errs {
		s.log.WithError(err).Warn("skipping unreadable item")
	}
}

func (s *Store) listParams(opts LoadOptions) map[string]any {
	params := maps.Clone(s.base)
	if params == nil {
		params = make(map[string]any)
	}
	if s.folderID != "" {
		params["entryid"] = s.folderID
	}
	if s.storeID != "" {
		params["store_entryid"] = s.storeID
	}

	restriction := map[string]any{"start": opts.Start}
	if opts.Limit > 0 {
		restriction["limit"] = opts.Limit
	}
	maps.Copy(restriction, opts.Restriction)
	params["restriction"] = restriction

	if len(opts.Sort) > 0 {
		sort := make([]map[string]any, 0, len(opts.Sort))
		for _, f := range opts.Sort {
			dir := "ASC"
			if f.Descending {
				dir = "DESC"
			}
			sort = append(sort, map[string]any{"field": f.Field, "direction": dir})
		}
		params["sort"] = sort
	}
	maps.Copy(params, opts.Params)
	return params
}

// Add appends records to the collection. A record owned by another
// collection is moved: the previous owner releases it without sending a
// destroy. A record whose id is already held replaces the old one.
func (s *Store) Add(records ...*record.Record) {
	var added []*record.Record
	var moved []struct {
		r    *record.Record
		prev record.Owner
	}

	s.mu.Lock()
	for _, r := range records {
		if _, ok := s.ids[r]; ok {
			continue
		}
		id := r.ID()
		s.removed = slices.DeleteFunc(s.removed, func(x *record.Record) bool { return x == r })
		if old, ok := s.index[id]; ok {
			s.records[slices.Index(s.records, old)] = r
			delete(s.ids, old)
			old.SetOwner(nil)
		} else {
			s.records = append(s.records, r)
		}
		s.index[id] = r
		s.ids[r] = id
		if prev := r.SetOwner(s); prev != nil && prev != record.Owner(s) {
			moved = append(moved, struct {
				r    *record.Record
				prev record.Owner
			}{r, prev})
		}
		added = append(added, r)
	}
	s.mu.Unlock()

	for _, m := range moved {
		m.prev.Release(m.r)
	}
	if len(added) > 0 {
		s.emit(Event{Kind: EventAdd, Records: added})
	}
}

// Remove takes records out of the collection immediately and queues a
// destroy for the saved ones; Save sends it. Unsaved records are dropped.
func (s *Store) Remove(records ...*record.Record) {
	removed := s.detach(records, true)
	if len(removed) > 0 {
		s.emit(Event{Kind: EventRemove, Records: removed})
	}
}

// Release detaches a record that moved to another collection. No destroy
// is queued.
func (s *Store) Release(r *record.Record) {
	if removed := s.detach([]*record.Record{r}, false); len(removed) > 0 {
		s.emit(Event{Kind: EventRemove, Records: removed})
	}
}

func (s *Store) detach(records []*record.Record, destroy bool) []*record.Record {
	var removed []*record.Record
	s.mu.Lock()
	for _, r := range records {
		id, ok := s.ids[r]
		if !ok {
			continue
		}
		delete(s.ids, r)
		delete(s.index, id)
		s.records = slices.DeleteFunc(s.records, func(x *record.Record) bool { return x == r })
		if destroy && !r.IsPhantom() {
			s.removed = append(s.removed, r)
		}
		removed = append(removed, r)
	}
	s.mu.Unlock()

	for _, r := range removed {
		if destroy && r.Owner() == record.Owner(s) {
			r.SetOwner(nil)
		}
	}
	return removed
}

// RecordUpdated keeps the id index current and forwards the change. When
// a saved record takes an id the store already holds, as when the created
// notification for an item overtakes its save response, the saved record
// absorbs the other one's missing fields and the duplicate is dropped.
func (s *Store) RecordUpdated(r *record.Record, field string) {
	s.mu.Lock()
	oldID, ok := s.ids[r]
	if !ok {
		s.mu.Unlock()
		return
	}
	var dup *record.Record
	if newID := r.ID(); newID != oldID {
		if s.index[oldID] == r {
			delete(s.index, oldID)
		}
		if x, taken := s.index[newID]; taken && x != r {
			dup = x
			delete(s.ids, x)
			s.records = slices.DeleteFunc(s.records, func(y *record.Record) bool { return y == x })
		}
		s.index[newID] = r
		s.ids[r] = newID
	}
	s.mu.Unlock()

	if dup != nil {
		s.absorb(r, dup)
		s.emit(Event{Kind: EventRemove, Records: []*record.Record{dup}})
	}
	s.emit(Event{Kind: EventUpdate, Records: []*record.Record{r}, Fields: []string{field}})
}

// absorb copies the plain fields of dup that r lacks and releases dup.
func (s *Store) absorb(r, dup *record.Record) {
	if dup.Owner() == record.Owner(s) {
		dup.SetOwner(nil)
	}
	missing := make(map[string]any)
	for name, v := range dup.Values() {
		if _, sub := v.(*record.SubStore); sub || r.Has(name) {
			continue
		}
		missing[name] = v
	}
	if len(missing) == 0 {
		return
	}
	if _, err := r.Apply(missing); err != nil {
		s.log.WithError(err).WithField("id", r.ID()).Warn("failed to merge duplicate record")
	}
}

// RejectChanges rolls back every pending change: removed records return,
// unsaved records are dropped and edits are rejected.
func (s *Store) RejectChanges() {
	s.mu.Lock()
	restored := s.removed
	s.removed = nil
	var phantoms []*record.Record
	for _, r := range s.records {
		if r.IsPhantom() {
			phantoms = append(phantoms, r)
		}
	}
	s.mu.Unlock()

	s.detach(phantoms, false)
	for _, r := range phantoms {
		r.SetOwner(nil)
	}
	s.Add(restored...)
	for _, r := range s.Records() {
		r.Reject()
	}
}

// Clear empties the store and discards pending changes. Loads still in
// flight are discarded when they answer.
func (s *Store) Clear() {
	s.mu.Lock()
	s.loadSeq++
	old := s.records
	s.records = nil
	s.index = make(map[string]*record.Record)
	s.ids = make(map[*record.Record]string)
	s.removed = nil
	s.total = 0
	s.mu.Unlock()

	for _, r := range old {
		if r.Owner() == record.Owner(s) {
			r.SetOwner(nil)
		}
	}
	s.emit(Event{Kind: EventClear})
}

// LoadCached primes an empty store from its cached snapshot. It reports
// whether records were loaded; a missing snapshot is not an error.
func (s *Store) LoadCached(ctx context.Context) (bool, error) {
	if s.cache == nil {
		return false, nil
	}

	s.mu.RLock()
	seq := s.loadSeq
	s.mu.RUnlock()

	snap, err := s.cache.GetSnapshot(ctx, s.CacheKey())
	if errors.Is(err, cache.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading snapshot of %s: %w", s.name, err)
	}

	res := s.reader.ReadItems(snap.Items)
	s.reportSchemaErrors(res.Errors)

	s.mu.Lock()
	if seq != s.loadSeq || len(s.records) > 0 {
		s.mu.Unlock()
		return false, nil
	}
	var loaded []*record.Record
	for _, r := range res.Records {
		id := r.ID()
		if _, dup := s.index[id]; dup {
			continue
		}
		s.records = append(s.records, r)
		s.index[id] = r
		s.ids[r] = id
		r.SetOwner(s)
		loaded = append(loaded, r)
	}
	s.total = snap.TotalCount
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"records":    len(loaded),
		"updated_at": snap.UpdatedAt,
	}).Debug("primed store from cache")
	s.emit(Event{Kind: EventLoad, Records: loaded})
	return len(loaded) > 0, nil
}
