package data_test

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/groupware/internal/data"
	"github.com/nhle/groupware/internal/model"
	"github.com/nhle/groupware/internal/protocol"
	"github.com/nhle/groupware/internal/record"
	"github.com/nhle/groupware/internal/transport"
	"github.com/nhle/groupware/tests/testutil"
)

const inboxItems = `{
	"item": [
		{"entryid": "A1", "parent_entryid": "F1", "subject": "Hi", "flag_status": 0},
		{"entryid": "A2", "parent_entryid": "F1", "subject": "Lunch?"},
		{"entryid": "A3", "parent_entryid": "F1", "subject": "Report", "message_class": "IPM.Note"}
	],
	"page": {"start": 0, "rowcount": 3, "totalrowcount": 3}
}`

// mailBackend answers like a mail list module: list returns payload,
// save echoes the item with an id and delete succeeds.
func mailBackend(payload string) *testutil.FakeBackend {
	var mu sync.Mutex
	next := 0
	return testutil.NewFakeBackend(func(c testutil.BackendCall) []testutil.Reply {
		switch c.Action {
		case protocol.ActionList, protocol.ActionSearch:
			return []testutil.Reply{{Action: c.Action, Payload: testutil.Raw(payload)}}
		case protocol.ActionSave:
			item := map[string]any{}
			for k, v := range c.Params.Get("props").Map() {
				item[k] = v.Value()
			}
			id := c.Params.Get("entryid").String()
			if id == "" {
				mu.Lock()
				next++
				id = "N" + strconv.Itoa(next)
				mu.Unlock()
			}
			item["entryid"] = id
			return []testutil.Reply{{Action: protocol.ActionUpdate, Payload: map[string]any{"item": item}}}
		case protocol.ActionDelete:
			return []testutil.Reply{{Action: protocol.ActionDelete}}
		}
		return nil
	})
}

func newInbox(t *testing.T, tr transport.Transport, c data.SnapshotCache) *data.Store {
	t.Helper()
	s, err := data.NewStore(data.StoreConfig{
		Name:     "inbox",
		FolderID: "F1",
		StoreID:  "S1",
		Proxy:    data.NewModuleProxy(data.NewClient(tr), "maillistmodule"),
		Reader:   data.NewReader(model.NewRegistry(), model.Mail),
		Cache:    c,
	})
	require.NoError(t, err)
	return s
}

func collectEvents(s *data.Store) func() []data.Event {
	var mu sync.Mutex
	var events []data.Event
	s.Subscribe(func(ev data.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	return func() []data.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]data.Event(nil), events...)
	}
}

func ids(records []*record.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID())
	}
	return out
}

func TestNewStoreRequiresProxyAndReader(t *testing.T) {
	_, err := data.NewStore(data.StoreConfig{Name: "x"})
	assert.Error(t, err)

	_, err = data.NewStore(data.StoreConfig{
		Proxy: data.NewModuleProxy(data.NewClient(mailBackend(`{}`)), "m"),
	})
	assert.Error(t, err)
}

func TestStoreLoadExampleItem(t *testing.T) {
	s := newInbox(t, mailBackend(`{"item":[{"entryid":"A1","subject":"Hi"}]}`), nil)
	events := collectEvents(s)

	require.NoError(t, s.Load(context.Background(), data.LoadOptions{}))

	require.Equal(t, 1, s.Count())
	r := s.GetByID("A1")
	require.NotNil(t, r)
	assert.Equal(t, "A1", r.ID())
	assert.Equal(t, "Hi", r.Get("subject"))
	assert.Equal(t, record.Owner(s), r.Owner())

	evs := events()
	require.Len(t, evs, 1)
	assert.Equal(t, data.EventLoad, evs[0].Kind)
	assert.Equal(t, []string{"A1"}, ids(evs[0].Records))
}

func TestStoreLoadSendsListParameters(t *testing.T) {
	backend := mailBackend(inboxItems)
	s := newInbox(t, backend, nil)

	require.NoError(t, s.Load(context.Background(), data.LoadOptions{
		Start: 50,
		Limit: 25,
		Sort:  []data.SortField{{Field: "message_delivery_time", Descending: true}},
	}))

	calls := backend.Calls()
	require.Len(t, calls, 1)
	p := calls[0].Params
	assert.Equal(t, protocol.ActionList, calls[0].Action)
	assert.Equal(t, "F1", p.Get("entryid").String())
	assert.Equal(t, "S1", p.Get("store_entryid").String())
	assert.Equal(t, int64(50), p.Get("restriction.start").Int())
	assert.Equal(t, int64(25), p.Get("restriction.limit").Int())
	assert.Equal(t, "message_delivery_time", p.Get("sort.0.field").String())
	assert.Equal(t, "DESC", p.Get("sort.0.direction").String())
}

func TestStoreLoadLeavesUniqueUnmodifiedRecords(t *testing.T) {
	s := newInbox(t, mailBackend(`{
		"item": [
			{"entryid": "A1", "subject": "first"},
			{"entryid": "A2"},
			{"entryid": "A1", "subject": "again"}
		],
		"page": {"start": 0, "rowcount": 3, "totalrowcount": 120}
	}`), nil)

	require.NoError(t, s.Load(context.Background(), data.LoadOptions{}))

	assert.Equal(t, []string{"A1", "A2"}, ids(s.Records()))
	assert.Equal(t, "first", s.GetByID("A1").Get("subject"))
	assert.Equal(t, 120, s.TotalCount())
	for _, r := range s.Records() {
		assert.False(t, r.IsModified(), r.ID())
	}
	assert.False(t, s.HasChanges())
}

func TestStoreLoadAddMergesByID(t *testing.T) {
	pages := []string{
		`{"item": [{"entryid": "A1", "subject": "old"}, {"entryid": "A2"}]}`,
		`{"item": [{"entryid": "A1", "subject": "new"}, {"entryid": "A3"}]}`,
	}
	call := 0
	backend := testutil.NewFakeBackend(func(c testutil.BackendCall) []testutil.Reply {
		call++
		return []testutil.Reply{{Action: protocol.ActionList, Payload: testutil.Raw(pages[call-1])}}
	})
	s := newInbox(t, backend, nil)
	ctx := context.Background()

	require.NoError(t, s.Load(ctx, data.LoadOptions{}))
	old := s.GetByID("A1")
	require.NoError(t, s.Load(ctx, data.LoadOptions{Mode: data.LoadAdd, Start: 2}))

	assert.Equal(t, []string{"A1", "A2", "A3"}, ids(s.Records()))
	assert.Equal(t, "new", s.GetByID("A1").Get("subject"))
	assert.Nil(t, old.Owner(), "replaced record is released")
}

func TestStoreLatestLoadWins(t *testing.T) {
	var s *data.Store
	call := 0
	tr := transport.Func(func(ctx context.Context, body []byte) ([]byte, error) {
		reqs, err := protocol.DecodeBatch(body)
		require.NoError(t, err)
		call++
		items := `{"item":[{"entryid":"NEW"}]}`
		if call == 1 {
			// A second load is issued and answered while the first is in
			// flight.
			require.NoError(t, s.Load(ctx, data.LoadOptions{}))
			items = `{"item":[{"entryid":"STALE"}]}`
		}
		return protocol.EncodeBatch(protocol.Request{
			Module: reqs[0].Module,
			ID:     reqs[0].ID,
			Action: protocol.ActionList,
			Params: map[string]any{"item": json.RawMessage(items)},
		})
	})
	s = newInbox(t, tr, nil)

	require.NoError(t, s.Load(context.Background(), data.LoadOptions{}))

	assert.Equal(t, []string{"NEW"}, ids(s.Records()))
}

func TestStoreClearDiscardsLoadInFlight(t *testing.T) {
	var s *data.Store
	backend := mailBackend(inboxItems)
	tr := transport.Func(func(ctx context.Context, body []byte) ([]byte, error) {
		s.Clear()
		return backend.RoundTrip(ctx, body)
	})
	s = newInbox(t, tr, nil)
	events := collectEvents(s)

	require.NoError(t, s.Load(context.Background(), data.LoadOptions{}))

	assert.Zero(t, s.Count())
	evs := events()
	require.Len(t, evs, 1)
	assert.Equal(t, data.EventClear, evs[0].Kind)
}

func TestStoreUnknownActionDoesNotMutate(t *testing.T) {
	backend := mailBackend(inboxItems)
	s := newInbox(t, backend, nil)
	require.NoError(t, s.Load(context.Background(), data.LoadOptions{}))

	s2 := newInbox(t, testutil.NewFakeBackend(func(testutil.BackendCall) []testutil.Reply {
		return []testutil.Reply{{Action: "reload", Payload: testutil.Raw(`{"item":[{"entryid":"Z9"}]}`)}}
	}), nil)
	s2.Add(s.Records()...)
	before := ids(s2.Records())

	require.NoError(t, s2.Load(context.Background(), data.LoadOptions{}))
	assert.Equal(t, before, ids(s2.Records()))
}

func TestStoreLoadBackendErrorKeepsCollection(t *testing.T) {
	fail := false
	backend := testutil.NewFakeBackend(func(c testutil.BackendCall) []testutil.Reply {
		if fail {
			return []testutil.Reply{{
				Action:  protocol.ActionError,
				Payload: testutil.Raw(`{"error":{"type":3,"info":{"message":"store offline"}}}`),
			}}
		}
		return []testutil.Reply{{Action: protocol.ActionList, Payload: testutil.Raw(inboxItems)}}
	})
	s := newInbox(t, backend, nil)
	require.NoError(t, s.Load(context.Background(), data.LoadOptions{}))
	events := collectEvents(s)

	fail = true
	err := s.Load(context.Background(), data.LoadOptions{})

	require.Error(t, err)
	assert.True(t, protocol.IsBackendError(err))
	assert.Equal(t, 3, s.Count())
	evs := events()
	require.Len(t, evs, 1)
	assert.Equal(t, data.EventException, evs[0].Kind)
}

func TestStoreSaveCreatesUpdatesAndDestroys(t *testing.T) {
	backend := mailBackend(inboxItems)
	s := newInbox(t, backend, nil)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx, data.LoadOptions{}))
	events := collectEvents(s)

	require.NoError(t, s.GetByID("A1").Set("flag_status", 2))
	s.Remove(s.GetByID("A2"))
	draft := record.New(model.Mail)
	require.NoError(t, draft.Set("subject", "Draft"))
	s.Add(draft)

	// Removal is visible before any destroy was sent.
	assert.Nil(t, s.GetByID("A2"))
	assert.Equal(t, []string{"A1", "A3", draft.ID()}, ids(s.Records()))
	assert.True(t, s.HasChanges())

	require.NoError(t, s.Save(ctx))

	assert.False(t, s.HasChanges())
	assert.Same(t, draft, s.GetByID("N1"))
	assert.False(t, draft.IsPhantom())
	assert.False(t, draft.IsModified())
	assert.False(t, s.GetByID("A1").IsModified())
	assert.Equal(t, int64(2), s.GetByID("A1").Get("flag_status"))

	var saves, deletes []testutil.BackendCall
	for _, c := range backend.Calls() {
		switch c.Action {
		case protocol.ActionSave:
			saves = append(saves, c)
		case protocol.ActionDelete:
			deletes = append(deletes, c)
		}
	}
	require.Len(t, saves, 2)
	require.Len(t, deletes, 1)
	assert.Equal(t, "A2", deletes[0].Params.Get("entryid").String())
	for _, c := range saves {
		if c.Params.Get("entryid").String() == "A1" {
			assert.Equal(t, int64(2), c.Params.Get("props.flag_status").Int())
			assert.False(t, c.Params.Get("props.subject").Exists(), "delta write")
			continue
		}
		assert.Equal(t, "F1", c.Params.Get("parent_entryid").String())
		assert.Equal(t, "Draft", c.Params.Get("props.subject").String())
		assert.Equal(t, model.ClassMail, c.Params.Get("props.message_class").String())
	}

	var kinds []data.EventKind
	for _, ev := range events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, data.EventRemove)
	assert.Contains(t, kinds, data.EventWrite)
}

func TestStoreSaveFailureKeepsRecordsDirty(t *testing.T) {
	backend := testutil.NewFakeBackend(func(c testutil.BackendCall) []testutil.Reply {
		switch c.Action {
		case protocol.ActionList:
			return []testutil.Reply{{Action: protocol.ActionList, Payload: testutil.Raw(inboxItems)}}
		case protocol.ActionDelete:
			return []testutil.Reply{{Action: protocol.ActionDelete}}
		default:
			return []testutil.Reply{{
				Action:  protocol.ActionError,
				Payload: testutil.Raw(`{"error":{"type":1,"info":{"header":"Not saved","message":"quota exceeded"}}}`),
			}}
		}
	})
	s := newInbox(t, backend, nil)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx, data.LoadOptions{}))
	events := collectEvents(s)

	a1 := s.GetByID("A1")
	require.NoError(t, a1.Set("subject", "Edited"))
	s.Remove(s.GetByID("A3"))

	err := s.Save(ctx)

	require.Error(t, err)
	var bErr *protocol.BackendError
	require.ErrorAs(t, err, &bErr)
	assert.Equal(t, "quota exceeded", bErr.Message)
	assert.True(t, a1.IsModified("subject"))
	assert.Equal(t, "Edited", a1.Get("subject"))
	assert.True(t, s.HasChanges())

	var exception *data.Event
	for _, ev := range events() {
		if ev.Kind == data.EventException {
			exception = &ev
		}
	}
	require.NotNil(t, exception)
	assert.Equal(t, []string{"A1"}, ids(exception.Records))
}

func TestStoreSaveWithoutChangesSendsNothing(t *testing.T) {
	backend := mailBackend(inboxItems)
	s := newInbox(t, backend, nil)
	require.NoError(t, s.Save(context.Background()))
	assert.Empty(t, backend.Calls())
}

func TestStoreRemovedRecordIsNotReloaded(t *testing.T) {
	s := newInbox(t, mailBackend(inboxItems), nil)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx, data.LoadOptions{}))

	s.Remove(s.GetByID("A2"))
	require.NoError(t, s.Load(ctx, data.LoadOptions{}))

	assert.Equal(t, []string{"A1", "A3"}, ids(s.Records()))
}

func TestStoreRemovePhantomQueuesNoDestroy(t *testing.T) {
	backend := mailBackend(inboxItems)
	s := newInbox(t, backend, nil)
	draft := record.New(model.Mail)
	s.Add(draft)

	s.Remove(draft)

	assert.Zero(t, s.Count())
	assert.False(t, s.HasChanges())
	assert.Nil(t, draft.Owner())
}

func TestStoreMoveReleasesFromPreviousOwner(t *testing.T) {
	from := newInbox(t, mailBackend(inboxItems), nil)
	require.NoError(t, from.Load(context.Background(), data.LoadOptions{}))
	to, err := data.NewStore(data.StoreConfig{
		Name:   "archive",
		Proxy:  data.NewModuleProxy(data.NewClient(mailBackend(`{}`)), "maillistmodule"),
		Reader: data.NewReader(model.NewRegistry(), model.Mail),
	})
	require.NoError(t, err)

	r := from.GetByID("A2")
	to.Add(r)

	assert.Equal(t, record.Owner(to), r.Owner())
	assert.Same(t, r, to.GetByID("A2"))
	assert.Nil(t, from.GetByID("A2"))
	assert.False(t, from.HasChanges(), "a move is not a destroy")
}

func TestStoreReindexesWhenIDChanges(t *testing.T) {
	s := newInbox(t, mailBackend(inboxItems), nil)
	draft := record.New(model.Mail)
	s.Add(draft)
	phantomID := draft.ID()
	events := collectEvents(s)

	require.NoError(t, draft.Set("entryid", "B7"))

	assert.Nil(t, s.GetByID(phantomID))
	assert.Same(t, draft, s.GetByID("B7"))
	evs := events()
	require.Len(t, evs, 1)
	assert.Equal(t, data.EventUpdate, evs[0].Kind)
	assert.Equal(t, []string{"entryid"}, evs[0].Fields)
}

func TestStoreRejectChanges(t *testing.T) {
	s := newInbox(t, mailBackend(inboxItems), nil)
	require.NoError(t, s.Load(context.Background(), data.LoadOptions{}))

	require.NoError(t, s.GetByID("A1").Set("subject", "Edited"))
	s.Remove(s.GetByID("A2"))
	s.Add(record.New(model.Mail))

	s.RejectChanges()

	assert.ElementsMatch(t, []string{"A1", "A2", "A3"}, ids(s.Records()))
	assert.Equal(t, "Hi", s.GetByID("A1").Get("subject"))
	assert.False(t, s.HasChanges())
}

func TestStoreSearch(t *testing.T) {
	backend := mailBackend(`{"item":[{"entryid":"S1","subject":"found"}]}`)
	s := newInbox(t, backend, nil)

	require.NoError(t, s.Search(context.Background(), "found", data.LoadOptions{Limit: 10}))

	assert.Equal(t, []string{"S1"}, ids(s.Records()))
	calls := backend.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, protocol.ActionSearch, calls[0].Action)
	assert.Equal(t, "found", calls[0].Params.Get("restriction.search").String())
}

func TestStoreOpenMergesFullItem(t *testing.T) {
	backend := testutil.NewFakeBackend(func(c testutil.BackendCall) []testutil.Reply {
		switch c.Action {
		case protocol.ActionList:
			return []testutil.Reply{{Action: protocol.ActionList, Payload: testutil.Raw(inboxItems)}}
		case protocol.ActionOpen:
			return []testutil.Reply{{
				Action: protocol.ActionItem,
				Payload: map[string]any{"item": map[string]any{
					"entryid": c.Params.Get("entryid").String(),
					"props":   map[string]any{"body": "Full text"},
				}},
			}}
		}
		return nil
	})
	s := newInbox(t, backend, nil)
	require.NoError(t, s.Load(context.Background(), data.LoadOptions{}))
	r := s.GetByID("A1")

	require.NoError(t, s.Open(context.Background(), r))

	assert.Equal(t, "Full text", r.Get("body"))
	assert.False(t, r.IsModified())
}

func TestStoreExpandNormalizesSingleResult(t *testing.T) {
	backend := testutil.NewFakeBackend(func(c testutil.BackendCall) []testutil.Reply {
		return []testutil.Reply{{
			Action:  protocol.ActionExpand,
			Payload: testutil.Raw(`{"results":{"entryid":"U1","object_type":6,"email_address":"ann@example.com"}}`),
		}}
	})
	s := newInbox(t, backend, nil)
	list, err := record.Decode(model.DistList, map[string]any{"entryid": "D1"})
	require.NoError(t, err)

	members, err := s.Expand(context.Background(), list)

	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, model.DistListMember, members[0].Definition())
	assert.Equal(t, "ann@example.com", members[0].Get("email_address"))
}

func TestStoreLoadCachedPrimesFromSnapshot(t *testing.T) {
	c := testutil.NewTestCache(t)
	ctx := context.Background()

	online := newInbox(t, mailBackend(inboxItems), c)
	require.NoError(t, online.Load(ctx, data.LoadOptions{}))

	offline := newInbox(t, testutil.NewFakeBackend(nil), c)
	ok, err := offline.LoadCached(ctx)

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"A1", "A2", "A3"}, ids(offline.Records()))
	assert.Equal(t, "Lunch?", offline.GetByID("A2").Get("subject"))
	assert.Equal(t, 3, offline.TotalCount())

	// A store that already holds records is left alone.
	ok, err = offline.LoadCached(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreLoadCachedWithoutSnapshot(t *testing.T) {
	s := newInbox(t, testutil.NewFakeBackend(nil), testutil.NewTestCache(t))

	ok, err := s.LoadCached(context.Background())

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, s.Count())
}

func TestStoreNotifications(t *testing.T) {
	c := testutil.NewTestCache(t)
	s := newInbox(t, mailBackend(inboxItems), c)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx, data.LoadOptions{}))
	events := collectEvents(s)

	t.Run("modified applies server values over local edits", func(t *testing.T) {
		a1 := s.GetByID("A1")
		require.NoError(t, a1.Set("subject", "local edit"))

		s.Notify(model.Notification{
			Kind:     model.NotifyModified,
			FolderID: "F1",
			IDs:      []string{"A1"},
			Items:    []json.RawMessage{json.RawMessage(`{"entryid":"A1","subject":"from server"}`)},
		})

		assert.Equal(t, "from server", a1.Get("subject"))
		assert.False(t, a1.IsModified("subject"))
	})

	t.Run("modified without values marks records stale", func(t *testing.T) {
		s.Notify(model.Notification{Kind: model.NotifyModified, IDs: []string{"A3", "ZZ"}})

		evs := events()
		last := evs[len(evs)-1]
		assert.Equal(t, data.EventStale, last.Kind)
		assert.Equal(t, []string{"A3"}, ids(last.Records))
	})

	t.Run("created in another folder is ignored", func(t *testing.T) {
		s.Notify(model.Notification{
			Kind:     model.NotifyCreated,
			FolderID: "F2",
			Items:    []json.RawMessage{json.RawMessage(`{"entryid":"C9","parent_entryid":"F2"}`)},
		})
		assert.Nil(t, s.GetByID("C9"))
	})

	t.Run("created in the listed folder is added", func(t *testing.T) {
		s.Notify(model.Notification{
			Kind:     model.NotifyCreated,
			FolderID: "F1",
			Items:    []json.RawMessage{json.RawMessage(`{"entryid":"C1","subject":"New"}`)},
		})
		r := s.GetByID("C1")
		require.NotNil(t, r)
		assert.Equal(t, "New", r.Get("subject"))
		assert.False(t, r.IsModified())
	})

	t.Run("deleted removes held records and cached items", func(t *testing.T) {
		s.Notify(model.Notification{Kind: model.NotifyDeleted, FolderID: "F1", IDs: []string{"A2", "Q1"}})

		assert.Nil(t, s.GetByID("A2"))
		assert.False(t, s.HasChanges(), "a deletion by the backend needs no destroy")
		snap, err := c.GetSnapshot(ctx, s.CacheKey())
		require.NoError(t, err)
		assert.Equal(t, []string{"A1", "A3"}, snap.IDs)
	})

	t.Run("newmail marks the store stale", func(t *testing.T) {
		s.Notify(model.Notification{Kind: model.NotifyNewMail, FolderID: "F1"})
		evs := events()
		assert.Equal(t, data.EventStale, evs[len(evs)-1].Kind)
	})
}

func TestStoreSaveMergesCreatedNotificationThatOvertakesResponse(t *testing.T) {
	s := newInbox(t, mailBackend(`{"item": []}`), nil)
	draft := record.New(model.Mail)
	require.NoError(t, draft.Set("subject", "Draft"))
	s.Add(draft)
	events := collectEvents(s)

	s.Notify(model.Notification{
		Kind:     model.NotifyCreated,
		FolderID: "F1",
		IDs:      []string{"N1"},
		Items: []json.RawMessage{
			json.RawMessage(`{"entryid": "N1", "parent_entryid": "F1", "subject": "Draft", "message_size": 42}`),
		},
	})
	require.Equal(t, 2, s.Count())

	require.NoError(t, s.Save(context.Background()))

	assert.Equal(t, []string{"N1"}, ids(s.Records()))
	assert.Same(t, draft, s.GetByID("N1"))
	assert.Equal(t, int64(42), draft.Get("message_size"))
	assert.False(t, draft.IsPhantom())
	assert.False(t, s.HasChanges())

	var removed []*record.Record
	for _, ev := range events() {
		if ev.Kind == data.EventRemove {
			removed = append(removed, ev.Records...)
		}
	}
	require.Len(t, removed, 1)
	assert.NotSame(t, draft, removed[0])
	assert.Nil(t, removed[0].Owner())
}

func TestStoreSaveKeepsCreateWithoutIDPending(t *testing.T) {
	backend := testutil.NewFakeBackend(func(c testutil.BackendCall) []testutil.Reply {
		if c.Action == protocol.ActionSave {
			return []testutil.Reply{{Action: protocol.ActionSuccess}}
		}
		return nil
	})
	s := newInbox(t, backend, nil)
	draft := record.New(model.Mail)
	require.NoError(t, draft.Set("subject", "Draft"))
	s.Add(draft)

	for range 2 {
		err := s.Save(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, data.ErrNoID)
		assert.True(t, draft.IsPhantom())
		assert.True(t, draft.IsModified("subject"))
		assert.True(t, s.HasChanges())
	}
	assert.Len(t, backend.Calls(), 2, "the create is retried on the next save")
}

func TestStoreSaveKeepsEditsMadeWhileInFlight(t *testing.T) {
	var a1 *record.Record
	backend := testutil.NewFakeBackend(func(c testutil.BackendCall) []testutil.Reply {
		switch c.Action {
		case protocol.ActionList:
			return []testutil.Reply{{Action: c.Action, Payload: testutil.Raw(inboxItems)}}
		case protocol.ActionSave:
			assert.Equal(t, "Sent", c.Params.Get("props.subject").String())
			assert.NoError(t, a1.Set("subject", "edited while saving"))
			assert.NoError(t, a1.Set("flag_status", 2))
			return []testutil.Reply{{Action: protocol.ActionSuccess}}
		}
		return nil
	})
	s := newInbox(t, backend, nil)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx, data.LoadOptions{}))
	a1 = s.GetByID("A1")
	require.NoError(t, a1.Set("subject", "Sent"))

	require.NoError(t, s.Save(ctx))

	assert.Equal(t, "edited while saving", a1.Get("subject"))
	assert.Equal(t, []string{"flag_status", "subject"}, a1.Modified())
	assert.True(t, s.HasChanges())

	a1.Reject()
	assert.Equal(t, "Sent", a1.Get("subject"), "the sent value is committed")
	assert.Equal(t, int64(0), a1.Get("flag_status"))
}
