package itemlist

import (
	"context"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/groupware/internal/data"
	"github.com/nhle/groupware/internal/keys"
	"github.com/nhle/groupware/internal/model"
	"github.com/nhle/groupware/internal/record"
)

type fakeFolder struct {
	records  []*record.Record
	total    int
	loads    []data.LoadOptions
	searches []string
	removed  []*record.Record
	rejected bool
	saved    bool
}

func (f *fakeFolder) Name() string              { return "inbox" }
func (f *fakeFolder) Records() []*record.Record { return f.records }
func (f *fakeFolder) Count() int                { return len(f.records) }
func (f *fakeFolder) TotalCount() int           { return max(f.total, len(f.records)) }

func (f *fakeFolder) HasChanges() bool {
	if len(f.removed) > 0 {
		return true
	}
	for _, r := range f.records {
		if r.IsModified() {
			return true
		}
	}
	return false
}

func (f *fakeFolder) Load(_ context.Context, opts data.LoadOptions) error {
	f.loads = append(f.loads, opts)
	return nil
}

func (f *fakeFolder) Search(_ context.Context, query string, opts data.LoadOptions) error {
	f.searches = append(f.searches, query)
	f.loads = append(f.loads, opts)
	return nil
}

func (f *fakeFolder) Save(context.Context) error {
	f.saved = true
	return nil
}

func (f *fakeFolder) Remove(records ...*record.Record) {
	for _, r := range records {
		for i, have := range f.records {
			if have == r {
				f.records = append(f.records[:i], f.records[i+1:]...)
				break
			}
		}
	}
	f.removed = append(f.removed, records...)
}

func (f *fakeFolder) RejectChanges() { f.rejected = true }

func mail(t *testing.T, values map[string]any) *record.Record {
	t.Helper()
	r, err := record.Decode(model.Mail, values)
	require.NoError(t, err)
	return r
}

func keyMsg(s string) tea.KeyMsg {
	if s == "enter" {
		return tea.KeyMsg{Type: tea.KeyEnter}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func newList(t *testing.T, f *fakeFolder) Model {
	t.Helper()
	m := New(f, keys.DefaultKeyMap(), 80, 24)
	m, _ = m.Update(LoadedMsg{})
	return m
}

func TestItemRendersRecordSummary(t *testing.T) {
	r := mail(t, map[string]any{
		"entryid": "A1", "subject": "Hi", "sender_name": "Ann", "message_flags": 0,
	})
	item := Item{Record: r}

	assert.Equal(t, "Hi", item.Title())
	assert.Equal(t, "Ann", item.Description())
	assert.True(t, item.Unread())
	assert.False(t, item.Dirty())

	empty := Item{Record: mail(t, map[string]any{"entryid": "A2"})}
	assert.Equal(t, "(no subject)", empty.Title())
	assert.False(t, empty.Unread(), "no flags loaded")
}

func TestListShowsFolderRecords(t *testing.T) {
	f := &fakeFolder{total: 120, records: []*record.Record{
		mail(t, map[string]any{"entryid": "A1", "subject": "one"}),
		mail(t, map[string]any{"entryid": "A2", "subject": "two"}),
	}}
	m := newList(t, f)

	assert.False(t, m.Loading())
	assert.Equal(t, "2 of 120", m.Summary())
	item, ok := m.SelectedItem()
	require.True(t, ok)
	assert.Equal(t, "A1", item.Record.ID())
}

func TestListTogglesReadAndFlag(t *testing.T) {
	r := mail(t, map[string]any{"entryid": "A1", "subject": "one", "message_flags": 0})
	f := &fakeFolder{records: []*record.Record{r}}
	m := newList(t, f)

	m, _ = m.Update(keyMsg("m"))
	assert.Equal(t, int64(FlagRead), r.GetInt("message_flags"))
	m, _ = m.Update(keyMsg("f"))
	assert.Equal(t, int64(FlagStatusSet), r.GetInt("flag_status"))
	assert.True(t, Item{Record: r}.Dirty())
	assert.Contains(t, m.Summary(), "unsaved changes")

	_, cmd := m.Update(keyMsg("s"))
	require.NotNil(t, cmd)
	msg := cmd()
	assert.Equal(t, SavedMsg{}, msg)
	assert.True(t, f.saved)
}

func TestListDeleteAndReject(t *testing.T) {
	r := mail(t, map[string]any{"entryid": "A1"})
	f := &fakeFolder{records: []*record.Record{r}}
	m := newList(t, f)

	m, _ = m.Update(keyMsg("d"))
	assert.Equal(t, []*record.Record{r}, f.removed)
	_, ok := m.SelectedItem()
	assert.False(t, ok)

	m.Update(keyMsg("u"))
	assert.True(t, f.rejected)
}

func TestListSelectEmitsSelectedMsg(t *testing.T) {
	r := mail(t, map[string]any{"entryid": "A1"})
	m := newList(t, &fakeFolder{records: []*record.Record{r}})

	_, cmd := m.Update(keyMsg("enter"))
	require.NotNil(t, cmd)
	assert.Equal(t, SelectedMsg{Record: r}, cmd())
}

func TestListNextPageOnlyWhenMoreRows(t *testing.T) {
	f := &fakeFolder{total: 3, records: []*record.Record{
		mail(t, map[string]any{"entryid": "A1"}),
		mail(t, map[string]any{"entryid": "A2"}),
	}}
	m := newList(t, f)

	cmd := m.NextPage()
	require.NotNil(t, cmd)
	assert.True(t, m.Loading())
	assert.Nil(t, m.NextPage(), "a page is already in flight")

	m, _ = m.Update(LoadedMsg{})
	f.total = 2
	assert.Nil(t, m.NextPage())
}

func TestListSearchRunsQuery(t *testing.T) {
	f := &fakeFolder{}
	m := newList(t, f)

	m, _ = m.Update(keyMsg("/"))
	assert.True(t, m.Searching())
	m, _ = m.Update(keyMsg("report"))
	m, cmd := m.Update(keyMsg("enter"))
	require.NotNil(t, cmd)
	assert.False(t, m.Searching())
	assert.Contains(t, m.Summary(), `matching "report"`)

	// Run the batched load directly; the spinner tick is not needed.
	require.NoError(t, m.folder.Search(context.Background(), m.query, m.firstPage()))
	assert.Equal(t, []string{"report"}, f.searches)
}
