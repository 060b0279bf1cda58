package itemlist

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/groupware/internal/data"
	"github.com/nhle/groupware/internal/keys"
	"github.com/nhle/groupware/internal/record"
	"github.com/nhle/groupware/internal/theme"
)

// DefaultPageSize is the number of rows requested per load.
const DefaultPageSize = 50

// Folder is the part of data.Store the list view drives.
type Folder interface {
	Name() string
	Records() []*record.Record
	Count() int
	TotalCount() int
	HasChanges() bool
	Load(ctx context.Context, opts data.LoadOptions) error
	Search(ctx context.Context, query string, opts data.LoadOptions) error
	Save(ctx context.Context) error
	Remove(records ...*record.Record)
	RejectChanges()
}

// LoadedMsg is sent when a load or search request has finished.
type LoadedMsg struct {
	Err error
}

// SavedMsg is sent when pending changes have been written.
type SavedMsg struct {
	Err error
}

// SelectedMsg is sent when the user opens an item.
type SelectedMsg struct {
	Record *record.Record
}

// RefreshMsg asks the list to re-read the folder's records, typically
// after a store event.
type RefreshMsg struct{}

// Model is the item list of one folder.
type Model struct {
	list        list.Model
	folder      Folder
	keys        *keys.KeyMap
	spinner     spinner.Model
	searchMode  bool
	searchInput textinput.Model
	query       string
	loading     bool
	pageSize    int
	width       int
	height      int
}

// New creates a list view over folder.
func New(folder Folder, k *keys.KeyMap, width, height int) Model {
	l := list.New([]list.Item{}, ItemDelegate{}, width, height-2)
	l.Title = folder.Name()
	l.SetShowStatusBar(false)
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)
	l.Styles.Title = theme.HeaderStyle

	si := textinput.New()
	si.Placeholder = "search..."
	si.Prompt = "/ "
	si.Width = width - 4

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.ColorBlue)

	return Model{
		list:        l,
		folder:      folder,
		keys:        k,
		spinner:     sp,
		searchInput: si,
		pageSize:    DefaultPageSize,
		loading:     true,
		width:       width,
		height:      height,
	}
}

// Init returns a command that loads the first page.
func (m Model) Init() tea.Cmd {
	return m.fetch(m.firstPage())
}

// Update handles messages for the list view.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case LoadedMsg:
		m.loading = false
		m.Refresh()
		return m, nil

	case RefreshMsg:
		m.Refresh()
		return m, nil

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if m.searchMode {
			return m.handleSearchKeys(msg)
		}
		return m.handleNormalKeys(msg)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// handleSearchKeys processes key input while in search mode.
func (m Model) handleSearchKeys(msg tea.KeyMsg) (Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		m.searchMode = false
		m.query = m.searchInput.Value()
		cmd := m.Load()
		return m, cmd

	case "esc":
		m.searchMode = false
		m.searchInput.Reset()
		if m.query == "" {
			return m, nil
		}
		m.query = ""
		cmd := m.Load()
		return m, cmd
	}

	var cmd tea.Cmd
	m.searchInput, cmd = m.searchInput.Update(msg)
	return m, cmd
}

// handleNormalKeys processes key input in normal (non-search) mode.
func (m Model) handleNormalKeys(msg tea.KeyMsg) (Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Select):
		item, ok := m.SelectedItem()
		if !ok {
			return m, nil
		}
		return m, func() tea.Msg {
			return SelectedMsg{Record: item.Record}
		}

	case key.Matches(msg, m.keys.Search):
		m.searchMode = true
		m.searchInput.SetValue(m.query)
		return m, m.searchInput.Focus()

	case key.Matches(msg, m.keys.NextPage):
		cmd := m.NextPage()
		return m, cmd

	case key.Matches(msg, m.keys.ToggleRead):
		if item, ok := m.SelectedItem(); ok {
			_ = item.Record.Set("message_flags", item.Record.GetInt("message_flags")^FlagRead)
			m.Refresh()
		}
		return m, nil

	case key.Matches(msg, m.keys.ToggleFlag):
		if item, ok := m.SelectedItem(); ok {
			status := int64(FlagStatusSet)
			if item.Record.GetInt("flag_status") == FlagStatusSet {
				status = FlagStatusNone
			}
			_ = item.Record.Set("flag_status", status)
			m.Refresh()
		}
		return m, nil

	case key.Matches(msg, m.keys.Delete):
		if item, ok := m.SelectedItem(); ok {
			m.folder.Remove(item.Record)
			m.Refresh()
		}
		return m, nil

	case key.Matches(msg, m.keys.Reject):
		m.folder.RejectChanges()
		m.Refresh()
		return m, nil

	case key.Matches(msg, m.keys.Save):
		return m, m.Save()
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// Refresh rebuilds the rows from the folder, keeping the cursor in range.
func (m *Model) Refresh() {
	records := m.folder.Records()
	items := make([]list.Item, len(records))
	for i, r := range records {
		items[i] = Item{Record: r}
	}
	idx := m.list.Index()
	m.list.SetItems(items)
	if idx >= len(items) {
		idx = len(items) - 1
	}
	if idx >= 0 {
		m.list.Select(idx)
	}
}

// SelectedItem returns the focused row.
func (m Model) SelectedItem() (Item, bool) {
	item, ok := m.list.SelectedItem().(Item)
	return item, ok
}

// Load requests the first page, or the search results when a query is set.
func (m *Model) Load() tea.Cmd {
	m.loading = true
	return m.fetch(m.firstPage())
}

func (m Model) firstPage() data.LoadOptions {
	return data.LoadOptions{
		Limit: m.pageSize,
		Sort:  []data.SortField{{Field: "message_delivery_time", Descending: true}},
	}
}

// NextPage appends the next page when the backend reported more rows.
func (m *Model) NextPage() tea.Cmd {
	if m.loading || m.folder.Count() >= m.folder.TotalCount() {
		return nil
	}
	opts := data.LoadOptions{
		Mode:  data.LoadAdd,
		Start: m.folder.Count(),
		Limit: m.pageSize,
		Sort:  []data.SortField{{Field: "message_delivery_time", Descending: true}},
	}
	m.loading = true
	return m.fetch(opts)
}

// fetch returns the request command. Callers set the loading state.
func (m Model) fetch(opts data.LoadOptions) tea.Cmd {
	folder := m.folder
	query := m.query
	load := func() tea.Msg {
		var err error
		if query != "" {
			err = folder.Search(context.Background(), query, opts)
		} else {
			err = folder.Load(context.Background(), opts)
		}
		return LoadedMsg{Err: err}
	}
	return tea.Batch(m.spinner.Tick, load)
}

// Save returns a command writing every pending change.
func (m Model) Save() tea.Cmd {
	if !m.folder.HasChanges() {
		return nil
	}
	folder := m.folder
	return func() tea.Msg {
		return SavedMsg{Err: folder.Save(context.Background())}
	}
}

// Loading reports whether a request is in flight.
func (m Model) Loading() bool { return m.loading }

// Searching reports whether the search input has focus.
func (m Model) Searching() bool { return m.searchMode }

// Summary describes the loaded range, for example "50 of 120".
func (m Model) Summary() string {
	s := fmt.Sprintf("%d of %d", m.folder.Count(), m.folder.TotalCount())
	if m.query != "" {
		s += fmt.Sprintf(" matching %q", m.query)
	}
	if m.folder.HasChanges() {
		s += " | unsaved changes"
	}
	return s
}

// View renders the list view.
func (m Model) View() string {
	var top string
	switch {
	case m.searchMode:
		top = lipgloss.NewStyle().Padding(0, 1).Render(m.searchInput.View())
	case m.loading:
		top = lipgloss.NewStyle().Padding(0, 1).Render(m.spinner.View() + " loading")
	default:
		top = theme.DimmedStyle.Padding(0, 1).Render(m.Summary())
	}

	if len(m.list.Items()) == 0 && !m.loading {
		empty := lipgloss.NewStyle().
			Width(m.width).
			Height(m.height-1).
			Align(lipgloss.Center, lipgloss.Center).
			Foreground(theme.ColorGray).
			Render("This folder is empty.")
		return lipgloss.JoinVertical(lipgloss.Left, top, empty)
	}

	return lipgloss.JoinVertical(lipgloss.Left, top, m.list.View())
}

// SetSize updates the list dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.list.SetSize(width, height-1)
	m.searchInput.Width = width - 4
}
