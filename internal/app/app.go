package app

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/groupware/internal/data"
	"github.com/nhle/groupware/internal/keys"
	"github.com/nhle/groupware/internal/record"
	appsync "github.com/nhle/groupware/internal/sync"
	"github.com/nhle/groupware/internal/theme"
	"github.com/nhle/groupware/internal/ui"
	"github.com/nhle/groupware/internal/ui/detail"
	helpview "github.com/nhle/groupware/internal/ui/help"
	"github.com/nhle/groupware/internal/ui/itemlist"
)

// storeEventMsg carries a store event into the Bubble Tea loop.
type storeEventMsg struct {
	event data.Event
}

// ViewState represents the current active view in the application.
type ViewState int

const (
	ViewList ViewState = iota
	ViewDetail
	ViewHelp
)

// Model is the root Bubble Tea model of the folder browser.
type Model struct {
	currentView      ViewState
	previousView     ViewState
	layout           ui.Layout
	folder           *data.Store
	poller           *appsync.Poller
	keys             *keys.KeyMap
	events           chan data.Event
	itemList         itemlist.Model
	detail           detail.Model
	helpView         helpview.Model
	ready            bool
	newItems         int
	errMessage       string
	authErrorMessage string
}

// New creates the browser for folder. Notifications reach the folder
// through the poller's dispatcher; the model only listens to the
// folder's events.
func New(folder *data.Store, p *appsync.Poller) Model {
	k := keys.DefaultKeyMap()
	events := make(chan data.Event, 64)
	folder.Subscribe(func(ev data.Event) {
		select {
		case events <- ev:
		default:
			// The list re-reads the whole folder on the next event.
		}
	})

	return Model{
		currentView: ViewList,
		folder:      folder,
		poller:      p,
		keys:        k,
		events:      events,
		itemList:    itemlist.New(folder, k, 80, 24),
		detail:      detail.New(k, 80, 24),
		helpView:    helpview.New(k, 80, 24),
	}
}

// Init returns the initial commands to load the folder and start polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.itemList.Init(),
		m.poller.Start(),
		m.waitForEvent(),
	)
}

// waitForEvent returns a tea.Cmd that waits for the next store event.
func (m Model) waitForEvent() tea.Cmd {
	events := m.events
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return storeEventMsg{event: ev}
	}
}

// Update handles messages and dispatches to the active view.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = ui.NewLayout(msg.Width, msg.Height)
		m.ready = true
		w, h := m.layout.ContentWidth(), m.layout.ContentHeight()
		m.itemList.SetSize(w, h)
		m.detail.SetSize(w, h)
		m.helpView.SetSize(w, h)
		return m, nil

	case appsync.SyncResultMsg:
		switch {
		case msg.AuthError != nil:
			m.authErrorMessage = msg.AuthError.Message
		case msg.Error == nil:
			m.authErrorMessage = ""
		}
		return m, m.poller.WaitForNextResult()

	case storeEventMsg:
		m.handleStoreEvent(msg.event)
		var cmd tea.Cmd
		m.itemList, cmd = m.itemList.Update(itemlist.RefreshMsg{})
		return m, tea.Batch(cmd, m.waitForEvent())

	case itemlist.LoadedMsg:
		if msg.Err != nil && !data.IsCanceled(msg.Err) {
			m.errMessage = "load failed: " + msg.Err.Error()
		}
		var cmd tea.Cmd
		m.itemList, cmd = m.itemList.Update(msg)
		return m, cmd

	case itemlist.SavedMsg:
		if msg.Err != nil {
			m.errMessage = "save failed: " + msg.Err.Error()
		} else {
			m.errMessage = ""
		}
		var cmd tea.Cmd
		m.itemList, cmd = m.itemList.Update(itemlist.RefreshMsg{})
		return m, cmd

	case itemlist.SelectedMsg:
		m.previousView = m.currentView
		m.currentView = ViewDetail
		m.detail.SetLoading(true)
		return m, m.openRecord(msg.Record)

	case detail.LoadedMsg:
		var cmd tea.Cmd
		m.detail, cmd = m.detail.Update(msg)
		return m, cmd

	case detail.BackMsg:
		m.currentView = ViewList
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.poller.Stop()
			return m, tea.Quit

		case "q":
			if m.currentView == ViewList && !m.itemList.Searching() {
				m.poller.Stop()
				return m, tea.Quit
			}

		case "?":
			if m.itemList.Searching() {
				break
			}
			if m.currentView == ViewHelp {
				m.currentView = m.previousView
				return m, nil
			}
			m.previousView = m.currentView
			m.currentView = ViewHelp
			return m, nil

		case "esc":
			if m.currentView == ViewHelp {
				m.currentView = m.previousView
				return m, nil
			}

		case "r":
			if m.currentView == ViewList && !m.itemList.Searching() {
				m.newItems = 0
				m.errMessage = ""
				m.poller.RefreshAll()
				cmd := m.itemList.Load()
				return m, cmd
			}
		}
	}

	return m.updateActiveView(msg)
}

// handleStoreEvent records what the status line should say about ev.
func (m *Model) handleStoreEvent(ev data.Event) {
	switch ev.Kind {
	case data.EventAdd:
		for _, r := range ev.Records {
			if !r.IsPhantom() {
				m.newItems++
			}
		}
	case data.EventException:
		m.errMessage = fmt.Sprintf("%s failed: %v", ev.Op, ev.Err)
	case data.EventLoad:
		if ev.Err != nil {
			m.errMessage = fmt.Sprintf("%d item(s) could not be read", countJoined(ev.Err))
		}
	case data.EventRemove:
		if cur := m.detail.Record(); cur != nil && m.currentView == ViewDetail && slices.Contains(ev.Records, cur) {
			m.currentView = ViewList
			m.errMessage = "the open item was deleted"
		}
	case data.EventClear:
		m.newItems = 0
	}
}

// openRecord fetches the full properties of r.
func (m Model) openRecord(r *record.Record) tea.Cmd {
	folder := m.folder
	return func() tea.Msg {
		err := folder.Open(context.Background(), r)
		return detail.LoadedMsg{Record: r, Err: err}
	}
}

// updateActiveView dispatches the message to the currently active view.
func (m Model) updateActiveView(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch m.currentView {
	case ViewList:
		m.itemList, cmd = m.itemList.Update(msg)
	case ViewDetail:
		m.detail, cmd = m.detail.Update(msg)
	}

	return m, cmd
}

// View renders the full terminal UI using the layout manager.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	title := m.folder.Name()
	if m.newItems > 0 {
		title = fmt.Sprintf("%s [%d new]", title, m.newItems)
	}
	header := m.layout.RenderHeader(title, m.syncStatus())
	statusBar := m.layout.RenderStatusBar(m.keyHints(), m.statusError())

	return m.layout.RenderWithFrame(header, m.renderContent(), statusBar)
}

// renderContent returns the rendered string for the current active view.
func (m Model) renderContent() string {
	switch m.currentView {
	case ViewDetail:
		return m.detail.View()
	case ViewHelp:
		return m.helpView.View()
	default:
		return m.itemList.View()
	}
}

// syncStatus returns a short string describing the combined poll state.
func (m Model) syncStatus() string {
	statuses := m.poller.GetStatuses()
	if len(statuses) == 0 {
		return "no sources"
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].SourceType < statuses[j].SourceType
	})

	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		parts = append(parts, theme.SyncStateStyle(s.State.String()).
			Render(fmt.Sprintf("%s:%s", s.SourceType, s.State)))
	}
	return strings.Join(parts, " ")
}

// statusError returns the message that replaces the key hints, if any.
func (m Model) statusError() string {
	if m.authErrorMessage != "" {
		return m.authErrorMessage
	}
	return m.errMessage
}

// keyHints returns keyboard shortcut hints for the status bar.
func (m Model) keyHints() string {
	switch m.currentView {
	case ViewHelp:
		return "? close help | esc back"
	case ViewDetail:
		return "esc back | j/k scroll"
	default:
		if m.itemList.Searching() {
			return "enter search | esc cancel"
		}
		return "q quit | ? help | / search | m read | f flag | d delete | s save | u undo"
	}
}

// countJoined counts the errors joined into err.
func countJoined(err error) int {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	if err != nil {
		return 1
	}
	return 0
}
