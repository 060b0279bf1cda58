package detail

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/groupware/internal/keys"
	"github.com/nhle/groupware/internal/record"
	"github.com/nhle/groupware/internal/theme"
)

// BackMsg signals the parent to navigate back to the list view.
type BackMsg struct{}

// LoadedMsg carries an item after its full properties have been opened.
type LoadedMsg struct {
	Record *record.Record
	Err    error
}

// headerFields are shown above the body, in order, when present.
var headerFields = []struct{ label, field string }{
	{"From", "sender_name"},
	{"To", "display_to"},
	{"Cc", "display_cc"},
	{"Email", "email_address"},
	{"Company", "company_name"},
	{"Location", "location"},
}

// Model is the item view component.
type Model struct {
	record   *record.Record
	err      error
	viewport viewport.Model
	keys     *keys.KeyMap
	width    int
	height   int
	loading  bool
}

// New creates a new detail view model.
func New(keys *keys.KeyMap, width, height int) Model {
	vp := viewport.New(width, height-2)
	vp.Style = lipgloss.NewStyle()

	return Model{
		viewport: vp,
		keys:     keys,
		width:    width,
		height:   height,
	}
}

// Update handles messages for the detail view.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case LoadedMsg:
		m.err = msg.Err
		m.SetRecord(msg.Record)
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Back) {
			return m, func() tea.Msg {
				return BackMsg{}
			}
		}
	}

	// Delegate to viewport for scrolling (j/k, up/down, pgup/pgdn)
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the detail view.
func (m Model) View() string {
	placeholder := lipgloss.NewStyle().
		Width(m.width).
		Height(m.height).
		Align(lipgloss.Center, lipgloss.Center).
		Foreground(theme.ColorGray)

	switch {
	case m.loading:
		return placeholder.Render("Opening item...")
	case m.record == nil:
		return placeholder.Render("No item selected")
	}
	return m.viewport.View()
}

// renderContent builds the full content string for the viewport.
func (m Model) renderContent() string {
	r := m.record
	if r == nil {
		return ""
	}
	var sections []string

	title := r.GetString("subject")
	if title == "" {
		title = r.GetString("display_name")
	}
	sections = append(sections,
		lipgloss.NewStyle().Bold(true).Foreground(theme.ColorWhite).Render(title))

	badges := []string{theme.DimmedStyle.Render(r.GetString("message_class"))}
	if r.GetInt("flag_status") != 0 {
		badges = append(badges, theme.FlagStyle(r.GetInt("flag_status")).Render("⚑ flagged"))
	}
	if r.IsModified() {
		badges = append(badges, theme.DirtyStyle.Render("modified"))
	}
	sections = append(sections, strings.Join(badges, "  "), "")

	labelStyle := lipgloss.NewStyle().Foreground(theme.ColorGray).Width(10)
	valStyle := lipgloss.NewStyle().Foreground(theme.ColorWhite)
	for _, h := range headerFields {
		if v := r.GetString(h.field); v != "" {
			sections = append(sections, labelStyle.Render(h.label+":")+valStyle.Render(v))
		}
	}
	if t := r.GetTime("message_delivery_time"); !t.IsZero() {
		sections = append(sections, labelStyle.Render("Date:")+valStyle.Render(t.Local().Format("2006-01-02 15:04")))
	}
	if n := r.GetInt("attachment_count"); n > 0 {
		sections = append(sections, labelStyle.Render("Files:")+valStyle.Render(fmt.Sprintf("%d attachment(s)", n)))
	}

	if m.err != nil {
		sections = append(sections, "",
			lipgloss.NewStyle().Foreground(theme.ColorRed).Render("Could not open item: "+m.err.Error()))
	}

	separator := lipgloss.NewStyle().
		Foreground(theme.ColorSubtle).
		Render(strings.Repeat("─", max(min(m.width-4, 80), 0)))
	sections = append(sections, "", separator, "")

	if members := r.SubStore("members"); members != nil {
		sections = append(sections, renderMembers(members.Records())...)
		return lipgloss.JoinVertical(lipgloss.Left, sections...)
	}

	body := r.GetString("body")
	if body == "" {
		body = lipgloss.NewStyle().
			Foreground(theme.ColorGray).
			Italic(true).
			Render("No body")
	}
	sections = append(sections, body)

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderMembers(members []*record.Record) []string {
	out := []string{
		lipgloss.NewStyle().Bold(true).Render(fmt.Sprintf("Members (%d)", len(members))),
	}
	for _, mem := range members {
		out = append(out, fmt.Sprintf("  %s  %s",
			mem.GetString("display_name"),
			theme.DimmedStyle.Render(mem.GetString("email_address"))))
	}
	return out
}

// SetRecord updates the item being displayed and re-renders the content.
func (m *Model) SetRecord(r *record.Record) {
	m.record = r
	m.loading = false
	m.viewport.SetContent(m.renderContent())
	m.viewport.GotoTop()
}

// Record returns the item being displayed.
func (m Model) Record() *record.Record { return m.record }

// SetLoading sets the loading state.
func (m *Model) SetLoading(loading bool) {
	m.loading = loading
}

// SetSize updates the detail view dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.viewport.Width = width
	m.viewport.Height = height - 2
	if m.record != nil {
		m.viewport.SetContent(m.renderContent())
	}
}
