package itemlist

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/groupware/internal/record"
	"github.com/nhle/groupware/internal/theme"
)

// Read and flag values of the message_flags and flag_status properties.
const (
	FlagRead       = 0x1
	FlagStatusNone = 0
	FlagStatusSet  = 2
)

// Item wraps a record so it can be used in a bubbles/list.
type Item struct {
	Record *record.Record
}

// FilterValue returns the string used for fuzzy filtering.
func (i Item) FilterValue() string { return i.Title() }

// Title returns the subject, or the display name of contacts and lists.
func (i Item) Title() string {
	for _, field := range []string{"subject", "display_name", "fileas"} {
		if s := i.Record.GetString(field); s != "" {
			return s
		}
	}
	return "(no subject)"
}

// Description returns the sender and age of the item.
func (i Item) Description() string {
	who := i.Record.GetString("sender_name")
	if who == "" {
		who = i.Record.GetString("email_address")
	}
	when := relativeTime(i.Time())
	switch {
	case who == "":
		return when
	case when == "":
		return who
	}
	return who + " | " + when
}

// Time returns the delivery time, falling back to the last modification.
func (i Item) Time() time.Time {
	if t := i.Record.GetTime("message_delivery_time"); !t.IsZero() {
		return t
	}
	return i.Record.GetTime("last_modification_time")
}

// Unread reports whether the item carries message flags without the
// read bit.
func (i Item) Unread() bool {
	return i.Record.Has("message_flags") && i.Record.GetInt("message_flags")&FlagRead == 0
}

// Dirty reports whether the item has changes not yet saved.
func (i Item) Dirty() bool {
	return i.Record.IsPhantom() || i.Record.IsModified()
}

// ItemDelegate implements list.ItemDelegate for rendering records.
type ItemDelegate struct{}

// Height returns the number of lines each item takes.
func (d ItemDelegate) Height() int { return 1 }

// Spacing returns the number of blank lines between items.
func (d ItemDelegate) Spacing() int { return 0 }

// Update handles per-item messages (unused for now).
func (d ItemDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd {
	return nil
}

// Render draws a single row: change marker, flag, title and age.
func (d ItemDelegate) Render(w io.Writer, m list.Model, index int, li list.Item) {
	item, ok := li.(Item)
	if !ok {
		return
	}

	dirty := " "
	if item.Dirty() {
		dirty = theme.DirtyStyle.Render("*")
	}
	flag := theme.FlagStyle(item.Record.GetInt("flag_status")).Render("⚑")

	title := item.Title()
	if item.Unread() {
		title = theme.UnreadStyle.Render(title)
	}
	if imp := item.Record.GetInt("importance"); imp != 1 && item.Record.Has("importance") {
		title = theme.ImportanceStyle(imp).Render("!") + " " + title
	}

	line := fmt.Sprintf(
		"%s %s %s  %s",
		dirty, flag, title, theme.DimmedStyle.Render(item.Description()),
	)

	if index == m.Index() {
		line = theme.SelectedItemStyle.Render(line)
	} else {
		line = theme.ListItemStyle.Render(line)
	}

	fmt.Fprint(w, lipgloss.NewStyle().MaxWidth(m.Width()).Render(line))
}

// relativeTime returns a human-friendly relative time string.
func relativeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}
