package login

import (
	"fmt"
	"net/url"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/groupware/internal/theme"
)

// Credentials is what the user entered.
type Credentials struct {
	URL      string
	Username string
	Password string

	// IMAPHost is optional; an empty value leaves the IMAP watcher off.
	IMAPHost string
	Remember bool
}

// Model is a standalone sign-in form run before the browser starts.
type Model struct {
	form     *huh.Form
	creds    Credentials
	width    int
	canceled bool
}

// New creates the form prefilled with known settings.
func New(prefill Credentials, width int) *Model {
	m := &Model{creds: prefill, width: width}
	m.creds.Remember = true
	m.form = m.buildForm()
	return m
}

func (m *Model) buildForm() *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Server URL").
				Description("JSON endpoint of the groupware backend").
				Placeholder("https://mail.example.com/webapp/").
				Value(&m.creds.URL).
				Validate(ValidateURL),
			huh.NewInput().
				Title("Username").
				Value(&m.creds.Username).
				Validate(validateRequired("Username")),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&m.creds.Password).
				Validate(validateRequired("Password")),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("IMAP host").
				Description("Optional. Watches the inbox over IMAP IDLE").
				Placeholder("imap.example.com").
				Value(&m.creds.IMAPHost),
			huh.NewConfirm().
				Title("Remember password in the system keyring?").
				Value(&m.creds.Remember),
		),
	).WithWidth(m.formWidth())
}

func (m *Model) formWidth() int {
	if m.width <= 0 {
		return 60
	}
	return min(m.width-4, 80)
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return m.form.Init()
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.form = m.form.WithWidth(m.formWidth())
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.canceled = true
			return m, tea.Quit
		}
	}

	mdl, cmd := m.form.Update(msg)
	if f, ok := mdl.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateCompleted:
		return m, tea.Quit
	case huh.StateAborted:
		m.canceled = true
		return m, tea.Quit
	}
	return m, cmd
}

// View implements tea.Model.
func (m *Model) View() string {
	title := theme.HeaderStyle.Render("Sign in")
	return lipgloss.JoinVertical(lipgloss.Left, title, "", m.form.View())
}

// Result returns the entered credentials once the form was completed.
func (m *Model) Result() (Credentials, bool) {
	if m.canceled || m.form.State != huh.StateCompleted {
		return Credentials{}, false
	}
	c := m.creds
	c.URL = strings.TrimSpace(c.URL)
	c.Username = strings.TrimSpace(c.Username)
	c.IMAPHost = strings.TrimSpace(c.IMAPHost)
	return c, true
}

func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}

// ValidateURL accepts absolute http and https URLs.
func ValidateURL(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("URL must start with http:// or https://")
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must include a host (e.g., https://example.com)")
	}
	return nil
}
