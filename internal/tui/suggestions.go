package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/relay/internal/models"
)

// maxSuggestions is how many rows the dropdown shows.
const maxSuggestions = 5

// SuggestionItem is one completion candidate.
type SuggestionItem struct {
	Text        string
	Description string
}

var commandSuggestions = []SuggestionItem{
	{Text: "/start", Description: "start a session: /start [@agent] <prompt>"},
	{Text: "/resume", Description: "resume a session: /resume <session> <prompt>"},
	{Text: "/stop", Description: "stop the selected run, or /stop <run>"},
	{Text: "/filter", Description: "filter runs by status, or /filter all"},
	{Text: "/quit", Description: "leave the dashboard"},
}

// Suggestions completes the first word of the command bar: "/" offers
// commands and "@" offers sessions to resume. It hides once the word is
// followed by a space.
type Suggestions struct {
	sessions []SuggestionItem
	matches  []SuggestionItem
	cursor   int
	trigger  byte
	input    string
}

// NewSuggestions creates an empty completer.
func NewSuggestions() *Suggestions {
	return &Suggestions{}
}

// SetSessions replaces the "@" candidates.
func (s *Suggestions) SetSessions(sessions []models.Session) {
	s.sessions = s.sessions[:0]
	for _, sess := range sessions {
		desc := string(sess.Status)
		if sess.AgentName != "" {
			desc += " · " + sess.AgentName
		}
		s.sessions = append(s.sessions, SuggestionItem{Text: "@" + sess.ID, Description: desc})
	}
	s.recompute(s.input)
}

// Update recomputes the matches for the command-bar contents. The cursor
// survives while the input is unchanged.
func (s *Suggestions) Update(input string) {
	if input == s.input && s.trigger != 0 {
		return
	}
	s.recompute(input)
}

func (s *Suggestions) recompute(input string) {
	cursor := s.cursor
	sameInput := input == s.input

	s.input = input
	s.trigger = 0
	s.matches = nil
	s.cursor = 0
	if input == "" || strings.ContainsRune(input, ' ') {
		return
	}

	var candidates []SuggestionItem
	switch input[0] {
	case '/':
		candidates = commandSuggestions
	case '@':
		candidates = s.sessions
	default:
		return
	}

	query := strings.ToLower(input[1:])
	for _, c := range candidates {
		if strings.HasPrefix(strings.ToLower(c.Text[1:]), query) {
			s.matches = append(s.matches, c)
		}
	}
	if len(s.matches) == 0 {
		return
	}
	s.trigger = input[0]
	if sameInput && cursor < len(s.matches) {
		s.cursor = cursor
	}
}

// Next moves the cursor down, wrapping around.
func (s *Suggestions) Next() {
	if n := len(s.matches); n > 0 {
		s.cursor = (s.cursor + 1) % n
	}
}

// Prev moves the cursor up, wrapping around.
func (s *Suggestions) Prev() {
	if n := len(s.matches); n > 0 {
		s.cursor = (s.cursor - 1 + n) % n
	}
}

// Selected returns the highlighted candidate, or nil when hidden.
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.IsVisible() {
		return nil
	}
	return &s.matches[s.cursor]
}

// IsVisible reports whether the dropdown has anything to show.
func (s *Suggestions) IsVisible() bool {
	return s.trigger != 0 && len(s.matches) > 0
}

// Render draws the dropdown at the given width.
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	title := "Commands"
	if s.trigger == '@' {
		title = "Resume session"
	}

	// Keep the cursor inside the visible slice.
	start := 0
	if s.cursor >= maxSuggestions {
		start = s.cursor - maxSuggestions + 1
	}
	end := min(start+maxSuggestions, len(s.matches))

	rows := []string{lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Render(title)}
	for i := start; i < end; i++ {
		item := s.matches[i]
		if i == s.cursor {
			rows = append(rows, lipgloss.NewStyle().Background(primaryColor).Foreground(fgColor).Bold(true).
				Render(fmt.Sprintf("▶ %-12s %s", item.Text, item.Description)))
			continue
		}
		rows = append(rows, "  "+lipgloss.NewStyle().Foreground(fgColor).Render(fmt.Sprintf("%-12s", item.Text))+
			" "+helpStyle.Render(item.Description))
	}
	if rest := len(s.matches) - end; rest > 0 {
		rows = append(rows, helpStyle.Render(fmt.Sprintf("  ... %d more", rest)))
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(secondaryColor).
		Padding(0, 1).
		Width(max(width-4, 20)).
		Render(strings.Join(rows, "\n"))
}
