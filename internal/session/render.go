package session

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/lipgloss"
	"github.com/codefionn/sshllm/internal/consts"
	"github.com/muesli/reflow/wordwrap"
	"github.com/muesli/termenv"
)

// ProfileForTerm picks a color profile from the TERM value of a pty request.
// Sessions without a pty get plain text.
func ProfileForTerm(term string) termenv.Profile {
	term = strings.ToLower(term)
	switch {
	case term == "" || term == "dumb":
		return termenv.Ascii
	case strings.Contains(term, "truecolor") || strings.Contains(term, "24bit") || strings.Contains(term, "direct"):
		return termenv.TrueColor
	case strings.Contains(term, "256color"):
		return termenv.ANSI256
	default:
		return termenv.ANSI
	}
}

// Styles renders everything the session writes besides model output.
type Styles struct {
	renderer *lipgloss.Renderer

	user      lipgloss.Style
	assistant lipgloss.Style
	banner    lipgloss.Style
	notice    lipgloss.Style
	warning   lipgloss.Style
	failure   lipgloss.Style
	spinner   lipgloss.Style

	frames spinner.Spinner
}

// NewStyles binds styles to w with a fixed color profile. A session's
// writer is not a local tty, so the profile is never auto-detected.
func NewStyles(w io.Writer, profile termenv.Profile) *Styles {
	r := lipgloss.NewRenderer(w, termenv.WithProfile(profile))
	r.SetColorProfile(profile)

	// Terminals without color are assumed to lack the braille glyphs too.
	frames := spinner.Dot
	if profile == termenv.Ascii {
		frames = spinner.Line
	}

	return &Styles{
		frames:    frames,
		renderer:  r,
		user:      r.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		assistant: r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		banner: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 2),
		notice:  r.NewStyle().Foreground(lipgloss.Color("8")),
		warning: r.NewStyle().Foreground(lipgloss.Color("11")),
		failure: r.NewStyle().Foreground(lipgloss.Color("9")),
		spinner: r.NewStyle().Foreground(lipgloss.Color("13")),
	}
}

// UserPrompt is the line editor prompt.
func (s *Styles) UserPrompt() string {
	return s.user.Render("You:") + " "
}

// AssistantPrefix precedes streamed model output.
func (s *Styles) AssistantPrefix() string {
	return s.assistant.Render("AI:") + " "
}

// Banner renders the box shown when the shell starts.
func (s *Styles) Banner(model string, width int) string {
	lines := []string{"sshllm", "chatting with " + model, "type /help for commands"}
	box := s.banner.Render(strings.Join(lines, "\n"))
	if lipgloss.Width(box) > width {
		return strings.Join(lines, "\n")
	}
	return box
}

// Notice renders local feedback such as command replies.
func (s *Styles) Notice(text string, width int) string {
	return s.notice.Render(wrap(text, width))
}

// Warning renders a non-fatal problem the session continues after.
func (s *Styles) Warning(text string, width int) string {
	return s.warning.Render(wrap("Warning: "+text, width))
}

// Error renders a failed request.
func (s *Styles) Error(text string, width int) string {
	return s.failure.Render(wrap("Error: "+text, width))
}

// Frames is the spinner animation suited to the terminal.
func (s *Styles) Frames() spinner.Spinner {
	return s.frames
}

// Spinner styles indicator frames.
func (s *Styles) Spinner(frame string) string {
	return s.spinner.Render(frame)
}

func wrap(text string, width int) string {
	if width <= 0 {
		width = consts.DefaultTerminalWidth
	}
	return wordwrap.String(text, width)
}

func writeLine(w io.Writer, text string) {
	fmt.Fprint(w, text+"\n")
}
