package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/efebarandurmaz/lograg/internal/rag"
)

// Answerer is the part of the pipeline the chat session needs.
type Answerer interface {
	Answer(ctx context.Context, query, collection string, k int) (*rag.Answer, error)
}

// ChatConfig configures a chat session.
type ChatConfig struct {
	Collection   string
	K            int
	PreviewChars int
	Timeout      time.Duration // per question (default: 2m)
}

type answerMsg struct {
	query  string
	answer *rag.Answer
	err    error
}

// ChatModel is an interactive question loop over one collection.
type ChatModel struct {
	svc      Answerer
	cfg      ChatConfig
	styles   *Styles
	input    []rune
	history  []string
	pending  string
	width    int
	quitting bool
}

// NewChatModel creates a chat session.
func NewChatModel(svc Answerer, cfg ChatConfig) ChatModel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return ChatModel{svc: svc, cfg: cfg, styles: DefaultStyles()}
}

// Init implements tea.Model
func (m ChatModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model
func (m ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case answerMsg:
		m.pending = ""
		entry := m.styles.Prompt.Render("> ") + msg.query + "\n"
		if msg.err != nil {
			entry += RenderError(m.styles, msg.err)
		} else {
			entry += RenderAnswer(m.styles, msg.answer, m.cfg.PreviewChars)
		}
		m.history = append(m.history, entry)
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			query := strings.TrimSpace(string(m.input))
			if query == "" || m.pending != "" {
				return m, nil
			}
			m.input = nil
			m.pending = query
			return m, m.ask(query)
		case tea.KeyBackspace:
			if len(m.input) > 0 {
				m.input = m.input[:len(m.input)-1]
			}
		case tea.KeySpace:
			m.input = append(m.input, ' ')
		case tea.KeyRunes:
			m.input = append(m.input, msg.Runes...)
		}
	}
	return m, nil
}

func (m ChatModel) ask(query string) tea.Cmd {
	svc, cfg := m.svc, m.cfg
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		a, err := svc.Answer(ctx, query, cfg.Collection, cfg.K)
		return answerMsg{query: query, answer: a, err: err}
	}
}

// View implements tea.Model
func (m ChatModel) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(m.styles.Title.Render("lograg chat") + " " + m.styles.Subtitle.Render("collection "+m.cfg.Collection))
	b.WriteString("\n\n")
	for _, h := range m.history {
		b.WriteString(h)
		b.WriteString("\n")
	}
	if m.pending != "" {
		b.WriteString(m.styles.Help.Render(fmt.Sprintf("Analyzing logs for %q...", m.pending)))
		b.WriteString("\n")
	}
	b.WriteString(m.styles.Prompt.Render("> ") + string(m.input) + "█\n")
	b.WriteString(m.styles.Help.Render("enter: ask • esc/ctrl+c: quit"))
	return b.String()
}

// RunChat starts the interactive chat program.
func RunChat(svc Answerer, cfg ChatConfig) error {
	p := tea.NewProgram(NewChatModel(svc, cfg))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
