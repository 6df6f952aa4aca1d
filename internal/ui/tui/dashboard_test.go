package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/vtmon/vtmon/internal/vthook"
)

type fakeSource struct{}

func (fakeSource) Hooks() []*vthook.Hook { return nil }

func TestModelQuitsOnQ(t *testing.T) {
	m := New(fakeSource{}, "test-session")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected a command after pressing q")
	}
	// tea.Quit returns a tea.QuitMsg-producing Cmd; invoking it should
	// yield tea.QuitMsg without needing a running program.
	msg := cmd()
	if _, ok := msg.(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg, got %T", msg)
	}
}

func TestViewRendersHeaderAndFooter(t *testing.T) {
	m := New(fakeSource{}, "abc-123")
	out := m.View()
	if out == "" {
		t.Fatal("expected non-empty view")
	}
	if !strings.Contains(out, "abc-123") {
		t.Errorf("expected header with session id, got %q", out)
	}
	if !strings.Contains(out, "q to quit") {
		t.Errorf("expected footer, got %q", out)
	}
}
