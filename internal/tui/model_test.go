package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Rorqualx/pagepilot/internal/scripts"
	"github.com/Rorqualx/pagepilot/internal/types"
)

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	model, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return model
}

func TestEventsTrackAttempts(t *testing.T) {
	m := New("https://chatgpt.com/codex")
	m = update(t, m, EventMsg{Script: "visibility", Kind: scripts.EventAttempt, Attempt: 1, Time: time.Now()})
	m = update(t, m, EventMsg{Script: "visibility", Kind: scripts.EventAttempt, Attempt: 3, Time: time.Now()})
	m = update(t, m, EventMsg{Script: "redirect", Kind: scripts.EventObserve, Time: time.Now()})

	if got := m.order; len(got) != 2 || got[0] != "visibility" || got[1] != "redirect" {
		t.Fatalf("order = %v", got)
	}
	if got := m.state["visibility"].attempts; got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if got := m.state["redirect"].last; got != scripts.EventObserve {
		t.Errorf("last = %q", got)
	}
	if m.Done() {
		t.Error("Done before DoneMsg")
	}
}

func TestEventLogIsBounded(t *testing.T) {
	m := New("x")
	for i := 0; i < maxEvents+50; i++ {
		m = update(t, m, EventMsg{Script: "visibility", Kind: scripts.EventAttempt, Attempt: i + 1})
	}
	if len(m.events) != maxEvents {
		t.Fatalf("events = %d, want %d", len(m.events), maxEvents)
	}
	if got := m.events[len(m.events)-1].Attempt; got != maxEvents+50 {
		t.Errorf("last attempt = %d", got)
	}
}

func TestAlertShownInView(t *testing.T) {
	m := New("x")
	m = update(t, m, EventMsg{Script: "visibility", Kind: scripts.EventAlert, Detail: "公開範囲を「あなたのみ」に変更しました"})

	if !strings.Contains(m.View(), "あなたのみ") {
		t.Errorf("view missing alert:\n%s", m.View())
	}
}

func TestDoneMsgAppliesOutcomes(t *testing.T) {
	m := New("https://chatgpt.com/codex")
	m = update(t, m, EventMsg{Script: "visibility", Kind: scripts.EventAttempt, Attempt: 1})
	m = update(t, m, DoneMsg{Result: &types.Result{
		URL: "https://chatgpt.com/codex",
		Outcomes: []scripts.Outcome{
			{Script: "visibility", Status: scripts.StatusApplied, Attempts: 2, From: "チーム", To: "あなたのみ"},
			{Script: "redirect", Status: scripts.StatusInactive},
		},
	}})

	if !m.Done() || m.Err() != nil {
		t.Fatalf("Done=%v Err=%v", m.Done(), m.Err())
	}
	if m.Result() == nil {
		t.Fatal("Result is nil")
	}
	if got := m.state["visibility"].attempts; got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}

	view := m.View()
	for _, want := range []string{"applied", "inactive", "チーム -> あなたのみ", "finished in"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestDoneMsgWithError(t *testing.T) {
	m := update(t, New("x"), DoneMsg{Err: errors.New("navigation failed")})
	if !strings.Contains(m.View(), "run failed: navigation failed") {
		t.Errorf("view:\n%s", m.View())
	}
}

func TestQuitKeys(t *testing.T) {
	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyCtrlC},
		{Type: tea.KeyEsc},
	} {
		_, cmd := New("x").Update(key)
		if cmd == nil {
			t.Fatalf("%q: no command", key.String())
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Errorf("%q: command is not quit", key.String())
		}
	}

	_, cmd := New("x").Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	if cmd != nil {
		t.Error("other keys should not produce a command")
	}
}

func TestLogLinesFollowHeight(t *testing.T) {
	m := update(t, New("x"), tea.WindowSizeMsg{Width: 80, Height: 10})
	m = update(t, m, EventMsg{Script: "redirect", Kind: scripts.EventObserve})
	if got := m.logLines(); got != 3 {
		t.Errorf("logLines = %d, want 3", got)
	}

	m = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 2})
	if got := m.logLines(); got != 0 {
		t.Errorf("logLines = %d, want 0", got)
	}
}
