package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

type staticSource struct {
	runs map[string]int
	envs map[string]int
	err  error
}

func (s staticSource) QueueDepths(context.Context) (map[string]int, map[string]int, error) {
	return s.runs, s.envs, s.err
}

func TestQueueModelViewShowsDepths(t *testing.T) {
	m := NewQueueModel(staticSource{}, time.Second)
	updated, _ := m.Update(depthsMsg{
		runs: map[string]int{"queued": 3, "running": 1},
		envs: map[string]int{"ready": 2},
	})
	m = updated.(QueueModel)

	view := m.View()
	for _, want := range []string{"Runs", "Environments", "queued", "ready", "3", "2"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestQueueModelViewShowsError(t *testing.T) {
	m := NewQueueModel(staticSource{}, time.Second)
	updated, _ := m.Update(depthsMsg{err: errors.New("connection refused")})
	m = updated.(QueueModel)

	if !strings.Contains(m.View(), "connection refused") {
		t.Error("view missing query error")
	}
}

func TestQueueModelQuit(t *testing.T) {
	m := NewQueueModel(staticSource{}, time.Second)
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	m = updated.(QueueModel)

	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if m.View() != "" {
		t.Error("quitting model should render nothing")
	}
}

func TestQueueModelFetchDelivers(t *testing.T) {
	src := staticSource{
		runs: map[string]int{"failed": 5},
		envs: map[string]int{"building": 1},
	}
	m := NewQueueModel(src, time.Second)

	msg := m.fetch()()
	got, ok := msg.(depthsMsg)
	if !ok {
		t.Fatalf("fetch returned %T", msg)
	}
	if got.runs["failed"] != 5 || got.envs["building"] != 1 {
		t.Errorf("unexpected depths: %+v", got)
	}
}
