package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/aegis/internal/approval"
)

func newTestQueue(t *testing.T) *approval.Queue {
	t.Helper()
	q, err := approval.NewQueue(approval.Config{PersistPath: t.TempDir() + "/approvals.json"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(q.Close)
	return q
}

func TestViewListsPendingRequests(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.Submit("network_write", "POST api.example.com", nil, time.Minute); err != nil {
		t.Fatal(err)
	}

	m := NewApprovalsModel(q, "tester")
	model, _ := m.Update(refreshMsg(q.Pending()))
	view := model.View()

	if !strings.Contains(view, "POST api.example.com") {
		t.Errorf("view should list the pending request:\n%s", view)
	}
	if !strings.Contains(view, "a approve") {
		t.Errorf("view should show key help:\n%s", view)
	}
}

func TestViewEmptyQueue(t *testing.T) {
	m := NewApprovalsModel(newTestQueue(t), "tester")
	view := m.View()
	if !strings.Contains(view, "Nothing waiting") {
		t.Errorf("empty queue view:\n%s", view)
	}
}

func TestApproveKeyDecidesSelected(t *testing.T) {
	q := newTestQueue(t)
	id, err := q.Submit("file_write", "touch config", nil, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	m := NewApprovalsModel(q, "tester")
	model, _ := m.Update(refreshMsg(q.Pending()))
	model, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'a'}})

	req, err := q.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != approval.StatusApproved {
		t.Errorf("request status = %s, want APPROVED", req.Status)
	}
	if req.DecidedBy != "tester" {
		t.Errorf("decided_by = %q, want tester", req.DecidedBy)
	}
	view := model.View()
	if !strings.Contains(view, "approved") {
		t.Errorf("view should confirm the decision:\n%s", view)
	}
}

func TestDenyKey(t *testing.T) {
	q := newTestQueue(t)
	id, err := q.Submit("file_write", "rm everything", nil, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	m := NewApprovalsModel(q, "tester")
	model, _ := m.Update(refreshMsg(q.Pending()))
	_, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'d'}})

	req, err := q.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != approval.StatusDenied {
		t.Errorf("request status = %s, want DENIED", req.Status)
	}
}

func TestQuitKey(t *testing.T) {
	m := NewApprovalsModel(newTestQueue(t), "tester")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
}

func TestCursorNavigation(t *testing.T) {
	q := newTestQueue(t)
	for _, s := range []string{"first", "second", "third"} {
		if _, err := q.Submit("file_write", s, nil, time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	m := NewApprovalsModel(q, "tester")
	model, _ := m.Update(refreshMsg(q.Pending()))

	model, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'j'}})
	model, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'j'}})
	am, ok := model.(ApprovalsModel)
	if !ok {
		t.Fatal("unexpected model type")
	}
	if am.cursor != 2 {
		t.Errorf("cursor = %d, want 2", am.cursor)
	}
	// Cannot move past the last entry.
	model, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'j'}})
	am = model.(ApprovalsModel)
	if am.cursor != 2 {
		t.Errorf("cursor = %d, want clamped at 2", am.cursor)
	}
}
