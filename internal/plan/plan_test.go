package plan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validPlan = `{
	"goal": "build a todo API",
	"role": "builder",
	"profile": "standard",
	"budget": {"max_cost_usd": 5, "max_duration_hours": 2},
	"tasks": [
		{"id": "t1", "title": "scaffold project", "action_type": "write_code"},
		{"id": "t2", "title": "add endpoints", "action_type": "write_code", "dependencies": ["t1"]},
		{"id": "t3", "title": "run tests", "action_type": "run_tests", "dependencies": ["t2"]}
	]
}`

func TestParseValidPlan(t *testing.T) {
	doc, err := Parse([]byte(validPlan))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Goal != "build a todo API" || len(doc.Tasks) != 3 {
		t.Errorf("parsed doc = %+v", doc)
	}
	if doc.Budget.MaxCostUSD != 5 {
		t.Errorf("budget = %+v", doc.Budget)
	}
}

func TestParseRejections(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"not json", `{goal: nope}`},
		{"missing goal", `{"tasks": [{"id": "a", "title": "x", "action_type": "y"}]}`},
		{"empty tasks", `{"goal": "g", "tasks": []}`},
		{"task missing action_type", `{"goal": "g", "tasks": [{"id": "a", "title": "x"}]}`},
		{"bad profile", `{"goal": "g", "profile": "mega", "tasks": [{"id": "a", "title": "x", "action_type": "y"}]}`},
		{"zero budget", `{"goal": "g", "budget": {"max_cost_usd": 0}, "tasks": [{"id": "a", "title": "x", "action_type": "y"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.doc)); err == nil {
				t.Errorf("plan should be rejected: %s", tc.doc)
			}
		})
	}
}

func TestBuildDAG(t *testing.T) {
	doc, err := Parse([]byte(validPlan))
	if err != nil {
		t.Fatal(err)
	}
	d, err := doc.BuildDAG()
	if err != nil {
		t.Fatal(err)
	}
	if d.Len() != 3 {
		t.Errorf("dag size = %d, want 3", d.Len())
	}
	ready := d.NextReady()
	if ready == nil || ready.ID != "t1" {
		t.Errorf("first ready task = %v, want t1", ready)
	}
}

func TestBuildDAGRejectsCycle(t *testing.T) {
	cyclic := `{
		"goal": "g",
		"tasks": [
			{"id": "a", "title": "x", "action_type": "y", "dependencies": ["b"]},
			{"id": "b", "title": "x", "action_type": "y", "dependencies": ["a"]}
		]
	}`
	doc, err := Parse([]byte(cyclic))
	if err != nil {
		t.Fatalf("schema accepts the document, cycle detection is the DAG's job: %v", err)
	}
	if _, err := doc.BuildDAG(); err == nil {
		t.Error("cyclic plan must be rejected at DAG build time")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.json")
	if err := os.WriteFile(path, []byte(validPlan), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Role != "builder" {
		t.Errorf("role = %q", doc.Role)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil || !strings.Contains(err.Error(), "read plan") {
		t.Errorf("missing file should fail with read error, got %v", err)
	}
}
