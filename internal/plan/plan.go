// Package plan loads a session's plan document and turns it into a
// task DAG. Documents are validated against a JSON Schema before any
// field is interpreted, so malformed plans are rejected with a precise
// reason instead of surfacing later as runtime errors.
package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/aegis/internal/dag"
)

// Document is the on-disk plan format.
type Document struct {
	Goal    string     `json:"goal"`
	Role    string     `json:"role,omitempty"`
	Budget  Budget     `json:"budget,omitempty"`
	Profile string     `json:"profile,omitempty"`
	Tasks   []dag.Task `json:"tasks"`
}

// Budget carries the session's spend limits.
type Budget struct {
	MaxCostUSD       float64 `json:"max_cost_usd,omitempty"`
	MaxDurationHours float64 `json:"max_duration_hours,omitempty"`
}

const schemaJSON = `{
	"type": "object",
	"required": ["goal", "tasks"],
	"properties": {
		"goal": {"type": "string", "minLength": 1},
		"role": {"type": "string"},
		"profile": {"type": "string", "enum": ["light", "standard", "heavy"]},
		"budget": {
			"type": "object",
			"properties": {
				"max_cost_usd": {"type": "number", "exclusiveMinimum": 0},
				"max_duration_hours": {"type": "number", "exclusiveMinimum": 0}
			}
		},
		"tasks": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "title", "action_type"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"title": {"type": "string", "minLength": 1},
					"action_type": {"type": "string", "minLength": 1},
					"command": {"type": "string"},
					"dependencies": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`

var planSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("plan schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.json", doc); err != nil {
		panic(fmt.Sprintf("plan schema: %v", err))
	}
	schema, err := c.Compile("plan.json")
	if err != nil {
		panic(fmt.Sprintf("plan schema: %v", err))
	}
	return schema
}

// Parse validates and decodes a plan document.
func Parse(data []byte) (*Document, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := planSchema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("plan rejected: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &doc, nil
}

// Load reads and parses a plan file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return Parse(data)
}

// BuildDAG constructs the task DAG from a validated document. Statuses
// are reset to PENDING; dependency and cycle validation happens inside
// dag.New.
func (d *Document) BuildDAG() (*dag.DAG, error) {
	tasks := make([]dag.Task, len(d.Tasks))
	for i, t := range d.Tasks {
		tasks[i] = dag.Task{
			ID:           t.ID,
			Title:        t.Title,
			ActionType:   t.ActionType,
			Command:      t.Command,
			Dependencies: t.Dependencies,
		}
	}
	return dag.New(tasks)
}
