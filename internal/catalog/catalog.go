// Package catalog is the boundary to the tool catalog: it resolves tool ids
// to their definitions and validates run input against each tool's schema.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/triage-ai/runguard/internal/run"
	"gopkg.in/yaml.v3"
)

// Tool is a registered tool that runs may execute.
type Tool struct {
	ToolID      string          `json:"tool_id"`
	Description string          `json:"description,omitempty"`
	TargetTypes []string        `json:"target_types,omitempty"` // empty = any
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Enabled     bool            `json:"enabled"`

	once      sync.Once
	compiled  *jsonschema.Schema
	schemaErr error
}

// Catalog provides tool definitions.
type Catalog interface {
	// GetTool returns the tool, or nil if it is not registered.
	GetTool(ctx context.Context, toolID string) (*Tool, error)
}

// SupportsTarget reports whether the tool operates on records of targetType.
func (t *Tool) SupportsTarget(targetType string) bool {
	return len(t.TargetTypes) == 0 || slices.Contains(t.TargetTypes, targetType)
}

// ValidateInput checks raw against the tool's input schema. A tool without a
// schema accepts any JSON object.
func (t *Tool) ValidateInput(raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	args, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("input is not valid JSON: %v", err)
	}
	if len(t.InputSchema) == 0 {
		if _, ok := args.(map[string]any); !ok {
			return fmt.Errorf("input must be a JSON object")
		}
		return nil
	}

	sch, err := t.schema()
	if err != nil {
		return fmt.Errorf("tool %s has an unusable input_schema: %v", t.ToolID, err)
	}
	if err := sch.Validate(args); err != nil {
		return fmt.Errorf("schema validation failed: %v", err)
	}
	return nil
}

func (t *Tool) schema() (*jsonschema.Schema, error) {
	t.once.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(t.InputSchema))
		if err != nil {
			t.schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			t.schemaErr = err
			return
		}
		t.compiled, t.schemaErr = c.Compile("schema.json")
	})
	return t.compiled, t.schemaErr
}

// Validator adapts a Catalog to run.InputValidator.
type Validator struct {
	Catalog Catalog
}

// ValidateRunInput implements run.InputValidator.
func (v Validator) ValidateRunInput(ctx context.Context, toolID, targetType string, input json.RawMessage) error {
	tool, err := v.Catalog.GetTool(ctx, toolID)
	if err != nil {
		return fmt.Errorf("ValidateRunInput: %w", err)
	}
	if tool == nil || !tool.Enabled {
		return fmt.Errorf("%w: %s", run.ErrUnknownTool, toolID)
	}
	if !tool.SupportsTarget(targetType) {
		return fmt.Errorf("%w: tool %s does not operate on %q", run.ErrInvalidInput, toolID, targetType)
	}
	if err := tool.ValidateInput(input); err != nil {
		return fmt.Errorf("%w: %v", run.ErrInvalidInput, err)
	}
	return nil
}

// Static is a fixed in-memory catalog.
type Static struct {
	tools map[string]*Tool
}

// NewStatic creates a catalog holding the given tools.
func NewStatic(tools ...*Tool) *Static {
	s := &Static{tools: make(map[string]*Tool, len(tools))}
	for _, t := range tools {
		s.tools[t.ToolID] = t
	}
	return s
}

// GetTool implements Catalog.
func (s *Static) GetTool(_ context.Context, toolID string) (*Tool, error) {
	return s.tools[toolID], nil
}

// toolSpec is the YAML form of a tool. The schema is written inline as YAML
// and converted to JSON.
type toolSpec struct {
	ToolID      string         `yaml:"tool_id"`
	Description string         `yaml:"description"`
	TargetTypes []string       `yaml:"target_types"`
	InputSchema map[string]any `yaml:"input_schema"`
	Enabled     *bool          `yaml:"enabled"`
}

// LoadStaticFile reads a YAML tools file of the form {tools: [...]}.
func LoadStaticFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadStaticFile: %w", err)
	}
	var file struct {
		Tools []toolSpec `yaml:"tools"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("LoadStaticFile: %w", err)
	}

	tools := make([]*Tool, 0, len(file.Tools))
	seen := make(map[string]bool, len(file.Tools))
	for i, spec := range file.Tools {
		if spec.ToolID == "" {
			return nil, fmt.Errorf("LoadStaticFile: tools[%d]: tool_id is required", i)
		}
		if seen[spec.ToolID] {
			return nil, fmt.Errorf("LoadStaticFile: duplicate tool_id %q", spec.ToolID)
		}
		seen[spec.ToolID] = true

		t := &Tool{
			ToolID:      spec.ToolID,
			Description: spec.Description,
			TargetTypes: spec.TargetTypes,
			Enabled:     spec.Enabled == nil || *spec.Enabled,
		}
		if spec.InputSchema != nil {
			raw, err := json.Marshal(spec.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("LoadStaticFile: %s input_schema: %w", spec.ToolID, err)
			}
			t.InputSchema = raw
			if _, err := t.schema(); err != nil {
				return nil, fmt.Errorf("LoadStaticFile: %s input_schema: %w", spec.ToolID, err)
			}
		}
		tools = append(tools, t)
	}
	return NewStatic(tools...), nil
}
