package mcp

import (
	"fmt"
	"sort"
	"strings"
)

// Stub generation turns a discovered tool schema into Python source that
// agent-authored code can call without hand-written bindings. The output
// is deterministic: identical schema always yields identical source, so
// stubs are golden-testable.

// pythonType maps a JSON-schema type to a Python annotation.
func pythonType(jsonType string) string {
	switch jsonType {
	case "string":
		return "str"
	case "integer":
		return "int"
	case "number":
		return "float"
	case "boolean":
		return "bool"
	case "array":
		return "list"
	case "object":
		return "dict"
	default:
		return "object"
	}
}

// stubParam is one parameter of a generated stub.
type stubParam struct {
	name        string
	pyType      string
	description string
	required    bool
}

// GenerateStub renders one tool schema as a Python function whose body
// forwards to the _mcp_call bridge. Required parameters come first, each
// group sorted by name.
func GenerateStub(schema ToolSchema) string {
	params := stubParams(schema)

	var sig []string
	for _, p := range params {
		if p.required {
			sig = append(sig, fmt.Sprintf("%s: %s", p.name, p.pyType))
		} else {
			sig = append(sig, fmt.Sprintf("%s: %s = None", p.name, p.pyType))
		}
	}

	funcName := pythonIdent(schema.Name)

	var b strings.Builder
	fmt.Fprintf(&b, "def %s(%s) -> dict:\n", funcName, strings.Join(sig, ", "))

	// Docstring: description plus an Args section when parameters exist.
	b.WriteString(`    """`)
	desc := strings.TrimSpace(schema.Description)
	if desc == "" {
		desc = fmt.Sprintf("Call the %s tool on the %s MCP server.", schema.Name, schema.Server)
	}
	b.WriteString(desc)
	if len(params) > 0 {
		b.WriteString("\n\n    Args:\n")
		for _, p := range params {
			line := fmt.Sprintf("        %s: %s", p.name, p.description)
			if !p.required {
				line += " (optional)"
			}
			b.WriteString(line + "\n")
		}
		b.WriteString(`    """`)
	} else {
		b.WriteString(`"""`)
	}
	b.WriteString("\n")

	// Body: forward every parameter to the bridge.
	if len(params) == 0 {
		fmt.Fprintf(&b, "    return _mcp_call(%q, {})\n", schema.Name)
	} else {
		fmt.Fprintf(&b, "    return _mcp_call(%q, {\n", schema.Name)
		for _, p := range params {
			fmt.Fprintf(&b, "        %q: %s,\n", p.name, p.name)
		}
		b.WriteString("    })\n")
	}

	return b.String()
}

// GenerateModule renders all schemas as one Python module, tools sorted
// by name, separated by blank lines.
func GenerateModule(schemas []ToolSchema) string {
	sorted := make([]ToolSchema, len(schemas))
	copy(sorted, schemas)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	stubs := make([]string, 0, len(sorted))
	for _, schema := range sorted {
		stubs = append(stubs, GenerateStub(schema))
	}
	return strings.Join(stubs, "\n\n")
}

// stubParams extracts and orders the parameters: required first, each
// group sorted by name.
func stubParams(schema ToolSchema) []stubParam {
	props, _ := schema.InputSchema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}

	requiredSet := make(map[string]bool)
	if required, ok := schema.InputSchema["required"].([]any); ok {
		for _, r := range required {
			if name, ok := r.(string); ok {
				requiredSet[name] = true
			}
		}
	}

	params := make([]stubParam, 0, len(props))
	for name, raw := range props {
		p := stubParam{
			name:     pythonIdent(name),
			pyType:   "object",
			required: requiredSet[name],
		}
		if prop, ok := raw.(map[string]any); ok {
			if t, ok := prop["type"].(string); ok {
				p.pyType = pythonType(t)
			}
			if d, ok := prop["description"].(string); ok {
				p.description = strings.TrimSpace(d)
			}
		}
		if p.description == "" {
			p.description = "no description"
		}
		params = append(params, p)
	}

	sort.Slice(params, func(i, j int) bool {
		if params[i].required != params[j].required {
			return params[i].required
		}
		return params[i].name < params[j].name
	})
	return params
}

// pythonIdent sanitizes a name into a valid Python identifier.
func pythonIdent(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_tool"
	}
	return b.String()
}
