package mcp

import (
	"strings"
	"testing"
)

func stubTestSchema() ToolSchema {
	return ToolSchema{
		Name:        "search",
		Server:      "docs",
		Description: "Search for documents.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "Search query."},
				"limit": map[string]any{"type": "integer", "description": "Max results."},
			},
			"required": []any{"query"},
		},
	}
}

func TestGenerateStubGolden(t *testing.T) {
	want := `def search(query: str, limit: int = None) -> dict:
    """Search for documents.

    Args:
        query: Search query.
        limit: Max results. (optional)
    """
    return _mcp_call("search", {
        "query": query,
        "limit": limit,
    })
`

	got := GenerateStub(stubTestSchema())
	if got != want {
		t.Errorf("GenerateStub() mismatch:\n--- got ---\n%s\n--- want ---\n%s", got, want)
	}
}

func TestGenerateStubDeterministic(t *testing.T) {
	first := GenerateStub(stubTestSchema())
	for i := 0; i < 50; i++ {
		if got := GenerateStub(stubTestSchema()); got != first {
			t.Fatalf("GenerateStub() is not deterministic (iteration %d):\n%s\nvs\n%s", i, got, first)
		}
	}
}

func TestGenerateStubNoParams(t *testing.T) {
	want := `def ping() -> dict:
    """Call the ping tool on the status MCP server."""
    return _mcp_call("ping", {})
`

	got := GenerateStub(ToolSchema{
		Name:        "ping",
		Server:      "status",
		InputSchema: map[string]any{"type": "object"},
	})
	if got != want {
		t.Errorf("GenerateStub() mismatch:\n--- got ---\n%s\n--- want ---\n%s", got, want)
	}
}

func TestGenerateStubTypeMapping(t *testing.T) {
	schema := ToolSchema{
		Name:        "everything",
		Server:      "test",
		Description: "Exercises every type.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"s":   map[string]any{"type": "string"},
				"i":   map[string]any{"type": "integer"},
				"n":   map[string]any{"type": "number"},
				"b":   map[string]any{"type": "boolean"},
				"a":   map[string]any{"type": "array"},
				"o":   map[string]any{"type": "object"},
				"unk": map[string]any{"type": "mystery"},
			},
			"required": []any{"s", "i", "n", "b", "a", "o", "unk"},
		},
	}

	got := GenerateStub(schema)
	wantSig := "def everything(a: list, b: bool, i: int, n: float, o: dict, s: str, unk: object) -> dict:"
	if !strings.Contains(got, wantSig) {
		t.Errorf("signature missing or wrong:\n%s\nwant line: %s", got, wantSig)
	}
}

func TestGenerateStubSanitizesNames(t *testing.T) {
	got := GenerateStub(ToolSchema{
		Name:        "my-tool.v2",
		Server:      "test",
		InputSchema: map[string]any{"type": "object"},
	})
	if !strings.Contains(got, "def my_tool_v2() -> dict:") {
		t.Errorf("tool name not sanitized:\n%s", got)
	}
	// The wire name stays untouched in the forwarded call.
	if !strings.Contains(got, `_mcp_call("my-tool.v2", {})`) {
		t.Errorf("wire name must stay unsanitized:\n%s", got)
	}
}

func TestGenerateModuleSortsTools(t *testing.T) {
	schemas := []ToolSchema{
		{Name: "zeta", Server: "s", InputSchema: map[string]any{"type": "object"}},
		{Name: "alpha", Server: "s", InputSchema: map[string]any{"type": "object"}},
	}

	module := GenerateModule(schemas)
	alphaIdx := strings.Index(module, "def alpha")
	zetaIdx := strings.Index(module, "def zeta")
	if alphaIdx == -1 || zetaIdx == -1 {
		t.Fatalf("missing stubs in module:\n%s", module)
	}
	if alphaIdx > zetaIdx {
		t.Error("module must sort tools by name")
	}
}
