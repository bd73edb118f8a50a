package kapsel

import (
	"fmt"
	"sort"
	"strings"

	"github.com/codefionn/kapsel/internal/guest"
)

// ParameterSchema is the JSON-Schema subset the sandbox understands: type,
// properties, required, enum, numeric range, and items. Ingestion adapters
// translate third-party tool schemas into this shape.
type ParameterSchema struct {
	Type        string                      `json:"type,omitempty"`
	Description string                      `json:"description,omitempty"`
	Properties  map[string]*ParameterSchema `json:"properties,omitempty"`
	Required    []string                    `json:"required,omitempty"`
	Enum        []interface{}               `json:"enum,omitempty"`
	Minimum     *float64                    `json:"minimum,omitempty"`
	Maximum     *float64                    `json:"maximum,omitempty"`
	Items       *ParameterSchema            `json:"items,omitempty"`
}

// ToolDefinition describes one host tool bound into the guest. Immutable
// after sandbox construction. The name may contain dots; the guest stub
// identifier rewrites them to underscores.
type ToolDefinition struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Parameters  *ParameterSchema `json:"parameters,omitempty"`
}

// StubName returns the guest identifier the tool binds as.
func (t ToolDefinition) StubName() string {
	return guest.StubName(t.Name)
}

// FormatToolDescriptions renders the bound tools as a usage block suitable
// for inclusion in an agent prompt: one `await` call signature per tool
// with its parameter types, followed by the description.
func FormatToolDescriptions(tools []ToolDefinition) string {
	if len(tools) == 0 {
		return "No tools are bound in this sandbox.\n"
	}
	var sb strings.Builder
	sb.WriteString("Available tools (JavaScript, call with await):\n\n")
	for _, tool := range tools {
		sb.WriteString(fmt.Sprintf("  await %s(%s)\n", tool.StubName(), formatParams(tool.Parameters)))
		if tool.Description != "" {
			sb.WriteString("      " + tool.Description + "\n")
		}
	}
	return sb.String()
}

func formatParams(schema *ParameterSchema) string {
	if schema == nil || len(schema.Properties) == 0 {
		return "{}"
	}
	required := map[string]bool{}
	for _, name := range schema.Required {
		required[name] = true
	}
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		prop := schema.Properties[name]
		typ := prop.Type
		if typ == "" {
			typ = "any"
		}
		if len(prop.Enum) > 0 {
			vals := make([]string, len(prop.Enum))
			for i, v := range prop.Enum {
				vals[i] = fmt.Sprintf("%v", v)
			}
			typ = strings.Join(vals, "|")
		}
		suffix := ""
		if !required[name] {
			suffix = "?"
		}
		parts = append(parts, fmt.Sprintf("%s%s: %s", name, suffix, typ))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
