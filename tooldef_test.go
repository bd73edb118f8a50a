package kapsel

import (
	"strings"
	"testing"
)

func TestToolStubName(t *testing.T) {
	def := ToolDefinition{Name: "billing.charge"}
	if def.StubName() != "billing_charge" {
		t.Errorf("StubName = %q", def.StubName())
	}
}

func TestFormatToolDescriptions(t *testing.T) {
	min := 0.0
	tools := []ToolDefinition{
		{
			Name:        "transfer",
			Description: "Moves funds between accounts.",
			Parameters: &ParameterSchema{
				Type: "object",
				Properties: map[string]*ParameterSchema{
					"amount":   {Type: "number", Minimum: &min},
					"currency": {Enum: []interface{}{"USD", "EUR"}},
					"memo":     {Type: "string"},
				},
				Required: []string{"amount", "currency"},
			},
		},
		{Name: "claims.list", Description: "Lists claims."},
	}
	out := FormatToolDescriptions(tools)
	if !strings.Contains(out, "await transfer({amount: number, currency: USD|EUR, memo?: string})") {
		t.Errorf("transfer signature missing:\n%s", out)
	}
	if !strings.Contains(out, "Moves funds between accounts.") {
		t.Errorf("description missing:\n%s", out)
	}
	if !strings.Contains(out, "await claims_list({})") {
		t.Errorf("dotted tool stub missing:\n%s", out)
	}
}

func TestFormatToolDescriptionsEmpty(t *testing.T) {
	out := FormatToolDescriptions(nil)
	if !strings.Contains(out, "No tools are bound") {
		t.Errorf("empty listing: %q", out)
	}
}
