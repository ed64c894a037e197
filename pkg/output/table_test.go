package output

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrinter_Servers_Empty(t *testing.T) {
	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	p.Servers(nil)

	got := buf.String()
	if !strings.Contains(got, "no servers configured") {
		t.Errorf("Servers(nil) should print placeholder, got %q", got)
	}
}

func TestPrinter_Servers_WithData(t *testing.T) {
	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	servers := []ServerSummary{
		{ID: "s1", Name: "weather", Transport: "streamable-http", State: "ready", Tools: 4, Resources: 1, Prompts: 0},
		{ID: "s2", Name: "local-fs", Transport: "stdio", State: "reconnecting", Tools: 2},
	}
	p.Servers(servers)

	got := buf.String()
	if !strings.Contains(got, "NAME") || !strings.Contains(got, "TRANSPORT") || !strings.Contains(got, "STATE") {
		t.Error("Servers() should contain table headers")
	}
	if !strings.Contains(got, "weather") {
		t.Error("Servers() should contain server name")
	}
	if !strings.Contains(got, "streamable-http") {
		t.Error("Servers() should contain transport")
	}
}

func TestPrinter_Tools_Empty(t *testing.T) {
	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	p.Tools(nil)

	got := buf.String()
	if !strings.Contains(got, "no tools available") {
		t.Errorf("Tools(nil) should print placeholder, got %q", got)
	}
}

func TestPrinter_Tools_WithData(t *testing.T) {
	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	tools := []ToolSummary{
		{Alias: "mcp_a1b2c3d4_get_forecast", Server: "weather", Enabled: true, Policy: "ask-every-time", Description: "fetch a forecast"},
		{Alias: "mcp_e5f6a7b8_delete_file", Server: "local-fs", Enabled: false, Policy: "always-deny", Description: "delete a file"},
	}
	p.Tools(tools)

	got := buf.String()
	if !strings.Contains(got, "ALIAS") || !strings.Contains(got, "SERVER") || !strings.Contains(got, "POLICY") {
		t.Error("Tools() should contain table headers")
	}
	if !strings.Contains(got, "get_forecast") {
		t.Error("Tools() should contain tool alias")
	}
	if !strings.Contains(got, "always-deny") {
		t.Error("Tools() should contain policy")
	}
}

func TestColorState(t *testing.T) {
	tests := []struct {
		state    string
		contains string // non-TTY output carries no color codes, just the label
	}{
		{"ready", "ready"},
		{"failed", "failed"},
		{"connecting", "connecting"},
		{"reconnecting", "reconnecting"},
		{"idle", "idle"},
		{"unknown", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			result := colorState(tt.state)
			if !strings.Contains(result, tt.contains) {
				t.Errorf("colorState(%q) = %q, should contain %q", tt.state, result, tt.contains)
			}
		})
	}
}
