package output

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// ServerSummary contains data for a connected-servers table row.
type ServerSummary struct {
	ID        string
	Name      string
	Transport string // streamable-http, sse-split, stdio, oauth-wrapped, openapi-bridge
	State     string // idle, connecting, ready, reconnecting, failed
	Tools     int
	Resources int
	Prompts   int
}

// ToolSummary contains data for a tool-catalogue table row.
type ToolSummary struct {
	Alias     string
	Server    string
	Enabled   bool
	Policy    string // ask-every-time, always-allow, always-deny
	Description string
}

// Servers prints the connected MCP servers table with amber styling.
func (p *Printer) Servers(servers []ServerSummary) {
	if len(servers) == 0 {
		p.Println("no servers configured")
		return
	}

	p.Println()

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(p.tableStyle())

	t.AppendHeader(table.Row{"Name", "Transport", "State", "Tools", "Resources", "Prompts"})

	for _, s := range servers {
		state := s.State
		if p.isTTY {
			state = colorState(s.State)
		}
		t.AppendRow(table.Row{s.Name, s.Transport, state, s.Tools, s.Resources, s.Prompts})
	}

	t.Render()
	p.Println()
}

// Tools prints the aggregated tool catalogue with amber styling.
func (p *Printer) Tools(tools []ToolSummary) {
	if len(tools) == 0 {
		p.Println("no tools available")
		return
	}

	p.Println()

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(p.tableStyle())

	t.AppendHeader(table.Row{"Alias", "Server", "Enabled", "Policy", "Description"})

	for _, tl := range tools {
		enabled := "yes"
		if !tl.Enabled {
			enabled = "no"
		}
		if p.isTTY {
			enabled = colorBool(tl.Enabled)
		}
		t.AppendRow(table.Row{tl.Alias, tl.Server, enabled, tl.Policy, tl.Description})
	}

	t.Render()
	p.Println()
}

// colorState applies color to a connection-state label based on spec §4.5.
func colorState(state string) string {
	var style lipgloss.Style
	switch state {
	case "ready":
		style = lipgloss.NewStyle().Foreground(ColorGreen)
	case "failed":
		style = lipgloss.NewStyle().Foreground(ColorRed)
	case "connecting", "reconnecting":
		style = lipgloss.NewStyle().Foreground(ColorAmber)
	case "idle":
		style = lipgloss.NewStyle().Foreground(ColorMuted)
	default:
		style = lipgloss.NewStyle().Foreground(ColorGray)
	}
	return style.Render(state)
}

func colorBool(v bool) string {
	if v {
		return lipgloss.NewStyle().Foreground(ColorGreen).Render("yes")
	}
	return lipgloss.NewStyle().Foreground(ColorMuted).Render("no")
}

// tableStyle returns the standard amber-themed table style.
func (p *Printer) tableStyle() table.Style {
	style := table.StyleRounded
	if p.isTTY {
		style.Color.Header = text.Colors{text.FgHiYellow, text.Bold}
		style.Color.Border = text.Colors{text.FgHiBlack}
	}
	style.Options.SeparateRows = false
	return style
}

// Section prints a section header.
func (p *Printer) Section(title string) {
	if p.isTTY {
		style := lipgloss.NewStyle().Foreground(ColorAmber).Bold(true)
		p.Println(style.Render(title))
	} else {
		p.Println(title)
	}
}
