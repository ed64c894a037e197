package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpmesh/mcpmesh/pkg/mcp"
	"github.com/mcpmesh/mcpmesh/pkg/output"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List and call aggregated tools across connected servers",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tools aggregated from every selected-for-chat server that is ready or has fresh cached metadata",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runToolsList()
	},
}

var toolsCallCmd = &cobra.Command{
	Use:   "call <alias> [json-args]",
	Short: "Call one aggregated tool by its canonical name or alias",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rawArgs := "{}"
		if len(args) == 2 {
			rawArgs = args[1]
		}
		return runToolsCall(args[0], rawArgs)
	},
}

func init() {
	toolsCmd.AddCommand(toolsListCmd)
	toolsCmd.AddCommand(toolsCallCmd)
}

// warmUpSelectedServers connects every descriptor marked SelectedForChat
// that isn't already ready, so tools list/call have a populated router
// without requiring a separate `servers connect` per server first.
func warmUpSelectedServers(ctx context.Context, a *app, descriptors []*mcp.ServerDescriptor) {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, desc := range descriptors {
		if !desc.SelectedForChat {
			continue
		}
		status := a.manager.Status(desc.ID)
		if status != nil && status.State.Kind == mcp.StateReady {
			continue
		}
		if err := a.manager.ConnectServer(connectCtx, desc.ID, false); err != nil {
			a.printer.Warn("server did not come up for tool aggregation", "server", desc.ID, "error", err)
		}
	}
}

func runToolsList() error {
	a := newApp()
	ctx := context.Background()
	defer a.close(ctx)

	descriptors, err := a.loadAndReload(ctx)
	if err != nil {
		return fmt.Errorf("loading descriptor store: %w", err)
	}
	warmUpSelectedServers(ctx, a, descriptors)

	byID := make(map[string]*mcp.ServerDescriptor, len(descriptors))
	for _, d := range descriptors {
		byID[d.ID] = d
	}

	var summaries []output.ToolSummary
	for _, entry := range a.manager.Router().AggregatedTools() {
		desc := byID[entry.ServerID]
		summaries = append(summaries, output.ToolSummary{
			Alias:       entry.Alias,
			Server:      serverDisplayName(desc, entry.ServerID),
			Enabled:     toolEnabled(desc, entry.Tool.Name),
			Policy:      string(toolPolicy(desc, entry.Tool.Name)),
			Description: entry.Tool.Description,
		})
	}

	a.printer.Tools(summaries)
	return nil
}

func runToolsCall(name, rawArgs string) error {
	var arguments map[string]any
	if err := json.Unmarshal([]byte(rawArgs), &arguments); err != nil {
		return fmt.Errorf("parsing json arguments: %w", err)
	}

	a := newApp()
	ctx := context.Background()
	defer a.close(ctx)

	descriptors, err := a.loadAndReload(ctx)
	if err != nil {
		return fmt.Errorf("loading descriptor store: %w", err)
	}
	warmUpSelectedServers(ctx, a, descriptors)

	callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	_, outcomeCh, err := a.manager.CallTool(callCtx, name, arguments, mcp.CallOptions{
		TotalTimeout: 60 * time.Second,
		IdleTimeout:  30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("calling %s: %w", name, err)
	}

	outcome := <-outcomeCh
	if outcome.Err != nil {
		return fmt.Errorf("tool call failed: %w", outcome.Err)
	}

	encoded, err := json.MarshalIndent(outcome.Result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	a.printer.Println(string(encoded))
	return nil
}

func serverDisplayName(desc *mcp.ServerDescriptor, fallback string) string {
	if desc == nil {
		return fallback
	}
	return desc.Name
}

func toolEnabled(desc *mcp.ServerDescriptor, toolID string) bool {
	if desc == nil || desc.ToolEnabled == nil {
		return true
	}
	v, ok := desc.ToolEnabled[toolID]
	if !ok {
		return true
	}
	return v
}

func toolPolicy(desc *mcp.ServerDescriptor, toolID string) mcp.ApprovalPolicy {
	if desc == nil || desc.ToolPolicy == nil {
		return mcp.ApprovalAskEveryTime
	}
	p, ok := desc.ToolPolicy[toolID]
	if !ok {
		return mcp.ApprovalAskEveryTime
	}
	return p
}
