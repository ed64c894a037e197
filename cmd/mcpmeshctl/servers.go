package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpmesh/mcpmesh/pkg/output"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Inspect and connect configured MCP servers",
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every server in the descriptor store with its live status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServersList()
	},
}

var serversConnectCmd = &cobra.Command{
	Use:   "connect <server-id>",
	Short: "Connect (or reconnect) one server and report its outcome",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServersConnect(args[0])
	},
}

func init() {
	serversCmd.AddCommand(serversListCmd)
	serversCmd.AddCommand(serversConnectCmd)
}

func runServersList() error {
	a := newApp()
	ctx := context.Background()
	defer a.close(ctx)

	descriptors, err := a.loadAndReload(ctx)
	if err != nil {
		return fmt.Errorf("loading descriptor store: %w", err)
	}

	var summaries []output.ServerSummary
	for _, desc := range descriptors {
		status := a.manager.Status(desc.ID)
		summary := output.ServerSummary{
			ID:        desc.ID,
			Name:      desc.Name,
			Transport: string(desc.Transport),
			State:     "idle",
		}
		if status != nil {
			summary.State = string(status.State.Kind)
			summary.Tools = len(status.Tools)
			summary.Resources = len(status.Resources)
			summary.Prompts = len(status.Prompts)
		}
		summaries = append(summaries, summary)
	}

	a.printer.Servers(summaries)
	return nil
}

func runServersConnect(serverID string) error {
	a := newApp()
	ctx := context.Background()
	defer a.close(ctx)

	if _, err := a.loadAndReload(ctx); err != nil {
		return fmt.Errorf("loading descriptor store: %w", err)
	}

	if a.manager.Status(serverID) == nil {
		return fmt.Errorf("no server %q in %s", serverID, descriptorPath)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.manager.ConnectServer(connectCtx, serverID, false); err != nil {
		a.printer.Error("connect failed", "server", serverID, "error", err)
		return err
	}

	status := a.manager.Status(serverID)
	a.printer.Info("connected", "server", serverID, "state", string(status.State.Kind),
		"tools", len(status.Tools), "resources", len(status.Resources))
	return nil
}
