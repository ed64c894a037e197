package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	descriptorPath string
	logPath        string
	debug          bool
)

var rootCmd = &cobra.Command{
	Use:   "mcpmeshctl",
	Short: "MCP client runtime CLI",
	Long: `mcpmeshctl demonstrates the mcpmesh MCP client runtime.

It connects to one or more MCP servers described in a descriptor file,
aggregates their tools/resources/prompts under one namespace, and lets
you list, call, and audit them from the command line.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&descriptorPath, "descriptors", defaultDescriptorPath(), "path to the descriptor store file (YAML or JSONC)")
	rootCmd.PersistentFlags().StringVar(&logPath, "log-file", "", "application log file (rotated); empty means console only")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug-level logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(logCmd)
}

func defaultDescriptorPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/mcpmeshctl/servers.yaml"
	}
	return "servers.yaml"
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
