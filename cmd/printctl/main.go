package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	agentAddr string
	apiKey    string
	apiExtra  string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "printctl",
		Short:         "Control a running fiscal print agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&agentAddr, "addr", envOr("PRINTCTL_ADDR", "http://127.0.0.1:3033"), "Base URL of the agent HTTP API")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("PRINTCTL_API_KEY"), "API key")
	root.PersistentFlags().StringVar(&apiExtra, "api-extra", os.Getenv("PRINTCTL_API_EXTRA"), "API key extra secret")

	root.AddCommand(
		enqueueCmd(),
		listCmd(),
		getCmd(),
		passCmd(),
		autoPrintCmd(),
		printersCmd(),
		configCmd(),
		exportCmd(),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
