package main

import (
	"fmt"
	"os"

	"github.com/schollz/logger"
	"github.com/spf13/cobra"

	"github.com/room4-2/sahayak/config"
)

var (
	serverURL string
	logLevel  string
)

func main() {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:   "sahayak",
		Short: "Sahayak - interactive AI teaching sessions",
		Long: `Sahayak connects to a Sahayak relay and runs a live teaching session
with text, voice and screen sharing.

Examples:
  sahayak teach
  sahayak teach --prompt "Explain fractions using pizza" --mic
  sahayak create-prompt --teach
  sahayak teach --wait-handoff`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.URL = serverURL
			cfg.LogLevel = logLevel
			logger.SetLevel(cfg.LogLevel)
		},
	}
	root.PersistentFlags().StringVar(&serverURL, "url", cfg.URL, "relay WebSocket URL")
	root.PersistentFlags().StringVar(&logLevel, "log-level", cfg.LogLevel, "log level (trace, debug, info, warn, error)")

	root.AddCommand(teachCmd(cfg))
	root.AddCommand(createPromptCmd(cfg))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
