package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/haven/internal/logging"
)

var (
	// Global flags
	logLevel       string
	logDevelopment bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "haven",
	Short: "Guarded chat service for minors",
	Long: `haven runs a chat assistant for children behind guardian-controlled
safety rules. Every message is screened before and after generation, flagged
turns get a fixed safe reply, and linked guardians receive alerts.

Run "haven serve" to start the HTTP and websocket API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logLevel, logDevelopment)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&logDevelopment, "log-dev", false, "human-readable development logging")

	rootCmd.AddCommand(serveCmd, classifyCmd, promptCmd, seedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
