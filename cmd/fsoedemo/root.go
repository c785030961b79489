package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mhalvors/fsoe-go/pkg/logger"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "fsoedemo",
	Short: "FSoE demo endpoints",
	Long: `fsoedemo runs a demonstration FSoE master or slave over a pluggable
black channel (UDP, QUIC, WebSocket or serial).

Two endpoints configured against each other establish a safety
connection, exchange process data and survive resets. This is bench
tooling: the black channel here is a plain network socket, not a real
EtherCAT segment.

Example:
  fsoedemo slave  --config slave.yaml
  fsoedemo master --config master.yaml`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Endpoint configuration file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.MarkPersistentFlagRequired("config")
}

// newLogger builds the zerolog-backed logger for an endpoint.
func newLogger(component string) *logger.ZerologLogger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	l := logger.Wrap(zerolog.New(output).With().Timestamp().Str("component", component).Logger())
	if verbose {
		l.SetLevel(logger.LevelDebug)
	} else {
		l.SetLevel(logger.LevelInfo)
	}
	return l
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
