package main

import (
	"encoding/binary"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mhalvors/fsoe-go/pkg/fsoe"
	"github.com/mhalvors/fsoe-go/pkg/master"
)

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run a demo FSoE master",
	Long: `Runs an FSoE master that connects to a slave over the configured
transport, enables process data once the connection is up, and sends a
counter as outputs.`,
	RunE: runMaster,
}

func init() {
	rootCmd.AddCommand(masterCmd)
}

func runMaster(cmd *cobra.Command, args []string) error {
	log := newLogger("master")

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	transport, closeTransport, err := cfg.BuildTransport(cfg.InputsSize)
	if err != nil {
		return err
	}
	defer closeTransport()

	m, err := master.New(cfg.MasterConfig(), master.Callbacks{
		HandleUserError: func(e fsoe.UserError) {
			log.Error("API misuse: %s", e.Description())
		},
	}, transport, log, nil)
	if err != nil {
		return err
	}

	outputs := make([]byte, cfg.OutputsSize)
	inputs := make([]byte, cfg.InputsSize)
	var status fsoe.SyncStatus

	// Tick at half the watchdog timeout.
	ticker := time.NewTicker(time.Duration(cfg.WatchdogTimeoutMS) * time.Millisecond / 2)
	defer ticker.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var counter uint16
	lastState := fsoe.StateReset
	log.Info("Master running, connid=0x%04X", cfg.ConnectionID)

	for {
		select {
		case <-sig:
			log.Info("Shutting down")
			return nil
		case <-ticker.C:
		}

		counter++
		if cfg.OutputsSize >= 2 {
			binary.LittleEndian.PutUint16(outputs, counter)
		} else {
			outputs[0] = byte(counter)
		}

		if err := m.SyncWithSlave(outputs, inputs, &status); err != nil {
			return err
		}

		if status.ResetEvent != fsoe.ResetEventNone {
			log.Warn("Connection reset %s: %s", status.ResetEvent, status.ResetReason)
		}
		if status.CurrentState != lastState {
			log.Info("State %s -> %s", lastState, status.CurrentState)
			lastState = status.CurrentState
		}

		if status.CurrentState == fsoe.StateData && !m.IsSendingProcessDataEnabled() {
			log.Info("Connection up, enabling process data")
			m.EnableSendingProcessData()
		}
		if status.IsProcessDataReceived {
			log.Debug("Inputs: % X", inputs)
		}
	}
}
