package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mhalvors/fsoe-go/pkg/fsoe"
	"github.com/mhalvors/fsoe-go/pkg/slave"
)

var slaveCmd = &cobra.Command{
	Use:   "slave",
	Short: "Run a demo FSoE slave",
	Long: `Runs an FSoE slave that waits for a master on the configured
transport and mirrors the received outputs back as its inputs.`,
	RunE: runSlave,
}

func init() {
	rootCmd.AddCommand(slaveCmd)
}

func runSlave(cmd *cobra.Command, args []string) error {
	log := newLogger("slave")

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	transport, closeTransport, err := cfg.BuildTransport(cfg.OutputsSize)
	if err != nil {
		return err
	}
	defer closeTransport()

	s, err := slave.New(cfg.SlaveConfig(), slave.Callbacks{
		VerifyParameters: func(timeoutMS uint16, appParameters []byte) uint8 {
			log.Info("Verifying parameters: watchdog=%dms, %d app bytes",
				timeoutMS, len(appParameters))
			return fsoe.VerifyOK
		},
		HandleUserError: func(e fsoe.UserError) {
			log.Error("API misuse: %s", e.Description())
		},
	}, transport, log, nil)
	if err != nil {
		return err
	}

	inputs := make([]byte, cfg.InputsSize)
	outputs := make([]byte, cfg.OutputsSize)
	var status fsoe.SyncStatus

	// The slave does not know the watchdog timeout until the master
	// delivers it; tick at half the configured value as a sane default.
	ticker := time.NewTicker(time.Duration(cfg.WatchdogTimeoutMS) * time.Millisecond / 2)
	defer ticker.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	lastState := fsoe.StateReset
	log.Info("Slave running, address=0x%04X", cfg.SlaveAddress)

	for {
		select {
		case <-sig:
			log.Info("Shutting down")
			return nil
		case <-ticker.C:
		}

		// Mirror the most recent outputs back to the master.
		n := copy(inputs, outputs)
		for i := n; i < len(inputs); i++ {
			inputs[i] = 0
		}

		if err := s.SyncWithMaster(inputs, outputs, &status); err != nil {
			return err
		}

		if status.ResetEvent != fsoe.ResetEventNone {
			log.Warn("Connection reset %s: %s", status.ResetEvent, status.ResetReason)
		}
		if status.CurrentState != lastState {
			log.Info("State %s -> %s", lastState, status.CurrentState)
			lastState = status.CurrentState
		}

		if status.CurrentState == fsoe.StateData && !s.IsSendingProcessDataEnabled() {
			log.Info("Connection up, enabling process data")
			s.EnableSendingProcessData()
		}
		if status.IsProcessDataReceived {
			log.Debug("Outputs: % X", outputs)
		}
	}
}
