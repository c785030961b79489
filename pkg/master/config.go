package master

import (
	"github.com/mhalvors/fsoe-go/pkg/frame"
	"github.com/mhalvors/fsoe-go/pkg/fsoe"
)

// Config configures an FSoE master instance.
type Config struct {
	// SlaveAddress uniquely identifies the slave within the communication
	// system. It is sent in the Connection state and the slave refuses the
	// connection on mismatch (ETG.5100 ch. 8.2.2.4).
	SlaveAddress uint16

	// ConnectionID is the non-zero address uniquely identifying this
	// master. Echoed in the trailer of every PDU.
	ConnectionID uint16

	// WatchdogTimeoutMS is the watchdog timeout sent to the slave in the
	// Parameter state. Valid values are 1-65535.
	WatchdogTimeoutMS uint16

	// ApplicationParameters is the optional device-specific parameter
	// blob sent in the Parameter state. May be nil.
	ApplicationParameters []byte

	// OutputsSize is the byte size of the outputs sent to the slave.
	// 1 or even, at most 126.
	OutputsSize int

	// InputsSize is the byte size of the inputs received from the slave.
	// 1 or even, at most 126.
	InputsSize int
}

// Validate checks the configuration fields.
func (c *Config) Validate() error {
	if c.ConnectionID == 0 {
		return fsoe.ErrZeroConnectionID
	}
	if c.WatchdogTimeoutMS == 0 {
		return fsoe.ErrBadWatchdog
	}
	if !frame.ValidDataSize(c.OutputsSize) || !frame.ValidDataSize(c.InputsSize) {
		return fsoe.ErrBadProcessDataSize
	}
	if len(c.ApplicationParameters) > fsoe.MaxApplicationParametersSize {
		return fsoe.ErrBadAppParameters
	}
	return nil
}

// Callbacks are the application hooks the master invokes.
type Callbacks struct {
	// GenerateSessionID supplies the 16 bit session nonce. It must have
	// high post-power-cycle entropy; a seeded PRNG is not sufficient.
	// Nil selects fsoe.GenerateSessionID (crypto/rand).
	GenerateSessionID func() uint16

	// HandleUserError receives API misuse reports. May be nil.
	HandleUserError fsoe.UserErrorHandler
}
