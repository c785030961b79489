package slave

import (
	"github.com/mhalvors/fsoe-go/pkg/frame"
	"github.com/mhalvors/fsoe-go/pkg/fsoe"
)

// Config configures an FSoE slave instance.
//
// Note the asymmetry with the master configuration: the slave has no
// connection ID and no watchdog timeout. Both arrive from the master
// during connection establishment.
type Config struct {
	// SlaveAddress uniquely identifies this slave within the
	// communication system. The value received in the Connection state
	// must match or the connection is refused.
	SlaveAddress uint16

	// ApplicationParametersSize is the expected byte size of the
	// application parameter blob received in the Parameter state.
	ApplicationParametersSize int

	// InputsSize is the byte size of the inputs sent to the master.
	// 1 or even, at most 126.
	InputsSize int

	// OutputsSize is the byte size of the outputs received from the
	// master. 1 or even, at most 126.
	OutputsSize int
}

// Validate checks the configuration fields.
func (c *Config) Validate() error {
	if !frame.ValidDataSize(c.InputsSize) || !frame.ValidDataSize(c.OutputsSize) {
		return fsoe.ErrBadProcessDataSize
	}
	if c.ApplicationParametersSize < 0 || c.ApplicationParametersSize > fsoe.MaxApplicationParametersSize {
		return fsoe.ErrBadAppParameters
	}
	return nil
}

// Callbacks are the application hooks the slave invokes.
type Callbacks struct {
	// GenerateSessionID supplies the 16 bit session nonce. It must have
	// high post-power-cycle entropy; a seeded PRNG is not sufficient.
	// Nil selects fsoe.GenerateSessionID (crypto/rand).
	GenerateSessionID func() uint16

	// VerifyParameters is called when all parameters have been received
	// from the master. Return fsoe.VerifyOK to accept, or
	// fsoe.VerifyBadTimeout, fsoe.VerifyBadAppParameter or a
	// device-specific code in 0x80-0xFF to refuse; the code becomes the
	// reset reason sent back to the master. Nil accepts everything.
	VerifyParameters func(timeoutMS uint16, appParameters []byte) uint8

	// HandleUserError receives API misuse reports. May be nil.
	HandleUserError fsoe.UserErrorHandler
}
