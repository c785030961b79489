// Package slave implements the FSoE slave state machine.
//
// A slave handles the connection with a single FSoE master. It is the
// responder of the protocol: with the exception of transitions to Reset
// state it never changes state on its own; the master orders state
// changes by sending the corresponding frame, and the slave validates
// and echoes what it was sent. Once in Data state it answers every
// outputs frame with its inputs.
package slave

import (
	"encoding/binary"

	"github.com/mhalvors/fsoe-go/pkg/channel"
	"github.com/mhalvors/fsoe-go/pkg/frame"
	"github.com/mhalvors/fsoe-go/pkg/fsoe"
	"github.com/mhalvors/fsoe-go/pkg/logger"
	"github.com/mhalvors/fsoe-go/pkg/watchdog"
)

// Slave is an FSoE slave instance. It is not safe for concurrent use;
// one goroutine drives it through SyncWithMaster.
type Slave struct {
	cfg       Config
	callbacks Callbacks
	logger    logger.Logger
	channel   *channel.Channel
	wd        *watchdog.Watchdog

	// Protocol variables (ETG.5100 table 32)
	state       fsoe.State
	localSeqNo  uint16
	peerSeqNo   uint16
	initSeqNo   uint16
	lastCRC     uint16
	oldLocalCRC uint16
	oldPeerCRC  uint16
	dataCommand frame.Command

	slaveSessionID  uint16
	masterSessionID uint16
	connID          uint16 // learned from the Connection state

	// Handshake reception
	chunkSize     int
	recvRemaining int
	recvFill      int

	peerSessionBuf [2]byte
	sessionBuf     [2]byte
	connData       [4]byte
	safePara       [6 + fsoe.MaxApplicationParametersSize]byte
	safeParaSize   int
	watchdogMS     uint16

	// Process data
	processDataEnabled  bool
	processDataReceived bool
	safeOutputs         [frame.MaxDataSize]byte
	payloadBuf          [frame.MaxDataSize]byte
	recvBuf             [frame.MaxDataSize]byte

	resetRequested  bool
	commFaultReason fsoe.ResetReason

	// Status latched for the current cycle
	resetEvent  fsoe.ResetEvent
	resetReason fsoe.ResetReason

	initialized bool
}

// New creates a slave instance bound to a black-channel transport.
// A nil log selects the no-op logger; a nil clock the system clock.
func New(cfg Config, callbacks Callbacks, t channel.Transport, log logger.Logger, clock watchdog.Clock) (*Slave, error) {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	if err := cfg.Validate(); err != nil {
		if callbacks.HandleUserError != nil {
			callbacks.HandleUserError(fsoe.UserErrorBadConfiguration)
		}
		return nil, err
	}
	if callbacks.GenerateSessionID == nil {
		callbacks.GenerateSessionID = fsoe.GenerateSessionID
	}

	ch, err := channel.New(t, cfg.InputsSize, cfg.OutputsSize)
	if err != nil {
		return nil, err
	}

	s := &Slave{
		cfg:             cfg,
		callbacks:       callbacks,
		logger:          log,
		channel:         ch,
		wd:              watchdog.New(clock),
		state:           fsoe.StateReset,
		initSeqNo:       1,
		dataCommand:     frame.CmdFailSafeData,
		chunkSize:       handshakeChunkSize(cfg.OutputsSize, cfg.InputsSize),
		commFaultReason: fsoe.ResetLocalReset,
		initialized:     true,
	}

	s.logger.Info("Slave created: address=0x%04X", cfg.SlaveAddress)
	return s, nil
}

// handshakeChunkSize mirrors the master's rule: one handshake byte per
// PDU when either process data direction is a single byte, two otherwise.
func handshakeChunkSize(outputsSize, inputsSize int) int {
	if outputsSize == 1 || inputsSize == 1 {
		return 1
	}
	return 2
}

// nextSeqNo advances a virtual sequence number, skipping the zero value
// reserved for Reset frames.
func nextSeqNo(s uint16) uint16 {
	if s == 0xFFFF {
		return 1
	}
	return s + 1
}

// SyncWithMaster runs one cycle of the slave state machine: at most one
// frame is received, at most one frame is sent, the watchdog is evaluated
// and the status surface updated.
//
// inputs must be InputsSize bytes; it is only read while the call runs.
// outputs must be OutputsSize bytes and receives the master's latest
// process data, or zeroes when none is valid.
func (s *Slave) SyncWithMaster(inputs []byte, outputs []byte, status *fsoe.SyncStatus) error {
	if s == nil {
		return fsoe.UserErrorNilInstance
	}
	if !s.initialized {
		return s.userError(fsoe.UserErrorUninitializedInstance)
	}
	if inputs == nil || outputs == nil || status == nil ||
		len(inputs) != s.cfg.InputsSize || len(outputs) != s.cfg.OutputsSize {
		return s.userError(fsoe.UserErrorNilArgument)
	}

	s.resetEvent = fsoe.ResetEventNone

	switch {
	case s.resetRequested:
		s.resetRequested = false
		s.enterReset(fsoe.ResetEventBySlave, fsoe.ResetLocalReset, true)
	default:
		if s.channel.Poll() {
			s.handleFrame(inputs)
		} else if s.wd.Expired() {
			s.logger.Warn("Watchdog expired in %s state", s.state)
			s.enterReset(fsoe.ResetEventBySlave, fsoe.ResetWdExpired, true)
		}
	}

	if s.processDataReceived {
		copy(outputs, s.safeOutputs[:len(outputs)])
	} else {
		for i := range outputs {
			outputs[i] = 0
		}
	}

	status.CurrentState = s.state
	status.IsProcessDataReceived = s.processDataReceived
	status.ResetEvent = s.resetEvent
	status.ResetReason = s.resetReason
	return nil
}

// handleFrame processes one newly received PDU.
func (s *Slave) handleFrame(inputs []byte) {
	f := s.channel.Received()
	cmd := f.Command()

	if cmd == frame.CmdReset {
		s.handlePeerReset(f)
		return
	}
	if !cmd.Known() {
		s.protocolError(fsoe.ResetUnknownCmd)
		return
	}

	// The master drives state transitions: a Session frame in Reset
	// state or the next handshake command after a completed exchange is
	// a transition order, anything else out of place is a protocol
	// violation.
	if !s.cmdValidInState(cmd) {
		s.protocolError(fsoe.ResetInvalidCmd)
		return
	}

	// First Connection frame: the connection ID is being assigned, so
	// only non-zero can be required. Everything else must match.
	assigningConnID := s.state == fsoe.StateSession && cmd == frame.CmdConnection
	if assigningConnID {
		if f.ConnectionID() == 0 {
			s.protocolError(fsoe.ResetInvalidConnID)
			return
		}
	} else if f.ConnectionID() != s.connID {
		s.protocolError(fsoe.ResetInvalidConnID)
		return
	}

	expSeq := nextSeqNo(s.peerSeqNo)
	tail, ok := frame.Verify(f, expSeq, s.lastCRC)
	if !ok {
		s.protocolError(fsoe.ResetInvalidCRC)
		return
	}
	s.peerSeqNo = expSeq
	s.lastCRC = tail
	s.oldPeerCRC = tail

	if assigningConnID {
		s.connID = f.ConnectionID()
	}

	switch {
	case cmd == frame.CmdSession:
		s.onSessionFrame(f)
	case cmd == frame.CmdConnection:
		s.onConnectionFrame(f)
	case cmd == frame.CmdParameter:
		s.onParameterFrame(f)
	default:
		s.onDataFrame(f, inputs)
	}
}

// cmdValidInState reports whether cmd is acceptable given the current
// state and the progress of the running handshake exchange.
func (s *Slave) cmdValidInState(cmd frame.Command) bool {
	switch s.state {
	case fsoe.StateReset:
		return cmd == frame.CmdSession
	case fsoe.StateSession:
		if s.recvRemaining > 0 {
			return cmd == frame.CmdSession
		}
		return cmd == frame.CmdConnection
	case fsoe.StateConnection:
		if s.recvRemaining > 0 {
			return cmd == frame.CmdConnection
		}
		return cmd == frame.CmdParameter
	case fsoe.StateParameter:
		if s.recvRemaining > 0 {
			return cmd == frame.CmdParameter
		}
		return cmd.IsData()
	case fsoe.StateData:
		return cmd.IsData()
	default:
		return false
	}
}

// handlePeerReset processes a Reset frame from the master. A Reset frame
// received while already in Reset state carries no new information (the
// master announces itself with one at power-on) and is ignored.
func (s *Slave) handlePeerReset(f *frame.Frame) {
	if _, ok := frame.Verify(f, 0, 0); !ok {
		if s.state != fsoe.StateReset {
			s.protocolError(fsoe.ResetInvalidCRC)
		}
		return
	}
	if s.state == fsoe.StateReset {
		return
	}
	f.CopyPayload(s.recvBuf[:s.cfg.OutputsSize])
	reason := fsoe.ResetReason(s.recvBuf[0])
	s.logger.Warn("Master reset connection: %s", reason)
	s.enterReset(fsoe.ResetEventByMaster, reason, false)
}

// onSessionFrame handles the session ID exchange. On the first Session
// frame the slave leaves Reset state and generates its own nonce; each
// received chunk of the master's nonce is answered with the same-sized
// chunk of the slave's.
func (s *Slave) onSessionFrame(f *frame.Frame) {
	if s.state == fsoe.StateReset {
		s.slaveSessionID = s.callbacks.GenerateSessionID()
		binary.LittleEndian.PutUint16(s.sessionBuf[:], s.slaveSessionID)
		s.state = fsoe.StateSession
		s.recvRemaining = len(s.peerSessionBuf)
		s.recvFill = 0
		s.logger.Debug("Entering Session state, session id generated")
	}

	n := s.chunkSize
	if n > s.recvRemaining {
		n = s.recvRemaining
	}
	f.CopyPayload(s.recvBuf[:s.cfg.OutputsSize])
	copy(s.peerSessionBuf[s.recvFill:s.recvFill+n], s.recvBuf[:n])
	off := s.recvFill
	s.recvFill += n
	s.recvRemaining -= n

	if s.recvRemaining == 0 {
		s.masterSessionID = binary.LittleEndian.Uint16(s.peerSessionBuf[:])
	}

	s.reply(frame.CmdSession, s.sessionBuf[off:off+n])
}

// onConnectionFrame handles the ConnData exchange. The first Connection
// frame is also the Session-to-Connection transition.
func (s *Slave) onConnectionFrame(f *frame.Frame) {
	if s.state == fsoe.StateSession {
		s.state = fsoe.StateConnection
		s.recvRemaining = len(s.connData)
		s.recvFill = 0
		s.logger.Debug("Entering Connection state")
	}

	n := s.storeChunk(f, s.connData[:])

	if s.recvRemaining == 0 {
		connID := binary.LittleEndian.Uint16(s.connData[0:2])
		address := binary.LittleEndian.Uint16(s.connData[2:4])
		if connID != s.connID {
			s.protocolError(fsoe.ResetInvalidConnID)
			return
		}
		if address != s.cfg.SlaveAddress {
			s.logger.Warn("Connection refused: address 0x%04X does not match 0x%04X",
				address, s.cfg.SlaveAddress)
			s.protocolError(fsoe.ResetInvalidAddress)
			return
		}
	}

	s.reply(frame.CmdConnection, s.connData[s.recvFill-n:s.recvFill])
}

// onParameterFrame handles the SafePara exchange. The communication
// parameters are checked as soon as their bytes are complete so the
// failure code names the offending field; the application parameters are
// verified by the application callback once the blob is complete.
func (s *Slave) onParameterFrame(f *frame.Frame) {
	if s.state == fsoe.StateConnection {
		s.state = fsoe.StateParameter
		s.safeParaSize = 6 + s.cfg.ApplicationParametersSize
		s.recvRemaining = s.safeParaSize
		s.recvFill = 0
		s.logger.Debug("Entering Parameter state, expecting %d bytes", s.safeParaSize)
	}

	n := s.storeChunk(f, s.safePara[:s.safeParaSize])

	if s.recvFill >= 2 && s.recvFill-n < 2 {
		if binary.LittleEndian.Uint16(s.safePara[0:2]) != 2 {
			s.protocolError(fsoe.ResetInvalidComParaLen)
			return
		}
	}
	if s.recvFill >= 4 && s.recvFill-n < 4 {
		s.watchdogMS = binary.LittleEndian.Uint16(s.safePara[2:4])
		if s.watchdogMS == 0 {
			s.protocolError(fsoe.ResetInvalidComPara)
			return
		}
	}
	if s.recvFill >= 6 && s.recvFill-n < 6 {
		size := binary.LittleEndian.Uint16(s.safePara[4:6])
		if int(size) != s.cfg.ApplicationParametersSize {
			s.protocolError(fsoe.ResetInvalidUserParaLen)
			return
		}
	}

	if s.recvRemaining == 0 {
		appParams := s.safePara[6:s.safeParaSize]
		if s.callbacks.VerifyParameters != nil {
			if code := s.callbacks.VerifyParameters(s.watchdogMS, appParams); code != fsoe.VerifyOK {
				s.logger.Warn("Parameters refused by application: code 0x%02X", code)
				s.protocolError(fsoe.ResetReason(code))
				return
			}
		}
		s.logger.Info("Parameters accepted, watchdog=%dms", s.watchdogMS)
	}

	s.reply(frame.CmdParameter, s.safePara[s.recvFill-n:s.recvFill])
}

// storeChunk copies the frame's handshake chunk into dst at the current
// fill position and advances the counters. Returns the chunk length.
func (s *Slave) storeChunk(f *frame.Frame, dst []byte) int {
	n := s.chunkSize
	if n > s.recvRemaining {
		n = s.recvRemaining
	}
	f.CopyPayload(s.recvBuf[:s.cfg.OutputsSize])
	copy(dst[s.recvFill:s.recvFill+n], s.recvBuf[:n])
	s.recvFill += n
	s.recvRemaining -= n
	return n
}

// onDataFrame stores the master's outputs and answers with the slave's
// inputs. The first Data frame is also the Parameter-to-Data transition.
func (s *Slave) onDataFrame(f *frame.Frame, inputs []byte) {
	if s.state == fsoe.StateParameter {
		s.state = fsoe.StateData
		s.processDataReceived = false
		s.logger.Info("Connection established, entering Data state")
	}

	if f.Command() == frame.CmdProcessData {
		f.CopyPayload(s.safeOutputs[:s.cfg.OutputsSize])
		s.processDataReceived = true
	} else {
		for i := range s.safeOutputs[:s.cfg.OutputsSize] {
			s.safeOutputs[i] = 0
		}
		s.processDataReceived = false
	}

	payload := s.payloadBuf[:s.cfg.InputsSize]
	if s.processDataEnabled {
		s.dataCommand = frame.CmdProcessData
		copy(payload, inputs)
	} else {
		s.dataCommand = frame.CmdFailSafeData
		for i := range payload {
			payload[i] = 0
		}
	}
	s.send(s.dataCommand, payload)
}

// reply transmits one handshake response, padded to the inputs size.
func (s *Slave) reply(cmd frame.Command, chunk []byte) {
	payload := s.payloadBuf[:s.cfg.InputsSize]
	for i := range payload {
		payload[i] = 0
	}
	copy(payload, chunk)
	s.send(cmd, payload)
}

// send encodes and transmits one PDU and maintains the CRC chain, the
// sequence counter and the watchdog. The watchdog is only armed once the
// timeout is known, which is from the Parameter exchange onward.
func (s *Slave) send(cmd frame.Command, payload []byte) {
	var seq, seed uint16
	if cmd != frame.CmdReset {
		s.localSeqNo = nextSeqNo(s.localSeqNo)
		seq = s.localSeqNo
		seed = s.lastCRC
	}

	tail, err := frame.Encode(s.channel.SentFrame(), cmd, seq, payload, s.connID, seed)
	if err != nil {
		s.logger.Error("Frame encode failed: %v", err)
		return
	}

	if cmd != frame.CmdReset {
		s.lastCRC = tail
		s.oldLocalCRC = tail
		if s.watchdogMS != 0 {
			s.wd.Arm(uint32(s.watchdogMS))
		}
	}
	s.channel.Transmit()
}

// protocolError resets the connection because of a locally detected
// protocol violation.
func (s *Slave) protocolError(reason fsoe.ResetReason) {
	s.logger.Warn("Protocol error in %s state: %s", s.state, reason)
	s.enterReset(fsoe.ResetEventBySlave, reason, true)
}

// enterReset moves the state machine to Reset state and waits for the
// master to start over. When sendFrame is set, a Reset frame carrying the
// reason code is transmitted first.
func (s *Slave) enterReset(event fsoe.ResetEvent, reason fsoe.ResetReason, sendFrame bool) {
	if sendFrame {
		payload := s.payloadBuf[:s.cfg.InputsSize]
		for i := range payload {
			payload[i] = 0
		}
		payload[0] = byte(reason)
		s.send(frame.CmdReset, payload)
	}

	s.wd.Disarm()
	s.state = fsoe.StateReset
	s.connID = 0
	s.watchdogMS = 0
	s.processDataEnabled = false
	s.processDataReceived = false
	for i := range s.safeOutputs {
		s.safeOutputs[i] = 0
	}
	s.localSeqNo = 0
	s.peerSeqNo = s.initSeqNo - 1
	s.lastCRC = 0
	s.oldLocalCRC = 0
	s.oldPeerCRC = 0
	s.recvRemaining = 0
	s.recvFill = 0
	s.channel.Reset()

	s.commFaultReason = reason
	s.resetEvent = event
	s.resetReason = reason
}

// userError reports an API misuse and returns it.
func (s *Slave) userError(e fsoe.UserError) error {
	if s.callbacks.HandleUserError != nil {
		s.callbacks.HandleUserError(e)
	}
	return e
}

// GetState returns the current state of the slave state machine.
func (s *Slave) GetState() fsoe.State {
	if s == nil || !s.initialized {
		return fsoe.StateReset
	}
	return s.state
}

// TimeUntilTimeoutMS returns the time remaining until watchdog expiry in
// milliseconds, or watchdog.NotRunning when the timer is not armed.
func (s *Slave) TimeUntilTimeoutMS() uint32 {
	if s == nil || !s.initialized {
		return watchdog.NotRunning
	}
	return s.wd.RemainingMS()
}

// IsSendingProcessDataEnabled reports whether the application currently
// allows valid process data to be sent.
func (s *Slave) IsSendingProcessDataEnabled() bool {
	return s != nil && s.initialized && s.processDataEnabled
}

// EnableSendingProcessData allows the slave to send valid process data
// once the connection is in Data state. Any detected error reverts it.
func (s *Slave) EnableSendingProcessData() error {
	if s == nil {
		return fsoe.UserErrorNilInstance
	}
	if !s.initialized {
		return s.userError(fsoe.UserErrorUninitializedInstance)
	}
	s.processDataEnabled = true
	return nil
}

// DisableSendingProcessData makes the slave send fail-safe data only.
func (s *Slave) DisableSendingProcessData() error {
	if s == nil {
		return fsoe.UserErrorNilInstance
	}
	if !s.initialized {
		return s.userError(fsoe.UserErrorUninitializedInstance)
	}
	s.processDataEnabled = false
	return nil
}

// SetResetRequestFlag requests a connection reset. The reset is performed
// at the start of the next SyncWithMaster cycle.
func (s *Slave) SetResetRequestFlag() error {
	if s == nil {
		return fsoe.UserErrorNilInstance
	}
	if !s.initialized {
		return s.userError(fsoe.UserErrorUninitializedInstance)
	}
	s.resetRequested = true
	return nil
}

// ResetConnection is an alias for SetResetRequestFlag.
func (s *Slave) ResetConnection() error {
	return s.SetResetRequestFlag()
}

// GetSlaveSessionID returns the slave's session nonce for the current
// connection attempt. Only valid once Session state has been entered.
func (s *Slave) GetSlaveSessionID() (uint16, error) {
	if s == nil {
		return 0, fsoe.UserErrorNilInstance
	}
	if !s.initialized {
		return 0, s.userError(fsoe.UserErrorUninitializedInstance)
	}
	if s.state == fsoe.StateReset {
		return 0, s.userError(fsoe.UserErrorWrongInstanceState)
	}
	return s.slaveSessionID, nil
}

// WatchdogTimeoutMS returns the watchdog timeout received from the
// master, or zero before the Parameter exchange delivered it.
func (s *Slave) WatchdogTimeoutMS() uint16 {
	if s == nil || !s.initialized {
		return 0
	}
	return s.watchdogMS
}

// ChannelStats returns frame counters for the underlying channel.
func (s *Slave) ChannelStats() *channel.Statistics {
	return s.channel.Stats()
}
