// Package master implements the FSoE master state machine.
//
// A master handles the connection with a single FSoE slave. After
// power-on it repeatedly tries to establish a connection (Session,
// Connection and Parameter states); once in Data state it sends outputs
// every cycle and receives the slave's inputs. Any communication error
// resets the connection, disables process-data sending and starts
// re-establishment on the next cycle.
//
// The master talks to its slave exclusively through a black channel
// (channel.Transport); all integrity guarantees come from the CRC chain,
// the virtual sequence numbers and the watchdog.
package master

import (
	"encoding/binary"

	"github.com/mhalvors/fsoe-go/pkg/channel"
	"github.com/mhalvors/fsoe-go/pkg/frame"
	"github.com/mhalvors/fsoe-go/pkg/fsoe"
	"github.com/mhalvors/fsoe-go/pkg/logger"
	"github.com/mhalvors/fsoe-go/pkg/watchdog"
)

// Master is an FSoE master instance. It is not safe for concurrent use;
// one goroutine drives it through SyncWithSlave.
type Master struct {
	cfg       Config
	callbacks Callbacks
	logger    logger.Logger
	channel   *channel.Channel
	wd        *watchdog.Watchdog

	// Protocol variables (ETG.5100 table 32)
	state       fsoe.State
	localSeqNo  uint16
	peerSeqNo   uint16
	lastCRC     uint16
	oldLocalCRC uint16
	oldPeerCRC  uint16
	dataCommand frame.Command

	masterSessionID    uint16
	slaveSessionID     uint16
	haveSlaveSessionID bool
	connID             uint16 // zero until Connection state

	// Handshake payload streaming
	stream                 []byte
	bytesToBeSent          int
	lastChunkOff           int
	lastChunkLen           int
	chunkSize              int
	secondSessionFrameSent bool

	sessionBuf     [2]byte
	peerSessionBuf [2]byte
	connData       [4]byte
	safePara       [6 + fsoe.MaxApplicationParametersSize]byte
	safeParaSize   int

	// Process data
	processDataEnabled  bool
	processDataReceived bool
	safeInputs          [frame.MaxDataSize]byte
	payloadBuf          [frame.MaxDataSize]byte
	echoBuf             [frame.MaxDataSize]byte

	resetRequested   bool
	initialResetSent bool
	commFaultReason  fsoe.ResetReason

	// Status latched for the current cycle
	resetEvent  fsoe.ResetEvent
	resetReason fsoe.ResetReason

	initialized bool
}

// New creates a master instance bound to a black-channel transport.
// A nil log selects the no-op logger. A nil clock selects the system
// clock; tests inject their own.
func New(cfg Config, callbacks Callbacks, t channel.Transport, log logger.Logger, clock watchdog.Clock) (*Master, error) {
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

	ch, err := channel.New(t, cfg.OutputsSize, cfg.InputsSize)
	if err != nil {
		return nil, err
	}

	m := &Master{
		cfg:             cfg,
		callbacks:       callbacks,
		logger:          log,
		channel:         ch,
		wd:              watchdog.New(clock),
		state:           fsoe.StateReset,
		dataCommand:     frame.CmdFailSafeData,
		chunkSize:       handshakeChunkSize(cfg.OutputsSize, cfg.InputsSize),
		commFaultReason: fsoe.ResetLocalReset,
		initialized:     true,
	}

	m.logger.Info("Master created: slave=0x%04X, connid=0x%04X, watchdog=%dms",
		cfg.SlaveAddress, cfg.ConnectionID, cfg.WatchdogTimeoutMS)
	return m, nil
}

// handshakeChunkSize returns the number of handshake payload bytes carried
// per PDU. When either process data direction is a single byte, both
// directions fall back to one byte per PDU so the two endpoints stay in
// lockstep (the "second session frame" case).
func handshakeChunkSize(outputsSize, inputsSize int) int {
	if outputsSize == 1 || inputsSize == 1 {
		return 1
	}
	return 2
}

// nextSeqNo advances a virtual sequence number. Zero is reserved for
// Reset frames, so the counter wraps from 0xFFFF back to 1.
func nextSeqNo(s uint16) uint16 {
	if s == 0xFFFF {
		return 1
	}
	return s + 1
}

// SyncWithSlave runs one cycle of the master state machine: at most one
// frame is received, at most one frame is sent, the watchdog is evaluated
// and the status surface updated.
//
// outputs must be OutputsSize bytes; it is only read while the call runs.
// inputs must be InputsSize bytes and receives the slave's latest process
// data, or zeroes when none is valid (see status.IsProcessDataReceived).
//
// Call it periodically; a period of half the watchdog timeout is a good
// choice.
func (m *Master) SyncWithSlave(outputs []byte, inputs []byte, status *fsoe.SyncStatus) error {
	if m == nil {
		return fsoe.UserErrorNilInstance
	}
	if !m.initialized {
		return m.userError(fsoe.UserErrorUninitializedInstance)
	}
	if outputs == nil || inputs == nil || status == nil ||
		len(outputs) != m.cfg.OutputsSize || len(inputs) != m.cfg.InputsSize {
		return m.userError(fsoe.UserErrorNilArgument)
	}

	m.resetEvent = fsoe.ResetEventNone

	switch {
	case m.resetRequested:
		m.resetRequested = false
		m.enterReset(fsoe.ResetEventByMaster, fsoe.ResetLocalReset, true)
	case m.state == fsoe.StateReset:
		if !m.initialResetSent {
			// Power-on announcement: one Reset frame carrying the local
			// reset code, before the first connection attempt.
			m.initialResetSent = true
			m.sendReset(m.commFaultReason)
		} else {
			m.startSession()
		}
	default:
		if m.channel.Poll() {
			m.handleFrame(outputs)
		} else if m.wd.Expired() {
			m.logger.Warn("Watchdog expired in %s state", m.state)
			m.enterReset(fsoe.ResetEventByMaster, fsoe.ResetWdExpired, true)
		}
	}

	if m.processDataReceived {
		copy(inputs, m.safeInputs[:len(inputs)])
	} else {
		for i := range inputs {
			inputs[i] = 0
		}
	}

	status.CurrentState = m.state
	status.IsProcessDataReceived = m.processDataReceived
	status.ResetEvent = m.resetEvent
	status.ResetReason = m.resetReason
	return nil
}

// startSession leaves Reset state: a fresh session nonce is generated and
// the first Session frame transmitted.
func (m *Master) startSession() {
	m.masterSessionID = m.callbacks.GenerateSessionID()
	binary.LittleEndian.PutUint16(m.sessionBuf[:], m.masterSessionID)

	m.localSeqNo = 0
	m.peerSeqNo = 0
	m.lastCRC = 0
	m.oldLocalCRC = 0
	m.oldPeerCRC = 0
	m.haveSlaveSessionID = false
	m.secondSessionFrameSent = false

	m.stream = m.sessionBuf[:]
	m.bytesToBeSent = len(m.sessionBuf)
	m.state = fsoe.StateSession
	m.logger.Debug("Entering Session state, session id generated")
	m.sendNextChunk(frame.CmdSession)
}

// handleFrame processes one newly received PDU.
func (m *Master) handleFrame(outputs []byte) {
	f := m.channel.Received()
	cmd := f.Command()

	if cmd == frame.CmdReset {
		m.handlePeerReset(f)
		return
	}
	if !cmd.Known() {
		m.protocolError(fsoe.ResetUnknownCmd)
		return
	}
	if !m.cmdValidInState(cmd) {
		m.protocolError(fsoe.ResetInvalidCmd)
		return
	}
	if f.ConnectionID() != m.connID {
		m.protocolError(fsoe.ResetInvalidConnID)
		return
	}

	expSeq := nextSeqNo(m.peerSeqNo)
	tail, ok := frame.Verify(f, expSeq, m.lastCRC)
	if !ok {
		m.protocolError(fsoe.ResetInvalidCRC)
		return
	}
	m.peerSeqNo = expSeq
	m.lastCRC = tail
	m.oldPeerCRC = tail

	switch m.state {
	case fsoe.StateSession:
		m.onSessionFrame(f)
	case fsoe.StateConnection, fsoe.StateParameter:
		m.onHandshakeEcho(f, outputs)
	case fsoe.StateData:
		m.onDataFrame(f, outputs)
	}
}

// cmdValidInState reports whether cmd is expected in the current state.
func (m *Master) cmdValidInState(cmd frame.Command) bool {
	switch m.state {
	case fsoe.StateSession:
		return cmd == frame.CmdSession
	case fsoe.StateConnection:
		return cmd == frame.CmdConnection
	case fsoe.StateParameter:
		return cmd == frame.CmdParameter
	case fsoe.StateData:
		return cmd.IsData()
	default:
		return false
	}
}

// handlePeerReset processes a Reset frame from the slave. Reset frames
// always use sequence number zero and a zero CRC seed, so they are
// verifiable regardless of how far the two chains have diverged.
func (m *Master) handlePeerReset(f *frame.Frame) {
	if _, ok := frame.Verify(f, 0, 0); !ok {
		m.protocolError(fsoe.ResetInvalidCRC)
		return
	}
	f.CopyPayload(m.echoBuf[:m.cfg.InputsSize])
	reason := fsoe.ResetReason(m.echoBuf[0])
	m.logger.Warn("Slave reset connection: %s", reason)
	// The master acknowledges every entry to Reset state with a Reset
	// frame of its own; a slave already in Reset state ignores it.
	m.enterReset(fsoe.ResetEventBySlave, reason, true)
}

// onSessionFrame consumes a chunk of the slave's session ID and either
// continues the session exchange or moves on to the Connection state.
func (m *Master) onSessionFrame(f *frame.Frame) {
	f.CopyPayload(m.echoBuf[:m.cfg.InputsSize])
	copy(m.peerSessionBuf[m.lastChunkOff:m.lastChunkOff+m.lastChunkLen], m.echoBuf[:m.lastChunkLen])

	if m.bytesToBeSent > 0 {
		// One session ID byte per frame; exchange the second halves.
		m.sendNextChunk(frame.CmdSession)
		return
	}

	m.slaveSessionID = binary.LittleEndian.Uint16(m.peerSessionBuf[:])
	m.haveSlaveSessionID = true

	// Session complete; transfer the connection data.
	m.connID = m.cfg.ConnectionID
	binary.LittleEndian.PutUint16(m.connData[0:2], m.cfg.ConnectionID)
	binary.LittleEndian.PutUint16(m.connData[2:4], m.cfg.SlaveAddress)
	m.stream = m.connData[:]
	m.bytesToBeSent = len(m.connData)
	m.state = fsoe.StateConnection
	m.logger.Debug("Entering Connection state")
	m.sendNextChunk(frame.CmdConnection)
}

// onHandshakeEcho validates that the slave echoed the exact chunk sent in
// the previous cycle, then advances the Connection/Parameter stream.
func (m *Master) onHandshakeEcho(f *frame.Frame, outputs []byte) {
	f.CopyPayload(m.echoBuf[:m.cfg.InputsSize])
	for i := 0; i < m.lastChunkLen; i++ {
		if m.echoBuf[i] != m.stream[m.lastChunkOff+i] {
			m.protocolError(fsoe.ResetInvalidData)
			return
		}
	}

	if m.bytesToBeSent > 0 {
		m.sendNextChunk(f.Command())
		return
	}

	switch m.state {
	case fsoe.StateConnection:
		m.buildSafePara()
		m.stream = m.safePara[:m.safeParaSize]
		m.bytesToBeSent = m.safeParaSize
		m.state = fsoe.StateParameter
		m.logger.Debug("Entering Parameter state, %d parameter bytes", m.safeParaSize)
		m.sendNextChunk(frame.CmdParameter)
	case fsoe.StateParameter:
		m.state = fsoe.StateData
		m.processDataReceived = false
		m.logger.Info("Connection established, entering Data state")
		m.sendData(outputs)
	}
}

// buildSafePara encodes the SafePara payload: watchdog length word,
// watchdog timeout, application parameter length, application parameters
// (ETG.5100 ch. 8.2.2.5 table 18).
func (m *Master) buildSafePara() {
	binary.LittleEndian.PutUint16(m.safePara[0:2], 2)
	binary.LittleEndian.PutUint16(m.safePara[2:4], m.cfg.WatchdogTimeoutMS)
	binary.LittleEndian.PutUint16(m.safePara[4:6], uint16(len(m.cfg.ApplicationParameters)))
	copy(m.safePara[6:], m.cfg.ApplicationParameters)
	m.safeParaSize = 6 + len(m.cfg.ApplicationParameters)
}

// onDataFrame stores the slave's inputs and answers with the next outputs.
func (m *Master) onDataFrame(f *frame.Frame, outputs []byte) {
	if f.Command() == frame.CmdProcessData {
		f.CopyPayload(m.safeInputs[:m.cfg.InputsSize])
		m.processDataReceived = true
	} else {
		for i := range m.safeInputs[:m.cfg.InputsSize] {
			m.safeInputs[i] = 0
		}
		m.processDataReceived = false
	}
	m.sendData(outputs)
}

// sendData transmits one Data state frame. The data command follows the
// process-data enable flag: fail-safe frames always carry zeroes.
func (m *Master) sendData(outputs []byte) {
	payload := m.payloadBuf[:m.cfg.OutputsSize]
	if m.processDataEnabled {
		m.dataCommand = frame.CmdProcessData
		copy(payload, outputs)
	} else {
		m.dataCommand = frame.CmdFailSafeData
		for i := range payload {
			payload[i] = 0
		}
	}
	m.send(m.dataCommand, payload)
}

// sendNextChunk transmits the next chunk of the current handshake stream,
// padded to the outputs size.
func (m *Master) sendNextChunk(cmd frame.Command) {
	n := m.chunkSize
	if n > m.bytesToBeSent {
		n = m.bytesToBeSent
	}
	off := len(m.stream) - m.bytesToBeSent
	m.lastChunkOff = off
	m.lastChunkLen = n
	m.bytesToBeSent -= n

	if cmd == frame.CmdSession && off > 0 {
		m.secondSessionFrameSent = true
	}

	payload := m.payloadBuf[:m.cfg.OutputsSize]
	for i := range payload {
		payload[i] = 0
	}
	copy(payload, m.stream[off:off+n])
	m.send(cmd, payload)
}

// send encodes and transmits one PDU and maintains the CRC chain, the
// sequence counter and the watchdog. Reset frames stand outside the
// chain: sequence number zero, seed zero, and they do not arm the
// watchdog.
func (m *Master) send(cmd frame.Command, payload []byte) {
	var seq, seed uint16
	if cmd != frame.CmdReset {
		m.localSeqNo = nextSeqNo(m.localSeqNo)
		seq = m.localSeqNo
		seed = m.lastCRC
	}

	tail, err := frame.Encode(m.channel.SentFrame(), cmd, seq, payload, m.connID, seed)
	if err != nil {
		// Encode only fails on internal sizing bugs; drop the frame and
		// let the watchdog recover the connection.
		m.logger.Error("Frame encode failed: %v", err)
		return
	}

	if cmd != frame.CmdReset {
		m.lastCRC = tail
		m.oldLocalCRC = tail
		m.wd.Arm(uint32(m.cfg.WatchdogTimeoutMS))
	}
	m.channel.Transmit()
}

// sendReset transmits one Reset frame carrying the reason code.
func (m *Master) sendReset(reason fsoe.ResetReason) {
	payload := m.payloadBuf[:m.cfg.OutputsSize]
	for i := range payload {
		payload[i] = 0
	}
	payload[0] = byte(reason)
	m.send(frame.CmdReset, payload)
}

// protocolError resets the connection because of a locally detected
// protocol violation.
func (m *Master) protocolError(reason fsoe.ResetReason) {
	m.logger.Warn("Protocol error in %s state: %s", m.state, reason)
	m.enterReset(fsoe.ResetEventByMaster, reason, true)
}

// enterReset moves the state machine to Reset state. When sendFrame is
// set, a Reset frame carrying the reason code is transmitted first so the
// slave tears its side down too.
func (m *Master) enterReset(event fsoe.ResetEvent, reason fsoe.ResetReason, sendFrame bool) {
	if sendFrame {
		m.sendReset(reason)
	}

	m.wd.Disarm()
	m.state = fsoe.StateReset
	m.connID = 0
	m.processDataEnabled = false
	m.processDataReceived = false
	for i := range m.safeInputs {
		m.safeInputs[i] = 0
	}
	m.localSeqNo = 0
	m.peerSeqNo = 0
	m.lastCRC = 0
	m.oldLocalCRC = 0
	m.oldPeerCRC = 0
	m.bytesToBeSent = 0
	m.secondSessionFrameSent = false
	m.haveSlaveSessionID = false
	m.channel.Reset()

	m.commFaultReason = reason
	m.resetEvent = event
	m.resetReason = reason
}

// userError reports an API misuse and returns it.
func (m *Master) userError(e fsoe.UserError) error {
	if m.callbacks.HandleUserError != nil {
		m.callbacks.HandleUserError(e)
	}
	return e
}

// GetState returns the current state of the master state machine.
func (m *Master) GetState() fsoe.State {
	if m == nil || !m.initialized {
		return fsoe.StateReset
	}
	return m.state
}

// TimeUntilTimeoutMS returns the time remaining until watchdog expiry in
// milliseconds, or watchdog.NotRunning when the timer is not armed.
// Mainly useful for tests.
func (m *Master) TimeUntilTimeoutMS() uint32 {
	if m == nil || !m.initialized {
		return watchdog.NotRunning
	}
	return m.wd.RemainingMS()
}

// IsSendingProcessDataEnabled reports whether the application currently
// allows valid process data to be sent. The master still sends fail-safe
// data until the connection reaches Data state.
func (m *Master) IsSendingProcessDataEnabled() bool {
	return m != nil && m.initialized && m.processDataEnabled
}

// EnableSendingProcessData allows the master to send valid process data.
// The flag may be set at any time; it takes effect in Data state. Any
// detected error reverts it.
func (m *Master) EnableSendingProcessData() error {
	if m == nil {
		return fsoe.UserErrorNilInstance
	}
	if !m.initialized {
		return m.userError(fsoe.UserErrorUninitializedInstance)
	}
	m.processDataEnabled = true
	return nil
}

// DisableSendingProcessData makes the master send fail-safe data only.
// This is the power-on default and the state after every detected error.
func (m *Master) DisableSendingProcessData() error {
	if m == nil {
		return fsoe.UserErrorNilInstance
	}
	if !m.initialized {
		return m.userError(fsoe.UserErrorUninitializedInstance)
	}
	m.processDataEnabled = false
	return nil
}

// SetResetRequestFlag requests a connection reset. The reset is performed
// at the start of the next SyncWithSlave cycle and surfaces there as a
// local reset event.
func (m *Master) SetResetRequestFlag() error {
	if m == nil {
		return fsoe.UserErrorNilInstance
	}
	if !m.initialized {
		return m.userError(fsoe.UserErrorUninitializedInstance)
	}
	m.resetRequested = true
	return nil
}

// ResetConnection is an alias for SetResetRequestFlag.
func (m *Master) ResetConnection() error {
	return m.SetResetRequestFlag()
}

// GetMasterSessionID returns the master's session nonce for the current
// connection attempt. Only valid once Session state has been entered.
func (m *Master) GetMasterSessionID() (uint16, error) {
	if m == nil {
		return 0, fsoe.UserErrorNilInstance
	}
	if !m.initialized {
		return 0, m.userError(fsoe.UserErrorUninitializedInstance)
	}
	if m.state == fsoe.StateReset {
		return 0, m.userError(fsoe.UserErrorWrongInstanceState)
	}
	return m.masterSessionID, nil
}

// GetSlaveSessionID returns the slave's session nonce. Only valid once
// the session exchange has completed (Connection state and later).
func (m *Master) GetSlaveSessionID() (uint16, error) {
	if m == nil {
		return 0, fsoe.UserErrorNilInstance
	}
	if !m.initialized {
		return 0, m.userError(fsoe.UserErrorUninitializedInstance)
	}
	if !m.haveSlaveSessionID {
		return 0, m.userError(fsoe.UserErrorWrongInstanceState)
	}
	return m.slaveSessionID, nil
}

// ChannelStats returns frame counters for the underlying channel.
func (m *Master) ChannelStats() *channel.Statistics {
	return m.channel.Stats()
}
