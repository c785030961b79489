package slave

import (
	"encoding/binary"
	"testing"

	"github.com/mhalvors/fsoe-go/pkg/channel"
	"github.com/mhalvors/fsoe-go/pkg/frame"
	"github.com/mhalvors/fsoe-go/pkg/fsoe"
)

func validConfig() Config {
	return Config{
		SlaveAddress: 0x0304,
		InputsSize:   2,
		OutputsSize:  2,
	}
}

// TestConfig_Validate tests the configuration constraints
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "valid", mutate: func(c *Config) {}, wantErr: nil},
		{
			name:    "odd inputs size",
			mutate:  func(c *Config) { c.InputsSize = 5 },
			wantErr: fsoe.ErrBadProcessDataSize,
		},
		{
			name:    "outputs size too large",
			mutate:  func(c *Config) { c.OutputsSize = 128 },
			wantErr: fsoe.ErrBadProcessDataSize,
		},
		{
			name:    "application parameters too large",
			mutate:  func(c *Config) { c.ApplicationParametersSize = 300 },
			wantErr: fsoe.ErrBadAppParameters,
		},
		{
			name:    "one byte sizes are legal",
			mutate:  func(c *Config) { c.InputsSize = 1; c.OutputsSize = 1 },
			wantErr: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err != tt.wantErr {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestSyncWithMaster_ArgumentChecks tests the API misuse ladder
func TestSyncWithMaster_ArgumentChecks(t *testing.T) {
	tr, _ := channel.NewLoopbackPair()
	var reported int
	s, err := New(validConfig(), Callbacks{
		HandleUserError: func(fsoe.UserError) { reported++ },
	}, tr, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	inputs := make([]byte, 2)
	outputs := make([]byte, 2)
	var status fsoe.SyncStatus

	if err := s.SyncWithMaster(nil, outputs, &status); err != fsoe.UserErrorNilArgument {
		t.Errorf("nil inputs: %v, want UserErrorNilArgument", err)
	}
	if err := s.SyncWithMaster(inputs, outputs[:1], &status); err != fsoe.UserErrorNilArgument {
		t.Errorf("short outputs: %v, want UserErrorNilArgument", err)
	}
	if err := s.SyncWithMaster(inputs, outputs, nil); err != fsoe.UserErrorNilArgument {
		t.Errorf("nil status: %v, want UserErrorNilArgument", err)
	}
	if reported != 3 {
		t.Errorf("callback invoked %d times, want 3", reported)
	}

	var uninit Slave
	if err := uninit.SyncWithMaster(inputs, outputs, &status); err != fsoe.UserErrorUninitializedInstance {
		t.Errorf("uninitialized: %v, want UserErrorUninitializedInstance", err)
	}
}

// scriptedMaster drives a slave with hand-encoded PDUs, tracking the CRC
// chain the way a real master would
type scriptedMaster struct {
	t  *testing.T
	tr *channel.Loopback

	seqNo   uint16
	peerSeq uint16
	lastCRC uint16
	connID  uint16

	sendFrame *frame.Frame
	recvFrame *frame.Frame
}

func newScriptedMaster(t *testing.T, tr *channel.Loopback) *scriptedMaster {
	sendFrame, err := frame.New(2)
	if err != nil {
		t.Fatalf("frame.New failed: %v", err)
	}
	recvFrame, err := frame.New(2)
	if err != nil {
		t.Fatalf("frame.New failed: %v", err)
	}
	return &scriptedMaster{t: t, tr: tr, sendFrame: sendFrame, recvFrame: recvFrame}
}

// send encodes and transmits one PDU on the master's chain.
func (sm *scriptedMaster) send(cmd frame.Command, payload []byte) {
	sm.t.Helper()
	sm.seqNo++
	tail, err := frame.Encode(sm.sendFrame, cmd, sm.seqNo, payload, sm.connID, sm.lastCRC)
	if err != nil {
		sm.t.Fatalf("Encode failed: %v", err)
	}
	sm.lastCRC = tail
	sm.tr.Send(sm.sendFrame.Bytes())
}

// recv reads and verifies the slave's reply, returning its command and
// payload.
func (sm *scriptedMaster) recv() (frame.Command, []byte) {
	sm.t.Helper()
	if n := sm.tr.Recv(sm.recvFrame.Bytes()); n != sm.recvFrame.Size() {
		sm.t.Fatalf("no reply from slave (n=%d)", n)
	}
	if sm.recvFrame.Command() == frame.CmdReset {
		payload := make([]byte, 2)
		sm.recvFrame.CopyPayload(payload)
		return frame.CmdReset, payload
	}
	sm.peerSeq++
	tail, ok := frame.Verify(sm.recvFrame, sm.peerSeq, sm.lastCRC)
	if !ok {
		sm.t.Fatal("slave reply failed CRC verification")
	}
	sm.lastCRC = tail
	payload := make([]byte, 2)
	sm.recvFrame.CopyPayload(payload)
	return sm.recvFrame.Command(), payload
}

func newTestSlave(t *testing.T, cfg Config) (*Slave, *scriptedMaster, func()) {
	t.Helper()
	masterSide, slaveSide := channel.NewLoopbackPair()
	s, err := New(cfg, Callbacks{
		GenerateSessionID: func() uint16 { return 0xCAFE },
	}, slaveSide, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	inputs := make([]byte, cfg.InputsSize)
	outputs := make([]byte, cfg.OutputsSize)
	var status fsoe.SyncStatus
	sync := func() {
		if err := s.SyncWithMaster(inputs, outputs, &status); err != nil {
			t.Fatalf("SyncWithMaster failed: %v", err)
		}
	}
	return s, newScriptedMaster(t, masterSide), sync
}

// TestSlave_SessionExchange tests that the slave answers a Session frame
// with its own nonce on the chained CRC
func TestSlave_SessionExchange(t *testing.T) {
	s, sm, sync := newTestSlave(t, validConfig())

	sid := []byte{0x34, 0x12}
	sm.send(frame.CmdSession, sid)
	sync()

	cmd, payload := sm.recv()
	if cmd != frame.CmdSession {
		t.Fatalf("reply command = %v, want Session", cmd)
	}
	if binary.LittleEndian.Uint16(payload) != 0xCAFE {
		t.Errorf("slave session id = 0x%04X, want 0xCAFE", binary.LittleEndian.Uint16(payload))
	}
	if s.GetState() != fsoe.StateSession {
		t.Errorf("state = %v, want Session", s.GetState())
	}
	if id, err := s.GetSlaveSessionID(); err != nil || id != 0xCAFE {
		t.Errorf("GetSlaveSessionID = 0x%04X/%v, want 0xCAFE/nil", id, err)
	}
}

// TestSlave_RejectsWrongFirstCommand tests that a handshake started with
// the wrong command resets with INVALID_CMD
func TestSlave_RejectsWrongFirstCommand(t *testing.T) {
	s, sm, sync := newTestSlave(t, validConfig())

	sm.connID = 8
	sm.send(frame.CmdConnection, []byte{0x08, 0x00})
	sync()

	cmd, payload := sm.recv()
	if cmd != frame.CmdReset {
		t.Fatalf("reply command = %v, want Reset", cmd)
	}
	if fsoe.ResetReason(payload[0]) != fsoe.ResetInvalidCmd {
		t.Errorf("reset code = %d, want InvalidCmd", payload[0])
	}
	if s.GetState() != fsoe.StateReset {
		t.Errorf("state = %v, want Reset", s.GetState())
	}
}

// TestSlave_RejectsUnknownCommand tests the UNKNOWN_CMD taxonomy
func TestSlave_RejectsUnknownCommand(t *testing.T) {
	_, sm, sync := newTestSlave(t, validConfig())

	sm.send(frame.Command(0x7F), []byte{0x00, 0x00})
	sync()

	cmd, payload := sm.recv()
	if cmd != frame.CmdReset {
		t.Fatalf("reply command = %v, want Reset", cmd)
	}
	if fsoe.ResetReason(payload[0]) != fsoe.ResetUnknownCmd {
		t.Errorf("reset code = %d, want UnknownCmd", payload[0])
	}
}

// TestSlave_RejectsCorruptSessionFrame tests the INVALID_CRC taxonomy
func TestSlave_RejectsCorruptSessionFrame(t *testing.T) {
	_, sm, sync := newTestSlave(t, validConfig())

	// Encode a valid session frame, then flip one payload bit in transit.
	sm.seqNo++
	tail, err := frame.Encode(sm.sendFrame, frame.CmdSession, sm.seqNo, []byte{0x34, 0x12}, 0, 0)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	sm.lastCRC = tail
	raw := append([]byte(nil), sm.sendFrame.Bytes()...)
	raw[1] ^= 0x01
	sm.tr.Send(raw)
	sync()

	cmd, payload := sm.recv()
	if cmd != frame.CmdReset {
		t.Fatalf("reply command = %v, want Reset", cmd)
	}
	if fsoe.ResetReason(payload[0]) != fsoe.ResetInvalidCRC {
		t.Errorf("reset code = %d, want InvalidCRC", payload[0])
	}
}

// TestSlave_RejectsZeroConnID tests that a Connection frame assigning
// connection ID zero is refused
func TestSlave_RejectsZeroConnID(t *testing.T) {
	_, sm, sync := newTestSlave(t, validConfig())

	sm.send(frame.CmdSession, []byte{0x34, 0x12})
	sync()
	sm.recv()

	// connID left at zero: the assignment frame is invalid.
	sm.send(frame.CmdConnection, []byte{0x00, 0x00})
	sync()

	cmd, payload := sm.recv()
	if cmd != frame.CmdReset {
		t.Fatalf("reply command = %v, want Reset", cmd)
	}
	if fsoe.ResetReason(payload[0]) != fsoe.ResetInvalidConnID {
		t.Errorf("reset code = %d, want InvalidConnID", payload[0])
	}
}

// TestSlave_ConnectionEcho tests the ConnData echo and address check
func TestSlave_ConnectionEcho(t *testing.T) {
	s, sm, sync := newTestSlave(t, validConfig())

	sm.send(frame.CmdSession, []byte{0x34, 0x12})
	sync()
	sm.recv()

	sm.connID = 8
	sm.send(frame.CmdConnection, []byte{0x08, 0x00}) // ConnId
	sync()
	cmd, payload := sm.recv()
	if cmd != frame.CmdConnection || payload[0] != 0x08 || payload[1] != 0x00 {
		t.Fatalf("first echo = %v % X, want Connection 08 00", cmd, payload)
	}
	if s.GetState() != fsoe.StateConnection {
		t.Errorf("state = %v, want Connection", s.GetState())
	}

	sm.send(frame.CmdConnection, []byte{0x04, 0x03}) // SlaveAddress 0x0304
	sync()
	cmd, payload = sm.recv()
	if cmd != frame.CmdConnection || payload[0] != 0x04 || payload[1] != 0x03 {
		t.Fatalf("second echo = %v % X, want Connection 04 03", cmd, payload)
	}
}

// TestSlave_ParameterChecks tests the slave-only parameter taxonomy
func TestSlave_ParameterChecks(t *testing.T) {
	tests := []struct {
		name     string
		chunks   [][]byte
		wantCode fsoe.ResetReason
	}{
		{
			name:     "wrong watchdog length word",
			chunks:   [][]byte{{0x03, 0x00}},
			wantCode: fsoe.ResetInvalidComParaLen,
		},
		{
			name:     "zero watchdog timeout",
			chunks:   [][]byte{{0x02, 0x00}, {0x00, 0x00}},
			wantCode: fsoe.ResetInvalidComPara,
		},
		{
			name:     "wrong application parameter length",
			chunks:   [][]byte{{0x02, 0x00}, {0x64, 0x00}, {0x05, 0x00}},
			wantCode: fsoe.ResetInvalidUserParaLen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, sm, sync := newTestSlave(t, validConfig())

			sm.send(frame.CmdSession, []byte{0x34, 0x12})
			sync()
			sm.recv()

			sm.connID = 8
			sm.send(frame.CmdConnection, []byte{0x08, 0x00})
			sync()
			sm.recv()
			sm.send(frame.CmdConnection, []byte{0x04, 0x03})
			sync()
			sm.recv()

			var cmd frame.Command
			var payload []byte
			for _, chunk := range tt.chunks {
				sm.send(frame.CmdParameter, chunk)
				sync()
				cmd, payload = sm.recv()
			}

			if cmd != frame.CmdReset {
				t.Fatalf("reply command = %v, want Reset", cmd)
			}
			if fsoe.ResetReason(payload[0]) != tt.wantCode {
				t.Errorf("reset code = %d, want %v", payload[0], tt.wantCode)
			}
		})
	}
}

// TestSlave_IgnoresPowerOnReset tests that a Reset frame in Reset state
// carries no event
func TestSlave_IgnoresPowerOnReset(t *testing.T) {
	masterSide, slaveSide := channel.NewLoopbackPair()
	s, err := New(validConfig(), Callbacks{}, slaveSide, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	resetFrame, _ := frame.New(2)
	if _, err := frame.Encode(resetFrame, frame.CmdReset, 0, []byte{0x00, 0x00}, 0, 0); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	masterSide.Send(resetFrame.Bytes())

	inputs := make([]byte, 2)
	outputs := make([]byte, 2)
	var status fsoe.SyncStatus
	if err := s.SyncWithMaster(inputs, outputs, &status); err != nil {
		t.Fatalf("SyncWithMaster failed: %v", err)
	}

	if status.ResetEvent != fsoe.ResetEventNone {
		t.Errorf("reset event = %v, want None", status.ResetEvent)
	}
	if s.GetState() != fsoe.StateReset {
		t.Errorf("state = %v, want Reset", s.GetState())
	}
}

// TestSlave_SessionIDAccessor_WrongState tests the wrong-instance-state
// error before a session exists
func TestSlave_SessionIDAccessor_WrongState(t *testing.T) {
	tr, _ := channel.NewLoopbackPair()
	s, err := New(validConfig(), Callbacks{}, tr, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := s.GetSlaveSessionID(); err != fsoe.UserErrorWrongInstanceState {
		t.Errorf("GetSlaveSessionID = %v, want UserErrorWrongInstanceState", err)
	}
}
