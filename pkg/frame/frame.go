package frame

import "bytes"

// Frame holds one FSoE Safety PDU.
//
// The PDU layout is
//
//	Cmd | D0 D1 | CRC0_lo CRC0_hi | D2 D3 | CRC1_lo CRC1_hi | ... | ConnId_lo ConnId_hi
//
// with an interior CRC after every two data bytes. A PDU carrying a single
// data byte is the special minimum layout Cmd | D0 | CRC0 | ConnId (six
// bytes); its CRC word is (D0, 0x00).
//
// Storage is fixed at the maximum PDU size plus one sentinel byte the codec
// never writes, so a mis-sized encode is detectable (see SentinelIntact).
type Frame struct {
	size int
	buf  [MaxFrameSize + 1]byte
}

const sentinel = 0xA5

// New returns a frame sized for dataSize data bytes.
func New(dataSize int) (*Frame, error) {
	if !ValidDataSize(dataSize) {
		return nil, ErrInvalidDataSize
	}
	f := &Frame{size: Size(dataSize)}
	f.buf[MaxFrameSize] = sentinel
	return f, nil
}

// Resize changes the PDU size carried by the frame. Existing content is
// invalidated.
func (f *Frame) Resize(dataSize int) error {
	if !ValidDataSize(dataSize) {
		return ErrInvalidDataSize
	}
	f.size = Size(dataSize)
	f.Clear()
	return nil
}

// Size returns the PDU size in bytes.
func (f *Frame) Size() int {
	return f.size
}

// DataSize returns the number of data bytes the PDU carries.
func (f *Frame) DataSize() int {
	if f.size == MinFrameSize {
		return 1
	}
	return (f.size - 3) / 2
}

// Bytes returns the wire bytes of the PDU.
func (f *Frame) Bytes() []byte {
	return f.buf[:f.size]
}

// Clear zeroes the PDU content.
func (f *Frame) Clear() {
	for i := range f.buf[:f.size] {
		f.buf[i] = 0
	}
}

// Equal reports whether two frames carry identical wire bytes.
func (f *Frame) Equal(other *Frame) bool {
	return f.size == other.size && bytes.Equal(f.Bytes(), other.Bytes())
}

// CopyFrom copies the wire bytes of src into f.
func (f *Frame) CopyFrom(src *Frame) {
	f.size = src.size
	copy(f.buf[:f.size], src.buf[:src.size])
}

// SentinelIntact reports whether the overflow sentinel is untouched.
func (f *Frame) SentinelIntact() bool {
	return f.buf[MaxFrameSize] == sentinel
}

// Command returns the command byte.
func (f *Frame) Command() Command {
	return Command(f.buf[0])
}

// ConnectionID returns the trailing connection ID.
func (f *Frame) ConnectionID() uint16 {
	return uint16(f.buf[f.size-2]) | uint16(f.buf[f.size-1])<<8
}

// numWords returns the number of CRC-protected words in the PDU.
func (f *Frame) numWords() int {
	if f.size == MinFrameSize {
		return 1
	}
	return f.DataSize() / 2
}

// word returns the i-th data word. For the one-byte layout the second byte
// of the single word is the zero pad, which is never stored on the wire.
func (f *Frame) word(i int) [2]byte {
	if f.size == MinFrameSize {
		return [2]byte{f.buf[1], 0x00}
	}
	off := 1 + 4*i
	return [2]byte{f.buf[off], f.buf[off+1]}
}

// crcAt returns the i-th interior CRC as stored in the PDU.
func (f *Frame) crcAt(i int) uint16 {
	var off int
	if f.size == MinFrameSize {
		off = 2
	} else {
		off = 3 + 4*i
	}
	return uint16(f.buf[off]) | uint16(f.buf[off+1])<<8
}

// CopyPayload copies the PDU data bytes into dst, which must hold at least
// DataSize bytes.
func (f *Frame) CopyPayload(dst []byte) {
	n := f.DataSize()
	if n == 1 {
		dst[0] = f.buf[1]
		return
	}
	for i := 0; i < n; i += 2 {
		off := 1 + 2*i
		dst[i] = f.buf[off]
		dst[i+1] = f.buf[off+1]
	}
}

// Encode writes a complete PDU into f and returns the tail CRC, which
// becomes the next link in the sender's CRC chain.
//
// payload must be exactly DataSize bytes. Interior CRCs are chained: the
// first word is seeded with seed, every following word with the previous
// CRC. Encode does not arm any timer and does not touch the black channel;
// it only produces bytes.
func Encode(f *Frame, cmd Command, seqNo uint16, payload []byte, connID uint16, seed uint16) (uint16, error) {
	if len(payload) != f.DataSize() {
		return 0, ErrPayloadSize
	}

	f.buf[0] = byte(cmd)

	crc := seed
	if f.size == MinFrameSize {
		f.buf[1] = payload[0]
		crc = Step(crc, cmd, seqNo, [2]byte{payload[0], 0x00}, connID)
		f.buf[2] = byte(crc)
		f.buf[3] = byte(crc >> 8)
	} else {
		for i := 0; i < len(payload); i += 2 {
			off := 1 + 2*i
			f.buf[off] = payload[i]
			f.buf[off+1] = payload[i+1]
			crc = Step(crc, cmd, seqNo, [2]byte{payload[i], payload[i+1]}, connID)
			f.buf[off+2] = byte(crc)
			f.buf[off+3] = byte(crc >> 8)
		}
	}

	f.buf[f.size-2] = byte(connID)
	f.buf[f.size-1] = byte(connID >> 8)

	if !f.SentinelIntact() {
		return 0, ErrBufferOverrun
	}
	return crc, nil
}

// Verify recomputes every interior CRC of f for the given sequence number
// and seed and compares against the stored values. It returns the tail CRC
// and whether all CRCs matched. The command and connection ID are read from
// the frame itself; checking that they are the expected ones is the state
// machine's job and must happen before Verify.
func Verify(f *Frame, seqNo uint16, seed uint16) (uint16, bool) {
	cmd := f.Command()
	connID := f.ConnectionID()
	crc := seed
	ok := true
	for i := 0; i < f.numWords(); i++ {
		crc = Step(crc, cmd, seqNo, f.word(i), connID)
		if crc != f.crcAt(i) {
			ok = false
		}
	}
	return crc, ok
}
