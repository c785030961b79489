package frame

// FSoE CRC-16 implementation (ETG.5100 ch. 8.1.3)
//
// Every pair of data bytes in a Safety PDU is protected by its own CRC_0
// value. The CRC input per word is the command byte, the virtual sequence
// number, the connection ID and the two data bytes, chained through the
// previous word's CRC (or a state-dependent seed for the first word).
// The sequence number is never transmitted; it only exists inside the CRC,
// which is how stale and reordered frames are detected.

const crcPoly uint16 = 0x5935

var crcTable [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ crcPoly
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

func crcByte(crc uint16, b byte) uint16 {
	return crcTable[byte(crc>>8)^b] ^ (crc << 8)
}

// Step computes the CRC_0 value for a single PDU word.
//
// seed is the previous word's CRC_0, or the state seed for the first word.
// aux is the per-state 16 bit contribution; every state binds the
// connection ID here so that a PDU cannot be accepted by a different
// connection even if its trailer is rewritten.
func Step(seed uint16, cmd Command, seqNo uint16, word [2]byte, aux uint16) uint16 {
	crc := seed
	crc = crcByte(crc, byte(cmd))
	crc = crcByte(crc, byte(seqNo))
	crc = crcByte(crc, byte(seqNo>>8))
	crc = crcByte(crc, byte(aux))
	crc = crcByte(crc, byte(aux>>8))
	crc = crcByte(crc, word[0])
	crc = crcByte(crc, word[1])
	return crc
}
