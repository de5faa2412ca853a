package can

// Transfer CRC is CRC-16-CCITT-FALSE: polynomial 0x1021, initial value
// 0xFFFF, no reflection, no final XOR. It covers the full payload of a
// multi-frame transfer and travels in the first two payload bytes of the
// first frame.

var crcTable [256]uint16

func init() {
	const poly uint16 = 0x1021

	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

// TransferCRC calculates the transfer CRC for the given payload
func TransferCRC(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = crcTable[byte(crc>>8)^b] ^ (crc << 8)
	}
	return crc
}

// UpdateCRC folds additional payload bytes into a running CRC value.
// Start from 0xFFFF for the first chunk.
func UpdateCRC(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = crcTable[byte(crc>>8)^b] ^ (crc << 8)
	}
	return crc
}
