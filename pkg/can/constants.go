package can

// Frame geometry for CAN 2.0B
const (
	MaxPayloadLen = 8 // Classic CAN data field limit

	// IndexMax is the highest representable frame index (6-bit field).
	// A frame carrying IndexMax must also be the last frame of its
	// transfer; the index cannot advance past it.
	IndexMax uint8 = 63
)

// TransferIDBitLen is the width of the transfer ID field.
// Together with the fields below it fills the 29-bit extended CAN ID:
// 10 + 2 + 7 + 6 + 1 + 3 = 29.
const TransferIDBitLen = 3

// TransferIDMax is the highest transfer ID value before wraparound
const TransferIDMax uint8 = (1 << TransferIDBitLen) - 1

// Extended CAN ID field layout, least significant bits first
const (
	idTransferIDShift = 0
	idTransferIDMask  = uint32(TransferIDMax)

	idLastFrameShift = 3

	idFrameIndexShift = 4
	idFrameIndexMask  = uint32(0x3F)

	idSourceShift = 10
	idSourceMask  = uint32(0x7F)

	idKindShift = 17
	idKindMask  = uint32(0x03)

	idDataTypeShift = 19
	idDataTypeMask  = uint32(0x3FF)
)

// IDMask covers the 29 significant bits of an extended CAN ID
const IDMask uint32 = 0x1FFFFFFF

// Wire encoding for IP and serial tunnels: 4-byte big-endian ID word,
// 1-byte payload length, payload
const (
	wireHeaderLen = 5
	MaxWireLen    = wireHeaderLen + MaxPayloadLen
)
