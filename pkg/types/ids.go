package types

import "fmt"

// NodeID identifies a node on the bus. Valid range is 1-127 (7 bits);
// 0 is reserved and never appears on the wire.
type NodeID uint8

// NodeIDMax is the highest valid node ID
const NodeIDMax NodeID = 127

// IsValid checks that the node ID fits the 7-bit wire field and is not the
// reserved zero value
func (n NodeID) IsValid() bool {
	return n >= 1 && n <= NodeIDMax
}

// String returns string representation of NodeID
func (n NodeID) String() string {
	return fmt.Sprintf("%d", uint8(n))
}

// DataTypeID identifies the application-level data type of a transfer.
// Valid range is 0-1023 (10 bits).
type DataTypeID uint16

// DataTypeIDMax is the highest valid data type ID
const DataTypeIDMax DataTypeID = 1023

// IsValid checks that the data type ID fits the 10-bit wire field
func (d DataTypeID) IsValid() bool {
	return d <= DataTypeIDMax
}

// TransferKind identifies the kind of a transfer
type TransferKind uint8

const (
	KindMessageBroadcast TransferKind = iota
	KindServiceRequest
	KindServiceResponse
)

// String returns string representation of TransferKind
func (k TransferKind) String() string {
	switch k {
	case KindMessageBroadcast:
		return "MessageBroadcast"
	case KindServiceRequest:
		return "ServiceRequest"
	case KindServiceResponse:
		return "ServiceResponse"
	default:
		return "Unknown"
	}
}

// IsValid checks that the kind is one of the defined values; the 2-bit wire
// field has one reserved encoding
func (k TransferKind) IsValid() bool {
	return k <= KindServiceResponse
}
