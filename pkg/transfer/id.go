package transfer

import "uavcan/uavcan-go/pkg/can"

// ID is the wraparound transfer counter. Arithmetic is modulo 2^BitLen;
// forward distance is the number of increments needed to get from one value
// to another, which is what makes the SAME/FUTURE/REPEAT split possible.
type ID uint8

// BitLen is the width of the transfer ID space
const BitLen = can.TransferIDBitLen

// IDMax is the highest transfer ID value before wraparound
const IDMax ID = (1 << BitLen) - 1

// halfRange splits the ID space for the wraparound tie-break: distances in
// (0, halfRange) are ahead, the rest of the circle is behind. The split is
// inherently ambiguous past half the space; fixed-width counters cannot do
// better.
const halfRange = 1 << (BitLen - 1)

// Increment returns the next transfer ID, wrapping around
func (i ID) Increment() ID {
	return (i + 1) & IDMax
}

// ForwardDistance returns the number of increments from i to other in the
// modular ID space; always in [0, 2^BitLen)
func (i ID) ForwardDistance(other ID) uint8 {
	return uint8(other-i) & uint8(IDMax)
}

// Relation classifies an incoming transfer ID against an expected one
type Relation int

const (
	RelationSame Relation = iota
	RelationFuture
	RelationRepeat
)

// String returns string representation of Relation
func (r Relation) String() string {
	switch r {
	case RelationSame:
		return "Same"
	case RelationFuture:
		return "Future"
	case RelationRepeat:
		return "Repeat"
	default:
		return "Unknown"
	}
}

// Relate classifies other against i using the half-range tie-break
func (i ID) Relate(other ID) Relation {
	distance := i.ForwardDistance(other)
	if distance == 0 {
		return RelationSame
	}
	if distance < halfRange {
		return RelationFuture
	}
	return RelationRepeat
}
