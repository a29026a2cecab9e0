package wire

import "strings"

// Flags is the RIPC message flags byte (offset 2 of every message).
type Flags uint8

const (
	// FlagHasOptionalFlags marks the presence of the extended flags byte.
	FlagHasOptionalFlags Flags = 0x01
	// FlagData is set on every data message.
	FlagData Flags = 0x02
	// FlagCompression marks a compressed payload.
	FlagCompression Flags = 0x04
	// FlagCompFragment marks the first half of a compressed payload that did not
	// fit in one message. The remainder follows in the next compressed message.
	FlagCompFragment Flags = 0x08
	// FlagPacking marks a packed envelope of length-prefixed sub-messages.
	FlagPacking Flags = 0x10
	// FlagForceCompression is reserved for session-level negotiation and carries
	// no framing meaning.
	FlagForceCompression Flags = 0x80
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagHasOptionalFlags, "OPTIONAL"},
	{FlagData, "DATA"},
	{FlagCompression, "COMPRESSION"},
	{FlagCompFragment, "COMP_FRAGMENT"},
	{FlagPacking, "PACKING"},
	{FlagForceCompression, "FORCE_COMPRESSION"},
}

// Has reports whether all bits of m are set.
func (f Flags) Has(m Flags) bool {
	return f&m == m
}

func (f Flags) String() string {
	if f == 0 {
		return "NONE"
	}
	var parts []string
	for _, n := range flagNames {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// OptFlags is the RIPC extended flags byte (offset 3, present only when
// FlagHasOptionalFlags is set).
type OptFlags uint8

const (
	OptConnectAck     OptFlags = 0x01
	OptConnectNak     OptFlags = 0x02
	OptFragment       OptFlags = 0x04
	OptFragmentHeader OptFlags = 0x08
)

// Has reports whether all bits of m are set.
func (o OptFlags) Has(m OptFlags) bool {
	return o&m == m
}

func (o OptFlags) String() string {
	switch {
	case o == 0:
		return "NONE"
	case o.Has(OptFragmentHeader):
		return "FRAGMENT_HEADER"
	case o.Has(OptFragment):
		return "FRAGMENT"
	case o.Has(OptConnectAck):
		return "CONNECT_ACK"
	case o.Has(OptConnectNak):
		return "CONNECT_NAK"
	}
	return "UNKNOWN"
}
