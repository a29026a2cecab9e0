package ripc

import "fmt"

// ReadState classifies the bytes at the current message start of a read buffer.
type ReadState int

const (
	// StateNoData means no unconsumed bytes remain.
	StateNoData ReadState = iota
	// StateUnknownIncomplete means the envelope length cannot be decoded yet.
	StateUnknownIncomplete
	// StateUnknownInsufficient means the envelope length cannot be decoded and
	// the buffer has no room left past the message start.
	StateUnknownInsufficient
	// StateKnownIncomplete means the message length is known but not all of it
	// has arrived.
	StateKnownIncomplete
	// StateKnownInsufficient means the known message does not fit in the space
	// left after the message start.
	StateKnownInsufficient
	// StateKnownComplete means a whole message is present.
	StateKnownComplete
	// StateEndOfStream is terminal.
	StateEndOfStream
)

func (s ReadState) String() string {
	switch s {
	case StateNoData:
		return "NO_DATA"
	case StateUnknownIncomplete:
		return "UNKNOWN_INCOMPLETE"
	case StateUnknownInsufficient:
		return "UNKNOWN_INSUFFICIENT"
	case StateKnownIncomplete:
		return "KNOWN_INCOMPLETE"
	case StateKnownInsufficient:
		return "KNOWN_INSUFFICIENT"
	case StateKnownComplete:
		return "KNOWN_COMPLETE"
	case StateEndOfStream:
		return "END_OF_STREAM"
	}
	return fmt.Sprintf("ReadState(%d)", int(s))
}

// insufficient reports whether the caller must compact or grow before reading.
func (s ReadState) insufficient() bool {
	return s == StateUnknownInsufficient || s == StateKnownInsufficient
}

// ReadSubState tells how the current complete message is being processed.
type ReadSubState int

const (
	SubStateNormal ReadSubState = iota
	SubStatePackedMessage
	SubStatePackedCompressedMessage
	SubStateFragmentedMessage
	SubStateFragmentedCompressedMessage
	SubStateCompleteFragmentedMessage
	SubStateCompressedMessage
)

func (s ReadSubState) String() string {
	switch s {
	case SubStateNormal:
		return "NORMAL"
	case SubStatePackedMessage:
		return "PROCESSING_PACKED_MESSAGE"
	case SubStatePackedCompressedMessage:
		return "PROCESSING_PACKED_COMPRESSED_MESSAGE"
	case SubStateFragmentedMessage:
		return "PROCESSING_FRAGMENTED_MESSAGE"
	case SubStateFragmentedCompressedMessage:
		return "PROCESSING_FRAGMENTED_COMPRESSED_MESSAGE"
	case SubStateCompleteFragmentedMessage:
		return "PROCESSING_COMPLETE_FRAGMENTED_MESSAGE"
	case SubStateCompressedMessage:
		return "PROCESSING_COMPRESSED_MESSAGE"
	}
	return fmt.Sprintf("ReadSubState(%d)", int(s))
}

func (s ReadSubState) packed() bool {
	return s == SubStatePackedMessage || s == SubStatePackedCompressedMessage
}
