package ripc

import (
	"github.com/pkg/errors"

	"github.com/Zereker/ripc/pool"
)

// Transient conditions. The operation may be retried once the condition clears.
var (
	// ErrNoBuffers is returned when the output pool is exhausted even after a
	// flush. Flush and retry.
	ErrNoBuffers = pool.ErrNoBuffers
	// ErrWriteCallAgain is returned when a fragmented write paused for lack of
	// buffers. Write the same buffer again after flushing to resume it.
	ErrWriteCallAgain = errors.New("write paused, call again")
)

// Terminal conditions.
var (
	// ErrEndOfStream is returned once when the peer closes the stream.
	ErrEndOfStream = errors.New("end of stream")
	// ErrChannelClosed is returned by every operation on a closed channel.
	ErrChannelClosed = errors.New("channel closed")
)

// Protocol violations. They are always delivered wrapped in a *ProtocolError.
var (
	ErrFragmentCollision = errors.New("fragment id already in flight")
	ErrUnknownFragment   = errors.New("fragment id not in flight")
	ErrFragmentOverflow  = errors.New("fragment data exceeds declared total length")
	ErrFragmentLength    = errors.New("invalid fragmented message length")
	ErrTooManyFragments  = errors.New("too many fragmented messages in flight")
	ErrMessageLength     = errors.New("transport length disagrees with message length")
	ErrUnexpectedMessage = errors.New("unexpected message for connection state")
	ErrPackedMessage     = errors.New("packed sub-message exceeds envelope")
)

// Caller errors.
var (
	ErrInvalidTransition = errors.New("operation not valid in current read state")
	ErrBufferTooSmall    = errors.New("write exceeds buffer capacity")
	ErrEmptyBuffer       = errors.New("buffer holds no data")
	ErrNotPacked         = errors.New("buffer was not acquired for packing")
	ErrPackedTooLarge    = errors.New("packed buffer cannot exceed the max fragment size")
	ErrForeignBuffer     = errors.New("buffer does not belong to this channel")
	ErrInvalidPriority   = errors.New("invalid write priority")
	// ErrMessageInProgress is returned when a WebSocket write would land in the
	// middle of a paused fragmented message of the same priority.
	ErrMessageInProgress = errors.New("fragmented message still being written")
)

// ProtocolError reports a violation of the wire protocol. It is fatal to the
// channel: byte alignment cannot be recovered after a misparse.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return "ripc: protocol error in " + e.Op + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolError(op string, err error) error {
	return &ProtocolError{Op: op, Err: err}
}

// IsFatal reports whether err leaves the channel unusable.
func IsFatal(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) || errors.Is(err, ErrEndOfStream) || errors.Is(err, ErrChannelClosed)
}
