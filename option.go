package ripc

import (
	"time"

	"github.com/pkg/errors"

	"github.com/Zereker/ripc/compress"
	"github.com/Zereker/ripc/wire"
)

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	// Protocol errors and end of stream always disconnect.
	Continue
)

// Default configuration values.
const (
	DefaultMaxFragmentSize         = 6144
	DefaultHighWaterMark           = 6144
	DefaultGuaranteedOutputBuffers = 50
	DefaultNumInputBuffers         = 10
	DefaultFlushStrategy           = "HMHLHM"
	// DefaultMaxMessageSize bounds a reassembled or decompressed message.
	DefaultMaxMessageSize = 16 << 20
	// DefaultMaxInFlightFragments bounds concurrent fragment reassemblies.
	DefaultMaxInFlightFragments = 32

	defaultBufferSize = 1
	defaultHeartbeat  = 30 * time.Second

	minFragmentSize = 64
)

// options holds the configuration for a channel and the connection running it.
type options struct {
	protocol Protocol
	version  Version
	logger   Logger
	metrics  *Metrics

	maxFragmentSize   int
	maxMessageSize    int
	maxInFlightFrags  int
	compression       compress.Type
	compressionLevel  int
	lowThreshold      int
	highThreshold     int
	noContextTakeover bool
	packing           bool

	highWaterMark     int
	guaranteedBuffers int
	numInputBuffers   int
	flushStrategy     string

	readLocking  bool
	writeLocking bool

	onMessage func(message Message) error
	// onError is called when an error occurs.
	// Returns Disconnect to close the connection, Continue to suppress the error.
	onError func(error) ErrorAction

	bufferSize int           // size of buffered channel
	heartbeat  time.Duration // ping interval; read deadline is twice this
}

// Option is a function that configures channel and connection options.
type Option func(*options)

// ProtocolOption selects the wire format family. The default is native RIPC.
func ProtocolOption(p Protocol) Option {
	return func(o *options) {
		o.protocol = p
	}
}

// VersionOption sets the negotiated RIPC version, which decides the fragment
// id width.
func VersionOption(v Version) Option {
	return func(o *options) {
		o.version = v
	}
}

// MaxFragmentSizeOption sets the negotiated max fragment size.
func MaxFragmentSizeOption(n int) Option {
	return func(o *options) {
		o.maxFragmentSize = n
	}
}

// MessageMaxSize returns an Option that sets the maximum message size.
// Fragmented or compressed messages larger than this size cannot be received.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

// MaxInFlightFragmentsOption bounds how many fragmented messages the peer may
// interleave. One more fragment header is a protocol error.
func MaxInFlightFragmentsOption(n int) Option {
	return func(o *options) {
		o.maxInFlightFrags = n
	}
}

// CompressionOption enables compression. Level applies to zlib only.
func CompressionOption(t compress.Type, level int) Option {
	return func(o *options) {
		o.compression = t
		o.compressionLevel = level
	}
}

// CompressionThresholdOption sets the message sizes eligible for compression.
// Zero low uses the codec default; zero high means no upper bound.
func CompressionThresholdOption(low, high int) Option {
	return func(o *options) {
		o.lowThreshold = low
		o.highThreshold = high
	}
}

// NoContextTakeoverOption resets the zlib window for every message.
func NoContextTakeoverOption(on bool) Option {
	return func(o *options) {
		o.noContextTakeover = on
	}
}

// PackingOption lets the writer pack small messages written at the same
// priority into one envelope.
func PackingOption(on bool) Option {
	return func(o *options) {
		o.packing = on
	}
}

// HighWaterMarkOption sets the queued byte count that triggers a flush.
func HighWaterMarkOption(n int) Option {
	return func(o *options) {
		o.highWaterMark = n
	}
}

// GuaranteedOutputBuffersOption bounds the output frames held by a channel.
func GuaranteedOutputBuffersOption(n int) Option {
	return func(o *options) {
		o.guaranteedBuffers = n
	}
}

// NumInputBuffersOption sizes the read buffer, in max fragments.
func NumInputBuffersOption(n int) Option {
	return func(o *options) {
		o.numInputBuffers = n
	}
}

// FlushStrategyOption sets the order queues are drained in, as a string of
// H, M and L.
func FlushStrategyOption(s string) Option {
	return func(o *options) {
		o.flushStrategy = s
	}
}

// ReadLockingOption serializes concurrent reads.
func ReadLockingOption(on bool) Option {
	return func(o *options) {
		o.readLocking = on
	}
}

// WriteLockingOption serializes concurrent writes, flushes and pings.
func WriteLockingOption(on bool) Option {
	return func(o *options) {
		o.writeLocking = on
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption sets the collectors updated by the channel.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// BufferSizeOption returns an Option that sets the size of the send channel buffer.
// A larger buffer allows more messages to be queued before blocking.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// HeartbeatOption returns an Option that sets the heartbeat interval.
// Pings are sent at this interval and the read deadline is heartbeat * 2.
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// OnErrorOption returns an Option that sets the error callback.
// The callback is invoked when a read/write error occurs.
// Return Disconnect to close the connection, or Continue to suppress the error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnMessageOption returns an Option that sets the message handler callback.
// This callback is required by Conn and is invoked for each received message.
func OnMessageOption(cb func(Message) error) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// checkOptions validates and sets default values for channel options.
func checkOptions(opts *options) error {
	if opts.protocol == nil {
		opts.protocol = RIPCProtocol{}
	}

	if opts.version == 0 {
		opts.version = DefaultVersion
	}
	if !opts.version.valid() {
		return errors.Errorf("unsupported ripc version %d", opts.version)
	}

	if opts.maxFragmentSize == 0 {
		opts.maxFragmentSize = DefaultMaxFragmentSize
	}
	if err := checkMaxFragmentSize(opts.maxFragmentSize); err != nil {
		return err
	}

	if opts.maxMessageSize <= 0 {
		opts.maxMessageSize = DefaultMaxMessageSize
	}
	if opts.maxInFlightFrags <= 0 {
		opts.maxInFlightFrags = DefaultMaxInFlightFragments
	}

	if opts.compressionLevel == 0 {
		opts.compressionLevel = compress.DefaultLevel
	}
	if opts.lowThreshold <= 0 {
		opts.lowThreshold = opts.compression.DefaultLowThreshold()
	}
	if opts.highThreshold < 0 || (opts.highThreshold > 0 && opts.highThreshold < opts.lowThreshold) {
		return errors.Errorf("invalid compression thresholds %d..%d", opts.lowThreshold, opts.highThreshold)
	}

	if opts.highWaterMark <= 0 {
		opts.highWaterMark = DefaultHighWaterMark
	}
	if opts.guaranteedBuffers <= 0 {
		opts.guaranteedBuffers = DefaultGuaranteedOutputBuffers
	}
	if opts.numInputBuffers <= 0 {
		opts.numInputBuffers = DefaultNumInputBuffers
	}
	if opts.flushStrategy == "" {
		opts.flushStrategy = DefaultFlushStrategy
	}
	if _, err := parseFlushOrder(opts.flushStrategy); err != nil {
		return err
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// checkConnOptions applies the channel defaults plus those of Conn.
func checkConnOptions(opts *options) error {
	if err := checkOptions(opts); err != nil {
		return err
	}

	if opts.onMessage == nil {
		return ErrInvalidOnMessage
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.heartbeat <= 0 {
		opts.heartbeat = defaultHeartbeat
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	// The read loop answers pings, so writes always race with it.
	opts.writeLocking = true

	return nil
}

func checkMaxFragmentSize(n int) error {
	if n < minFragmentSize || n+wire.HeaderSize > wire.MaxMessageLength {
		return errors.Errorf("max fragment size %d outside %d..%d", n, minFragmentSize, wire.MaxMessageLength-wire.HeaderSize)
	}
	return nil
}
