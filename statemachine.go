package ripc

import (
	"encoding/binary"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/Zereker/ripc/compress"
	"github.com/Zereker/ripc/pool"
	"github.com/Zereker/ripc/wire"
)

// EndOfStreamSignal is passed to OnBytesReceived when the socket read reports
// that the peer closed the stream.
const EndOfStreamSignal = -1

// MachineConfig carries what a ReadStateMachine needs to interpret bytes.
type MachineConfig struct {
	Protocol Protocol
	// Compressor decompresses RIPC compressed messages or deflated WebSocket
	// messages. Nil when no compression was negotiated.
	Compressor compress.Compressor
	// Pool backs fragment reassembly. Nil allocates a pool holding one
	// buffer per in-flight assembly.
	Pool    *pool.Pool
	Version Version
	// MaxMessageSize bounds a single envelope and a reassembled message.
	// Zero means no bound.
	MaxMessageSize int
	// MaxInFlightFragments bounds the fragmented messages being reassembled
	// at once. Zero means DefaultMaxInFlightFragments.
	MaxInFlightFragments int
	Logger               Logger
}

type stashKind int

const (
	stashNone stashKind = iota
	stashNormal
	stashPacked
	stashFragment
)

// compStash holds the first half of a message whose compressed form exceeded
// one fragment, until the second half arrives.
type compStash struct {
	kind stashKind
	id   uint16
	b    []byte
}

// ReadStateMachine interprets the bytes of a ReadBuffer one message at a time.
// It is not safe for concurrent use.
type ReadStateMachine struct {
	buf   *ReadBuffer
	proto Protocol
	comp  compress.Compressor
	idLen int
	max   int

	frags *Reassembler
	frame frameAssembly
	stash compStash

	state ReadState
	sub   ReadSubState
	start int
	need  int
	env   Envelope
	err   error

	kind    MessageKind
	data    []byte
	hasData bool

	packSrc []byte
	packPos int

	fragID   uint16
	fragDone bool

	scratch   []byte
	closeErr  *websocket.CloseError
	stats     ReadStats
	fragments int
}

// NewReadStateMachine returns a machine reading from buf.
func NewReadStateMachine(buf *ReadBuffer, cfg MachineConfig) *ReadStateMachine {
	if cfg.Protocol == nil {
		cfg.Protocol = RIPCProtocol{}
	}
	if cfg.MaxInFlightFragments <= 0 {
		cfg.MaxInFlightFragments = DefaultMaxInFlightFragments
	}
	if cfg.Pool == nil {
		// each assembly holds one buffer, plus one while it grows
		cfg.Pool = pool.New(pool.Limit(cfg.MaxInFlightFragments + 2))
	}
	if !cfg.Version.valid() {
		cfg.Version = DefaultVersion
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}
	frags := NewReassembler(cfg.Pool, cfg.MaxMessageSize, cfg.MaxInFlightFragments)
	frags.logger = cfg.Logger
	return &ReadStateMachine{
		buf:   buf,
		proto: cfg.Protocol,
		comp:  cfg.Compressor,
		idLen: cfg.Version.FragmentIDLen(),
		max:   cfg.MaxMessageSize,
		frags: frags,
		frame: frameAssembly{pool: cfg.Pool, maxSize: cfg.MaxMessageSize, logger: cfg.Logger},
	}
}

func (m *ReadStateMachine) State() ReadState       { return m.state }
func (m *ReadStateMachine) SubState() ReadSubState { return m.sub }

// MessageStart is the buffer offset of the current envelope.
func (m *ReadStateMachine) MessageStart() int { return m.start }

// Needed is how many bytes from MessageStart the machine waits for.
func (m *ReadStateMachine) Needed() int { return m.need }

// Err returns the protocol error that stopped the machine, if any.
func (m *ReadStateMachine) Err() error { return m.err }

// CloseError returns the peer's WebSocket close status once the stream ended
// with a close frame.
func (m *ReadStateMachine) CloseError() *websocket.CloseError { return m.closeErr }

// Message returns the message ready for the application. ok is false in every
// state but StateKnownComplete, and when the complete envelope only advanced
// an in-flight fragmented or split message.
func (m *ReadStateMachine) Message() (msg Message, ok bool) {
	if m.state != StateKnownComplete || !m.hasData {
		return Message{}, false
	}
	return Message{Kind: m.kind, Data: m.data, SubState: m.sub}, true
}

// TakeStats returns the byte counts accumulated since the last call.
func (m *ReadStateMachine) TakeStats() ReadStats {
	s := m.stats
	m.stats = ReadStats{}
	return s
}

// takeFragments returns the RIPC fragments processed since the last call.
func (m *ReadStateMachine) takeFragments() int {
	n := m.fragments
	m.fragments = 0
	return n
}

// OnBytesReceived records n bytes placed in the buffer's free space and
// re-evaluates the message at the current start.
func (m *ReadStateMachine) OnBytesReceived(n int) (ReadState, error) {
	if m.err != nil {
		return m.state, m.err
	}
	switch m.state {
	case StateEndOfStream:
		return m.state, ErrEndOfStream
	case StateKnownComplete, StateUnknownInsufficient, StateKnownInsufficient:
		return m.state, errors.Wrapf(ErrInvalidTransition, "bytes received in %s", m.state)
	}
	if n < 0 {
		m.endOfStream()
		return m.state, nil
	}
	if n > len(m.buf.Free()) {
		return m.state, errors.Wrapf(ErrInvalidTransition, "%d bytes received with %d free", n, len(m.buf.Free()))
	}
	if n == 0 {
		return m.state, nil
	}

	m.buf.advance(n)
	m.stats.BytesRead += n
	return m.evaluate()
}

// OnCompact moves the pending message to the front of the buffer, growing the
// buffer when the message cannot fit even there, and re-evaluates. It is valid
// only in an insufficient state.
func (m *ReadStateMachine) OnCompact() (ReadState, error) {
	if m.err != nil {
		return m.state, m.err
	}
	if !m.state.insufficient() {
		return m.state, errors.Wrapf(ErrInvalidTransition, "compact in %s", m.state)
	}
	m.buf.Compact(m.start)
	m.start = 0
	m.buf.Grow(m.need)
	return m.evaluate()
}

// OnApplicationConsumed releases the message returned by Message and moves on
// to the next sub-message of a packed envelope or the next envelope. When it
// returns StateNoData the caller rewinds the buffer.
func (m *ReadStateMachine) OnApplicationConsumed() (ReadState, error) {
	if m.err != nil {
		return m.state, m.err
	}
	if m.state != StateKnownComplete {
		return m.state, errors.Wrapf(ErrInvalidTransition, "consume in %s", m.state)
	}

	if m.sub.packed() && m.packSrc != nil {
		m.resetMessage()
		more, err := m.nextPacked()
		if err != nil {
			return m.fail("unpack", err)
		}
		if more {
			return m.state, nil
		}
	}

	if m.fragDone {
		m.frags.Release(m.fragID)
		m.fragDone = false
	}
	if m.frame.done {
		m.frame.release()
	}
	m.resetMessage()
	m.packSrc, m.packPos = nil, 0

	end := m.start + m.env.Total()
	m.env = Envelope{}
	if end >= m.buf.Len() {
		m.start, m.need = 0, 0
		m.state = StateNoData
		m.sub = SubStateNormal
		return m.state, nil
	}
	m.start = end
	return m.evaluate()
}

// Close discards partial assemblies and stops the machine.
func (m *ReadStateMachine) Close() {
	m.frags.Clear()
	m.frame.release()
	m.stash = compStash{}
	m.resetMessage()
	m.packSrc = nil
	m.state = StateEndOfStream
}

func (m *ReadStateMachine) evaluate() (ReadState, error) {
	window := m.buf.Bytes()[m.start:]
	if len(window) == 0 {
		m.state = StateNoData
		return m.state, nil
	}

	env, err := m.proto.ReadEnvelope(window)
	if err != nil {
		return m.fail("read envelope", err)
	}
	if env.Need > 0 {
		m.need = env.Need
		m.state = m.classify(StateUnknownIncomplete, StateUnknownInsufficient)
		return m.state, nil
	}
	if m.max > 0 && env.Length > m.max {
		return m.fail("read envelope", errors.Wrapf(ErrMessageLength, "%d byte payload exceeds %d", env.Length, m.max))
	}

	m.need = env.Total()
	if len(window) < m.need {
		m.state = m.classify(StateKnownIncomplete, StateKnownInsufficient)
		return m.state, nil
	}

	m.env = env
	m.state = StateKnownComplete
	m.stats.UncompressedBytesRead += m.need
	if err := m.complete(window[:m.need]); err != nil {
		return m.fail("process message", err)
	}
	return m.state, nil
}

func (m *ReadStateMachine) classify(incomplete, insufficient ReadState) ReadState {
	if m.start+m.need <= m.buf.Cap() {
		return incomplete
	}
	return insufficient
}

func (m *ReadStateMachine) complete(frame []byte) error {
	env := m.env
	payload := frame[env.Prefix : env.Prefix+env.Length]
	if env.Masked {
		wire.MaskBytes(env.MaskKey, 0, payload)
	}

	switch env.Control {
	case ControlEnd:
		m.endOfStream()
		return nil
	case ControlClose:
		m.onClose(payload)
		return nil
	case ControlPing:
		m.setControl(KindPing, payload)
		return nil
	case ControlPong:
		m.setControl(KindPong, payload)
		return nil
	}

	if m.proto.CarriesRIPC() {
		return m.processRIPC(payload)
	}
	return m.processFrame(payload)
}

func (m *ReadStateMachine) processRIPC(msg []byte) error {
	h, size, err := wire.DecodeHeader(msg, m.idLen)
	if err != nil {
		return err
	}
	if int(h.Length) != len(msg) {
		return errors.Wrapf(ErrMessageLength, "envelope %d, ripc length %d", len(msg), h.Length)
	}
	if h.IsPing() {
		m.sub = SubStateNormal
		m.setControl(KindPing, nil)
		return nil
	}

	body := msg[size:]
	switch {
	case h.Flags.Has(wire.FlagHasOptionalFlags):
		return m.processFragment(h, body)
	case h.Flags.Has(wire.FlagCompression):
		return m.processCompressed(h, body)
	case h.Flags.Has(wire.FlagPacking):
		m.sub = SubStatePackedMessage
		return m.beginPacked(body)
	}
	m.sub = SubStateNormal
	m.setData(body)
	return nil
}

func (m *ReadStateMachine) processCompressed(h wire.Header, body []byte) error {
	if m.comp == nil {
		return errors.Wrap(ErrUnexpectedMessage, "compressed message without negotiated compression")
	}
	packed := h.Flags.Has(wire.FlagPacking)

	if h.Flags.Has(wire.FlagCompFragment) {
		if m.stash.kind != stashNone {
			return errors.Wrap(ErrUnexpectedMessage, "split compressed message while another is pending")
		}
		kind, sub := stashNormal, SubStateCompressedMessage
		if packed {
			kind, sub = stashPacked, SubStatePackedCompressedMessage
		}
		m.stashPart(kind, 0, body)
		m.sub = sub
		return nil
	}
	if m.stash.kind != stashNone {
		return m.completeStash(body)
	}

	out, err := m.decompress(body)
	if err != nil {
		return err
	}
	if packed {
		m.sub = SubStatePackedCompressedMessage
		return m.beginPacked(out)
	}
	m.sub = SubStateCompressedMessage
	m.setData(out)
	return nil
}

func (m *ReadStateMachine) processFragment(h wire.Header, body []byte) error {
	m.fragments++
	switch {
	case h.OptFlags.Has(wire.OptFragmentHeader):
		if err := m.frags.OnFragmentHeader(h.FragmentID, int(h.TotalLength)); err != nil {
			return err
		}
	case h.OptFlags.Has(wire.OptFragment):
		if !m.frags.InFlight(h.FragmentID) {
			return errors.Wrapf(ErrUnknownFragment, "fragment id %d", h.FragmentID)
		}
	default:
		return errors.Wrapf(ErrUnexpectedMessage, "optional flags %s", h.OptFlags)
	}

	if !h.Flags.Has(wire.FlagCompression) {
		m.sub = SubStateFragmentedMessage
		return m.appendFragment(h.FragmentID, body)
	}
	if m.comp == nil {
		return errors.Wrap(ErrUnexpectedMessage, "compressed fragment without negotiated compression")
	}
	if m.stash.kind != stashNone {
		return errors.Wrap(ErrUnexpectedMessage, "compressed fragment while a split message is pending")
	}
	m.sub = SubStateFragmentedCompressedMessage
	if h.Flags.Has(wire.FlagCompFragment) {
		m.stashPart(stashFragment, h.FragmentID, body)
		return nil
	}
	out, err := m.decompress(body)
	if err != nil {
		return err
	}
	return m.appendFragment(h.FragmentID, out)
}

func (m *ReadStateMachine) appendFragment(id uint16, p []byte) error {
	if err := m.frags.OnFragmentContinuation(id, p); err != nil {
		return err
	}
	if m.frags.IsComplete(id) {
		m.sub = SubStateCompleteFragmentedMessage
		m.fragID, m.fragDone = id, true
		m.setData(m.frags.Bytes(id))
	}
	return nil
}

func (m *ReadStateMachine) stashPart(kind stashKind, id uint16, body []byte) {
	m.stash.kind = kind
	m.stash.id = id
	m.stash.b = append(m.stash.b[:0], body...)
}

// completeStash decompresses both halves of a split message and routes the
// result by what the first half was.
func (m *ReadStateMachine) completeStash(body []byte) error {
	combined := append(m.stash.b, body...)
	kind, id := m.stash.kind, m.stash.id
	m.stash.kind, m.stash.b = stashNone, combined[:0]

	out, err := m.decompress(combined)
	if err != nil {
		return err
	}
	switch kind {
	case stashPacked:
		m.sub = SubStatePackedCompressedMessage
		return m.beginPacked(out)
	case stashFragment:
		m.sub = SubStateFragmentedCompressedMessage
		if !m.frags.InFlight(id) {
			return errors.Wrapf(ErrUnknownFragment, "fragment id %d", id)
		}
		return m.appendFragment(id, out)
	}
	m.sub = SubStateCompressedMessage
	m.setData(out)
	return nil
}

func (m *ReadStateMachine) decompress(src []byte) ([]byte, error) {
	out, err := m.comp.Decompress(m.scratch[:0], src)
	if err != nil {
		return nil, err
	}
	m.scratch = out
	m.stats.UncompressedBytesRead += len(out) - len(src)
	return out, nil
}

func (m *ReadStateMachine) beginPacked(src []byte) error {
	m.packSrc, m.packPos = src, 0
	_, err := m.nextPacked()
	return err
}

// nextPacked exposes the next sub-message of the packed envelope. A zero
// length prefix ends the envelope.
func (m *ReadStateMachine) nextPacked() (bool, error) {
	for m.packPos+wire.PackedPrefixSize <= len(m.packSrc) {
		n := wire.GetPackedLength(m.packSrc[m.packPos:])
		if n == 0 {
			break
		}
		at := m.packPos + wire.PackedPrefixSize
		if at+n > len(m.packSrc) {
			return false, errors.Wrapf(ErrPackedMessage, "%d bytes at offset %d of %d", n, at, len(m.packSrc))
		}
		m.packPos = at + n
		m.setData(m.packSrc[at : at+n])
		return true, nil
	}
	m.packPos = len(m.packSrc)
	return false, nil
}

// processFrame handles WebSocket payloads that are application messages
// themselves, reassembling continuation frames.
func (m *ReadStateMachine) processFrame(payload []byte) error {
	env := m.env
	switch env.Opcode {
	case wire.OpText, wire.OpBinary:
		if m.frame.active {
			return errors.Wrap(ErrUnexpectedMessage, "new websocket message before the previous one finished")
		}
		if !env.Fin {
			m.sub = SubStateFragmentedMessage
			return m.frame.begin(env.Compressed, payload)
		}
		if !env.Compressed {
			m.sub = SubStateNormal
			m.setData(payload)
			return nil
		}
		return m.inflate(payload, SubStateCompressedMessage)

	case wire.OpContinuation:
		if !m.frame.active {
			return errors.Wrap(ErrUnknownFragment, "continuation frame without a message")
		}
		if err := m.frame.append(payload); err != nil {
			return err
		}
		m.sub = SubStateFragmentedMessage
		if !env.Fin {
			return nil
		}
		m.frame.active = false
		m.frame.done = true
		if m.frame.compressed {
			return m.inflate(m.frame.bytes(), SubStateCompleteFragmentedMessage)
		}
		m.sub = SubStateCompleteFragmentedMessage
		m.setData(m.frame.bytes())
		return nil
	}
	return errors.Wrapf(ErrUnexpectedMessage, "websocket opcode %s", env.Opcode)
}

func (m *ReadStateMachine) inflate(p []byte, sub ReadSubState) error {
	if m.comp == nil {
		return errors.Wrap(ErrUnexpectedMessage, "deflated frame without negotiated compression")
	}
	out, err := m.decompress(p)
	if err != nil {
		return err
	}
	m.sub = sub
	m.setData(out)
	return nil
}

func (m *ReadStateMachine) onClose(payload []byte) {
	ce := &websocket.CloseError{Code: websocket.CloseNoStatusReceived}
	if len(payload) >= 2 {
		ce.Code = int(binary.BigEndian.Uint16(payload))
		ce.Text = string(payload[2:])
	}
	m.closeErr = ce
	m.endOfStream()
}

func (m *ReadStateMachine) setData(b []byte) {
	m.kind = KindData
	m.data = b
	m.hasData = true
}

func (m *ReadStateMachine) setControl(kind MessageKind, payload []byte) {
	m.kind = kind
	m.data = payload
	m.hasData = true
}

func (m *ReadStateMachine) resetMessage() {
	m.kind = KindData
	m.data = nil
	m.hasData = false
}

func (m *ReadStateMachine) endOfStream() {
	m.resetMessage()
	m.state = StateEndOfStream
}

func (m *ReadStateMachine) fail(op string, err error) (ReadState, error) {
	m.err = protocolError(op, err)
	return m.state, m.err
}
