package ripc

import "github.com/Zereker/ripc/wire"

// RIPCProtocol is RIPC directly over a socket. Messages are self-delimiting
// through their 2 byte length, so there is no transport envelope.
type RIPCProtocol struct {
	ripcFraming
}

func (RIPCProtocol) Kind() ProtocolKind { return KindRIPC }

func (RIPCProtocol) ReadEnvelope(b []byte) (Envelope, error) {
	if len(b) < wire.HeaderSize {
		return Envelope{Need: wire.HeaderSize}, nil
	}
	n, _ := wire.PeekLength(b)
	if n < wire.HeaderSize {
		return Envelope{}, wire.ErrInvalidLength
	}
	return Envelope{Length: n, Opcode: wire.OpBinary, Fin: true}, nil
}

func (RIPCProtocol) EstimateHeaderLength(int) int { return 0 }
func (RIPCProtocol) MaxHeaderLength() int         { return 0 }
func (RIPCProtocol) TrailerLength() int           { return 0 }

func (RIPCProtocol) PrependHeader(_ []byte, start, _ int, _ FrameInfo) int {
	return start
}

func (RIPCProtocol) PingFrame() []byte {
	return append([]byte(nil), wire.Ping[:]...)
}

func (RIPCProtocol) PongFrame([]byte) []byte { return nil }
func (RIPCProtocol) CloseFrame() []byte      { return nil }
