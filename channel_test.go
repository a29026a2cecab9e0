package ripc

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Zereker/ripc/compress"
	"github.com/Zereker/ripc/wire"
)

// loopback lets one channel read what another wrote.
func loopback(t *testing.T, opts ...Option) (*Channel, *Channel, *bytes.Buffer) {
	t.Helper()

	var stream bytes.Buffer
	opts = append([]Option{LoggerOption(DiscardLogger())}, opts...)
	w, err := NewChannel(&stream, opts...)
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	r, err := NewChannel(&stream, opts...)
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	return w, r, &stream
}

func TestChannel_RoundTrip(t *testing.T) {
	for _, typ := range []compress.Type{compress.None, compress.Zlib, compress.LZ4} {
		t.Run(typ.String(), func(t *testing.T) {
			w, r, _ := loopback(t, CompressionOption(typ, 0), PackingOption(true))

			messages := [][]byte{
				[]byte("first"),
				[]byte("second"),
				textBytes(20000, 20),
				bytes.Repeat([]byte("tail "), 80),
			}
			for _, m := range messages {
				if _, err := w.WriteMessage(m, PriorityMedium, 0); err != nil {
					t.Fatalf("WriteMessage failed: %v", err)
				}
			}
			if _, err := w.Flush(); err != nil {
				t.Fatalf("Flush failed: %v", err)
			}

			for i, want := range messages {
				msg, err := r.Read()
				if err != nil {
					t.Fatalf("Read %d failed: %v", i, err)
				}
				if !bytes.Equal(msg.Data, want) {
					t.Errorf("message %d: %d bytes, want %d", i, len(msg.Data), len(want))
				}
			}
			if _, err := r.Read(); !errors.Is(err, ErrEndOfStream) {
				t.Errorf("expected ErrEndOfStream, got %v", err)
			}
		})
	}
}

func TestChannel_WriteMessage_SmallPool(t *testing.T) {
	w, r, _ := loopback(t, GuaranteedOutputBuffersOption(1))

	payload := textBytes(30000, 21)
	if _, err := w.WriteMessage(payload, PriorityLow, WriteDirectSocketWrite); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	msg, err := r.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(msg.Data, payload) {
		t.Errorf("read %d bytes, want %d", len(msg.Data), len(payload))
	}
}

func TestChannel_WriteMessage_NoBuffers(t *testing.T) {
	w, _, stream := loopback(t, GuaranteedOutputBuffersOption(1))

	held, err := w.GetBuffer(16, false)
	if err != nil {
		t.Fatalf("GetBuffer failed: %v", err)
	}
	if _, err := w.WriteMessage(textBytes(10000, 24), PriorityLow, 0); !errors.Is(err, ErrNoBuffers) {
		t.Fatalf("expected ErrNoBuffers, got %v", err)
	}
	if w.writer.paused != 0 {
		t.Errorf("paused = %d after a failed write, want 0", w.writer.paused)
	}
	if stream.Len() != 0 {
		t.Errorf("%d bytes written for a failed write", stream.Len())
	}

	if err := w.ReleaseBuffer(held); err != nil {
		t.Fatalf("ReleaseBuffer failed: %v", err)
	}
	if _, err := w.WriteMessage([]byte("after release"), PriorityLow, WriteDirectSocketWrite); err != nil {
		t.Errorf("WriteMessage after release failed: %v", err)
	}
}

func TestChannel_Info(t *testing.T) {
	var stream bytes.Buffer
	ch, err := NewChannel(&stream,
		VersionOption(Version13),
		CompressionOption(compress.LZ4, 0),
		PackingOption(true),
		MaxFragmentSizeOption(4096),
		LoggerOption(DiscardLogger()),
	)
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}

	want := ChannelInfo{
		Protocol:        KindRIPC,
		Version:         Version13,
		MaxFragmentSize: 4096,
		Compression:     compress.LZ4,
		Packing:         true,
	}
	if got := ch.Info(); got != want {
		t.Errorf("Info = %+v, want %+v", got, want)
	}

	jsonCh, err := NewChannel(&stream,
		ProtocolOption(NewWebSocketProtocol(false, SubprotocolJSON, false)),
		CompressionOption(compress.Zlib, 0),
		LoggerOption(DiscardLogger()),
	)
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	if got := jsonCh.Info().Compression; got != compress.None {
		t.Errorf("JSON without permessage-deflate compression = %s, want none", got)
	}
}

func TestChannel_Close(t *testing.T) {
	var stream bytes.Buffer
	ch, err := NewChannel(&stream,
		ProtocolOption(NewWebSocketProtocol(false, SubprotocolRWF, false)),
		LoggerOption(DiscardLogger()),
	)
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	if _, err := ch.WriteMessage([]byte("queued"), PriorityHigh, 0); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	// Close flushes what was queued, then the close frame with code 1001
	want := append([]byte{0x82, 0x09}, ripcMessage(wire.FlagData, []byte("queued"))...)
	want = append(want, 0x88, 0x02, 0x03, 0xe9)
	if !bytes.Equal(stream.Bytes(), want) {
		t.Errorf("wire = % x, want % x", stream.Bytes(), want)
	}

	if _, err := ch.Read(); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Read: expected ErrChannelClosed, got %v", err)
	}
	if _, err := ch.WriteMessage([]byte("late"), PriorityHigh, 0); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("WriteMessage: expected ErrChannelClosed, got %v", err)
	}
	if _, err := ch.GetBuffer(4, false); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("GetBuffer: expected ErrChannelClosed, got %v", err)
	}
}

func TestChannel_ProtocolError(t *testing.T) {
	stream := bytes.NewBuffer([]byte{0x00, 0x02, 0x02})
	ch, err := NewChannel(stream, LoggerOption(DiscardLogger()))
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}

	_, err = ch.Read()
	if !IsFatal(err) {
		t.Errorf("expected a fatal protocol error, got %v", err)
	}
}

// wsEchoServer upgrades with gorilla/websocket, then runs a Channel over the
// hijacked connection and echoes every data message.
func wsEchoServer(t *testing.T, sub Subprotocol, deflate bool) string {
	t.Helper()

	upgrader := websocket.Upgrader{
		Subprotocols:      []string{sub.String()},
		EnableCompression: deflate,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		raw := conn.UnderlyingConn()
		defer raw.Close()

		ch, err := NewChannel(raw,
			ProtocolOption(NewWebSocketProtocol(false, sub, deflate)),
			NoContextTakeoverOption(true),
			LoggerOption(DiscardLogger()),
		)
		if err != nil {
			t.Errorf("NewChannel failed: %v", err)
			return
		}
		for {
			msg, err := ch.Read()
			if err != nil {
				return
			}
			switch msg.Kind {
			case KindPing:
				if _, err := ch.Pong(msg.Data); err != nil {
					return
				}
			case KindData:
				data := append([]byte(nil), msg.Data...)
				if _, err := ch.WriteMessage(data, PriorityMedium, WriteDirectSocketWrite); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialWebSocket(t *testing.T, url string, sub Subprotocol, deflate bool) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{
		Subprotocols:      []string{sub.String()},
		EnableCompression: deflate,
		HandshakeTimeout:  5 * time.Second,
	}
	conn, resp, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	resp.Body.Close()
	if conn.Subprotocol() != sub.String() {
		t.Fatalf("subprotocol = %q, want %q", conn.Subprotocol(), sub.String())
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestChannel_WebSocketRWF_Gorilla(t *testing.T) {
	url := wsEchoServer(t, SubprotocolRWF, false)
	conn := dialWebSocket(t, url, SubprotocolRWF, false)

	pong := make(chan string, 1)
	conn.SetPongHandler(func(data string) error {
		pong <- data
		return nil
	})
	if err := conn.WriteControl(websocket.PingMessage, []byte("are you there"), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	msg := ripcMessage(wire.FlagData, []byte("hello over rwf"))
	if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	typ, got, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if typ != websocket.BinaryMessage || !bytes.Equal(got, msg) {
		t.Errorf("echo = %d % x, want binary % x", typ, got, msg)
	}

	select {
	case data := <-pong:
		if data != "are you there" {
			t.Errorf("pong payload = %q", data)
		}
	default:
		t.Error("no pong before the echo")
	}
}

func TestChannel_WebSocketJSON_Gorilla(t *testing.T) {
	url := wsEchoServer(t, SubprotocolJSON, true)
	conn := dialWebSocket(t, url, SubprotocolJSON, true)

	messages := []string{
		`{"id":1}`,
		`{"quote":"` + string(textBytes(3000, 22)) + `"}`,
		`{"book":"` + string(randomBytesText(25000, 23)) + `"}`,
	}
	for i, m := range messages {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
		typ, got, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %d failed: %v", i, err)
		}
		if typ != websocket.TextMessage || string(got) != m {
			t.Errorf("message %d: echo of %d bytes, want %d", i, len(got), len(m))
		}
	}
}

func TestChannel_TooManyFragments(t *testing.T) {
	var in []byte
	for id := uint16(1); id <= 3; id++ {
		in = append(in, ripcFragment(true, id, 2, 1<<20, 0, []byte("part"))...)
	}
	ch, err := NewChannel(bytes.NewBuffer(in), MaxInFlightFragmentsOption(2), LoggerOption(DiscardLogger()))
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}

	_, err = ch.Read()
	if !IsFatal(err) || !errors.Is(err, ErrTooManyFragments) {
		t.Errorf("expected a fatal ErrTooManyFragments, got %v", err)
	}
}
