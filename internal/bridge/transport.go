package bridge

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport carries whole request/response messages.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens a transport to an executor address.
type Dialer func(ctx context.Context, address string) (Transport, error)

// DialerFor returns the dialer for a configured transport name.
func DialerFor(name string) (Dialer, error) {
	switch name {
	case "", TransportTCP:
		return DialTCP, nil
	case TransportWS:
		return DialWS, nil
	case TransportPipe:
		return DialPipe, nil
	default:
		return nil, fmt.Errorf("unknown bridge transport %q", name)
	}
}

// frameTransport sends length-prefixed frames over a stream connection.
type frameTransport struct {
	conn    net.Conn
	writeMu sync.Mutex
	enc     *Encoder
	dec     *Decoder
}

// NewFrameTransport wraps a stream connection.
func NewFrameTransport(conn net.Conn) Transport {
	return &frameTransport{
		conn: conn,
		enc:  NewEncoder(conn),
		dec:  NewDecoder(conn),
	}
}

// DialTCP connects to a host:port executor.
func DialTCP(ctx context.Context, address string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewFrameTransport(conn), nil
}

// DialPipe connects to a local executor over a unix socket, or a named pipe on Windows.
func DialPipe(ctx context.Context, address string) (Transport, error) {
	conn, err := dialPipe(ctx, address)
	if err != nil {
		return nil, err
	}
	return NewFrameTransport(conn), nil
}

func (t *frameTransport) Send(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer func() { _ = t.conn.SetWriteDeadline(time.Time{}) }()
	}
	return t.enc.Encode(data)
}

func (t *frameTransport) Receive() ([]byte, error) {
	return t.dec.Decode()
}

func (t *frameTransport) Close() error {
	return t.conn.Close()
}

// wsTransport sends one JSON text message per request over a websocket.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// DialWS connects to a ws:// executor endpoint.
func DialWS(ctx context.Context, address string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, address, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(MaxMessageSize)
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer func() { _ = t.conn.SetWriteDeadline(time.Time{}) }()
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Receive() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) Close() error {
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}
