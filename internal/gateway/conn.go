package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"

	"github.com/rickgao/gatecord/internal/version"
)

// DecodeError is returned by ReadPayload for a frame that arrived intact
// but could not be decoded. The connection remains usable.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decode payload: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Conn is one websocket connection to the gateway.
type Conn interface {
	// ID identifies the connection in logs.
	ID() string

	// ReadPayload blocks for the next payload. Binary frames are zlib
	// compressed payloads.
	ReadPayload() (*Payload, error)

	// WriteJSON sends v as a text frame. Safe for concurrent use.
	WriteJSON(v any) error

	// WriteClose sends a close frame without closing the socket.
	WriteClose(code int, text string) error

	// Close closes the socket.
	Close() error
}

// Dialer opens gateway connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials with gorilla/websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64 // Maximum frame size, 0 for no limit
}

// Dial opens a connection to url.
func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())

	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &wsConn{
		id:           uuid.NewString(),
		ws:           ws,
		writeTimeout: writeTimeout,
	}, nil
}

type wsConn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	// Write serialization
	writeMu sync.Mutex

	// Reused between binary frames, only touched by the reader
	inflater io.ReadCloser
	buf      bytes.Buffer
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) ReadPayload() (*Payload, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt == websocket.BinaryMessage {
		if data, err = c.inflate(data); err != nil {
			return nil, &DecodeError{Err: fmt.Errorf("inflate: %w", err)}
		}
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &p, nil
}

func (c *wsConn) inflate(data []byte) ([]byte, error) {
	src := bytes.NewReader(data)
	if c.inflater == nil {
		r, err := zlib.NewReader(src)
		if err != nil {
			return nil, err
		}
		c.inflater = r
	} else if err := c.inflater.(zlib.Resetter).Reset(src, nil); err != nil {
		return nil, err
	}

	c.buf.Reset()
	if _, err := c.buf.ReadFrom(c.inflater); err != nil {
		return nil, err
	}
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out, nil
}

func (c *wsConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) WriteClose(code int, text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(c.writeTimeout),
	)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
