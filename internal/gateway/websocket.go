package gateway

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Close codes sent when the server terminates a connection.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
)

const (
	opcodeText  byte = 0x1
	opcodeClose byte = 0x8
	opcodePing  byte = 0x9
	opcodePong  byte = 0xA
)

// maxFramePayload bounds a single inbound frame. Chat frames are small; a
// larger frame is a protocol violation, not a legitimate message.
const maxFramePayload = 1 << 20

// ErrFrameTooLarge is returned when a peer sends a frame above the inbound
// payload limit.
var ErrFrameTooLarge = errors.New("websocket frame exceeds payload limit")

// Conn is a minimal WebSocket connection supporting text and control frames.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	// Client-side connections mask outgoing frames per RFC 6455.
	mask bool

	mu     sync.Mutex
	closed bool
}

// Accept upgrades the HTTP request to a WebSocket and returns the server-side
// connection.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	if !headerContains(r.Header, "Connection", "upgrade") || !headerContains(r.Header, "Upgrade", "websocket") {
		return nil, fmt.Errorf("websocket upgrade required")
	}
	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		return nil, fmt.Errorf("unsupported websocket version")
	}
	key := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		return nil, fmt.Errorf("missing websocket key")
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, fmt.Errorf("http server does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, err
	}
	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + acceptKey(key) + "\r\n\r\n"
	if _, err := rw.WriteString(response); err != nil {
		conn.Close()
		return nil, err
	}
	if err := rw.Flush(); err != nil {
		conn.Close()
		return nil, err
	}
	return &Conn{conn: conn, reader: rw.Reader, writer: rw.Writer}, nil
}

// Dial establishes a client WebSocket connection to the given ws:// or wss://
// URL. Used by tests and tooling; production clients are browsers.
func Dial(ctx context.Context, rawURL string, header http.Header, tlsConfig *tls.Config) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Host
	if !strings.Contains(host, ":") {
		if u.Scheme == "wss" {
			host += ":443"
		} else {
			host += ":80"
		}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "wss" {
		cfg := &tls.Config{}
		if tlsConfig != nil {
			cfg = tlsConfig.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = u.Hostname()
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		conn.Close()
		return nil, err
	}
	key := base64.StdEncoding.EncodeToString(nonce)
	path := u.RequestURI()
	if path == "" {
		path = "/"
	}
	var request strings.Builder
	fmt.Fprintf(&request, "GET %s HTTP/1.1\r\nHost: %s\r\n", path, u.Host)
	request.WriteString("Connection: Upgrade\r\nUpgrade: websocket\r\nSec-WebSocket-Version: 13\r\n")
	fmt.Fprintf(&request, "Sec-WebSocket-Key: %s\r\n", key)
	for name, values := range header {
		for _, value := range values {
			fmt.Fprintf(&request, "%s: %s\r\n", name, value)
		}
	}
	request.WriteString("\r\n")
	if _, err := io.WriteString(conn, request.String()); err != nil {
		conn.Close()
		return nil, err
	}

	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !strings.Contains(status, "101") {
		conn.Close()
		return nil, fmt.Errorf("handshake failed: %s", strings.TrimSpace(status))
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, err
		}
		if strings.TrimSpace(line) == "" {
			break
		}
	}
	return &Conn{conn: conn, reader: reader, writer: bufio.NewWriter(conn), mask: true}, nil
}

// ReadMessage reads the next text frame, transparently answering pings and
// handling close frames.
func (c *Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	if c.isClosed() {
		return nil, io.EOF
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	for {
		opcode, payload, err := c.readFrame()
		if err != nil {
			return nil, err
		}
		switch opcode {
		case opcodeText:
			return payload, nil
		case opcodePing:
			if err := c.writeFrame(opcodePong, payload); err != nil {
				return nil, err
			}
		case opcodeClose:
			_ = c.Close()
			return nil, io.EOF
		default:
			// Ignore pongs and unsupported frames.
		}
	}
}

// WriteText sends a text frame.
func (c *Conn) WriteText(payload []byte) error {
	return c.writeFrame(opcodeText, payload)
}

// Ping sends a ping control frame to the peer.
func (c *Conn) Ping(payload []byte) error {
	return c.writeFrame(opcodePing, payload)
}

// WriteClose sends a close frame with the given status code and reason, then
// closes the underlying connection.
func (c *Conn) WriteClose(code int, reason string) error {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	writeErr := c.writeFrame(opcodeClose, payload)
	closeErr := c.Close()
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}

// Close closes the underlying network connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) writeFrame(opcode byte, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	header := []byte{0x80 | opcode}
	maskBit := byte(0)
	if c.mask {
		maskBit = 0x80
	}
	length := len(payload)
	switch {
	case length < 126:
		header = append(header, maskBit|byte(length))
	case length <= 65535:
		header = append(header, maskBit|126, byte(length>>8), byte(length))
	default:
		header = append(header, maskBit|127)
		var extended [8]byte
		binary.BigEndian.PutUint64(extended[:], uint64(length))
		header = append(header, extended[:]...)
	}
	if _, err := c.writer.Write(header); err != nil {
		return err
	}
	if c.mask {
		var key [4]byte
		if _, err := rand.Read(key[:]); err != nil {
			return err
		}
		if _, err := c.writer.Write(key[:]); err != nil {
			return err
		}
		masked := make([]byte, length)
		for i, b := range payload {
			masked[i] = b ^ key[i%4]
		}
		payload = masked
	}
	if _, err := c.writer.Write(payload); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *Conn) readFrame() (byte, []byte, error) {
	first, err := c.reader.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	second, err := c.reader.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	opcode := first & 0x0F
	masked := second&0x80 != 0
	length := uint64(second & 0x7F)
	switch length {
	case 126:
		var buf [2]byte
		if _, err := io.ReadFull(c.reader, buf[:]); err != nil {
			return 0, nil, err
		}
		length = uint64(binary.BigEndian.Uint16(buf[:]))
	case 127:
		var buf [8]byte
		if _, err := io.ReadFull(c.reader, buf[:]); err != nil {
			return 0, nil, err
		}
		length = binary.BigEndian.Uint64(buf[:])
	}
	if length > maxFramePayload {
		return 0, nil, ErrFrameTooLarge
	}
	var maskKey [4]byte
	if masked {
		if _, err := io.ReadFull(c.reader, maskKey[:]); err != nil {
			return 0, nil, err
		}
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return 0, nil, err
	}
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}
	return opcode, payload, nil
}

func headerContains(header http.Header, name, expected string) bool {
	for _, value := range header.Values(name) {
		if strings.Contains(strings.ToLower(value), strings.ToLower(expected)) {
			return true
		}
	}
	return false
}

func acceptKey(key string) string {
	hash := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(hash[:])
}
