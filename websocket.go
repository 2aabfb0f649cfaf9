package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// WebSocketClient implements a client transport carrying one JSON-RPC message per
// WebSocket text frame. Instances should be created using NewWebSocketClient.
type WebSocketClient struct {
	url    string
	header http.Header
	logger *slog.Logger
}

// WebSocketClientOption represents the options for the WebSocketClient.
type WebSocketClientOption func(*WebSocketClient)

type webSocketChannel struct {
	conn   net.Conn
	rw     io.ReadWriter
	logger *slog.Logger
	inbox  *inbox

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var noDeadline time.Time

// NewWebSocketClient creates a WebSocket client dialing url, which uses the ws or wss scheme.
func NewWebSocketClient(url string, options ...WebSocketClientOption) *WebSocketClient {
	c := &WebSocketClient{
		url:    url,
		header: make(http.Header),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithWebSocketClientHeader adds a header sent with the opening handshake.
func WithWebSocketClientHeader(key, value string) WebSocketClientOption {
	return func(c *WebSocketClient) {
		c.header.Add(key, value)
	}
}

// WithWebSocketClientLogger sets the logger of the WebSocketClient.
func WithWebSocketClientLogger(logger *slog.Logger) WebSocketClientOption {
	return func(c *WebSocketClient) {
		c.logger = logger
	}
}

// Open dials the server and performs the opening handshake.
func (c *WebSocketClient) Open(ctx context.Context) (Channel, error) {
	dialer := ws.Dialer{}
	if len(c.header) > 0 {
		dialer.Header = ws.HandshakeHeaderHTTP(c.header)
	}

	conn, br, _, err := dialer.Dial(ctx, c.url)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("failed to dial %s: %w", c.url, err)}
	}

	// The handshake reader may hold frames the server sent right after upgrading.
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}

	ch := &webSocketChannel{
		conn: conn,
		rw: struct {
			io.Reader
			io.Writer
		}{r, conn},
		logger: c.logger,
		inbox:  newInbox(defaultInboxSize),
	}
	go ch.readMessages()
	return ch, nil
}

func (c *webSocketChannel) ID() string { return "" }

func (c *webSocketChannel) Send(ctx context.Context, raw json.RawMessage) error {
	select {
	case <-c.inbox.done:
		return ErrTransportClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(noDeadline)
	}
	if err := wsutil.WriteClientText(c.conn, raw); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (c *webSocketChannel) Messages() iter.Seq2[json.RawMessage, error] {
	return c.inbox.messages()
}

func (c *webSocketChannel) Close() error {
	c.closeOnce.Do(func() {
		c.inbox.close()

		c.writeMu.Lock()
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = ws.WriteFrame(c.conn, ws.MaskFrameInPlace(ws.NewCloseFrame(body)))
		c.writeMu.Unlock()

		_ = c.conn.Close()
	})
	return nil
}

func (c *webSocketChannel) readMessages() {
	for {
		// ReadServerData answers pings and turns close frames into wsutil.ClosedError.
		data, op, err := wsutil.ReadServerData(c.rw)
		if err != nil {
			select {
			case <-c.inbox.done:
				return
			default:
			}
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				c.logger.Debug("server closed the connection",
					slog.Int("code", int(closed.Code)), slog.String("reason", closed.Reason))
			} else {
				c.logger.Error("failed to read frame", slog.String("err", err.Error()))
			}
			c.inbox.fail(&TransportError{Op: "receive", Err: err})
			return
		}
		if op != ws.OpText {
			c.logger.Warn("ignoring non-text frame", slog.Int("opcode", int(op)))
			continue
		}
		if !c.inbox.push(json.RawMessage(data)) {
			return
		}
	}
}
