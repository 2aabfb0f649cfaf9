package mcptest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/TangGee/go-mcp-client"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type wsConn struct {
	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func (c *wsConn) send(_ context.Context, msg mcp.JSONRPCMessage) error {
	msgBs, err := mcp.EncodeMessage(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errStreamClosed
	}
	if err := wsutil.WriteServerText(c.conn, msgBs); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// HandleWebSocket returns an http.Handler upgrading connections to WebSocket. Each
// connection is one session, carrying a message per text frame in both directions.
func (s *Server) HandleWebSocket() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			s.logger.Warn("failed to upgrade websocket", slog.String("err", err.Error()))
			return
		}

		c := &wsConn{conn: conn}
		sess := s.newSession(c.send)
		defer func() {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()

			s.removeSession(sess.id)
			_ = conn.Close()
		}()

		// Stop reading once the session is removed.
		stop := context.AfterFunc(sess.ctx, func() {
			_ = conn.Close()
		})
		defer stop()

		for {
			data, op, err := wsutil.ReadClientData(conn)
			if err != nil {
				var closedErr wsutil.ClosedError
				if !errors.As(err, &closedErr) && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					s.logger.Warn("failed to read websocket frame", slog.String("err", err.Error()))
				}
				return
			}
			if op != ws.OpText && op != ws.OpBinary {
				continue
			}

			if isRequest(data) {
				go s.reply(sess, c.send, data)
				continue
			}
			s.reply(sess, c.send, data)
		}
	})
}
