package mcptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/TangGee/go-mcp-client"
	"github.com/elnormous/contenttype"
	"github.com/tmaxmax/go-sse"
)

var (
	errStreamClosed = errors.New("stream closed")

	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

// sseSessions tracks the open event streams, so posted messages can be routed to
// their session and the replies written to its stream.
type sseSessions struct {
	mu      sync.Mutex
	streams map[string]*sseStream
}

type sseStream struct {
	mu     sync.Mutex
	sess   *sse.Session
	closed bool
}

func newSSESessions() *sseSessions {
	return &sseSessions{
		streams: make(map[string]*sseStream),
	}
}

func (st *sseStream) send(_ context.Context, msg mcp.JSONRPCMessage) error {
	msgBs, err := mcp.EncodeMessage(msg)
	if err != nil {
		return err
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	// The sse library doesn't support concurrent writes on a session.
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return errStreamClosed
	}
	if err := st.sess.Send(sseMsg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	if err := st.sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush message: %w", err)
	}
	return nil
}

// HandleSSE returns an http.Handler for event stream connections over GET requests.
// The handler upgrades the connection, assigns a new session, and announces
// messageURL with the session id as the endpoint the client must post to. The
// connection remains open until the client disconnects.
func (s *Server) HandleSSE(messageURL string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		stream := &sseStream{sess: sess}
		srvSession := s.newSession(stream.send)
		defer s.removeSession(srvSession.id)
		defer func() {
			stream.mu.Lock()
			stream.closed = true
			stream.mu.Unlock()
		}()

		s.sse.mu.Lock()
		s.sse.streams[srvSession.id] = stream
		s.sse.mu.Unlock()
		defer func() {
			s.sse.mu.Lock()
			delete(s.sse.streams, srvSession.id)
			s.sse.mu.Unlock()
		}()

		// Use the type "endpoint" to indicate the endpoint URL.
		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(fmt.Sprintf("%s?sessionID=%s", messageURL, srvSession.id))

		stream.mu.Lock()
		err = sess.Send(&msg)
		if err == nil {
			err = sess.Flush()
		}
		stream.mu.Unlock()
		if err != nil {
			s.logger.Error("failed to write SSE endpoint", slog.String("err", err.Error()))
			return
		}

		// Block until the client goes away, so the connection is left open.
		select {
		case <-r.Context().Done():
		case <-srvSession.ctx.Done():
		}
	})
}

// HandleMessage returns an http.Handler for messages posted by event stream clients.
// The handler expects a sessionID query parameter and a JSON-encoded message body, and
// answers 202 once the message was accepted; replies are written to the event stream.
func (s *Server) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			s.logger.Warn("missing sessionID query parameter")
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
			return
		}

		s.sse.mu.Lock()
		stream, ok := s.sse.streams[sessID]
		s.sse.mu.Unlock()
		srvSession, sOk := s.session(sessID)
		if !ok || !sOk {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to read body: %v", err), http.StatusBadRequest)
			return
		}
		if !json.Valid(body) {
			s.logger.Warn("failed to decode message")
			http.Error(w, "failed to decode message", http.StatusBadRequest)
			return
		}

		w.WriteHeader(http.StatusAccepted)

		// Notifications and responses are handled before answering, so they are
		// processed in the order they were posted. Requests may take a while.
		if isRequest(body) {
			go s.reply(srvSession, stream.send, body)
			return
		}
		s.reply(srvSession, stream.send, body)
	})
}

func (s *Server) reply(sess *serverSession, send func(context.Context, mcp.JSONRPCMessage) error, raw []byte) {
	reply := sess.handleRaw(raw)
	if reply == nil {
		return
	}

	ctx, cancel := context.WithTimeout(sess.ctx, s.sendTimeout)
	defer cancel()

	if err := send(ctx, *reply); err != nil {
		s.logger.Warn("failed to send reply", slog.String("err", err.Error()))
	}
}

func isRequest(raw []byte) bool {
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Method != "" && len(probe.ID) > 0 && string(probe.ID) != "null"
}
