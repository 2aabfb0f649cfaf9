package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/tmaxmax/go-sse"
)

const (
	// HeaderSessionID carries the session token of the streamable HTTP transport.
	HeaderSessionID = "Mcp-Session-Id"
	// HeaderProtocolVersion carries the negotiated protocol version on every request
	// following the handshake.
	HeaderProtocolVersion = "Mcp-Protocol-Version"

	defaultTerminateTimeout = 5 * time.Second
)

// ErrSessionExpired is wrapped by the *TransportError a streamable channel ends with
// when the server no longer knows its session.
var ErrSessionExpired = errors.New("session expired")

// StreamableClient implements the streamable HTTP client transport: every message is
// POSTed to a single endpoint, and the server answers with either a JSON body or an
// event stream carrying the replies. Instances should be created using
// NewStreamableClient.
type StreamableClient struct {
	httpClient *http.Client
	url        string
	header     http.Header
	logger     *slog.Logger

	maxPayloadSize   int
	inboxSize        int
	standaloneStream bool
}

// StreamableClientOption represents the options for the StreamableClient.
type StreamableClientOption func(*StreamableClient)

type streamableChannel struct {
	client *StreamableClient

	// ctx bounds every response body read by the channel and is cancelled on Close.
	ctx    context.Context
	cancel context.CancelFunc
	inbox  *inbox
	wg     sync.WaitGroup

	mu              sync.Mutex
	sessionID       string
	protocolVersion string
	streamStarted   bool
	closed          bool

	closeOnce sync.Once
}

// NewStreamableClient creates a streamable HTTP client posting to url. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default
// HTTP client is used.
func NewStreamableClient(url string, httpClient *http.Client, options ...StreamableClientOption) *StreamableClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &StreamableClient{
		httpClient:       cli,
		url:              url,
		header:           make(http.Header),
		logger:           slog.Default(),
		inboxSize:        defaultInboxSize,
		standaloneStream: true,
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithStreamableClientMaxPayloadSize limits the size of a single event read from an
// event-stream reply.
func WithStreamableClientMaxPayloadSize(size int) StreamableClientOption {
	return func(s *StreamableClient) {
		s.maxPayloadSize = size
	}
}

// WithStreamableClientLogger sets the logger of the StreamableClient.
func WithStreamableClientLogger(logger *slog.Logger) StreamableClientOption {
	return func(s *StreamableClient) {
		s.logger = logger
	}
}

// WithStreamableClientHeader adds a header sent with every request.
func WithStreamableClientHeader(key, value string) StreamableClientOption {
	return func(s *StreamableClient) {
		s.header.Add(key, value)
	}
}

// WithoutStandaloneStream disables the GET stream the client otherwise opens once
// the handshake completed, to receive messages the server initiates on its own.
func WithoutStandaloneStream() StreamableClientOption {
	return func(s *StreamableClient) {
		s.standaloneStream = false
	}
}

// Open returns a Channel posting to the client's URL. No request is made until the
// first message is sent.
func (s *StreamableClient) Open(ctx context.Context) (Channel, error) {
	chCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &streamableChannel{
		client: s,
		ctx:    chCtx,
		cancel: cancel,
		inbox:  newInbox(s.inboxSize),
	}, nil
}

func (c *streamableChannel) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sessionID
}

func (c *streamableChannel) SetProtocolVersion(version string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.protocolVersion = version
}

// Send POSTs the message. Replies carried by the response are queued to Messages,
// event-stream replies are read in the background until the server ends them.
func (c *streamableChannel) Send(ctx context.Context, raw json.RawMessage) error {
	select {
	case <-c.inbox.done:
		return ErrTransportClosed
	default:
	}

	// The request outlives Send when the reply is an event stream, so it is bound to
	// the channel and only tied to ctx until the response headers arrive.
	reqCtx, reqCancel := context.WithCancel(c.ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.client.url, bytes.NewReader(raw))
	if err != nil {
		reqCancel()
		return &TransportError{Op: "send", Err: fmt.Errorf("failed to create request: %w", err)}
	}
	hadSession := c.prepare(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	stop := context.AfterFunc(ctx, reqCancel)
	resp, err := c.client.httpClient.Do(req)
	if !stop() && err == nil {
		resp.Body.Close()
		err = ctx.Err()
	}
	if err != nil {
		reqCancel()
		return &TransportError{Op: "send", Err: fmt.Errorf("failed to send message: %w", err)}
	}

	if id := resp.Header.Get(HeaderSessionID); id != "" {
		c.mu.Lock()
		c.sessionID = id
		c.mu.Unlock()
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		resp.Body.Close()
		reqCancel()
		c.afterSend(raw)
		return nil
	case resp.StatusCode == http.StatusNotFound && hadSession:
		resp.Body.Close()
		reqCancel()
		tErr := &TransportError{Op: "send", Err: ErrSessionExpired}
		c.inbox.fail(tErr)
		return tErr
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		reqCancel()
		return &TransportError{Op: "send", Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	mt := contenttype.NewMediaType(resp.Header.Get("Content-Type"))
	switch {
	case mt.Matches(eventStreamMediaType):
		body := resp.Body
		if !c.spawn(func() {
			defer reqCancel()
			c.readStream(body, false)
		}) {
			body.Close()
			reqCancel()
			return ErrTransportClosed
		}
	case mt.Matches(jsonMediaType):
		defer reqCancel()
		err := c.readJSON(resp.Body)
		resp.Body.Close()
		if err != nil {
			return &TransportError{Op: "receive", Err: err}
		}
	default:
		// Notifications and responses may be acknowledged by an empty 200.
		resp.Body.Close()
		reqCancel()
	}

	c.afterSend(raw)
	return nil
}

func (c *streamableChannel) prepare(req *http.Request) bool {
	copyHeader(req.Header, c.client.header)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionID != "" {
		req.Header.Set(HeaderSessionID, c.sessionID)
	}
	if c.protocolVersion != "" {
		req.Header.Set(HeaderProtocolVersion, c.protocolVersion)
	}
	return c.sessionID != ""
}

// afterSend opens the standalone GET stream once the initialized notification went out.
func (c *streamableChannel) afterSend(raw json.RawMessage) {
	if !c.client.standaloneStream {
		return
	}
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Method != MethodNotificationsInitialized {
		return
	}

	c.mu.Lock()
	started := c.streamStarted
	c.streamStarted = true
	c.mu.Unlock()
	if started {
		return
	}

	c.spawn(c.listenStandalone)
}

// spawn runs fn on a goroutine Close waits for. It reports false once the channel
// is closing.
func (c *streamableChannel) spawn(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

func (c *streamableChannel) listenStandalone() {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.client.url, nil)
	if err != nil {
		c.client.logger.Error("failed to create stream request", slog.String("err", err.Error()))
		return
	}
	c.prepare(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.httpClient.Do(req)
	if err != nil {
		if c.ctx.Err() == nil {
			c.client.logger.Warn("failed to open standalone stream", slog.String("err", err.Error()))
		}
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusMethodNotAllowed:
		c.client.logger.Debug("server offers no standalone stream")
		return
	case http.StatusNotFound:
		c.inbox.fail(&TransportError{Op: "receive", Err: ErrSessionExpired})
		return
	default:
		c.client.logger.Warn("unexpected standalone stream status", slog.Int("status", resp.StatusCode))
		return
	}

	c.readStream(resp.Body, true)
}

// readStream queues the messages of an event stream. Only the standalone stream ending
// is a channel failure, reply streams end normally once every reply was delivered.
func (c *streamableChannel) readStream(body io.ReadCloser, standalone bool) {
	defer body.Close()

	var config *sse.ReadConfig
	if c.client.maxPayloadSize > 0 {
		config = &sse.ReadConfig{MaxEventSize: c.client.maxPayloadSize}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.client.logger.Error("failed to read SSE message", slog.String("err", err.Error()))
			c.inbox.fail(&TransportError{Op: "receive", Err: err})
			return
		}
		if ev.Type != "" && ev.Type != "message" {
			c.client.logger.Warn("unhandled event type", slog.String("type", ev.Type))
			continue
		}
		if ev.Data == "" {
			continue
		}
		if !c.inbox.push(json.RawMessage(ev.Data)) {
			return
		}
	}

	if standalone && c.ctx.Err() == nil {
		c.inbox.fail(&TransportError{Op: "receive", Err: io.EOF})
	}
}

// readJSON queues a single message or every element of a batch.
func (c *streamableChannel) readJSON(body io.Reader) error {
	br := bufio.NewReader(body)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}

	if first == '[' {
		var batch []json.RawMessage
		if err := json.NewDecoder(br).Decode(&batch); err != nil {
			return fmt.Errorf("failed to decode batch: %w", err)
		}
		for _, raw := range batch {
			if !c.inbox.push(raw) {
				return nil
			}
		}
		return nil
	}

	var raw json.RawMessage
	if err := json.NewDecoder(br).Decode(&raw); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	c.inbox.push(raw)
	return nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

func (c *streamableChannel) Messages() iter.Seq2[json.RawMessage, error] {
	return c.inbox.messages()
}

// Close terminates the session on the server with a best-effort DELETE, then stops
// every stream the channel reads.
func (c *streamableChannel) Close() error {
	c.closeOnce.Do(func() {
		c.inbox.close()

		c.mu.Lock()
		c.closed = true
		sessionID := c.sessionID
		c.mu.Unlock()
		if sessionID != "" {
			c.terminate()
		}

		c.cancel()
		c.wg.Wait()
	})
	return nil
}

func (c *streamableChannel) terminate() {
	ctx, cancel := context.WithTimeout(c.ctx, defaultTerminateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.client.url, nil)
	if err != nil {
		return
	}
	c.prepare(req)

	resp, err := c.client.httpClient.Do(req)
	if err != nil {
		c.client.logger.Debug("failed to terminate session", slog.String("err", err.Error()))
		return
	}
	resp.Body.Close()
}
