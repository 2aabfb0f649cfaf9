package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// SessionState is the lifecycle position of a Session.
type SessionState int32

const (
	// StateConnecting is the state of a Session that was created but not connected yet.
	StateConnecting SessionState = iota
	// StateHandshaking is the state between opening the channel and receiving the
	// initialize result.
	StateHandshaking
	// StateReady is the only state in which requests and notifications can be sent.
	StateReady
	// StateClosing is the state while outstanding requests are abandoned and the
	// channel is closed.
	StateClosing
	// StateClosed is the terminal state.
	StateClosed
)

// SessionOption is a function that configures a Session.
type SessionOption func(*Session)

// Session implements the client side of a Model Context Protocol (MCP) session. It
// performs the initialize handshake over a Channel, correlates requests with their
// responses, and routes notifications and server-initiated requests to handlers.
//
// A Session must be created using NewSession and requires Connect to be called before
// any request can be sent. The session should be closed using Close when it's no
// longer needed. All methods are safe for concurrent use.
type Session struct {
	info         Info
	capabilities ClientCapabilities
	transport    ClientTransport
	logger       *slog.Logger

	handshakeTimeout   time.Duration
	requestTimeout     time.Duration
	writeTimeout       time.Duration
	keepAliveInterval  time.Duration
	keepAliveThreshold int

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	telemetry      *telemetry

	state   atomic.Int32
	started atomic.Bool
	table   *CorrelationTable

	mu                   sync.RWMutex
	channel              Channel
	closing              bool
	notificationHandlers map[string][]NotificationHandler
	requestHandlers      map[string]RequestHandler
	serverInfo           Info
	serverCapabilities   ServerCapabilities
	protocolVersion      string
	instructions         string

	queueMu     sync.Mutex
	queue       []JSONRPCMessage
	queueSignal chan struct{}

	// ctx is handed to handlers and background work, and is cancelled on teardown.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce  sync.Once
	closeErr   error
	done       chan struct{}
	readerDone chan struct{}
}

var (
	defaultHandshakeTimeout = 10 * time.Second
	defaultRequestTimeout   = 30 * time.Second
	defaultWriteTimeout     = 30 * time.Second

	defaultKeepAliveThreshold = 3

	errClosedByClient = fmt.Errorf("%w by client", ErrSessionClosed)
)

// WithLogger sets the logger of the session.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithCapabilities sets the capabilities the session advertises during the handshake.
func WithCapabilities(capabilities ClientCapabilities) SessionOption {
	return func(s *Session) {
		s.capabilities = capabilities
	}
}

// WithHandshakeTimeout bounds the initialize exchange performed by Connect.
func WithHandshakeTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.handshakeTimeout = timeout
	}
}

// WithRequestTimeout bounds every request sent after the handshake. A negative value
// disables the bound, leaving only the caller's context.
func WithRequestTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.requestTimeout = timeout
	}
}

// WithWriteTimeout bounds the messages the session sends on its own: responses to
// server-initiated requests and the initialized notification.
func WithWriteTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.writeTimeout = timeout
	}
}

// WithKeepAlive pings the server every interval once the session is ready. The session
// is closed after more than threshold consecutive failed pings.
func WithKeepAlive(interval time.Duration, threshold int) SessionOption {
	return func(s *Session) {
		s.keepAliveInterval = interval
		s.keepAliveThreshold = threshold
	}
}

// WithNotificationHandler registers handler for notifications of the given method.
func WithNotificationHandler(method string, handler NotificationHandler) SessionOption {
	return func(s *Session) {
		s.notificationHandlers[method] = append(s.notificationHandlers[method], handler)
	}
}

// WithRequestHandler registers handler for server-initiated requests of the given method.
func WithRequestHandler(method string, handler RequestHandler) SessionOption {
	return func(s *Session) {
		s.requestHandlers[method] = handler
	}
}

// WithTracerProvider sets the provider of the tracer request spans are reported to.
// The global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) SessionOption {
	return func(s *Session) {
		s.tracerProvider = tp
	}
}

// WithMeterProvider sets the provider of the meter session metrics are reported to.
// The global provider is used by default.
func WithMeterProvider(mp metric.MeterProvider) SessionOption {
	return func(s *Session) {
		s.meterProvider = mp
	}
}

// NewSession creates a new client session identifying itself with info and talking
// through transport. Nothing is sent until Connect is called.
func NewSession(info Info, transport ClientTransport, options ...SessionOption) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		info:                 info,
		transport:            transport,
		logger:               slog.Default(),
		table:                NewCorrelationTable(),
		notificationHandlers: make(map[string][]NotificationHandler),
		requestHandlers:      make(map[string]RequestHandler),
		queueSignal:          make(chan struct{}, 1),
		ctx:                  ctx,
		cancel:               cancel,
		done:                 make(chan struct{}),
		readerDone:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	if s.handshakeTimeout == 0 {
		s.handshakeTimeout = defaultHandshakeTimeout
	}
	if s.requestTimeout == 0 {
		s.requestTimeout = defaultRequestTimeout
	}
	if s.writeTimeout == 0 {
		s.writeTimeout = defaultWriteTimeout
	}
	if s.keepAliveInterval > 0 && s.keepAliveThreshold == 0 {
		s.keepAliveThreshold = defaultKeepAliveThreshold
	}

	s.telemetry = newTelemetry(s.tracerProvider, s.meterProvider, s.logger)
	s.state.Store(int32(StateConnecting))

	return s
}

// Connect opens the transport and performs the initialize handshake. It returns once
// the session is ready, or with an error wrapping ErrHandshakeFailed, in which case
// the session is closed. The handshake is bounded by both ctx and the handshake timeout.
func (s *Session) Connect(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session already connected")
	}
	if s.State() != StateConnecting {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, s.closedError())
	}

	hsCtx, hsCancel := context.WithTimeoutCause(ctx, s.handshakeTimeout, ErrTimeout)
	defer hsCancel()

	ch, err := s.transport.Open(hsCtx)
	if err != nil {
		err = fmt.Errorf("%w: failed to open transport: %w", ErrHandshakeFailed, err)
		s.teardown(err)
		return err
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = ch.Close()
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, s.closedError())
	}
	s.channel = ch
	s.state.Store(int32(StateHandshaking))
	s.mu.Unlock()

	go s.listenMessages(ch)
	go s.dispatchNotifications()

	if err := s.initialize(hsCtx, ch); err != nil {
		err = fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
		s.teardown(err)
		return err
	}

	if s.keepAliveInterval > 0 {
		l := NewLiveness(s, WithLivenessLogger(s.logger), WithLivenessMeterProvider(s.meterProvider))
		go l.Monitor(s.ctx, s.keepAliveInterval, s.keepAliveThreshold, func(err error) {
			s.teardown(fmt.Errorf("keep-alive failed: %w", err))
		})
	}

	return nil
}

func (s *Session) initialize(ctx context.Context, ch Channel) error {
	params := initializeParams{
		ProtocolVersion: LatestProtocolVersion,
		Capabilities:    s.capabilities,
		ClientInfo:      s.info,
	}
	res, err := s.call(ctx, MethodInitialize, params, 0)
	if err != nil {
		return fmt.Errorf("initialize request: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(res, &result); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	if !isSupportedProtocolVersion(result.ProtocolVersion) {
		return fmt.Errorf("unsupported protocol version %q", result.ProtocolVersion)
	}

	s.mu.Lock()
	s.serverInfo = result.ServerInfo
	s.serverCapabilities = result.Capabilities
	s.protocolVersion = result.ProtocolVersion
	s.instructions = result.Instructions
	s.mu.Unlock()

	if setter, ok := ch.(protocolVersionSetter); ok {
		setter.SetProtocolVersion(result.ProtocolVersion)
	}

	if !s.state.CompareAndSwap(int32(StateHandshaking), int32(StateReady)) {
		return s.closedError()
	}

	if err := s.sendNotification(ctx, MethodNotificationsInitialized, nil); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	s.logger.Debug("session ready",
		slog.String("server", result.ServerInfo.Name),
		slog.String("version", result.ServerInfo.Version),
		slog.String("protocolVersion", result.ProtocolVersion))
	return nil
}

// Request sends a request and waits for its result. A JSON-RPC error response is
// returned as a *JSONRPCError. The wait is bounded by ctx and the request timeout;
// exceeding either deadline yields an error wrapping ErrTimeout. Cancelling ctx
// forgets the request without notifying the server, a late response is discarded.
func (s *Session) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return s.call(ctx, method, params, s.requestTimeout)
}

// Notify sends a notification.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	return s.sendNotification(ctx, method, params)
}

// OnNotification registers handler for notifications of the given method.
func (s *Session) OnNotification(method string, handler NotificationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notificationHandlers[method] = append(s.notificationHandlers[method], handler)
}

// HandleRequest registers handler for server-initiated requests of the given method,
// replacing any previous one.
func (s *Session) HandleRequest(method string, handler RequestHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requestHandlers[method] = handler
}

// Close ends the session: outstanding requests fail with ErrSessionClosed and the
// channel is closed. Calling Close more than once is a no-op.
func (s *Session) Close() error {
	s.teardown(errClosedByClient)
	if s.started.Load() {
		s.mu.RLock()
		opened := s.channel != nil
		s.mu.RUnlock()
		if opened {
			<-s.readerDone
		}
	}
	return nil
}

// Done returns a channel that is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the session was closed, or nil while it's open.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// ID returns the session token assigned by the transport, if any.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.channel == nil {
		return ""
	}
	return s.channel.ID()
}

// ServerInfo returns the identification the server sent during the handshake.
func (s *Session) ServerInfo() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.serverInfo
}

// ServerCapabilities returns the capabilities the server advertised during the handshake.
func (s *Session) ServerCapabilities() ServerCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.serverCapabilities
}

// ProtocolVersion returns the negotiated protocol version.
func (s *Session) ProtocolVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.protocolVersion
}

// Instructions returns the usage hints the server sent during the handshake.
func (s *Session) Instructions() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.instructions
}

func (s *Session) checkReady() error {
	switch s.State() {
	case StateConnecting, StateHandshaking:
		return ErrNotReady
	case StateReady:
		return nil
	default:
		return s.closedError()
	}
}

func (s *Session) closedError() error {
	select {
	case <-s.done:
		if errors.Is(s.closeErr, ErrSessionClosed) {
			return s.closeErr
		}
		return fmt.Errorf("%w: %w", ErrSessionClosed, s.closeErr)
	default:
		return ErrSessionClosed
	}
}

type callResult struct {
	msg JSONRPCMessage
	err error
}

// call sends a request regardless of the session state and waits for its response.
func (s *Session) call(ctx context.Context, method string, params any, timeout time.Duration) (
	_ json.RawMessage, err error,
) {
	var paramsBs json.RawMessage
	if params != nil {
		paramsBs, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	s.mu.RLock()
	ch := s.channel
	s.mu.RUnlock()

	id := s.table.NextID()
	results := make(chan callResult, 1)
	if _, err := s.table.Register(id, method, func(msg JSONRPCMessage, err error) {
		results <- callResult{msg: msg, err: err}
	}); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := s.telemetry.startRequest(ctx, method, id)
	defer func() { s.telemetry.endRequest(ctx, span, method, time.Since(start), err) }()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, ErrTimeout)
		defer cancel()
	}

	raw, err := EncodeMessage(JSONRPCMessage{
		ID:     id,
		Method: method,
		Params: paramsBs,
	})
	if err != nil {
		s.table.Cancel(id)
		return nil, err
	}

	if err := ch.Send(ctx, raw); err != nil {
		s.table.Cancel(id)
		if ctx.Err() != nil {
			return nil, s.contextError(ctx, method, id)
		}
		return nil, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	var res callResult
	select {
	case res = <-results:
	case <-ctx.Done():
		if s.table.Cancel(id) {
			return nil, s.contextError(ctx, method, id)
		}
		// The response won the race against the deadline.
		res = <-results
	}

	if res.err != nil {
		return nil, res.err
	}
	if res.msg.Error != nil {
		return nil, res.msg.Error
	}
	return res.msg.Result, nil
}

func (s *Session) contextError(ctx context.Context, method string, id MustString) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s %s: %w", ErrTimeout, method, id, context.DeadlineExceeded)
	}
	return fmt.Errorf("%s %s: %w", method, id, ctx.Err())
}

func (s *Session) sendNotification(ctx context.Context, method string, params any) error {
	var paramsBs json.RawMessage
	if params != nil {
		var err error
		paramsBs, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	return s.send(ctx, JSONRPCMessage{Method: method, Params: paramsBs})
}

func (s *Session) sendResult(req JSONRPCMessage, result any) error {
	resBs, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	reply := NewReply(req)
	reply.Result = resBs
	return s.send(s.ctx, reply)
}

func (s *Session) sendError(req JSONRPCMessage, jErr *JSONRPCError) error {
	reply := NewReply(req)
	reply.Error = jErr
	return s.send(s.ctx, reply)
}

func (s *Session) send(ctx context.Context, msg JSONRPCMessage) error {
	raw, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	s.mu.RLock()
	ch := s.channel
	s.mu.RUnlock()

	sCtx, sCancel := context.WithTimeout(ctx, s.writeTimeout)
	defer sCancel()

	return ch.Send(sCtx, raw)
}

func (s *Session) listenMessages(ch Channel) {
	defer close(s.readerDone)

	for raw, err := range ch.Messages() {
		if err != nil {
			if !errors.Is(err, ErrTransportClosed) {
				s.logger.Error("transport failed", slog.String("err", err.Error()))
			}
			s.teardown(err)
			return
		}

		msg, kind, err := DecodeMessage(raw)
		if err != nil {
			s.logger.Warn("dropping malformed message", slog.String("err", err.Error()))
			s.telemetry.messageDropped(s.ctx, "malformed")
			continue
		}

		switch kind {
		case KindResponse:
			if err := s.table.Resolve(msg.ID, msg); err != nil {
				s.logger.Debug("discarding response", slog.String("id", string(msg.ID)),
					slog.String("err", err.Error()))
			}
		case KindNotification:
			s.enqueueNotification(msg)
		case KindRequest:
			go s.handleRequest(msg)
		}
	}

	s.teardown(ErrTransportClosed)
}

func (s *Session) enqueueNotification(msg JSONRPCMessage) {
	s.queueMu.Lock()
	s.queue = append(s.queue, msg)
	s.queueMu.Unlock()

	select {
	case s.queueSignal <- struct{}{}:
	default:
	}
}

// dispatchNotifications delivers queued notifications one at a time, so a slow
// handler delays later notifications but never the reader.
func (s *Session) dispatchNotifications() {
	for {
		select {
		case <-s.done:
			return
		case <-s.queueSignal:
		}

		for {
			s.queueMu.Lock()
			if len(s.queue) == 0 {
				s.queueMu.Unlock()
				break
			}
			msg := s.queue[0]
			s.queue[0] = JSONRPCMessage{}
			s.queue = s.queue[1:]
			s.queueMu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.dispatchNotification(msg)
		}
	}
}

func (s *Session) dispatchNotification(msg JSONRPCMessage) {
	s.mu.RLock()
	handlers := append([]NotificationHandler(nil), s.notificationHandlers[msg.Method]...)
	s.mu.RUnlock()

	if len(handlers) == 0 {
		s.logger.Debug("ignoring notification", slog.String("method", msg.Method))
		return
	}
	for _, handler := range handlers {
		handler(s.ctx, msg.Params)
	}
}

func (s *Session) handleRequest(msg JSONRPCMessage) {
	s.mu.RLock()
	handler, ok := s.requestHandlers[msg.Method]
	s.mu.RUnlock()

	if !ok {
		if msg.Method == MethodPing {
			if err := s.sendResult(msg, struct{}{}); err != nil {
				s.logger.Error("failed to handle ping", slog.String("err", err.Error()))
			}
			return
		}
		s.logger.Warn("unsupported request", slog.String("method", msg.Method))
		if err := s.sendError(msg, &JSONRPCError{
			Code:    CodeMethodNotFound,
			Message: "Method not found",
		}); err != nil {
			s.logger.Error("failed to send error", slog.String("err", err.Error()))
		}
		return
	}

	result, err := handler(s.ctx, msg.Params)
	if err != nil {
		var jErr *JSONRPCError
		if !errors.As(err, &jErr) {
			jErr = &JSONRPCError{Code: CodeInternalError, Message: err.Error()}
		}
		if sErr := s.sendError(msg, jErr); sErr != nil {
			s.logger.Error("failed to send error", slog.String("err", sErr.Error()))
		}
		return
	}
	if result == nil {
		result = struct{}{}
	}
	if err := s.sendResult(msg, result); err != nil {
		s.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}

// teardown closes the session with reason. Only the first call has any effect.
func (s *Session) teardown(reason error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.closeErr = reason
		s.cancel()

		abandonReason := reason
		if !errors.Is(reason, ErrSessionClosed) {
			abandonReason = fmt.Errorf("%w: %w", ErrSessionClosed, reason)
		}
		if n := s.table.AbandonAll(abandonReason); n > 0 {
			s.logger.Debug("abandoned outstanding requests", slog.Int("count", n))
		}

		s.mu.Lock()
		s.closing = true
		ch := s.channel
		s.mu.Unlock()
		if ch != nil {
			if err := ch.Close(); err != nil {
				s.logger.Warn("failed to close channel", slog.String("err", err.Error()))
			}
		}

		s.state.Store(int32(StateClosed))
		close(s.done)
	})
}

func (st SessionState) String() string {
	switch st {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(st))
	}
}
