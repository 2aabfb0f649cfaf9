package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/tmaxmax/go-sse"
)

// SSEClient implements a Server-Sent Events (SSE) client transport. Server-to-client
// messages arrive on a long-lived event stream, client-to-server messages are sent
// as independent HTTP POSTs to the endpoint the server announces on that stream.
// Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	header     http.Header
	logger     *slog.Logger

	maxPayloadSize int
	inboxSize      int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseChannel struct {
	client   *SSEClient
	endpoint string
	id       string

	cancel    context.CancelFunc
	inbox     *inbox
	closeOnce sync.Once
}

var (
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	jsonMediaType        = contenttype.NewMediaType("application/json")
)

const defaultInboxSize = 16

var (
	errSSEEndpointMissing = errors.New("stream ended before the endpoint event")
	errSSEEndpointOrigin  = errors.New("endpoint origin differs from the stream's")
)

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used. Nothing is sent over the network until Open is called.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		header:     make(http.Header),
		logger:     slog.Default(),
		inboxSize:  defaultInboxSize,
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the channel fails with a
// *TransportError.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger of the SSEClient.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger
	}
}

// WithSSEClientHeader adds a header sent with every request, for example an
// Authorization bearer token.
func WithSSEClientHeader(key, value string) SSEClientOption {
	return func(s *SSEClient) {
		s.header.Add(key, value)
	}
}

// Open establishes the event stream and waits for the server to announce the endpoint
// messages must be posted to. The stream stays open until the returned Channel is
// closed; cancelling ctx only aborts the connection attempt.
func (s *SSEClient) Open(ctx context.Context) (Channel, error) {
	base, err := url.Parse(s.connectURL)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("invalid connect URL: %w", err)}
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("failed to create request: %w", err)}
	}
	copyHeader(req.Header, s.header)
	req.Header.Set("Accept", "text/event-stream")

	stop := context.AfterFunc(ctx, cancel)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		stop()
		cancel()
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("failed to connect to SSE server: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		stop()
		resp.Body.Close()
		cancel()
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}
	if !contenttype.NewMediaType(resp.Header.Get("Content-Type")).Matches(eventStreamMediaType) {
		stop()
		resp.Body.Close()
		cancel()
		return nil, &TransportError{
			Op:  "connect",
			Err: fmt.Errorf("unexpected content type: %q", resp.Header.Get("Content-Type")),
		}
	}

	ch := &sseChannel{
		client: s,
		cancel: cancel,
		inbox:  newInbox(s.inboxSize),
	}

	endpoints := make(chan string, 1)
	go ch.listenSSEMessages(streamCtx, base, resp.Body, endpoints)

	select {
	case endpoint := <-endpoints:
		stop()
		ch.endpoint = endpoint
		ch.id = sessionIDFromEndpoint(endpoint)
		return ch, nil
	case <-ch.inbox.failed:
		stop()
		cancel()
		return nil, ch.inbox.failErr
	case <-ctx.Done():
		cancel()
		return nil, &TransportError{Op: "connect", Err: ctx.Err()}
	}
}

func (s *sseChannel) listenSSEMessages(ctx context.Context, base *url.URL, body io.ReadCloser, endpoints chan<- string) {
	defer body.Close()

	var config *sse.ReadConfig
	if s.client.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.client.maxPayloadSize,
		}
	}

	gotEndpoint := false
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.client.logger.Error("failed to read SSE message", slog.String("err", err.Error()))
			s.inbox.fail(&TransportError{Op: "receive", Err: err})
			return
		}

		switch ev.Type {
		case "endpoint":
			if gotEndpoint {
				s.client.logger.Warn("ignoring repeated endpoint event", slog.String("data", ev.Data))
				continue
			}
			// The endpoint may be relative to the URL the stream was opened on.
			u, err := base.Parse(ev.Data)
			if err != nil || ev.Data == "" {
				s.inbox.fail(&TransportError{Op: "connect", Err: fmt.Errorf("invalid endpoint URL %q", ev.Data)})
				return
			}
			// Posts carry the configured headers, credentials included.
			if u.Scheme != base.Scheme || u.Host != base.Host {
				s.inbox.fail(&TransportError{Op: "connect", Err: fmt.Errorf("%w: %s", errSSEEndpointOrigin, u.Redacted())})
				return
			}
			gotEndpoint = true
			endpoints <- u.String()
		case "message", "":
			if !gotEndpoint {
				s.client.logger.Error("received message before endpoint URL")
				continue
			}
			if !s.inbox.push(json.RawMessage(ev.Data)) {
				return
			}
		default:
			s.client.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}

	if ctx.Err() != nil {
		return
	}
	if !gotEndpoint {
		s.inbox.fail(&TransportError{Op: "connect", Err: errSSEEndpointMissing})
		return
	}
	s.inbox.fail(&TransportError{Op: "receive", Err: io.EOF})
}

func (s *sseChannel) ID() string { return s.id }

// Send transmits the message to the server through an HTTP POST request. Returns a
// *TransportError if the request fails or the server responds with neither 200 nor 202.
func (s *sseChannel) Send(ctx context.Context, raw json.RawMessage) error {
	select {
	case <-s.inbox.done:
		return ErrTransportClosed
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(raw))
	if err != nil {
		return &TransportError{Op: "send", Err: fmt.Errorf("failed to create request: %w", err)}
	}
	copyHeader(req.Header, s.client.header)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "send", Err: fmt.Errorf("failed to send message: %w", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return &TransportError{Op: "send", Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	return nil
}

func (s *sseChannel) Messages() iter.Seq2[json.RawMessage, error] {
	return s.inbox.messages()
}

func (s *sseChannel) Close() error {
	s.closeOnce.Do(func() {
		s.inbox.close()
		s.cancel()
	})
	return nil
}

func sessionIDFromEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	q := u.Query()
	for _, key := range []string{"sessionID", "sessionId", "session_id"} {
		if id := q.Get(key); id != "" {
			return id
		}
	}
	return ""
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
