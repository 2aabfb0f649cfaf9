package mcp_test

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/TangGee/go-mcp-client"
	"github.com/TangGee/go-mcp-client/mcptest"
	"github.com/stretchr/testify/require"
)

var (
	testClientInfo = mcp.Info{Name: "test-client", Version: "1.0"}
	testServerInfo = mcp.Info{Name: "test-server", Version: "1.0"}
)

const waitTimeout = 2 * time.Second

// fakeTransport hands out a single scripted channel, letting tests play the server.
type fakeTransport struct {
	ch      *fakeChannel
	openErr error
}

type fakeChannel struct {
	sent    chan json.RawMessage
	inbound chan json.RawMessage

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		ch: &fakeChannel{
			sent:    make(chan json.RawMessage, 64),
			inbound: make(chan json.RawMessage, 64),
			closed:  make(chan struct{}),
		},
	}
}

func (f *fakeTransport) Open(context.Context) (mcp.Channel, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.ch, nil
}

func (c *fakeChannel) ID() string { return "fake" }

func (c *fakeChannel) Send(ctx context.Context, raw json.RawMessage) error {
	select {
	case <-c.closed:
		return mcp.ErrTransportClosed
	default:
	}
	select {
	case c.sent <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeChannel) Messages() iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		for {
			select {
			case raw, ok := <-c.inbound:
				if !ok {
					yield(nil, &mcp.TransportError{Op: "receive", Err: io.EOF})
					return
				}
				if !yield(raw, nil) {
					return
				}
			case <-c.closed:
				yield(nil, mcp.ErrTransportClosed)
				return
			}
		}
	}
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// next returns the next message the session sent.
func (c *fakeChannel) next(t *testing.T) mcp.JSONRPCMessage {
	t.Helper()

	msg, _, err := mcp.DecodeMessage(c.nextRaw(t))
	require.NoError(t, err)
	return msg
}

// nextRaw returns the next message the session sent, as it went on the wire.
func (c *fakeChannel) nextRaw(t *testing.T) json.RawMessage {
	t.Helper()

	select {
	case raw := <-c.sent:
		return raw
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a message from the session")
		return nil
	}
}

// expectNothing fails the test if the session sends a message within d.
func (c *fakeChannel) expectNothing(t *testing.T, d time.Duration) {
	t.Helper()

	select {
	case raw := <-c.sent:
		t.Fatalf("unexpected message from the session: %s", raw)
	case <-time.After(d):
	}
}

func (c *fakeChannel) deliver(t *testing.T, raw string) {
	t.Helper()

	select {
	case c.inbound <- json.RawMessage(raw):
	case <-time.After(waitTimeout):
		t.Fatal("timed out delivering a message to the session")
	}
}

func (c *fakeChannel) respond(t *testing.T, id mcp.MustString, result string) {
	t.Helper()

	c.deliver(t, `{"jsonrpc":"2.0","id":"`+string(id)+`","result":`+result+`}`)
}

// handshake plays the server side of the initialize exchange.
func (c *fakeChannel) handshake(t *testing.T, protocolVersion string) {
	t.Helper()

	req := c.next(t)
	require.Equal(t, mcp.MethodInitialize, req.Method)
	c.respond(t, req.ID, `{"protocolVersion":"`+protocolVersion+`","capabilities":{"tools":{"listChanged":true}},`+
		`"serverInfo":{"name":"fake-server","version":"0.1"},"instructions":"be nice"}`)
}

// connectFake returns a ready session talking to a scripted server.
func connectFake(t *testing.T, options ...mcp.SessionOption) (*mcp.Session, *fakeChannel) {
	t.Helper()

	transport := newFakeTransport()
	sess := mcp.NewSession(testClientInfo, transport, options...)
	t.Cleanup(func() { _ = sess.Close() })

	errs := make(chan error, 1)
	go func() { errs <- sess.Connect(context.Background()) }()

	transport.ch.handshake(t, mcp.LatestProtocolVersion)
	require.NoError(t, <-errs)

	initialized := transport.ch.next(t)
	require.Equal(t, mcp.MethodNotificationsInitialized, initialized.Method)

	return sess, transport.ch
}

// connectStdIO returns a ready session talking to srv over a pair of pipes.
func connectStdIO(t *testing.T, srv *mcptest.Server, options ...mcp.SessionOption) *mcp.Session {
	t.Helper()

	srvReader, cliWriter := io.Pipe()
	cliReader, srvWriter := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- srv.ServeStdIO(ctx, srvReader, srvWriter)
	}()

	sess := mcp.NewSession(testClientInfo, mcp.NewStdIO(cliReader, cliWriter), options...)
	t.Cleanup(func() {
		_ = sess.Close()
		cancel()
		_ = srvWriter.Close()
		<-served
	})

	require.NoError(t, sess.Connect(ctx))
	return sess
}

func resultString(t *testing.T, raw json.RawMessage) string {
	t.Helper()

	var v string
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

type requesterFunc func(ctx context.Context, method string, params any) (json.RawMessage, error)

func (f requesterFunc) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return f(ctx, method, params)
}

func echoTool() mcptest.Tool {
	type args struct {
		Text string `json:"text"`
	}
	return mcptest.NewTool("echo", "Echo the text back.", func(_ context.Context, a args) (mcp.CallToolResult, error) {
		return mcptest.TextResult(a.Text), nil
	})
}
