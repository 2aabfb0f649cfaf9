package mcp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/TangGee/go-mcp-client"
	"github.com/TangGee/go-mcp-client/mcptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamableClientSession(t *testing.T) {
	var (
		mu      sync.Mutex
		headers []http.Header
	)
	srv := mcptest.NewServer(testServerInfo, []mcptest.Tool{echoTool()}, mcptest.WithPingInterval(20*time.Millisecond))
	handler := srv.HandleStreamable()
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		handler.ServeHTTP(w, r)
	}))
	defer httpSrv.Close()

	sess := mcp.NewSession(testClientInfo, mcp.NewStreamableClient(httpSrv.URL, httpSrv.Client(),
		mcp.WithStreamableClientHeader("Authorization", "Bearer token")))
	require.NoError(t, sess.Connect(context.Background()))

	require.Len(t, srv.Sessions(), 1)
	assert.Equal(t, srv.Sessions()[0], sess.ID())

	content, err := mcp.NewInvoker(sess).Call(context.Background(), "echo", map[string]string{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", content[0].Text)

	// Server pings need the standalone stream the client opens after the handshake.
	require.Eventually(t, func() bool {
		return srv.Pongs(sess.ID()) >= 1
	}, waitTimeout, 10*time.Millisecond)

	require.NoError(t, sess.Close())
	assert.Empty(t, srv.Sessions(), "closing the session must terminate it on the server")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, headers)
	assert.Empty(t, headers[0].Get(mcp.HeaderSessionID), "initialize carries no session id")
	last := headers[len(headers)-1]
	assert.Equal(t, sess.ID(), last.Get(mcp.HeaderSessionID))
	assert.Equal(t, mcp.LatestProtocolVersion, last.Get(mcp.HeaderProtocolVersion))
	assert.Equal(t, "Bearer token", last.Get("Authorization"))
}

func TestStreamableClientStreamingReplies(t *testing.T) {
	srv := mcptest.NewServer(testServerInfo, []mcptest.Tool{echoTool()})
	httpSrv := httptest.NewServer(srv.HandleStreamable(mcptest.WithStreamingReplies(), mcptest.WithoutStandaloneStream()))
	defer httpSrv.Close()

	sess := mcp.NewSession(testClientInfo, mcp.NewStreamableClient(httpSrv.URL, httpSrv.Client()))
	require.NoError(t, sess.Connect(context.Background()))
	defer sess.Close()

	tools, err := mcp.NewToolCatalog(sess).List(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)

	content, err := mcp.NewInvoker(sess).Call(context.Background(), "echo", map[string]string{"text": "streamed"})
	require.NoError(t, err)
	assert.Equal(t, "streamed", content[0].Text)
}

func TestStreamableClientSessionExpired(t *testing.T) {
	srv := mcptest.NewServer(testServerInfo, nil)
	httpSrv := httptest.NewServer(srv.HandleStreamable())
	defer httpSrv.Close()

	sess := mcp.NewSession(testClientInfo, mcp.NewStreamableClient(httpSrv.URL, httpSrv.Client(),
		mcp.WithoutStandaloneStream()))
	require.NoError(t, sess.Connect(context.Background()))
	defer sess.Close()

	// Terminate the session behind the client's back.
	req, err := http.NewRequest(http.MethodDelete, httpSrv.URL, nil)
	require.NoError(t, err)
	req.Header.Set(mcp.HeaderSessionID, sess.ID())
	resp, err := httpSrv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err = sess.Request(context.Background(), mcp.MethodPing, nil)
	assert.ErrorIs(t, err, mcp.ErrSessionExpired)

	select {
	case <-sess.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session not closed")
	}
	assert.ErrorIs(t, sess.Err(), mcp.ErrSessionExpired)
}

func TestStreamableClientBatchReply(t *testing.T) {
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"jsonrpc":"2.0","method":"notifications/message"},{"jsonrpc":"2.0","id":"1","result":{}}]`))
	}))
	defer httpSrv.Close()

	ch, err := mcp.NewStreamableClient(httpSrv.URL, httpSrv.Client()).Open(context.Background())
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":"1","method":"ping"}`)))

	var got []string
	for raw, err := range ch.Messages() {
		require.NoError(t, err)
		got = append(got, string(raw))
		if len(got) == 2 {
			break
		}
	}
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/message"}`, got[0])
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"1","result":{}}`, got[1])
}

func TestStreamableClientUnexpectedStatus(t *testing.T) {
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	defer httpSrv.Close()

	sess := mcp.NewSession(testClientInfo, mcp.NewStreamableClient(httpSrv.URL, httpSrv.Client()))
	err := sess.Connect(context.Background())
	assert.ErrorIs(t, err, mcp.ErrHandshakeFailed)
	var tErr *mcp.TransportError
	assert.ErrorAs(t, err, &tErr)
}
