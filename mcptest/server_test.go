package mcptest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/TangGee/go-mcp-client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const initializeBody = `{"jsonrpc":"2.0","id":"1","method":"initialize","params":{` +
	`"protocolVersion":"2025-06-18","clientInfo":{"name":"tester","version":"1"},"capabilities":{}}}`

type noArgs struct{}

type lookupArgs struct {
	ID    int    `json:"id"`
	Scope string `json:"scope,omitempty"`
}

func testTools() []Tool {
	return []Tool{
		NewTool("lookup", "Look an item up.", func(_ context.Context, a lookupArgs) (mcp.CallToolResult, error) {
			if a.ID == 0 {
				return mcp.CallToolResult{}, errors.New("no such item")
			}
			return TextResult(a.Scope), nil
		}),
		NewTool("whoami", "Return the session id.", func(ctx context.Context, _ noArgs) (mcp.CallToolResult, error) {
			return TextResult(SessionID(ctx)), nil
		}),
		NewTool("announce", "Send a notification.", func(ctx context.Context, _ noArgs) (mcp.CallToolResult, error) {
			if err := Notify(ctx, "notifications/message", map[string]string{"data": "hello"}); err != nil {
				return mcp.CallToolResult{}, err
			}
			return TextResult("sent"), nil
		}),
	}
}

func postMessage(t *testing.T, url, body string, header http.Header) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, vs := range header {
		req.Header[k] = vs
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func initStreamable(t *testing.T, url string) string {
	t.Helper()

	resp := postMessage(t, url, initializeBody, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := resp.Header.Get(mcp.HeaderSessionID)
	require.NotEmpty(t, id)
	return id
}

func TestStreamableRejects(t *testing.T) {
	srv := NewServer(mcp.Info{Name: "test-server", Version: "1"}, testTools())
	ts := httptest.NewServer(srv.HandleStreamable(WithoutStandaloneStream()))
	defer ts.Close()

	sessID := initStreamable(t, ts.URL)
	ping := `{"jsonrpc":"2.0","id":"2","method":"ping"}`

	tests := []struct {
		name   string
		header http.Header
		want   int
	}{
		{
			name: "missing session",
			want: http.StatusBadRequest,
		},
		{
			name:   "unknown session",
			header: http.Header{mcp.HeaderSessionID: {"unknown"}},
			want:   http.StatusNotFound,
		},
		{
			name:   "not acceptable",
			header: http.Header{mcp.HeaderSessionID: {sessID}, "Accept": {"text/plain"}},
			want:   http.StatusNotAcceptable,
		},
		{
			name:   "unsupported media type",
			header: http.Header{mcp.HeaderSessionID: {sessID}, "Content-Type": {"text/plain"}},
			want:   http.StatusUnsupportedMediaType,
		},
		{
			name:   "protocol version mismatch",
			header: http.Header{mcp.HeaderSessionID: {sessID}, mcp.HeaderProtocolVersion: {"2024-11-05"}},
			want:   http.StatusBadRequest,
		},
		{
			name:   "negotiated protocol version",
			header: http.Header{mcp.HeaderSessionID: {sessID}, mcp.HeaderProtocolVersion: {"2025-06-18"}},
			want:   http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postMessage(t, ts.URL, ping, tt.header)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestStreamableSessionLifecycle(t *testing.T) {
	srv := NewServer(mcp.Info{Name: "test-server", Version: "1"}, testTools())
	ts := httptest.NewServer(srv.HandleStreamable(WithoutStandaloneStream()))
	defer ts.Close()

	sessID := initStreamable(t, ts.URL)
	assert.Equal(t, []string{sessID}, srv.Sessions())

	header := http.Header{mcp.HeaderSessionID: {sessID}}
	resp := postMessage(t, ts.URL, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, header)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postMessage(t, ts.URL, `{"jsonrpc":"2.0","id":"2","method":"tools/call","params":{"name":"whoami"}}`, header)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reply mcp.JSONRPCMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	var result mcp.CallToolResult
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	assert.Equal(t, sessID, result.Content[0].Text)

	get, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	get.Header.Set("Accept", "text/event-stream")
	get.Header.Set(mcp.HeaderSessionID, sessID)
	getResp, err := http.DefaultClient.Do(get)
	require.NoError(t, err)
	getResp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, getResp.StatusCode)

	for _, want := range []int{http.StatusNoContent, http.StatusNotFound} {
		del, err := http.NewRequest(http.MethodDelete, ts.URL, nil)
		require.NoError(t, err)
		del.Header.Set(mcp.HeaderSessionID, sessID)
		delResp, err := http.DefaultClient.Do(del)
		require.NoError(t, err)
		delResp.Body.Close()
		assert.Equal(t, want, delResp.StatusCode)
	}
	assert.Empty(t, srv.Sessions())
}

func TestStreamableMethodNotAllowed(t *testing.T) {
	srv := NewServer(mcp.Info{Name: "test-server", Version: "1"}, nil)
	ts := httptest.NewServer(srv.HandleStreamable())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodPut, ts.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "GET, POST, DELETE", resp.Header.Get("Allow"))
}

func TestHandleMessageRejects(t *testing.T) {
	srv := NewServer(mcp.Info{Name: "test-server", Version: "1"}, nil)
	ts := httptest.NewServer(srv.HandleMessage())
	defer ts.Close()

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{name: "missing session", want: http.StatusBadRequest},
		{name: "unknown session", query: "?sessionID=unknown", want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postMessage(t, ts.URL+tt.query, `{"jsonrpc":"2.0","method":"ping","id":"1"}`, nil)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestNewToolSchema(t *testing.T) {
	tool := testTools()[0]

	var schema struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	require.NoError(t, json.Unmarshal(tool.Definition.InputSchema, &schema))

	assert.Equal(t, "object", schema.Type)
	assert.Contains(t, schema.Properties, "id")
	assert.Contains(t, schema.Properties, "scope")
	assert.Equal(t, []string{"id"}, schema.Required)
}

func TestToolCalls(t *testing.T) {
	srv := NewServer(mcp.Info{Name: "test-server", Version: "1"}, testTools())

	var sent []mcp.JSONRPCMessage
	sess := srv.newSession(func(_ context.Context, msg mcp.JSONRPCMessage) error {
		sent = append(sent, msg)
		return nil
	})
	defer srv.removeSession(sess.id)

	reply := sess.handleRaw(json.RawMessage(`{"jsonrpc":"2.0","id":"1","method":"tools/list"}`))
	require.NotNil(t, reply.Error)
	assert.Equal(t, mcp.CodeInvalidRequest, reply.Error.Code)

	require.Nil(t, sess.handleRaw(json.RawMessage(initializeBody)).Error)
	assert.Nil(t, sess.handleRaw(json.RawMessage(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))

	tests := []struct {
		name      string
		params    string
		wantCode  int
		wantText  string
		wantError bool
	}{
		{
			name:     "weakly typed arguments",
			params:   `{"name":"lookup","arguments":{"id":"7","scope":"wiki"}}`,
			wantText: "wiki",
		},
		{
			name:      "handler error",
			params:    `{"name":"lookup","arguments":{"id":0}}`,
			wantText:  "no such item",
			wantError: true,
		},
		{
			name:     "unknown argument",
			params:   `{"name":"lookup","arguments":{"id":1,"colour":"red"}}`,
			wantCode: mcp.CodeInvalidParams,
		},
		{
			name:     "unknown tool",
			params:   `{"name":"missing"}`,
			wantCode: mcp.CodeInvalidParams,
		},
		{
			name:     "notification from the handler",
			params:   `{"name":"announce"}`,
			wantText: "sent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := sess.handleRaw(json.RawMessage(`{"jsonrpc":"2.0","id":"2","method":"tools/call","params":` + tt.params + `}`))
			require.NotNil(t, reply)
			if tt.wantCode != 0 {
				require.NotNil(t, reply.Error)
				assert.Equal(t, tt.wantCode, reply.Error.Code)
				return
			}

			require.Nil(t, reply.Error)
			var result mcp.CallToolResult
			require.NoError(t, json.Unmarshal(reply.Result, &result))
			assert.Equal(t, tt.wantError, result.IsError)
			assert.Equal(t, tt.wantText, result.Content[0].Text)
		})
	}

	require.Len(t, sent, 1)
	assert.Equal(t, "notifications/message", sent[0].Method)
	assert.JSONEq(t, `{"data":"hello"}`, string(sent[0].Params))
}

func TestListToolsPages(t *testing.T) {
	srv := NewServer(mcp.Info{Name: "test-server", Version: "1"}, testTools(), WithPageSize(2))
	sess := srv.newSession(nil)
	defer srv.removeSession(sess.id)

	sess.handleRaw(json.RawMessage(initializeBody))
	sess.handleRaw(json.RawMessage(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))

	var names []string
	cursor := ""
	for {
		params, err := json.Marshal(mcp.ListToolsParams{Cursor: cursor})
		require.NoError(t, err)
		reply := sess.handleRaw(json.RawMessage(`{"jsonrpc":"2.0","id":"1","method":"tools/list","params":` + string(params) + `}`))
		require.Nil(t, reply.Error)

		var page mcp.ListToolsResult
		require.NoError(t, json.Unmarshal(reply.Result, &page))
		for _, tool := range page.Tools {
			names = append(names, tool.Name)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []string{"lookup", "whoami", "announce"}, names)

	reply := sess.handleRaw(json.RawMessage(`{"jsonrpc":"2.0","id":"1","method":"tools/list","params":{"cursor":"nope"}}`))
	require.NotNil(t, reply.Error)
	assert.Equal(t, mcp.CodeInvalidParams, reply.Error.Code)
}

func TestNotifyOutsideToolCall(t *testing.T) {
	assert.ErrorIs(t, Notify(context.Background(), "notifications/message", nil), errNoSession)
	assert.Empty(t, SessionID(context.Background()))
}
