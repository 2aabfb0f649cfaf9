package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/TangGee/go-mcp-client"
	"github.com/TangGee/go-mcp-client/mcptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerTools(t *testing.T) {
	p := newProject("https://tracker.example.com/")
	srv := mcptest.NewServer(mcp.Info{Name: "tracker", Version: "0.1.0"}, p.tools())
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess := mcp.NewSession(mcp.Info{Name: "test-client", Version: "1.0"},
		mcp.NewStreamableClient(httpSrv.URL+"/mcp", httpSrv.Client()))
	require.NoError(t, sess.Connect(ctx))
	defer sess.Close()

	catalog := mcp.NewToolCatalog(sess)
	tools, err := catalog.List(ctx)
	require.NoError(t, err)

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"list_issues", "list_wiki_pages", "read_issue", "read_wiki_page"}, names)

	readIssue, err := catalog.Resolve("read_issue")
	require.NoError(t, err)
	var schema struct {
		Required []string `json:"required"`
	}
	require.NoError(t, json.Unmarshal(readIssue.InputSchema, &schema))
	assert.Equal(t, []string{"id"}, schema.Required)

	invoker := mcp.NewInvoker(sess)

	content, err := invoker.Call(ctx, "list_issues", nil)
	require.NoError(t, err)
	require.Len(t, content, len(p.issues))
	var first struct {
		Subject string `json:"subject"`
		URL     string `json:"url"`
	}
	require.NoError(t, json.Unmarshal([]byte(content[0].Text), &first))
	assert.Equal(t, "Login page returns 500", first.Subject)
	assert.Equal(t, "https://tracker.example.com/issues/1", first.URL)

	res, err := invoker.CallTool(ctx, mcp.CallToolParams{
		Name:      "read_issue",
		Arguments: json.RawMessage(`{"id":2}`),
	})
	require.NoError(t, err)
	var got issue
	require.NoError(t, res.DecodeStructured(&got))
	assert.Equal(t, p.issues[1], got)

	_, err = invoker.Call(ctx, "read_wiki_page", map[string]any{"id": 42})
	var toolErr *mcp.ToolInvocationError
	require.True(t, errors.As(err, &toolErr))
	assert.Contains(t, toolErr.Error(), "wiki page 42 not found")
}
