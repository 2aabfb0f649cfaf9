package mcp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/TangGee/go-mcp-client"
	"github.com/TangGee/go-mcp-client/mcptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noArgs struct{}

func namedTools(names ...string) []mcptest.Tool {
	tools := make([]mcptest.Tool, 0, len(names))
	for _, name := range names {
		tools = append(tools, mcptest.NewTool(name, "Tool "+name, func(context.Context, noArgs) (mcp.CallToolResult, error) {
			return mcptest.TextResult(name), nil
		}))
	}
	return tools
}

func toolNames(tools []mcp.Tool) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	return names
}

func TestToolCatalogListPages(t *testing.T) {
	names := []string{"a", "b", "c", "d", "e"}
	srv := mcptest.NewServer(testServerInfo, namedTools(names...), mcptest.WithPageSize(2))
	sess := connectStdIO(t, srv)

	catalog := mcp.NewToolCatalog(sess)
	tools, err := catalog.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, names, toolNames(tools))
	assert.Equal(t, names, toolNames(catalog.Tools()))

	tool, err := catalog.Resolve("c")
	require.NoError(t, err)
	assert.Equal(t, "Tool c", tool.Description)
	assert.NotEmpty(t, tool.InputSchema)
}

func TestToolCatalogResolve(t *testing.T) {
	catalog := mcp.NewToolCatalog(requesterFunc(func(context.Context, string, any) (json.RawMessage, error) {
		return json.RawMessage(`{"tools":[{"name":"list_issues","inputSchema":{"type":"object"}}]}`), nil
	}))

	_, err := catalog.Resolve("list_issues")
	assert.ErrorIs(t, err, mcp.ErrToolNotFound, "nothing resolves before the first listing")

	_, err = catalog.List(context.Background())
	require.NoError(t, err)

	_, err = catalog.Resolve("list_issues")
	assert.NoError(t, err)
	_, err = catalog.Resolve("read_issue")
	assert.ErrorIs(t, err, mcp.ErrToolNotFound)

	catalog.Invalidate()
	_, err = catalog.Resolve("list_issues")
	assert.ErrorIs(t, err, mcp.ErrToolNotFound)
	assert.Empty(t, catalog.Tools())
}

func TestToolCatalogRepeatedCursor(t *testing.T) {
	calls := 0
	catalog := mcp.NewToolCatalog(requesterFunc(func(context.Context, string, any) (json.RawMessage, error) {
		calls++
		return json.RawMessage(fmt.Sprintf(`{"tools":[{"name":"t%d"}],"nextCursor":"same"}`, calls)), nil
	}))

	_, err := catalog.List(context.Background())
	assert.ErrorContains(t, err, "repeated")
	assert.Equal(t, 2, calls)
}

func TestToolCatalogDuplicateNames(t *testing.T) {
	pages := map[string]string{
		"":  `{"tools":[{"name":"read_issue","description":"first"},{"name":"list_issues"}],"nextCursor":"2"}`,
		"2": `{"tools":[{"name":"read_issue","description":"second"},{"name":"read_wiki_page"}]}`,
	}
	catalog := mcp.NewToolCatalog(requesterFunc(func(_ context.Context, _ string, params any) (json.RawMessage, error) {
		return json.RawMessage(pages[params.(mcp.ListToolsParams).Cursor]), nil
	}))

	tools, err := catalog.List(context.Background())
	require.NoError(t, err)

	want := []string{"read_issue", "list_issues", "read_wiki_page"}
	assert.Equal(t, want, toolNames(tools))
	assert.Equal(t, tools, catalog.Tools())

	tool, err := catalog.Resolve("read_issue")
	require.NoError(t, err)
	assert.Equal(t, "first", tool.Description)
	assert.Equal(t, tool, tools[0])
}

func TestToolCatalogKeepsSnapshotOnError(t *testing.T) {
	fail := false
	catalog := mcp.NewToolCatalog(requesterFunc(func(context.Context, string, any) (json.RawMessage, error) {
		if fail {
			return nil, mcp.ErrSessionClosed
		}
		return json.RawMessage(`{"tools":[{"name":"list_issues"}]}`), nil
	}))

	_, err := catalog.List(context.Background())
	require.NoError(t, err)

	fail = true
	_, err = catalog.List(context.Background())
	assert.ErrorIs(t, err, mcp.ErrSessionClosed)

	_, err = catalog.Resolve("list_issues")
	assert.NoError(t, err)
}

func TestToolCatalogWatchListChanged(t *testing.T) {
	sess, ch := connectFake(t)
	catalog := mcp.NewToolCatalog(sess)
	catalog.WatchListChanged(sess)

	listed := make(chan error, 1)
	go func() {
		_, err := catalog.List(context.Background())
		listed <- err
	}()
	req := ch.next(t)
	require.Equal(t, mcp.MethodToolsList, req.Method)
	ch.respond(t, req.ID, `{"tools":[{"name":"list_issues"}]}`)
	require.NoError(t, <-listed)

	ch.deliver(t, `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)

	require.Eventually(t, func() bool {
		_, err := catalog.Resolve("list_issues")
		return err != nil
	}, waitTimeout, 10*time.Millisecond)
}
