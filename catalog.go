package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// ToolCatalog lists the tools a server offers and caches the last complete listing.
type ToolCatalog struct {
	requester Requester

	mu     sync.RWMutex
	tools  []Tool
	byName map[string]int
}

// NewToolCatalog creates an empty ToolCatalog listing tools through r.
func NewToolCatalog(r Requester) *ToolCatalog {
	return &ToolCatalog{requester: r}
}

// List retrieves every tool the server offers, following pagination cursors until the
// last page, and replaces the cached snapshot with the result. Names are unique within
// a snapshot: when the server lists a name twice, the first descriptor is kept and the
// later ones are dropped, both in the snapshot and in the returned slice. On error the
// previous snapshot is kept.
func (c *ToolCatalog) List(ctx context.Context) ([]Tool, error) {
	var (
		tools  []Tool
		cursor string
	)
	seen := make(map[string]struct{})

	for {
		res, err := c.requester.Request(ctx, MethodToolsList, ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("failed to list tools: %w", err)
		}

		var page ListToolsResult
		if err := json.Unmarshal(res, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tools list: %w", err)
		}
		tools = append(tools, page.Tools...)

		if page.NextCursor == "" {
			break
		}
		if _, ok := seen[page.NextCursor]; ok {
			return nil, fmt.Errorf("failed to list tools: cursor %q repeated", page.NextCursor)
		}
		seen[page.NextCursor] = struct{}{}
		cursor = page.NextCursor
	}

	unique := make([]Tool, 0, len(tools))
	byName := make(map[string]int, len(tools))
	for _, t := range tools {
		if _, ok := byName[t.Name]; ok {
			continue
		}
		byName[t.Name] = len(unique)
		unique = append(unique, t)
	}

	c.mu.Lock()
	c.tools = unique
	c.byName = byName
	c.mu.Unlock()

	return slices.Clone(unique), nil
}

// Resolve returns the tool named name from the last snapshot. It fails with
// ErrToolNotFound if List never succeeded or the tool wasn't part of the listing.
func (c *ToolCatalog) Resolve(name string) (Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.byName[name]
	if !ok {
		return Tool{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return c.tools[i], nil
}

// Tools returns the tools of the last snapshot in listing order.
func (c *ToolCatalog) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return slices.Clone(c.tools)
}

// Invalidate drops the snapshot, typically on a tools list_changed notification.
func (c *ToolCatalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tools = nil
	c.byName = nil
}

// WatchListChanged invalidates the catalog whenever the session reports that the
// server's tool set changed.
func (c *ToolCatalog) WatchListChanged(s *Session) {
	s.OnNotification(MethodNotificationsToolsListChanged, func(context.Context, json.RawMessage) {
		c.Invalidate()
	})
}
