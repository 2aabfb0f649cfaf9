package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/TangGee/go-mcp-client"
	"github.com/TangGee/go-mcp-client/mcptest"
)

type issue struct {
	ID          int    `json:"id"`
	Subject     string `json:"subject"`
	Status      string `json:"status"`
	Description string `json:"description"`
}

type wikiPage struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// project is an in-memory issue tracker project.
type project struct {
	baseURL string
	issues  []issue
	wiki    []wikiPage
}

type listArgs struct{}

type readIssueArgs struct {
	ID int `json:"id" jsonschema:"description=Issue's id"`
}

type readWikiPageArgs struct {
	ID int `json:"id" jsonschema:"description=Wiki page's id"`
}

func newProject(baseURL string) *project {
	return &project{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		issues: []issue{
			{ID: 1, Subject: "Login page returns 500", Status: "New", Description: "Submitting the form with an empty password crashes the handler."},
			{ID: 2, Subject: "Add CSV export to reports", Status: "In Progress", Description: "Reports should be downloadable as CSV."},
			{ID: 3, Subject: "Upgrade database driver", Status: "Resolved", Description: "The current driver leaks connections under load."},
		},
		wiki: []wikiPage{
			{ID: 1, Title: "Getting started", Text: "Clone the repository and run make dev."},
			{ID: 2, Title: "Release process", Text: "Tag the release, then publish the changelog."},
		},
	}
}

func (p *project) tools() []mcptest.Tool {
	return []mcptest.Tool{
		mcptest.NewTool("list_issues", "List all issues in project.", p.listIssues),
		mcptest.NewTool("list_wiki_pages", "List all wiki pages in project.", p.listWikiPages),
		mcptest.NewTool("read_issue", "Read issue in project.", p.readIssue),
		mcptest.NewTool("read_wiki_page", "Read wiki page in project.", p.readWikiPage),
	}
}

// listIssues returns a text page per issue, each a JSON object with its subject and URL.
func (p *project) listIssues(_ context.Context, _ listArgs) (mcp.CallToolResult, error) {
	pages := make([]string, 0, len(p.issues))
	for _, is := range p.issues {
		page, err := json.Marshal(map[string]string{
			"subject": is.Subject,
			"url":     fmt.Sprintf("%s/issues/%d", p.baseURL, is.ID),
		})
		if err != nil {
			return mcp.CallToolResult{}, err
		}
		pages = append(pages, string(page))
	}
	return textPages(pages), nil
}

func (p *project) listWikiPages(_ context.Context, _ listArgs) (mcp.CallToolResult, error) {
	pages := make([]string, 0, len(p.wiki))
	for _, w := range p.wiki {
		page, err := json.Marshal(map[string]string{
			"title": w.Title,
			"url":   fmt.Sprintf("%s/wiki/%d", p.baseURL, w.ID),
		})
		if err != nil {
			return mcp.CallToolResult{}, err
		}
		pages = append(pages, string(page))
	}
	return textPages(pages), nil
}

func (p *project) readIssue(_ context.Context, args readIssueArgs) (mcp.CallToolResult, error) {
	for _, is := range p.issues {
		if is.ID == args.ID {
			return structuredResult(is)
		}
	}
	return mcp.CallToolResult{}, fmt.Errorf("issue %d not found", args.ID)
}

func (p *project) readWikiPage(_ context.Context, args readWikiPageArgs) (mcp.CallToolResult, error) {
	for _, w := range p.wiki {
		if w.ID == args.ID {
			return structuredResult(w)
		}
	}
	return mcp.CallToolResult{}, fmt.Errorf("wiki page %d not found", args.ID)
}

func textPages(pages []string) mcp.CallToolResult {
	content := make([]mcp.Content, 0, len(pages))
	for _, page := range pages {
		content = append(content, mcp.Content{Type: mcp.ContentTypeText, Text: page})
	}
	return mcp.CallToolResult{Content: content}
}

// structuredResult returns v as a JSON text page, and as structured content.
func structuredResult(v any) (mcp.CallToolResult, error) {
	bs, err := json.Marshal(v)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	var structured map[string]any
	if err := json.Unmarshal(bs, &structured); err != nil {
		return mcp.CallToolResult{}, err
	}

	res := mcptest.TextResult(string(bs))
	res.StructuredContent = structured
	return res, nil
}
