package mcptest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/TangGee/go-mcp-client"
	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
)

// Tool is a tool the Server offers.
type Tool struct {
	Definition mcp.Tool

	handler func(ctx context.Context, args json.RawMessage) (mcp.CallToolResult, error)
}

// NewTool creates a tool whose input schema is reflected from A. The arguments of a
// call are decoded into an A before fn is called, matching fields by their json tags.
// An error returned by fn is reported as an isError result, unless it's a
// *mcp.JSONRPCError, which is sent as the error response.
func NewTool[A any](name, description string, fn func(ctx context.Context, args A) (mcp.CallToolResult, error)) Tool {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema, err := json.Marshal(reflector.Reflect(new(A)))
	if err != nil {
		panic(fmt.Sprintf("mcptest: failed to marshal input schema of %s: %v", name, err))
	}

	return Tool{
		Definition: mcp.Tool{
			Name:        name,
			Description: description,
			InputSchema: schema,
		},
		handler: func(ctx context.Context, raw json.RawMessage) (mcp.CallToolResult, error) {
			var args A
			if err := decodeArguments(raw, &args); err != nil {
				return mcp.CallToolResult{}, &mcp.JSONRPCError{
					Code:    mcp.CodeInvalidParams,
					Message: fmt.Sprintf("invalid arguments for %s: %v", name, err),
				}
			}
			return fn(ctx, args)
		},
	}
}

// TextResult returns a result made of a single text page.
func TextResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: text}},
	}
}

// ErrorResult returns a result flagged as an error, explained by text.
func ErrorResult(text string) mcp.CallToolResult {
	res := TextResult(text)
	res.IsError = true
	return res
}

func decodeArguments(raw json.RawMessage, out any) error {
	var m map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(m)
}
