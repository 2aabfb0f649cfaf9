package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Invoker calls tools by name.
type Invoker struct {
	requester Requester
}

// NewInvoker creates an Invoker sending tools/call requests through r.
func NewInvoker(r Requester) *Invoker {
	return &Invoker{requester: r}
}

// Call invokes the tool name with args, which must be JSON-encodable (nil sends no
// arguments), and returns the content pages of the result in the order they were
// received. Failures reported by the tool are returned as *ToolInvocationError.
func (i *Invoker) Call(ctx context.Context, name string, args any) ([]Content, error) {
	var argsBs json.RawMessage
	if args != nil {
		var err error
		argsBs, err = json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal arguments of %s: %w", name, err)
		}
	}

	res, err := i.CallTool(ctx, CallToolParams{Name: name, Arguments: argsBs})
	if err != nil {
		return nil, err
	}
	return res.Content, nil
}

// CallTool sends a tools/call request and returns the whole result. Both a JSON-RPC
// error response and a result flagged with isError are returned as *ToolInvocationError.
func (i *Invoker) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	res, err := i.requester.Request(ctx, MethodToolsCall, params)
	if err != nil {
		var jErr *JSONRPCError
		if errors.As(err, &jErr) {
			return CallToolResult{}, &ToolInvocationError{
				Tool:    params.Name,
				Code:    jErr.Code,
				Message: jErr.Message,
				Data:    jErr.Data,
			}
		}
		return CallToolResult{}, fmt.Errorf("failed to call tool %s: %w", params.Name, err)
	}

	var result CallToolResult
	if err := json.Unmarshal(res, &result); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to unmarshal result of %s: %w", params.Name, err)
	}
	if result.IsError {
		return result, &ToolInvocationError{
			Tool:    params.Name,
			Content: result.Content,
		}
	}
	return result, nil
}

// DecodeStructured decodes the structured content of the result into out, which must
// be a pointer. Struct fields are matched by their json tags.
func (r CallToolResult) DecodeStructured(out any) error {
	if r.StructuredContent == nil {
		return errors.New("result has no structured content")
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := dec.Decode(r.StructuredContent); err != nil {
		return fmt.Errorf("failed to decode structured content: %w", err)
	}
	return nil
}

// Text returns the concatenated text pages of the result.
func (r CallToolResult) Text() string {
	var text string
	for _, c := range r.Content {
		if c.Type == ContentTypeText {
			text += c.Text
		}
	}
	return text
}
