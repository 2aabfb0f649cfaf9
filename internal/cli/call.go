package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/TangGee/go-mcp-client"
	"github.com/spf13/cobra"
)

// NewCallCmd creates the "call" subcommand.
func NewCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <name>",
		Short: "Call a tool and print its result",
		Args:  cobra.ExactArgs(1),
		RunE:  runCall,
	}
	cmd.Flags().String("args", "{}", "Tool arguments as a JSON object")
	cmd.Flags().Bool("json", false, "Print the whole result as JSON")
	return cmd
}

func runCall(cmd *cobra.Command, args []string) error {
	name := args[0]
	rawArgs, _ := cmd.Flags().GetString("args")
	asJSON, _ := cmd.Flags().GetBool("json")

	var toolArgs map[string]any
	if err := json.Unmarshal([]byte(rawArgs), &toolArgs); err != nil {
		return exitError(exitConfig, "--args must be a JSON object: %s", err)
	}
	argsBs, err := json.Marshal(toolArgs)
	if err != nil {
		return fmt.Errorf("failed to marshal arguments: %w", err)
	}

	sess, err := connect(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	res, err := mcp.NewInvoker(sess).CallTool(commandContext(cmd), mcp.CallToolParams{
		Name:      name,
		Arguments: argsBs,
	})
	out := cmd.OutOrStdout()
	if err != nil {
		var toolErr *mcp.ToolInvocationError
		if errors.As(err, &toolErr) && len(toolErr.Content) > 0 {
			printContent(cmd.ErrOrStderr(), toolErr.Content)
		}
		return requestExitError(err)
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printContent(out, res.Content)
	return nil
}

func printContent(w io.Writer, content []mcp.Content) {
	for _, c := range content {
		switch c.Type {
		case mcp.ContentTypeText:
			fmt.Fprintln(w, c.Text)
		case mcp.ContentTypeImage, mcp.ContentTypeAudio:
			fmt.Fprintf(w, "[%s %s, %d bytes base64]\n", c.Type, c.MimeType, len(c.Data))
		case mcp.ContentTypeResource:
			if c.Resource != nil {
				fmt.Fprintf(w, "[resource %s]\n", c.Resource.URI)
				if c.Resource.Text != "" {
					fmt.Fprintln(w, c.Resource.Text)
				}
			}
		case mcp.ContentTypeResourceLink:
			fmt.Fprintf(w, "[link %s %s]\n", c.Name, c.URI)
		default:
			fmt.Fprintf(w, "[%s]\n", c.Type)
		}
	}
}
