package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/TangGee/go-mcp-client"
	"github.com/spf13/cobra"
)

// NewToolsCmd creates the "tools" subcommand.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools the server offers",
		Args:  cobra.NoArgs,
		RunE:  runTools,
	}
	cmd.Flags().String("format", "text", "Output format: text | json")
	return cmd
}

// NewDescribeCmd creates the "describe" subcommand.
func NewDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <name>",
		Short: "Show the description and input schema of a tool",
		Args:  cobra.ExactArgs(1),
		RunE:  runDescribe,
	}
}

func runTools(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != "text" && format != "json" {
		return exitError(exitConfig, "unknown format %q", format)
	}

	sess, err := connect(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	tools, err := mcp.NewToolCatalog(sess).List(commandContext(cmd))
	if err != nil {
		return requestExitError(err)
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(tools)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(tw, "%s\t%s\n", t.Name, firstLine(t.Description))
	}
	return tw.Flush()
}

func runDescribe(cmd *cobra.Command, args []string) error {
	sess, err := connect(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	catalog := mcp.NewToolCatalog(sess)
	if _, err := catalog.List(commandContext(cmd)); err != nil {
		return requestExitError(err)
	}
	tool, err := catalog.Resolve(args[0])
	if err != nil {
		return requestExitError(err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Name: %s\n", tool.Name)
	if tool.Title != "" {
		fmt.Fprintf(out, "Title: %s\n", tool.Title)
	}
	if tool.Description != "" {
		fmt.Fprintf(out, "Description: %s\n", tool.Description)
	}
	if len(tool.InputSchema) > 0 {
		var schema bytes.Buffer
		if err := json.Indent(&schema, tool.InputSchema, "", "  "); err != nil {
			return fmt.Errorf("invalid input schema of %s: %w", tool.Name, err)
		}
		fmt.Fprintf(out, "Input schema:\n%s\n", schema.String())
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
