package cli

import (
	"fmt"
	"time"

	"github.com/TangGee/go-mcp-client"
	"github.com/spf13/cobra"
)

// NewPingCmd creates the "ping" subcommand.
func NewPingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that the server answers",
		Args:  cobra.NoArgs,
		RunE:  runPing,
	}
	cmd.Flags().Int("count", 1, "Number of pings to send")
	cmd.Flags().Duration("interval", time.Second, "Time between pings")
	return cmd
}

func runPing(cmd *cobra.Command, _ []string) error {
	count, _ := cmd.Flags().GetInt("count")
	interval, _ := cmd.Flags().GetDuration("interval")
	if count < 1 {
		return exitError(exitConfig, "--count must be at least 1")
	}

	sess, err := connect(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx := commandContext(cmd)
	liveness := mcp.NewLiveness(sess)
	out := cmd.OutOrStdout()

	failed := 0
	for i := range count {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}

		rtt, err := liveness.Ping(ctx)
		if err != nil {
			failed++
			fmt.Fprintf(out, "ping %d: %s\n", i+1, err)
			continue
		}
		fmt.Fprintf(out, "ping %d: %s\n", i+1, rtt.Round(time.Microsecond))
	}

	if failed > 0 {
		return exitError(exitFailure, "%d of %d pings failed", failed, count)
	}
	return nil
}
