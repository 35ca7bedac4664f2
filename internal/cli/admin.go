package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/searchq/internal/server"
)

const adminTimeout = 10 * time.Second

func buildAdminCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operate on tasks through a coordinator's admin service",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "localhost:7400", "admin service address")

	withClient := func(fn func(ctx context.Context, c *server.AdminClient, out io.Writer, task string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", addr, err)
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
			defer cancel()
			return fn(ctx, server.NewAdminClient(conn), cmd.OutOrStdout(), args[0])
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status <task>",
		Short: "Show the state and point counts of a task",
		Args:  cobra.ExactArgs(1),
		RunE:  withClient(adminStatus),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "requeue <task>",
		Short: "Move the task's CALCULATING points back to WAITING",
		Long: `Requeue points whose worker died mid-evaluation. Only run this when
no live worker holds them: a requeued point may be evaluated twice.`,
		Args: cobra.ExactArgs(1),
		RunE: withClient(adminRequeue),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <task>",
		Short: "Delete a task and all of its points",
		Args:  cobra.ExactArgs(1),
		RunE:  withClient(adminDelete),
	})
	return cmd
}

func adminStatus(ctx context.Context, c *server.AdminClient, out io.Writer, task string) error {
	st, err := c.TaskStatus(ctx, task)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Task %d (%s): %s\n", st.ID, st.Name, st.State)
	fmt.Fprintf(out, "  ├─ Waiting:      %d\n", st.Stats.Waiting)
	fmt.Fprintf(out, "  ├─ Calculating:  %d\n", st.Stats.Calculating)
	fmt.Fprintf(out, "  ├─ Calculated:   %d\n", st.Stats.Calculated)
	fmt.Fprintf(out, "  └─ Complete:     %d\n", st.Stats.Complete)
	return nil
}

func adminRequeue(ctx context.Context, c *server.AdminClient, out io.Writer, task string) error {
	n, err := c.RequeueStuck(ctx, task)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "requeued %d point(s) of %s\n", n, task)
	return nil
}

func adminDelete(ctx context.Context, c *server.AdminClient, out io.Writer, task string) error {
	if err := c.DeleteTask(ctx, task); err != nil {
		return err
	}
	fmt.Fprintf(out, "deleted task %s\n", task)
	return nil
}
