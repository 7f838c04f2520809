package cli

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/zxh0305/wegent/internal/config"
	"github.com/zxh0305/wegent/internal/execution"
	"github.com/zxh0305/wegent/internal/notify"
	"github.com/zxh0305/wegent/internal/store"
)

func newExecutionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "execution",
		Aliases: []string{"exec"},
		Short:   "Inspect and manage subscription executions",
	}
	cmd.AddCommand(newExecutionListCmd())
	cmd.AddCommand(newExecutionShowCmd())
	cmd.AddCommand(newExecutionCancelCmd())
	return cmd
}

func newExecutionListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <subscription-id>",
		Short: "List executions of a subscription, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(config.MustHomeFrom(cmd.Context()))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			execs, err := st.ListExecutions(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if len(execs) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No executions.")
				return nil
			}
			for _, e := range execs {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- #%d %s v%d (%s) %s\n",
					e.ExecutionID, e.Status, e.Version, e.TriggerType, e.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Max executions to list")
	return cmd
}

func newExecutionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid execution id %q", args[0])
			}
			st, err := store.Open(config.MustHomeFrom(cmd.Context()))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			e, err := st.GetExecution(cmd.Context(), id)
			if err != nil {
				return err
			}
			if e == nil {
				return fmt.Errorf("execution not found: %d", id)
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Execution #%d\n", e.ExecutionID)
			_, _ = fmt.Fprintf(out, "  subscription: %s\n", e.SubscriptionID)
			_, _ = fmt.Fprintf(out, "  status:       %s (version %d)\n", e.Status, e.Version)
			_, _ = fmt.Fprintf(out, "  trigger:      %s %s\n", e.TriggerType, e.TriggerReason)
			if e.StartedAt != nil {
				_, _ = fmt.Fprintf(out, "  started:      %s\n", e.StartedAt.Format(time.RFC3339))
			}
			if e.CompletedAt != nil {
				_, _ = fmt.Fprintf(out, "  completed:    %s\n", e.CompletedAt.Format(time.RFC3339))
			}
			if e.ResultSummary != "" {
				_, _ = fmt.Fprintf(out, "  result:       %s\n", e.ResultSummary)
			}
			if e.ErrorMessage != "" {
				_, _ = fmt.Fprintf(out, "  error:        %s\n", e.ErrorMessage)
			}
			return nil
		},
	}
	return cmd
}

func newExecutionCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending, running, or retrying execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid execution id %q", args[0])
			}
			st, err := store.Open(config.MustHomeFrom(cmd.Context()))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			mgr := execution.NewManager(st, notify.NopSink{}, slog.Default())
			e, err := mgr.Cancel(cmd.Context(), id, "cli")
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Execution #%d cancelled (version %d)\n", e.ExecutionID, e.Version)
			return nil
		},
	}
	return cmd
}
