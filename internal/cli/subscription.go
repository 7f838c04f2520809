package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zxh0305/wegent/internal/config"
	"github.com/zxh0305/wegent/internal/sched"
	"github.com/zxh0305/wegent/internal/store"
)

func newSubscriptionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscription",
		Aliases: []string{"sub"},
		Short:   "Manage background run subscriptions",
	}
	cmd.AddCommand(newSubscriptionAddCmd())
	cmd.AddCommand(newSubscriptionListCmd())
	cmd.AddCommand(newSubscriptionEnableCmd(true))
	cmd.AddCommand(newSubscriptionEnableCmd(false))
	cmd.AddCommand(newSubscriptionRemoveCmd())
	cmd.AddCommand(newSubscriptionTriggerCmd())
	return cmd
}

func newSubscriptionAddCmd() *cobra.Command {
	var (
		name        string
		team        string
		namespace   string
		triggerType string
		cronExpr    string
		intervalSec int
		prompt      string
		source      string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || triggerType == "" {
				return errors.New("--name and --trigger are required")
			}
			st, err := store.Open(config.MustHomeFrom(cmd.Context()))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			sub := store.Subscription{
				Name:                 name,
				TriggerType:          triggerType,
				CronExpr:             cronExpr,
				IntervalSeconds:      intervalSec,
				PromptTemplate:       prompt,
				SourceSubscriptionID: source,
				Enabled:              true,
			}
			if team != "" {
				t, err := st.GetTeamByName(cmd.Context(), namespace, team)
				if err != nil {
					return err
				}
				sub.TeamID = t.TeamID
			}
			if source != "" {
				src, err := st.GetSubscription(cmd.Context(), source)
				if err != nil {
					return err
				}
				if src == nil {
					return fmt.Errorf("source subscription not found: %s", source)
				}
			}
			next, err := sched.NextRun(sub, time.Now().UTC())
			if err != nil {
				return err
			}
			sub.Internal.NextExecutionTime = next

			created, err := st.CreateSubscription(cmd.Context(), sub)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created subscription %q (%s)\n", created.Name, created.SubscriptionID)
			if next != nil {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Next run: %s\n", next.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Subscription name")
	cmd.Flags().StringVar(&team, "team", "", "Team name to run against")
	cmd.Flags().StringVar(&namespace, "namespace", "default", "Team namespace")
	cmd.Flags().StringVar(&triggerType, "trigger", "", "Trigger type: cron, interval, one_time, or event")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "Cron expression (for trigger=cron)")
	cmd.Flags().IntVar(&intervalSec, "interval", 0, "Interval in seconds (for trigger=interval)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Prompt template ({{key}} placeholders allowed)")
	cmd.Flags().StringVar(&source, "source", "", "Source subscription ID to rent the prompt from")
	return cmd
}

func newSubscriptionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(config.MustHomeFrom(cmd.Context()))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			subs, err := st.ListSubscriptions(cmd.Context())
			if err != nil {
				return err
			}
			if len(subs) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No subscriptions.")
				return nil
			}
			for _, s := range subs {
				state := "disabled"
				if s.Enabled {
					state = "enabled"
				}
				next := "-"
				if s.Internal.NextExecutionTime != nil {
					next = s.Internal.NextExecutionTime.Format(time.RFC3339)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- %s %s (%s, %s) next=%s runs=%d ok=%d failed=%d\n",
					s.SubscriptionID, s.Name, s.TriggerType, state, next,
					s.Internal.ExecutionCount, s.Internal.SuccessCount, s.Internal.FailureCount)
			}
			return nil
		},
	}
	return cmd
}

func newSubscriptionEnableCmd(enable bool) *cobra.Command {
	verb, short := "enable", "Enable a subscription and re-arm its schedule"
	if !enable {
		verb, short = "disable", "Disable a subscription"
	}
	cmd := &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(config.MustHomeFrom(cmd.Context()))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			id := args[0]
			if err := st.SetSubscriptionEnabled(cmd.Context(), id, enable); err != nil {
				return err
			}
			if enable {
				sub, err := st.GetSubscription(cmd.Context(), id)
				if err != nil {
					return err
				}
				if next, err := sched.NextRun(*sub, time.Now().UTC()); err == nil {
					if err := st.SetNextExecutionTime(cmd.Context(), id, next); err != nil {
						return err
					}
				}
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Subscription %s %sd\n", id, verb)
			return nil
		},
	}
	return cmd
}

func newSubscriptionRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a subscription and its executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(config.MustHomeFrom(cmd.Context()))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.DeleteSubscription(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed subscription %s\n", args[0])
			return nil
		},
	}
	return cmd
}

func newSubscriptionTriggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger <id>",
		Short: "Mark a subscription due so the running server fires it on the next tick",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(config.MustHomeFrom(cmd.Context()))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			id := args[0]
			sub, err := st.GetSubscription(cmd.Context(), id)
			if err != nil {
				return err
			}
			if sub == nil {
				return fmt.Errorf("subscription not found: %s", id)
			}
			if !sub.Enabled {
				return fmt.Errorf("subscription %s is disabled", id)
			}
			now := time.Now().UTC()
			if err := st.SetNextExecutionTime(cmd.Context(), id, &now); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Subscription %s marked due; the server will fire it on its next tick\n", id)
			return nil
		},
	}
	return cmd
}
