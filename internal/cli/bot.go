package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zxh0305/wegent/internal/config"
	"github.com/zxh0305/wegent/internal/store"
)

func newBotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Manage bots",
	}
	cmd.AddCommand(newBotAddCmd())
	cmd.AddCommand(newBotListCmd())
	return cmd
}

func newBotAddCmd() *cobra.Command {
	var (
		name      string
		namespace string
		model     string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return errors.New("--name is required")
			}
			st, err := store.Open(config.MustHomeFrom(cmd.Context()))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			b, err := st.CreateBot(cmd.Context(), namespace, name, model)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created bot %s/%s (%s)\n", b.Namespace, b.Name, b.BotID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Bot name")
	cmd.Flags().StringVar(&namespace, "namespace", "default", "Bot namespace")
	cmd.Flags().StringVar(&model, "model", "", "Model identifier")
	return cmd
}

func newBotListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bots",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(config.MustHomeFrom(cmd.Context()))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			bots, err := st.ListBots(cmd.Context())
			if err != nil {
				return err
			}
			if len(bots) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No bots.")
				return nil
			}
			for _, b := range bots {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- %s/%s (model=%s)\n", b.Namespace, b.Name, b.Model)
			}
			return nil
		},
	}
	return cmd
}
