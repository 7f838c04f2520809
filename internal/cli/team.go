package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zxh0305/wegent/internal/config"
	"github.com/zxh0305/wegent/internal/store"
)

// teamSpec is the YAML shape accepted by `wegent team apply -f`.
// Member order defines the pipeline stage order.
type teamSpec struct {
	Name      string `yaml:"name"`
	Namespace string `yaml:"namespace"`
	Members   []struct {
		Bot                 string `yaml:"bot"`
		Namespace           string `yaml:"namespace"`
		RequireConfirmation bool   `yaml:"require_confirmation"`
	} `yaml:"members"`
}

func newTeamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "team",
		Short: "Manage teams",
	}
	cmd.AddCommand(newTeamApplyCmd())
	cmd.AddCommand(newTeamListCmd())
	cmd.AddCommand(newTeamRemoveCmd())
	return cmd
}

func newTeamApplyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create a team from a YAML definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return errors.New("-f is required")
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var spec teamSpec
			if err := yaml.Unmarshal(raw, &spec); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			if spec.Name == "" {
				return errors.New("team name required")
			}
			if len(spec.Members) == 0 {
				return errors.New("at least one member required")
			}

			st, err := store.Open(config.MustHomeFrom(cmd.Context()))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			members := make([]store.TeamMember, 0, len(spec.Members))
			for _, m := range spec.Members {
				ns := m.Namespace
				if ns == "" {
					ns = "default"
				}
				if _, err := st.GetBot(cmd.Context(), ns, m.Bot); err != nil {
					return fmt.Errorf("member bot %s/%s: %w", ns, m.Bot, err)
				}
				members = append(members, store.TeamMember{
					BotName:             m.Bot,
					BotNamespace:        ns,
					RequireConfirmation: m.RequireConfirmation,
				})
			}

			t, err := st.CreateTeam(cmd.Context(), spec.Namespace, spec.Name, members)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created team %q with %d stages (%s)\n", t.Name, len(t.Members), t.TeamID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Team definition YAML file")
	return cmd
}

func newTeamListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List teams",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(config.MustHomeFrom(cmd.Context()))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			teams, err := st.ListTeams(cmd.Context())
			if err != nil {
				return err
			}
			if len(teams) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No teams.")
				return nil
			}
			for _, t := range teams {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- %s/%s (stages=%d)\n", t.Namespace, t.Name, len(t.Members))
			}
			return nil
		},
	}
	return cmd
}

func newTeamRemoveCmd() *cobra.Command {
	var (
		name      string
		namespace string
	)
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a team and its tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return errors.New("--name is required")
			}
			st, err := store.Open(config.MustHomeFrom(cmd.Context()))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.DeleteTeam(cmd.Context(), namespace, name); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed team %s/%s\n", namespace, name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Team name")
	cmd.Flags().StringVar(&namespace, "namespace", "default", "Team namespace")
	return cmd
}
