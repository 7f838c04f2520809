package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/zxh0305/wegent/internal/config"
)

func NewRootCmd(version string) *cobra.Command {
	var homeOverride string

	cmd := &cobra.Command{
		Use:          "wegent",
		Short:        "Wegent — pipeline agent teams with scheduled background runs",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			home, err := config.ResolveHome(homeOverride)
			if err != nil {
				return err
			}
			cmd.SetContext(config.WithHome(cmd.Context(), home))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&homeOverride, "home", "", "Override Wegent home directory (default: ~/.wegent, env: WEGENT_HOME)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newApikeyCmd())

	cmd.AddCommand(newBotCmd())
	cmd.AddCommand(newTeamCmd())
	cmd.AddCommand(newTaskCmd())
	cmd.AddCommand(newSubscriptionCmd())
	cmd.AddCommand(newExecutionCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}
