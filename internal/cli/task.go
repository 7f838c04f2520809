package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zxh0305/wegent/internal/config"
	"github.com/zxh0305/wegent/internal/pipeline"
	"github.com/zxh0305/wegent/internal/store"
	"github.com/zxh0305/wegent/pkg/models"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks and their pipeline stages",
	}
	cmd.AddCommand(newTaskAddCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskStageCmd())
	cmd.AddCommand(newTaskConfirmCmd())
	return cmd
}

func newTaskAddCmd() *cobra.Command {
	var (
		team      string
		namespace string
		title     string
		prompt    string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a task in a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			if team == "" || title == "" {
				return errors.New("--team and --title are required")
			}
			st, err := store.Open(config.MustHomeFrom(cmd.Context()))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			t, err := st.GetTeamByName(cmd.Context(), namespace, team)
			if err != nil {
				return err
			}
			id, err := st.CreateTask(cmd.Context(), t.TeamID, title, "")
			if err != nil {
				return err
			}
			if prompt == "" {
				prompt = title
			}
			result, _ := json.Marshal(store.SubtaskResult{Output: prompt})
			if _, err := st.CreateSubtask(cmd.Context(), store.Subtask{
				TaskID:    id,
				Role:      models.RoleUser,
				Status:    models.SubtaskCompleted,
				MessageID: 1,
				Result:    string(result),
			}); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created task %d in team %q\n", id, team)
			return nil
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "Team name")
	cmd.Flags().StringVar(&namespace, "namespace", "default", "Team namespace")
	cmd.Flags().StringVar(&title, "title", "", "Task title")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Opening prompt (defaults to the title)")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var (
		team      string
		namespace string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			if team == "" {
				return errors.New("--team is required")
			}
			st, err := store.Open(config.MustHomeFrom(cmd.Context()))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			t, err := st.GetTeamByName(cmd.Context(), namespace, team)
			if err != nil {
				return err
			}
			tasks, err := st.ListTasks(cmd.Context(), t.TeamID, 0)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
				return nil
			}
			for _, task := range tasks {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- #%d %s [%s]\n", task.TaskID, task.Title, task.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "Team name")
	cmd.Flags().StringVar(&namespace, "namespace", "default", "Team namespace")
	return cmd
}

func newTaskStageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stage <task-id>",
		Short: "Show a task's pipeline stage position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			st, err := store.Open(config.MustHomeFrom(cmd.Context()))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			_, team, err := loadTaskTeam(cmd, st, taskID)
			if err != nil {
				return err
			}
			eng := pipeline.New(st, slog.Default())
			info, err := eng.StageInfo(cmd.Context(), taskID, team)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %d: stage %d/%d", taskID, info.CurrentStage+1, info.TotalStages)
			if info.IsPendingConfirmation {
				_, _ = fmt.Fprint(cmd.OutOrStdout(), " (awaiting confirmation)")
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout())
			for _, s := range info.Stages {
				marker := " "
				if s.Index == info.CurrentStage {
					marker = ">"
				}
				gate := ""
				if s.RequireConfirmation {
					gate = " [gate]"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %d. %s: %s%s\n", marker, s.Index+1, s.Name, s.Status, gate)
			}
			return nil
		},
	}
	return cmd
}

func newTaskConfirmCmd() *cobra.Command {
	var (
		action string
		prompt string
	)
	cmd := &cobra.Command{
		Use:   "confirm <task-id>",
		Short: "Continue or retry a task waiting at a confirmation gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			if action != models.ActionContinue && action != models.ActionRetry {
				return errors.New("--action must be continue or retry")
			}
			st, err := store.Open(config.MustHomeFrom(cmd.Context()))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			task, team, err := loadTaskTeam(cmd, st, taskID)
			if err != nil {
				return err
			}
			eng := pipeline.New(st, slog.Default())
			res, err := eng.Confirm(cmd.Context(), task, team, prompt, action)
			if err != nil {
				return err
			}
			if res.TaskStatus == models.TaskCompleted {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %d completed\n", taskID)
				return nil
			}
			name := fmt.Sprintf("stage %d", res.NextStage+1)
			if res.NextStageName != nil {
				name = *res.NextStageName
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %d advanced to %s\n", taskID, name)
			return nil
		},
	}
	cmd.Flags().StringVar(&action, "action", models.ActionContinue, "continue or retry")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Override prompt for the next stage")
	return cmd
}

func loadTaskTeam(cmd *cobra.Command, st store.Store, taskID int64) (*store.Task, store.Team, error) {
	task, err := st.GetTask(cmd.Context(), taskID)
	if err != nil {
		return nil, store.Team{}, err
	}
	if task == nil {
		return nil, store.Team{}, fmt.Errorf("task not found: %d", taskID)
	}
	team, err := st.GetTeamByID(cmd.Context(), task.TeamID)
	if err != nil {
		return nil, store.Team{}, err
	}
	return task, team, nil
}
