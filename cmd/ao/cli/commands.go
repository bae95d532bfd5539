package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/jsonutil"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/lifecycle"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/sessions"
)

func newSpawnCmd() *cobra.Command {
	var projectID, branch, prompt string
	var issues []string

	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Start agent sessions for a project",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := getServices(configPath)
			if err != nil {
				return err
			}
			defer svc.Telemetry.Close()
			ctx := cmd.Context()

			if len(issues) > 1 {
				spawned, skipped, err := svc.Sessions.SpawnForIssues(ctx, projectID, issues)
				if err != nil {
					return err
				}
				for _, s := range spawned {
					fmt.Fprintf(cmd.OutOrStdout(), "spawned %s (%s)\n", s.ID, s.Branch)
				}
				for issue, reason := range skipped {
					fmt.Fprintf(cmd.OutOrStdout(), "skipped %s: %s\n", issue, reason)
				}
				return nil
			}

			spawn := sessions.SpawnConfig{ProjectID: projectID, Branch: branch, Prompt: prompt}
			if len(issues) == 1 {
				spawn.IssueID = issues[0]
			}
			s, err := svc.Sessions.Spawn(ctx, spawn)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "spawned %s (%s)\n", s.ID, s.Branch)
			return nil
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "project id")
	cmd.Flags().StringSliceVarP(&issues, "issue", "i", nil, "issue id(s) to work on")
	cmd.Flags().StringVarP(&branch, "branch", "b", "", "branch override")
	cmd.Flags().StringVar(&prompt, "prompt", "", "initial prompt override")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newListCmd() *cobra.Command {
	var projectID string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions and their status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := getServices(configPath)
			if err != nil {
				return err
			}
			defer svc.Telemetry.Close()

			list, err := svc.Sessions.List(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			if asJSON {
				out, err := jsonutil.MarshalIndentWithNewline(list, "", "  ")
				if err != nil {
					return err
				}
				cmd.Print(string(out))
				return nil
			}
			for _, s := range list {
				issue := s.IssueID
				if issue == "" {
					issue = "-"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-14s %-12s %-10s %-20s %s\n",
					s.ID, s.ProjectID, s.Status, s.Branch, issue)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "filter by project")
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	return cmd
}

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <session> <message...>",
		Short: "Type a message into a session's terminal",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := getServices(configPath)
			if err != nil {
				return err
			}
			defer svc.Telemetry.Close()
			return svc.Sessions.Send(cmd.Context(), args[0], strings.Join(args[1:], " "))
		},
	}
}

func newKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <session>",
		Short: "Tear a session down and archive its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := getServices(configPath)
			if err != nil {
				return err
			}
			defer svc.Telemetry.Close()
			return svc.Sessions.Kill(cmd.Context(), args[0])
		},
	}
}

func newCleanupCmd() *cobra.Command {
	var projectID string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Kill sessions whose PR merged, issue closed, or runtime died",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := getServices(configPath)
			if err != nil {
				return err
			}
			defer svc.Telemetry.Close()

			report, err := svc.Sessions.Cleanup(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			for _, k := range report.Killed {
				fmt.Fprintf(cmd.OutOrStdout(), "killed %s\n", k)
			}
			for _, s := range report.Skipped {
				fmt.Fprintf(cmd.OutOrStdout(), "kept %s\n", s)
			}
			for _, e := range report.Errors {
				fmt.Fprintf(cmd.OutOrStdout(), "error %s\n", e)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "filter by project")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var interval time.Duration
	var once bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the lifecycle polling loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := getServices(configPath)
			if err != nil {
				return err
			}
			defer svc.Telemetry.Close()

			if once {
				svc.Lifecycle.Tick()
				return nil
			}

			svc.Lifecycle.Start(interval)
			fmt.Fprintf(cmd.OutOrStdout(), "watching sessions every %s (ctrl-c to stop)\n", interval)
			<-cmd.Context().Done()
			svc.Lifecycle.Stop()
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", lifecycle.DefaultInterval, "polling interval")
	cmd.Flags().BoolVar(&once, "once", false, "run a single tick and exit")
	return cmd
}
