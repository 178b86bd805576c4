// Command atelier is the CLI for inspecting and driving a running atelierd.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/yaront1111/atelier/internal/control"
	"github.com/yaront1111/atelier/internal/daemon"
	"github.com/yaront1111/atelier/internal/model"
)

var projectFlag string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// projectPath resolves the project directory the command targets.
func projectPath() string {
	if projectFlag != "" {
		return projectFlag
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// getClient connects to the daemon recorded in the project's liveness file.
func getClient() (*control.Client, error) {
	dataDir := filepath.Join(projectPath(), daemon.DataDirName)
	rec, alive, err := daemon.ReadLiveness(dataDir)
	if err != nil {
		return nil, fmt.Errorf("read daemon record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("no daemon running for %s (start atelierd first)", projectPath())
	}
	if !alive {
		return nil, fmt.Errorf("daemon record is stale (pid %d is gone); restart atelierd", rec.PID)
	}
	return control.Dial("", rec.Port)
}

var rootCmd = &cobra.Command{
	Use:   "atelier",
	Short: "CLI for the atelier backlog daemon",
	Long: `atelier - inspect and drive the per-project backlog daemon.

Examples:
  atelier init "My Project"       # Create the project record
  atelier status                  # Daemon and backlog summary
  atelier tasks                   # List tasks
  atelier tasks -s WORKING        # Tasks in one status
  atelier claim -w worker-1       # Claim the next task
  atelier watch                   # Stream change events
  atelier activity -n 20          # Recent activity`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

var initCmd = &cobra.Command{
	Use:   "init <name>",
	Short: "Initialize a project record in the current directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInit(args[0])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and backlog status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks [query]",
	Short: "List or search tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		epicID, _ := cmd.Flags().GetString("epic")
		query := ""
		if len(args) > 0 {
			query = args[0]
		}
		return runTasks(query, model.Status(status), epicID)
	},
}

var epicsCmd = &cobra.Command{
	Use:   "epics",
	Short: "List epics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEpics()
	},
}

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim the next eligible task",
	RunE: func(cmd *cobra.Command, args []string) error {
		workerID, _ := cmd.Flags().GetString("worker")
		epicID, _ := cmd.Flags().GetString("epic")
		replace, _ := cmd.Flags().GetBool("replace")
		if workerID == "" {
			return fmt.Errorf("--worker is required")
		}
		return runClaim(workerID, epicID, replace)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream change events from the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch()
	},
}

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Show recent activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		taskID, _ := cmd.Flags().GetString("task")
		return runActivity(taskID, limit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectFlag, "project", "p", "", "project directory (default: current directory)")

	tasksCmd.Flags().StringP("status", "s", "", "filter by status")
	tasksCmd.Flags().StringP("epic", "e", "", "filter by epic id")

	claimCmd.Flags().StringP("worker", "w", "", "claiming worker id")
	claimCmd.Flags().StringP("epic", "e", "", "restrict claim to one epic")
	claimCmd.Flags().Bool("replace", false, "replace a conflicting claim")

	activityCmd.Flags().IntP("limit", "n", 30, "number of events")
	activityCmd.Flags().String("task", "", "filter by task id")

	rootCmd.AddCommand(initCmd, statusCmd, tasksCmd, epicsCmd, claimCmd, watchCmd, activityCmd)
}
