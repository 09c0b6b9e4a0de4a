package cmd

import (
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pubgate/internal/observability"
	"github.com/3leaps/pubgate/pkg/commit"
	"github.com/3leaps/pubgate/pkg/publish"
)

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Run one commit task directly",
	Long: `Run one commit task without going through the broker.

The task row must already exist in the service database; this command
is for operators re-driving a task whose broker delivery was lost.

Example:
  pubgate commit --task-id ID --publish-id ID --env live --from-date 2026-08-24T00:00:00Z
  pubgate commit --task-id ID --publish-id ID --env live --from-date 2026-08-24T00:00:00Z --mode phase1`,
	RunE: runCommit,
}

var (
	commitTaskID    string
	commitPublishID string
	commitEnv       string
	commitFromDate  string
	commitMode      string
)

func init() {
	rootCmd.AddCommand(commitCmd)

	commitCmd.Flags().StringVar(&commitTaskID, "task-id", "", "Task ID (required)")
	commitCmd.Flags().StringVar(&commitPublishID, "publish-id", "", "Publish ID (required)")
	commitCmd.Flags().StringVar(&commitEnv, "env", "", "Target environment (required)")
	commitCmd.Flags().StringVar(&commitFromDate, "from-date", "", "from_date for all KV writes (required)")
	commitCmd.Flags().StringVar(&commitMode, "mode", "", "Commit mode: phase1 or phase2 (default phase2)")

	_ = commitCmd.MarkFlagRequired("task-id")
	_ = commitCmd.MarkFlagRequired("publish-id")
	_ = commitCmd.MarkFlagRequired("env")
	_ = commitCmd.MarkFlagRequired("from-date")
}

func runCommit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	job, err := commitJobFromFlags()
	if err != nil {
		return err
	}

	settings, err := loadSettings()
	if err != nil {
		return err
	}

	eng, err := newEngine(ctx, settings)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.commitJob(ctx, job); err != nil {
		return err
	}

	observability.CLILogger.Info("Commit task finished",
		zap.String("task_id", job.TaskID.String()))
	return nil
}

func commitJobFromFlags() (commit.Job, error) {
	taskID, err := uuid.Parse(commitTaskID)
	if err != nil {
		return commit.Job{}, err
	}
	publishID, err := uuid.Parse(commitPublishID)
	if err != nil {
		return commit.Job{}, err
	}
	return commit.Job{
		TaskID:    taskID,
		PublishID: publishID,
		Env:       commitEnv,
		FromDate:  commitFromDate,
		Mode:      publish.CommitMode(commitMode),
	}, nil
}
