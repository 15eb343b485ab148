package notification

import (
	"context"
	"log/slog"

	"github.com/dukex/flowkeeper/pkg/models"
)

// LogChannel writes notifications to the log. It is the channel used when no other is set up.
type LogChannel struct {
	logger *slog.Logger
}

func NewLogChannel(logger *slog.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string {
	return "log"
}

func (c *LogChannel) Send(ctx context.Context, notification models.Notification) error {
	c.logger.WarnContext(ctx, notification.Message,
		"attempt_id", notification.AttemptID,
		"session_id", notification.SessionID,
		"project_name", notification.ProjectName,
		"workflow_name", notification.WorkflowName,
		"task_name", notification.TaskName,
		"rule_id", notification.RuleID,
		"session_time", notification.SessionTime,
	)

	return nil
}
