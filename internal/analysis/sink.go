// Package analysis defines the boundary through which processed merge
// request events leave the integration layer. The actual review engine
// lives elsewhere; this package only carries the task shape and a
// default sink that records dispatches.
package analysis

import (
	"context"
	"log/slog"
)

// Task is one unit of review work distilled from a webhook event.
type Task struct {
	ProjectID       int64  `json:"project_id"`
	RemoteProjectID int64  `json:"remote_project_id"`
	ProjectName     string `json:"project_name"`
	MergeRequestIID int64  `json:"merge_request_iid"`
	Title           string `json:"title"`
	SourceBranch    string `json:"source_branch"`
	TargetBranch    string `json:"target_branch"`
	CommitSHA       string `json:"commit_sha"`
	AuthorUsername  string `json:"author_username"`
	WebURL          string `json:"web_url"`
	ChangedFiles    int    `json:"changed_files"`
}

// Sink accepts tasks for downstream review processing.
type Sink interface {
	DispatchAnalysisTask(ctx context.Context, task Task) error
}

// LogSink logs each dispatched task. It stands in until a real review
// engine is attached.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) DispatchAnalysisTask(_ context.Context, task Task) error {
	s.logger.Info("dispatching analysis task",
		"project_id", task.ProjectID,
		"remote_project_id", task.RemoteProjectID,
		"merge_request_iid", task.MergeRequestIID,
		"source_branch", task.SourceBranch,
		"target_branch", task.TargetBranch,
		"commit_sha", task.CommitSHA,
		"changed_files", task.ChangedFiles,
	)
	return nil
}
