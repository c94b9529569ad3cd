package notifier

import (
	"context"

	logx "tasknotify/pkg/logx"
)

// LogSink writes notifications to the log. It is always available, which
// keeps headless deployments observable.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink { return &LogSink{log: log} }

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, n Notification) error {
	s.log.Info("notification",
		logx.String("source", n.Source),
		logx.String("title", n.Title),
		logx.String("body", n.Body),
		logx.String("url", n.URL),
	)
	return nil
}
