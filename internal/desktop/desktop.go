// Package desktop shows notifications on the local desktop session.
package desktop

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"tasknotify/internal/notifier"
)

// Sink runs a notify-send style command per notification. Arguments may use
// the placeholders {title}, {body} and {url}; with no Command the default is
// notify-send --app-name=tasknotify {title} {body}.
type Sink struct {
	command []string
	run     func(ctx context.Context, name string, args ...string) error
}

func NewSink(command []string) *Sink {
	return &Sink{command: append([]string(nil), command...), run: runCommand}
}

func (s *Sink) Name() string { return "desktop" }

func (s *Sink) Send(ctx context.Context, n notifier.Notification) error {
	argv := s.argv(n)
	return s.run(ctx, argv[0], argv[1:]...)
}

func (s *Sink) argv(n notifier.Notification) []string {
	cmd := s.command
	if len(cmd) == 0 {
		cmd = []string{"notify-send", "--app-name=tasknotify", "{title}", "{body}"}
	}
	r := strings.NewReplacer("{title}", n.Title, "{body}", n.Body, "{url}", n.URL)
	out := make([]string, 0, len(cmd))
	for _, a := range cmd {
		out = append(out, r.Replace(a))
	}
	return out
}

func runCommand(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}
