// Package gate is the single choke point every announcement passes through.
// It checks the enabled flag and then emits exactly one notification and one
// sound request, discarding their failures.
package gate

import (
	"context"
	"errors"
	"fmt"

	"tasknotify/internal/eventbus"
	"tasknotify/internal/notifier"
	"tasknotify/internal/sound"
	"tasknotify/internal/state"
	logx "tasknotify/pkg/logx"
)

// Notifier accepts a notification for asynchronous delivery.
type Notifier interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

// Sound requests one playback of the alert sound.
type Sound interface {
	PlayOnce(ctx context.Context) error
}

type Outcome int

const (
	OutcomeEmitted Outcome = iota
	OutcomeSuppressed
)

func (o Outcome) String() string {
	if o == OutcomeSuppressed {
		return "suppressed"
	}
	return "emitted"
}

type Gate struct {
	flag     state.Flag
	notifier Notifier
	sound    Sound
	bus      eventbus.Bus
	log      logx.Logger
}

// New builds a gate. notifier and sound may be nil; the corresponding side
// effect is then skipped.
func New(flag state.Flag, n Notifier, s Sound, bus eventbus.Bus, log logx.Logger) *Gate {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Gate{flag: flag, notifier: n, sound: s, bus: bus, log: log}
}

// Notify announces one message titled "<sourceName>: <title>". It reports
// whether anything was emitted; delivery failures are never returned.
func (g *Gate) Notify(ctx context.Context, sourceName, title, body, url string) Outcome {
	enabled, err := g.flag.Get(ctx)
	if err != nil {
		// An unreadable flag counts as enabled.
		g.log.Warn("enabled flag unreadable; announcing", logx.Err(err))
		enabled = true
	}
	if !enabled {
		g.log.Debug("announcement suppressed", logx.String("source", sourceName), logx.String("title", title))
		g.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifySuppress, Source: sourceName, Data: title})
		return OutcomeSuppressed
	}

	n := notifier.Notification{Source: sourceName, Title: sourceName + ": " + title, Body: body, URL: url}
	if g.notifier != nil {
		if err := g.notifier.Notify(ctx, n); err != nil {
			g.logDiscarded("notification", err)
			g.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyFailed, Source: sourceName, Data: err.Error()})
		}
	}
	if g.sound != nil {
		if err := g.sound.PlayOnce(ctx); err != nil {
			g.logDiscarded("sound", err)
			g.bus.Publish(eventbus.Event{Type: eventbus.TypeSoundFailed, Source: sourceName, Data: err.Error()})
		}
	}
	g.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyEmitted, Source: sourceName, Data: n.Title})
	return OutcomeEmitted
}

func (g *Gate) logDiscarded(what string, err error) {
	// Disabled subsystems are configuration, not failures.
	if errors.Is(err, notifier.ErrDisabled) || errors.Is(err, sound.ErrDisabled) || errors.Is(err, context.Canceled) {
		g.log.Debug(what+" not delivered", logx.Err(err))
		return
	}
	g.log.Warn(what+" failed", logx.Err(err))
}

// TestTitle is the title of the operator test notification.
const TestTitle = "Test: Task Notifier"

// Test plays the sound and sends a test notification regardless of the
// enabled flag. The body reports the flag. Unlike Notify, errors are
// returned so the operator sees them.
func (g *Gate) Test(ctx context.Context) error {
	enabled, err := g.flag.Get(ctx)
	if err != nil {
		enabled = true
	}
	body := "Notifications enabled"
	if !enabled {
		body = "Notifications are turned off"
	}
	var errs []error
	if g.sound != nil {
		// A sound turned off in config is not a test failure.
		if err := g.sound.PlayOnce(ctx); err != nil && !errors.Is(err, sound.ErrDisabled) {
			errs = append(errs, fmt.Errorf("sound: %w", err))
		}
	}
	if g.notifier != nil {
		if err := g.notifier.Notify(ctx, notifier.Notification{Source: "test", Title: TestTitle, Body: body}); err != nil {
			errs = append(errs, fmt.Errorf("notification: %w", err))
		}
	}
	return errors.Join(errs...)
}
