// Package telegram delivers notifications to a Telegram chat and accepts the
// owner commands /on, /off, /status and /poll.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"tasknotify/internal/notifier"
	"tasknotify/internal/poller"
	"tasknotify/internal/state"
	logx "tasknotify/pkg/logx"
)

var errNoChat = errors.New("telegram chat_id is not configured")

type Config struct {
	Enabled      bool
	Token        string
	ChatID       int64
	ThreadID     int
	OwnerUserIDs []int64
	PollTimeout  time.Duration
}

// Poller is the subset of the poller driven by commands.
type Poller interface {
	Poll(ctx context.Context, key string) (poller.CycleResult, error)
	PollAll(ctx context.Context) []poller.CycleResult
	Last() map[string]poller.CycleResult
}

// Controls are the components commands act on.
type Controls struct {
	Flag   state.Flag
	Poller Poller
}

type Bot struct {
	cfg Config
	ctl Controls
	log logx.Logger
	bot *tele.Bot

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfg Config, ctl Controls, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Bot{cfg: cfg, ctl: ctl, log: log, bot: b}, nil
}

func (b *Bot) Name() string { return "telegram" }

// Send posts n to the configured chat (and topic, when ThreadID is set).
func (b *Bot) Send(ctx context.Context, n notifier.Notification) error {
	if b.cfg.ChatID == 0 {
		return errNoChat
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.bot.Send(&tele.Chat{ID: b.cfg.ChatID}, formatNotification(n), &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              b.cfg.ThreadID,
	})
	return err
}

// Start registers command handlers and begins long polling.
func (b *Bot) Start(ctx context.Context) {
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return
	}
	b.running = true
	rctx, cancel := context.WithCancel(ctx)
	b.runCancel = cancel
	b.runWG.Add(1)
	b.runMu.Unlock()

	for _, cmd := range []string{"/on", "/off", "/status", "/poll"} {
		b.bot.Handle(cmd, func(c tele.Context) error {
			var sender int64
			if u := c.Sender(); u != nil {
				sender = u.ID
			}
			reply := b.handle(rctx, sender, c.Text())
			if reply == "" {
				return nil
			}
			return c.Send(reply)
		})
	}

	go func() {
		defer b.runWG.Done()
		go func() {
			<-rctx.Done()
			b.bot.Stop()
		}()
		b.log.Info("telegram polling started", logx.Int("owners", len(b.cfg.OwnerUserIDs)))
		b.bot.Start()
	}()
}

// Stop ends long polling. getUpdates may still be waiting; the wait is
// capped at two seconds or the ctx deadline, whichever is sooner.
func (b *Bot) Stop(ctx context.Context) error {
	b.runMu.Lock()
	cancel := b.runCancel
	b.runCancel = nil
	wasRunning := b.running
	b.running = false
	b.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		b.runWG.Wait()
		close(done)
	}()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		b.log.Info("telegram polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		b.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

func (b *Bot) allowed(userID int64) bool {
	for _, id := range b.cfg.OwnerUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// handle executes one command line and returns the reply text.
// Commands from non-owners are ignored.
func (b *Bot) handle(ctx context.Context, sender int64, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	cmd := strings.ToLower(fields[0])
	// "/poll@my_bot" in group chats.
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	if !b.allowed(sender) {
		b.log.Warn("telegram command from non-owner ignored", logx.Int64("user_id", sender), logx.String("cmd", cmd))
		return ""
	}
	ctx = state.WithActor(ctx, "telegram")

	switch cmd {
	case "/on", "/off":
		on := cmd == "/on"
		if err := b.ctl.Flag.Set(ctx, on); err != nil {
			return "Failed: " + err.Error()
		}
		if on {
			return "Notifications enabled"
		}
		return "Notifications are turned off"
	case "/status":
		return b.status(ctx)
	case "/poll":
		if len(fields) > 1 {
			res, err := b.ctl.Poller.Poll(ctx, fields[1])
			if errors.Is(err, poller.ErrUnknownSource) {
				return "Unknown source: " + fields[1]
			}
			return resultLine(res)
		}
		results := b.ctl.Poller.PollAll(ctx)
		if len(results) == 0 {
			return "No sources configured"
		}
		lines := make([]string, 0, len(results))
		for _, r := range results {
			lines = append(lines, resultLine(r))
		}
		return strings.Join(lines, "\n")
	}
	return ""
}

func (b *Bot) status(ctx context.Context) string {
	var sb strings.Builder
	on, err := b.ctl.Flag.Get(ctx)
	switch {
	case err != nil:
		sb.WriteString("Notifications: unknown (" + err.Error() + ")")
	case on:
		sb.WriteString("Notifications: on")
	default:
		sb.WriteString("Notifications: off")
	}

	last := b.ctl.Poller.Last()
	keys := make([]string, 0, len(last))
	for k := range last {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r := last[k]
		fmt.Fprintf(&sb, "\n%s %s ago", resultLine(r), time.Since(r.Started).Round(time.Second))
	}
	return sb.String()
}

func resultLine(r poller.CycleResult) string {
	if r.Error != "" && r.Outcome == "" {
		return fmt.Sprintf("%s: failed (%s)", r.Source, r.Error)
	}
	line := fmt.Sprintf("%s: %s, %d new", r.Source, r.Outcome, r.New)
	if r.Error != "" {
		line += " (" + r.Error + ")"
	}
	return line
}

func formatNotification(n notifier.Notification) string {
	var sb strings.Builder
	sb.WriteString("<b>" + html.EscapeString(n.Title) + "</b>")
	if n.Body != "" {
		sb.WriteString("\n" + html.EscapeString(n.Body))
	}
	if n.URL != "" {
		sb.WriteString("\n" + html.EscapeString(n.URL))
	}
	return sb.String()
}
