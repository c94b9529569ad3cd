// Package sound plays the alert sound by running an external player.
package sound

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	logx "tasknotify/pkg/logx"
)

var ErrDisabled = errors.New("sound disabled")

// playTimeout bounds a single player invocation.
const playTimeout = 15 * time.Second

type Config struct {
	Enabled bool
	// Command is the player argv; "{file}" is replaced with File.
	// Empty means "paplay {file}".
	Command []string
	File    string
}

// CommandPlayer runs the configured command once per PlayOnce call. Only one
// playback runs at a time; an overlapping request is dropped.
type CommandPlayer struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	playing bool

	// run is swapped in tests.
	run func(ctx context.Context, name string, args ...string) error
}

func NewCommandPlayer(cfg Config, log logx.Logger) *CommandPlayer {
	return &CommandPlayer{cfg: cfg, log: log, run: runCommand}
}

func (p *CommandPlayer) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

// PlayOnce starts playback in the background and returns immediately.
func (p *CommandPlayer) PlayOnce(ctx context.Context) error {
	p.mu.Lock()
	cfg := p.cfg
	if !cfg.Enabled {
		p.mu.Unlock()
		return ErrDisabled
	}
	if p.playing {
		p.mu.Unlock()
		p.log.Debug("sound already playing; request dropped")
		return nil
	}
	argv := expand(cfg)
	if len(argv) == 0 {
		p.mu.Unlock()
		return errors.New("sound command is empty")
	}
	p.playing = true
	run := p.run
	p.mu.Unlock()

	// Playback must outlive a request-scoped ctx.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), playTimeout)
	go func() {
		defer cancel()
		defer func() {
			p.mu.Lock()
			p.playing = false
			p.mu.Unlock()
		}()
		if err := run(pctx, argv[0], argv[1:]...); err != nil {
			p.log.Warn("sound playback failed", logx.String("cmd", argv[0]), logx.Err(err))
		}
	}()
	return nil
}

func expand(cfg Config) []string {
	cmd := cfg.Command
	if len(cmd) == 0 {
		cmd = []string{"paplay", "{file}"}
	}
	out := make([]string, 0, len(cmd))
	for _, a := range cmd {
		out = append(out, strings.ReplaceAll(a, "{file}", cfg.File))
	}
	return out
}

func runCommand(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
