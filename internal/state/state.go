// Package state holds the two pieces of durable mutable state: the per-source
// cursors and the process-wide enabled flag.
package state

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"tasknotify/internal/eventbus"
	"tasknotify/internal/storage"
	logx "tasknotify/pkg/logx"
)

const (
	cursorPrefix = "cursor:"
	enabledKey   = "enabled"
)

// Cursors persists the last-seen item id per source key.
type Cursors interface {
	Get(ctx context.Context, key string) (id string, ok bool, err error)
	Set(ctx context.Context, key, id string) error
	Reset(ctx context.Context, key string) error
}

// Flag is the persisted enabled switch.
type Flag interface {
	Get(ctx context.Context) (bool, error)
	Set(ctx context.Context, enabled bool) error
	OnChange(fn func(enabled bool))
}

type actorKey struct{}

// WithActor tags ctx with who is making a change; it ends up in the audit log.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "system"
}

// CursorStore implements Cursors over a storage.Store.
type CursorStore struct {
	st  storage.Store
	log logx.Logger
	bus eventbus.Bus
}

func NewCursors(st storage.Store, bus eventbus.Bus, log logx.Logger) *CursorStore {
	if st == nil {
		st = storage.NewMemory()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &CursorStore{st: st, log: log, bus: bus}
}

func cursorKey(key string) string { return cursorPrefix + strings.TrimSpace(key) }

func (c *CursorStore) Get(ctx context.Context, key string) (string, bool, error) {
	id, ok, err := c.st.Get(ctx, cursorKey(key))
	if err != nil {
		return "", false, fmt.Errorf("read cursor %s: %w", key, err)
	}
	return id, ok, nil
}

func (c *CursorStore) Set(ctx context.Context, key, id string) error {
	if err := c.st.Put(ctx, cursorKey(key), id); err != nil {
		return fmt.Errorf("write cursor %s: %w", key, err)
	}
	return nil
}

// Reset forgets the cursor so the next cycle behaves like a first run.
func (c *CursorStore) Reset(ctx context.Context, key string) error {
	if err := c.st.Delete(ctx, cursorKey(key)); err != nil {
		return fmt.Errorf("reset cursor %s: %w", key, err)
	}
	actor := actorFrom(ctx)
	if err := c.st.AppendAudit(ctx, storage.AuditEntry{Actor: actor, Action: "cursor.reset", Target: key}); err != nil {
		c.log.Debug("audit append failed", logx.Err(err))
	}
	c.log.Info("cursor reset", logx.String("source", key), logx.String("actor", actor))
	c.bus.Publish(eventbus.Event{Type: eventbus.TypeCursorReset, Source: key})
	return nil
}

// EnabledFlag implements Flag over a storage.Store. A flag that was never
// written reads as def.
type EnabledFlag struct {
	st  storage.Store
	def bool
	log logx.Logger
	bus eventbus.Bus

	// setMu serializes Set so hooks observe changes in order.
	setMu sync.Mutex
	mu    sync.Mutex
	hooks []func(bool)
}

func NewFlag(st storage.Store, def bool, bus eventbus.Bus, log logx.Logger) *EnabledFlag {
	if st == nil {
		st = storage.NewMemory()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &EnabledFlag{st: st, def: def, log: log, bus: bus}
}

func (f *EnabledFlag) Get(ctx context.Context) (bool, error) {
	v, ok, err := f.st.Get(ctx, enabledKey)
	if err != nil {
		return f.def, fmt.Errorf("read enabled flag: %w", err)
	}
	if !ok {
		return f.def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return f.def, fmt.Errorf("parse enabled flag %q: %w", v, err)
	}
	return b, nil
}

// Set persists the flag and then runs every OnChange hook synchronously, so
// when Set returns the scheduler has already been stopped or started.
func (f *EnabledFlag) Set(ctx context.Context, enabled bool) error {
	f.setMu.Lock()
	defer f.setMu.Unlock()

	if err := f.st.Put(ctx, enabledKey, strconv.FormatBool(enabled)); err != nil {
		return fmt.Errorf("write enabled flag: %w", err)
	}
	actor := actorFrom(ctx)
	if err := f.st.AppendAudit(ctx, storage.AuditEntry{Actor: actor, Action: "enabled.set", Detail: strconv.FormatBool(enabled)}); err != nil {
		f.log.Debug("audit append failed", logx.Err(err))
	}
	f.log.Info("enabled flag set", logx.Bool("enabled", enabled), logx.String("actor", actor))

	f.mu.Lock()
	hooks := slices.Clone(f.hooks)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn(enabled)
	}
	f.bus.Publish(eventbus.Event{Type: eventbus.TypeEnabledChanged, Data: enabled})
	return nil
}

func (f *EnabledFlag) OnChange(fn func(enabled bool)) {
	if fn == nil {
		return
	}
	f.mu.Lock()
	f.hooks = append(f.hooks, fn)
	f.mu.Unlock()
}
