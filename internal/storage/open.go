package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	logx "tasknotify/pkg/logx"
)

// Store is the key/value persistence the state package builds on. Get
// reports ok=false without error for a key that was never written or was
// deleted.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

type opener func(cfg Config, log logx.Logger) (Store, error)

var drivers = map[string]opener{
	"memory":  func(Config, logx.Logger) (Store, error) { return NewMemory(), nil },
	"none":    func(Config, logx.Logger) (Store, error) { return NewMemory(), nil },
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
	"redis":   openRedis,
}

// Drivers lists the accepted driver names.
func Drivers() []string {
	names := make([]string, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open returns the store for cfg.Driver. An empty driver or "none" keeps
// state in memory only.
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" {
		name = "memory"
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver %q (want one of %s)", name, strings.Join(Drivers(), ", "))
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log.With(logx.String("driver", name)))
}
