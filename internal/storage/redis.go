package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	logx "tasknotify/pkg/logx"
)

// auditMaxLen caps the redis audit list; older entries are trimmed.
const auditMaxLen = 1000

// redisStore keeps the key/value state in one hash ("<prefix>:kv") and the
// audit log in a capped list ("<prefix>:audit").
type redisStore struct {
	client   goredis.UniversalClient
	log      logx.Logger
	kvKey    string
	auditKey string
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	log.Debug("redis store opened", logx.String("addr", addr))
	return NewRedis(client, cfg.Redis.Prefix, log), nil
}

// NewRedis wraps an existing client. The caller keeps ownership of client
// only until Close, which closes it.
func NewRedis(client goredis.UniversalClient, prefix string, log logx.Logger) Store {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "tasknotify"
	}
	return &redisStore{
		client:   client,
		log:      log,
		kvKey:    prefix + ":kv",
		auditKey: prefix + ":audit",
	}
}

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.HGet(ctx, s.kvKey, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *redisStore) Put(ctx context.Context, key, value string) error {
	return s.client.HSet(ctx, s.kvKey, key, value).Err()
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.client.HDel(ctx, s.kvKey, key).Err()
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.auditKey, b)
	pipe.LTrim(ctx, s.auditKey, -auditMaxLen, -1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
