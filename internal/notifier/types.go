package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	c.RetryMax = max(c.RetryMax, 0)
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	c.RetryMaxDelay = max(c.RetryMaxDelay, c.RetryBase)
	return c
}

// Notification is one announce request. Title already carries the source prefix.
type Notification struct {
	Source string
	Title  string
	Body   string
	URL    string
}

// Sink is one delivery channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

type HistoryItem struct {
	At    time.Time
	Sink  string
	Title string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	Sink   string    `json:"sink,omitempty"`
	Source string    `json:"source,omitempty"`
	Title  string    `json:"title"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

// Event types published by the notifier.
const (
	EventQueued  = "notifier.queued"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
	EventDropped = "notifier.dropped"
)
