// Package item defines the record every source produces and the error types
// a failed fetch is reported with.
package item

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Item is one ticket/task as seen by a source. ID is opaque and unique
// within the source that produced it.
type Item struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Assignee  string    `json:"assignee,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	URL       string    `json:"url,omitempty"`
}

// Source supplies candidate items, most-recent-first.
type Source interface {
	// Key identifies the source's cursor. It must be stable across restarts.
	Key() string
	// Name is the display name used as the notification prefix.
	Name() string
	Fetch(ctx context.Context) ([]Item, error)
}

// FetchError reports a transport failure or a non-success status.
type FetchError struct {
	Source string
	Status int // 0 for transport errors
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.Source, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports a response body that could not be decoded.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.Source, e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// IsFetchFailure reports whether err is a FetchError or a ParseError.
// Both abort a poll cycle without touching the cursor.
func IsFetchFailure(err error) bool {
	var fe *FetchError
	var pe *ParseError
	return errors.As(err, &fe) || errors.As(err, &pe)
}
