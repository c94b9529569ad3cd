// Package dedup decides which freshly fetched items are new relative to a
// per-source cursor.
package dedup

import "tasknotify/internal/item"

// Cursor is the last-seen item id of one source. OK is false until the first
// successful cycle commits an id.
type Cursor struct {
	LastSeenID string
	OK         bool
}

// At returns a present cursor pointing at id.
func At(id string) Cursor { return Cursor{LastSeenID: id, OK: true} }

// ComputeNew returns the items newer than cursor and the cursor to commit.
//
// items must be ordered most-recent-first; they are never re-sorted.
//   - empty items: nothing is new and the cursor is returned unchanged.
//   - absent cursor: only items[0] is new, so a first run does not replay history.
//   - otherwise items are collected from the front until LastSeenID (exclusive).
//     If LastSeenID is not in the window every item is new.
//
// For non-empty items the returned cursor is always items[0].ID.
func ComputeNew(items []item.Item, cursor Cursor) ([]item.Item, Cursor) {
	if len(items) == 0 {
		return nil, cursor
	}
	next := At(items[0].ID)
	if !cursor.OK {
		return items[:1:1], next
	}
	for i, it := range items {
		if it.ID == cursor.LastSeenID {
			if i == 0 {
				return nil, next
			}
			return items[:i:i], next
		}
	}
	return items[:len(items):len(items)], next
}
