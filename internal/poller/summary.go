package poller

import (
	"fmt"

	"tasknotify/internal/item"
)

const (
	fallbackTitle = "New Task"
	summaryRunes  = 80
)

// Summarize folds a cycle's new items into one notification.
// ok is false when there is nothing to announce.
func Summarize(newItems []item.Item) (title, body string, ok bool) {
	n := len(newItems)
	switch {
	case n == 0:
		return "", "", false
	case n == 1:
		it := newItems[0]
		title = it.Title
		if title == "" {
			title = fallbackTitle
		}
		assignee := it.Assignee
		if assignee == "" {
			assignee = "unknown"
		}
		return title, "Assigned to: " + assignee, true
	default:
		head := truncateRunes(newItems[0].Title, summaryRunes)
		if head == "" {
			head = "—"
		}
		return fmt.Sprintf("%d new tasks", n), fmt.Sprintf("1) %s\n+ %d more", head, n-1), true
	}
}

func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
