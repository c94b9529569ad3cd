// Package observe is the push path: records reported by an external observer
// (a browser content script, a webhook) are announced directly, without
// cursor-based dedup.
package observe

import (
	"context"
	"strings"

	"tasknotify/internal/eventbus"
	"tasknotify/internal/gate"
	logx "tasknotify/pkg/logx"
)

const (
	defaultSite  = "Site"
	defaultTitle = "New Task"
)

// Observation is one detected item as reported by the observer.
type Observation struct {
	Site  string `json:"site"`
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
	ID    string `json:"id,omitempty"`
}

// Announcer is the gate as seen by the push path.
type Announcer interface {
	Notify(ctx context.Context, sourceName, title, body, url string) gate.Outcome
}

type Handler struct {
	gate Announcer
	bus  eventbus.Bus
	log  logx.Logger
}

func NewHandler(g Announcer, bus eventbus.Bus, log logx.Logger) *Handler {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Handler{gate: g, bus: bus, log: log}
}

// Handle announces o. Re-reporting the same record announces it again.
func (h *Handler) Handle(ctx context.Context, o Observation) gate.Outcome {
	o = Normalize(o)
	h.log.Debug("observation received", logx.String("site", o.Site), logx.String("id", o.ID), logx.String("title", o.Title))
	h.bus.Publish(eventbus.Event{Type: eventbus.TypeObservation, Source: o.Site, Data: o})
	return h.gate.Notify(ctx, o.Site, o.Title, o.Body, o.URL)
}

// Normalize trims fields and fills the defaults used when the observer
// could not extract a site or title.
func Normalize(o Observation) Observation {
	o.Site = strings.TrimSpace(o.Site)
	o.Title = strings.TrimSpace(o.Title)
	o.Body = strings.TrimSpace(o.Body)
	o.URL = strings.TrimSpace(o.URL)
	o.ID = strings.TrimSpace(o.ID)
	if o.Site == "" {
		o.Site = defaultSite
	}
	if o.Title == "" {
		o.Title = defaultTitle
	}
	return o
}
