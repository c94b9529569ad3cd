// Package servicenow fetches the newest records of a ServiceNow table through
// the Table API.
package servicenow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"tasknotify/internal/item"
	logx "tasknotify/pkg/logx"
)

// DefaultLimit is the fetch window when Config.Limit is unset.
const DefaultLimit = 20

const createdLayout = "2006-01-02 15:04:05"

type BreakerConfig struct {
	// Failures within Window that open the breaker. 0 means 5 of 10.
	Failures uint
	Window   uint
	// Delay before a half-open probe. 0 means 1 minute.
	Delay time.Duration
}

type Config struct {
	Key  string
	Name string
	// URL is the table endpoint, e.g.
	// https://acme.service-now.com/api/now/table/incident?sysparm_query=ORDERBYDESCsys_created_on
	URL      string
	Username string
	Password string
	Token    string
	Limit    int
	Timeout  time.Duration
	Breaker  BreakerConfig
}

// Source implements item.Source.
type Source struct {
	cfg     Config
	client  *http.Client
	breaker circuitbreaker.CircuitBreaker[*http.Response]
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Source, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("servicenow url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("servicenow url: %w", err)
	}
	if cfg.Key == "" {
		cfg.Key = "servicenow"
	}
	if cfg.Name == "" {
		cfg.Name = "ServiceNow"
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	b := cfg.Breaker
	if b.Window == 0 {
		b.Window = 10
	}
	if b.Failures == 0 || b.Failures > b.Window {
		b.Failures = (b.Window + 1) / 2
	}
	if b.Delay <= 0 {
		b.Delay = time.Minute
	}

	s := &Source{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
	s.breaker = circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThresholdRatio(b.Failures, b.Window).
		WithDelay(b.Delay).
		WithSuccessThreshold(1).
		HandleIf(func(resp *http.Response, err error) bool {
			return err != nil || (resp != nil && resp.StatusCode >= 500)
		}).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			log.Warn("circuit breaker state change",
				logx.String("source", cfg.Key),
				logx.String("from", stateName(e.OldState)),
				logx.String("to", stateName(e.NewState)),
			)
		}).
		Build()
	return s, nil
}

func (s *Source) Key() string  { return s.cfg.Key }
func (s *Source) Name() string { return s.cfg.Name }

// BreakerState reports the circuit breaker state ("closed", "open", "half-open").
func (s *Source) BreakerState() string { return stateName(s.breaker.State()) }

func stateName(st circuitbreaker.State) string {
	switch st {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}

type record struct {
	SysID            string          `json:"sys_id"`
	Number           string          `json:"number"`
	ShortDescription string          `json:"short_description"`
	AssignedTo       json.RawMessage `json:"assigned_to"`
	SysCreatedOn     string          `json:"sys_created_on"`
}

type tableResponse struct {
	Result []record `json:"result"`
}

// Fetch returns the newest Limit records in the order the API sent them.
func (s *Source) Fetch(ctx context.Context) ([]item.Item, error) {
	endpoint, err := s.endpoint()
	if err != nil {
		return nil, &item.FetchError{Source: s.cfg.Key, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &item.FetchError{Source: s.cfg.Key, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	switch {
	case s.cfg.Token != "":
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	case s.cfg.Username != "":
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}

	resp, err := failsafe.With(s.breaker).WithContext(ctx).Get(func() (*http.Response, error) {
		return s.client.Do(req)
	})
	if err != nil {
		return nil, &item.FetchError{Source: s.cfg.Key, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &item.FetchError{Source: s.cfg.Key, Status: resp.StatusCode}
	}

	var body tableResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &item.ParseError{Source: s.cfg.Key, Err: err}
	}

	out := make([]item.Item, 0, len(body.Result))
	for _, r := range body.Result {
		if r.SysID == "" {
			return nil, &item.ParseError{Source: s.cfg.Key, Err: errors.New("record without sys_id")}
		}
		it := item.Item{
			ID:       r.SysID,
			Title:    r.ShortDescription,
			Assignee: displayValue(r.AssignedTo),
			URL:      s.recordURL(r.SysID),
		}
		if t, err := time.ParseInLocation(createdLayout, r.SysCreatedOn, time.UTC); err == nil {
			it.CreatedAt = t
		}
		out = append(out, it)
	}
	return out, nil
}

func (s *Source) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("sysparm_limit", strconv.Itoa(s.cfg.Limit))
	if q.Get("sysparm_display_value") == "" {
		q.Set("sysparm_display_value", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// recordURL links to the record form: /api/now/table/<table> maps to /<table>.do.
func (s *Source) recordURL(sysID string) string {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	table := parts[len(parts)-1]
	if table == "" {
		return ""
	}
	return (&url.URL{
		Scheme:   u.Scheme,
		Host:     u.Host,
		Path:     "/" + table + ".do",
		RawQuery: url.Values{"sys_id": {sysID}}.Encode(),
	}).String()
}

// displayValue accepts a plain string or a reference object
// ({"display_value": ..., "value": ..., "link": ...}).
func displayValue(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var ref struct {
		DisplayValue string `json:"display_value"`
		Value        string `json:"value"`
	}
	if err := json.Unmarshal(raw, &ref); err == nil {
		if ref.DisplayValue != "" {
			return ref.DisplayValue
		}
		return ref.Value
	}
	return ""
}
