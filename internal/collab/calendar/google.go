// Package calendar talks to the Google Calendar v3 REST API.
package calendar

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"planbot/internal/collab"
	"planbot/internal/model"
	"planbot/pkg/logx"
)

const (
	defaultBaseURL = "https://www.googleapis.com/calendar/v3"
	// taskProperty marks events written by the planner so they are not read
	// back as fixed commitments.
	taskProperty = "planbot_task"
)

type Config struct {
	Token      string
	CalendarID string
	BaseURL    string
	TimeZone   string
	Timeout    time.Duration
}

type Client struct {
	cfg Config
	api collab.JSONClient
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	token := cfg.Token
	return &Client{
		cfg: cfg,
		log: log.With(logx.String("comp", "calendar")),
		api: collab.JSONClient{
			Service:  "calendar",
			BaseURL:  cfg.BaseURL,
			HTTP:     &http.Client{Timeout: timeout},
			Decorate: func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+token) },
		},
	}
}

type eventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type event struct {
	ID                 string    `json:"id,omitempty"`
	Summary            string    `json:"summary,omitempty"`
	Description        string    `json:"description,omitempty"`
	Location           string    `json:"location,omitempty"`
	Status             string    `json:"status,omitempty"`
	Transparency       string    `json:"transparency,omitempty"`
	Start              eventTime `json:"start"`
	End                eventTime `json:"end"`
	ExtendedProperties *struct {
		Private map[string]string `json:"private,omitempty"`
	} `json:"extendedProperties,omitempty"`
}

type listResp struct {
	Items         []event `json:"items"`
	NextPageToken string  `json:"nextPageToken"`
}

func (c *Client) calendarPath() string {
	return "/calendars/" + url.PathEscape(c.cfg.CalendarID) + "/events"
}

func (c *Client) ready() error {
	if strings.TrimSpace(c.cfg.Token) == "" {
		return fmt.Errorf("calendar: token not set: %w", collab.ErrUnavailable)
	}
	return nil
}

// ListEvents returns timed, opaque events in w. All-day, cancelled and free
// events are skipped, as are events this planner wrote itself.
func (c *Client) ListEvents(ctx context.Context, w model.Window) ([]model.TimeSlot, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("timeMin", w.Start.Format(time.RFC3339))
	q.Set("timeMax", w.End.Format(time.RFC3339))
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")
	q.Set("maxResults", "250")

	var out []model.TimeSlot
	for page := 0; page < 20; page++ {
		var resp listResp
		if err := c.api.Do(ctx, "list", http.MethodGet, c.calendarPath(), q, nil, &resp); err != nil {
			return nil, err
		}
		for _, ev := range resp.Items {
			slot, ok := toSlot(ev)
			if !ok {
				continue
			}
			out = append(out, slot)
		}
		if resp.NextPageToken == "" {
			break
		}
		q.Set("pageToken", resp.NextPageToken)
	}
	return out, nil
}

func toSlot(ev event) (model.TimeSlot, bool) {
	if ev.Status == "cancelled" || ev.Transparency == "transparent" {
		return model.TimeSlot{}, false
	}
	if ev.ExtendedProperties != nil && ev.ExtendedProperties.Private[taskProperty] != "" {
		return model.TimeSlot{}, false
	}
	if ev.Start.DateTime == "" || ev.End.DateTime == "" {
		return model.TimeSlot{}, false
	}
	start, err1 := time.Parse(time.RFC3339, ev.Start.DateTime)
	end, err2 := time.Parse(time.RFC3339, ev.End.DateTime)
	if err1 != nil || err2 != nil || !start.Before(end) {
		return model.TimeSlot{}, false
	}
	id := ev.ID
	if ev.Summary != "" {
		id = ev.Summary + " (" + ev.ID + ")"
	}
	return model.TimeSlot{Start: start, End: end, TaskID: id, Title: ev.Summary, Location: ev.Location}, true
}

// EventIDFor derives the calendar event ID for a task. Google accepts
// base32hex characters; lowercase hex is a subset.
func EventIDFor(taskID string) string {
	sum := sha1.Sum([]byte(taskID))
	return "pb" + hex.EncodeToString(sum[:])
}

// UpsertEvent writes the task's event at slot. The event ID depends only on
// the task, so a re-planned task moves its event instead of duplicating it.
func (c *Client) UpsertEvent(ctx context.Context, slot model.TimeSlot) (collab.EventID, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	id := EventIDFor(slot.TaskID)
	summary := strings.TrimSpace(slot.Title)
	if summary == "" {
		summary = slot.TaskID
	}
	ev := event{
		ID:       id,
		Summary:  summary,
		Location: slot.Location,
		Start:    eventTime{DateTime: slot.Start.Format(time.RFC3339), TimeZone: c.cfg.TimeZone},
		End:      eventTime{DateTime: slot.End.Format(time.RFC3339), TimeZone: c.cfg.TimeZone},
		ExtendedProperties: &struct {
			Private map[string]string `json:"private,omitempty"`
		}{Private: map[string]string{taskProperty: slot.TaskID, "planbot_slot": slot.Key()}},
	}

	err := c.api.Do(ctx, "update", http.MethodPut, c.calendarPath()+"/"+url.PathEscape(id), nil, ev, nil)
	if err == nil {
		return collab.EventID(id), nil
	}
	if !errors.Is(err, collab.ErrNotFound) {
		return "", err
	}
	c.log.Debug("event missing, creating", logx.String("event", id))
	if err := c.api.Do(ctx, "insert", http.MethodPost, c.calendarPath(), nil, ev, nil); err != nil {
		return "", err
	}
	return collab.EventID(id), nil
}
