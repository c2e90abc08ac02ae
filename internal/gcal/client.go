package gcal

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/theodi/learning-orchestrator-sub000/internal/mailer"
)

// Client reads the tutor-scheduling calendar. Only the next upcoming event is
// needed, to enrich notification emails with the next session date.
type Client struct {
	calendarID  string
	tokenSource oauth2.TokenSource
}

func NewClient(calendarID, accessToken string) *Client {
	return &Client{
		calendarID: calendarID,
		tokenSource: oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: accessToken,
			TokenType:   "Bearer",
		}),
	}
}

// NextSession returns the next upcoming calendar event, or (nil, nil) when
// nothing is scheduled.
func (c *Client) NextSession(ctx context.Context) (*mailer.Session, error) {
	svc, err := calendar.NewService(ctx, option.WithTokenSource(c.tokenSource))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	events, err := svc.Events.List(c.calendarID).
		TimeMin(time.Now().Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(1).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list calendar events: %w", err)
	}
	if len(events.Items) == 0 {
		return nil, nil
	}

	event := events.Items[0]
	start, err := parseEventStart(event.Start)
	if err != nil {
		return nil, err
	}
	return &mailer.Session{Summary: event.Summary, Start: start}, nil
}

func parseEventStart(start *calendar.EventDateTime) (time.Time, error) {
	if start == nil {
		return time.Time{}, fmt.Errorf("event has no start time")
	}
	if start.DateTime != "" {
		return time.Parse(time.RFC3339, start.DateTime)
	}
	// All-day events carry only a date.
	return time.Parse("2006-01-02", start.Date)
}
