// Package provider implements outbound adapters for the Google Calendar
// API and OAuth credential resolution.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"calsync_server/core/domain"
	"calsync_server/core/port/out"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// ErrorClassifier maps a raw provider error to a classified code, or ""
// when the error should pass through unclassified. Injectable so the
// cursor-invalidation signal can be tuned without touching the adapter.
type ErrorClassifier func(err error) string

// DefaultClassifier implements the Google Calendar API conventions:
// 410 (or an explicit fullSyncRequired reason) means the sync token can no
// longer be resumed from, 401/403 mean our grant is gone, and 5xx/429 are
// retriable.
func DefaultClassifier(err error) string {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return ""
	}
	switch apiErr.Code {
	case 410:
		return out.ProviderErrSyncRequired
	case 401:
		return out.ProviderErrAuthRevoked
	case 403:
		if strings.Contains(apiErr.Message, "Rate Limit") || hasReason(apiErr, "rateLimitExceeded") {
			return out.ProviderErrTransient
		}
		return out.ProviderErrAuthRevoked
	case 404:
		return out.ProviderErrNotFound
	case 429, 500, 502, 503:
		return out.ProviderErrTransient
	}
	if hasReason(apiErr, "fullSyncRequired") {
		return out.ProviderErrSyncRequired
	}
	return ""
}

func hasReason(apiErr *googleapi.Error, reason string) bool {
	for _, e := range apiErr.Errors {
		if e.Reason == reason {
			return true
		}
	}
	return false
}

// GoogleCalendarAdapter implements CalendarProviderPort for Google Calendar.
type GoogleCalendarAdapter struct {
	classify ErrorClassifier
	cb       *gobreaker.CircuitBreaker
}

// NewGoogleCalendarAdapter creates a new Google Calendar adapter.
func NewGoogleCalendarAdapter(classify ErrorClassifier) *GoogleCalendarAdapter {
	if classify == nil {
		classify = DefaultClassifier
	}

	cbSettings := gobreaker.Settings{
		Name:        "google-calendar-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	}

	return &GoogleCalendarAdapter{
		classify: classify,
		cb:       gobreaker.NewCircuitBreaker(cbSettings),
	}
}

// getService creates a Calendar service with token.
func (a *GoogleCalendarAdapter) getService(ctx context.Context, token *oauth2.Token) (*calendar.Service, error) {
	return calendar.NewService(ctx, option.WithTokenSource(
		oauth2.StaticTokenSource(token),
	))
}

// execute wraps an API call with circuit breaker protection. Classified
// client errors (auth, not-found, sync-required) never trip the breaker;
// only transient server-side failures do.
func (a *GoogleCalendarAdapter) execute(operation string, fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			code := a.classify(err)
			if code != "" && code != out.ProviderErrTransient {
				return nil, &nonCircuitError{err: err}
			}
			return nil, err
		}
		return nil, nil
	})

	if nce, ok := err.(*nonCircuitError); ok {
		return nce.err
	}

	if err != nil {
		log.Printf("[GoogleCalendarAdapter] circuit breaker error for %s: state=%s, err=%v",
			operation, a.cb.State().String(), err)
	}

	return err
}

// nonCircuitError wraps errors that should not trip the circuit breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

// wrapError converts a raw API error to a classified ProviderError.
func (a *GoogleCalendarAdapter) wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}
	if code := a.classify(err); code != "" {
		return &out.ProviderError{Code: code, Message: defaultMsg, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &out.ProviderError{Code: out.ProviderErrTransient, Message: defaultMsg, Err: err}
	}
	return fmt.Errorf("%s: %w", defaultMsg, err)
}

// =============================================================================
// Watch (Push Notifications)
// =============================================================================

// CreateWatch registers a push-notification channel for a calendar.
func (a *GoogleCalendarAdapter) CreateWatch(ctx context.Context, token *oauth2.Token, req *out.WatchRequest) (*out.WatchResult, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	channel := &calendar.Channel{
		Id:         req.ChannelID,
		Token:      req.Token,
		Type:       "web_hook",
		Address:    req.Address,
		Expiration: time.Now().Add(req.TTL).UnixMilli(),
	}

	var resp *calendar.Channel
	err = a.execute("events.watch", func() error {
		var callErr error
		resp, callErr = svc.Events.Watch(req.CalendarID, channel).Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to set up watch")
	}

	return &out.WatchResult{
		ResourceID:  resp.ResourceId,
		ResourceURI: resp.ResourceUri,
		Expiration:  time.UnixMilli(resp.Expiration),
	}, nil
}

// StopWatch stops push notifications for a channel.
func (a *GoogleCalendarAdapter) StopWatch(ctx context.Context, token *oauth2.Token, channelID, resourceID string) error {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to create calendar service: %w", err)
	}

	channel := &calendar.Channel{
		Id:         channelID,
		ResourceId: resourceID,
	}

	err = a.execute("channels.stop", func() error {
		return svc.Channels.Stop(channel).Context(ctx).Do()
	})
	if err != nil {
		return a.wrapError(err, "failed to stop watch")
	}

	return nil
}

// =============================================================================
// Delta Listing
// =============================================================================

// ListDelta fetches one page of changes. A sync token and page token are
// mutually exclusive on the wire; when a page token is present it already
// encodes the sync position.
func (a *GoogleCalendarAdapter) ListDelta(ctx context.Context, token *oauth2.Token, q *out.DeltaQuery) (*out.DeltaPage, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	calendarID := q.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}

	req := svc.Events.List(calendarID).Context(ctx)
	switch {
	case q.PageToken != "":
		req = req.PageToken(q.PageToken)
		if q.SyncToken != "" {
			req = req.SyncToken(q.SyncToken)
		}
	case q.SyncToken != "":
		req = req.SyncToken(q.SyncToken)
	default:
		// Full baseline fetch.
		req = req.SingleEvents(true).
			TimeMin(time.Now().AddDate(0, 0, -30).Format(time.RFC3339)).
			TimeMax(time.Now().AddDate(0, 0, 90).Format(time.RFC3339))
	}
	if q.MaxResults > 0 {
		req = req.MaxResults(int64(q.MaxResults))
	}

	var resp *calendar.Events
	err = a.execute("events.list", func() error {
		var callErr error
		resp, callErr = req.Do()
		return callErr
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to list events")
	}

	page := &out.DeltaPage{
		Events:        make([]*out.ProviderEvent, 0, len(resp.Items)),
		DeletedIDs:    make([]string, 0),
		NextPageToken: resp.NextPageToken,
		NextSyncToken: resp.NextSyncToken,
	}

	for _, item := range resp.Items {
		if item.Status == "cancelled" {
			page.DeletedIDs = append(page.DeletedIDs, item.Id)
			continue
		}
		page.Events = append(page.Events, convertEvent(item))
	}

	return page, nil
}

// GetColors fetches the provider's event color palette.
func (a *GoogleCalendarAdapter) GetColors(ctx context.Context, token *oauth2.Token) (domain.ColorPalette, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	var resp *calendar.Colors
	err = a.execute("colors.get", func() error {
		var callErr error
		resp, callErr = svc.Colors.Get().Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to get colors")
	}

	palette := make(domain.ColorPalette, len(resp.Event))
	for id, def := range resp.Event {
		palette[id] = domain.ColorDefinition{
			Background: def.Background,
			Foreground: def.Foreground,
		}
	}

	return palette, nil
}

// =============================================================================
// Helper Functions
// =============================================================================

func convertEvent(event *calendar.Event) *out.ProviderEvent {
	result := &out.ProviderEvent{
		ID:          event.Id,
		Title:       event.Summary,
		Description: event.Description,
		Location:    event.Location,
		Status:      event.Status,
		ColorID:     event.ColorId,
	}

	// Parse times
	if event.Start != nil {
		if event.Start.DateTime != "" {
			t, _ := time.Parse(time.RFC3339, event.Start.DateTime)
			result.StartTime = t
			result.Timezone = event.Start.TimeZone
		} else if event.Start.Date != "" {
			t, _ := time.Parse("2006-01-02", event.Start.Date)
			result.StartTime = t
			result.IsAllDay = true
		}
	}

	if event.End != nil {
		if event.End.DateTime != "" {
			t, _ := time.Parse(time.RFC3339, event.End.DateTime)
			result.EndTime = t
		} else if event.End.Date != "" {
			t, _ := time.Parse("2006-01-02", event.End.Date)
			result.EndTime = t
		}
	}

	if event.Organizer != nil {
		result.OrganizerEmail = event.Organizer.Email
	}

	if len(event.Attendees) > 0 {
		result.Attendees = make([]string, 0, len(event.Attendees))
		for _, att := range event.Attendees {
			if att.Email != "" {
				result.Attendees = append(result.Attendees, att.Email)
			}
		}
	}

	// The item revision: Updated is RFC3339 with millisecond precision.
	if event.Updated != "" {
		if t, err := time.Parse(time.RFC3339, event.Updated); err == nil {
			result.Revision = t.UnixMilli()
		}
	}

	return result
}

// Ensure interface compliance
var _ out.CalendarProviderPort = (*GoogleCalendarAdapter)(nil)
