package http

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"calsync_server/core/domain"
	"calsync_server/core/port/out"
	"calsync_server/core/service/sync"
	"calsync_server/pkg/apperr"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeChannelRepo struct {
	channel *domain.WatchChannel
}

func (f *fakeChannelRepo) Create(ctx context.Context, ch *domain.WatchChannel) error { return nil }

func (f *fakeChannelRepo) GetByChannelID(ctx context.Context, channelID string) (*domain.WatchChannel, error) {
	if f.channel != nil && f.channel.ChannelID == channelID {
		return f.channel, nil
	}
	return nil, nil
}

func (f *fakeChannelRepo) GetActiveByCalendarID(ctx context.Context, calendarID string) (*domain.WatchChannel, error) {
	return nil, nil
}

func (f *fakeChannelRepo) ListByIntegrationID(ctx context.Context, integrationID int64) ([]*domain.WatchChannel, error) {
	return nil, nil
}

func (f *fakeChannelRepo) ListByUserID(ctx context.Context, userID uuid.UUID) ([]*domain.WatchChannel, error) {
	return nil, nil
}

func (f *fakeChannelRepo) ListExpiring(ctx context.Context, before time.Time) ([]*domain.WatchChannel, error) {
	return nil, nil
}

func (f *fakeChannelRepo) Supersede(ctx context.Context, id int64) error { return nil }
func (f *fakeChannelRepo) Delete(ctx context.Context, id int64) error    { return nil }
func (f *fakeChannelRepo) DeleteSuperseded(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

type fakeIntegrationRepo struct {
	integration *domain.CalendarIntegration
}

func (f *fakeIntegrationRepo) GetByID(ctx context.Context, id int64) (*domain.CalendarIntegration, error) {
	if f.integration == nil {
		return nil, apperr.NotFound("calendar integration")
	}
	return f.integration, nil
}

func (f *fakeIntegrationRepo) GetByCalendarID(ctx context.Context, userID uuid.UUID, calendarID string) (*domain.CalendarIntegration, error) {
	return f.integration, nil
}

func (f *fakeIntegrationRepo) ListByUserID(ctx context.Context, userID uuid.UUID) ([]*domain.CalendarIntegration, error) {
	return nil, nil
}

func (f *fakeIntegrationRepo) Create(ctx context.Context, i *domain.CalendarIntegration) error {
	return nil
}
func (f *fakeIntegrationRepo) Update(ctx context.Context, i *domain.CalendarIntegration) error {
	return nil
}
func (f *fakeIntegrationRepo) UpdateCursor(ctx context.Context, id int64, syncToken, pageToken string) error {
	return nil
}
func (f *fakeIntegrationRepo) UpdateColors(ctx context.Context, id int64, colors domain.ColorPalette) error {
	return nil
}
func (f *fakeIntegrationRepo) SetSyncEnabled(ctx context.Context, id int64, enabled bool, reason string) error {
	return nil
}
func (f *fakeIntegrationRepo) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	return nil
}
func (f *fakeIntegrationRepo) Delete(ctx context.Context, id int64) error { return nil }

type fakeEventRepo struct{}

func (f *fakeEventRepo) Upsert(ctx context.Context, event *domain.CalendarEvent) error { return nil }
func (f *fakeEventRepo) DeleteByProviderID(ctx context.Context, integrationID int64, providerID string) error {
	return nil
}
func (f *fakeEventRepo) GetByProviderID(ctx context.Context, integrationID int64, providerID string) (*domain.CalendarEvent, error) {
	return nil, nil
}
func (f *fakeEventRepo) ListByIntegrationID(ctx context.Context, integrationID int64) ([]*domain.CalendarEvent, error) {
	return nil, nil
}
func (f *fakeEventRepo) DeleteByIntegrationID(ctx context.Context, integrationID int64) (int64, error) {
	return 0, nil
}

type fakeProvider struct {
	listCalls int
	listErr   error
	page      *out.DeltaPage
}

func (f *fakeProvider) CreateWatch(ctx context.Context, token *oauth2.Token, req *out.WatchRequest) (*out.WatchResult, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) StopWatch(ctx context.Context, token *oauth2.Token, channelID, resourceID string) error {
	return nil
}

func (f *fakeProvider) ListDelta(ctx context.Context, token *oauth2.Token, q *out.DeltaQuery) (*out.DeltaPage, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.page != nil {
		return f.page, nil
	}
	return &out.DeltaPage{NextSyncToken: "tok-next"}, nil
}

func (f *fakeProvider) GetColors(ctx context.Context, token *oauth2.Token) (domain.ColorPalette, error) {
	return nil, errors.New("colors unavailable")
}

type fakeCredentials struct{}

func (f *fakeCredentials) ResolveToken(ctx context.Context, userID uuid.UUID, calendarID string, clientType domain.ClientType) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "test-token"}, nil
}

type fakeRemover struct{}

func (f *fakeRemover) DeleteChannel(ctx context.Context, ch *domain.WatchChannel) error { return nil }

type fakeProducer struct {
	published []*out.CalendarSyncJob
}

func (f *fakeProducer) PublishCalendarSync(ctx context.Context, job *out.CalendarSyncJob) error {
	f.published = append(f.published, job)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

type testFixture struct {
	app          *fiber.App
	channels     *fakeChannelRepo
	integrations *fakeIntegrationRepo
	provider     *fakeProvider
	producer     *fakeProducer
}

func newFixture(maxPages int) *testFixture {
	integration := &domain.CalendarIntegration{
		ID:          1,
		UserID:      uuid.New(),
		CalendarID:  "cal-1",
		ClientType:  domain.ClientTypeWeb,
		Enabled:     true,
		SyncEnabled: true,
	}
	channels := &fakeChannelRepo{channel: &domain.WatchChannel{
		ID:            7,
		ChannelID:     "channel-1",
		Token:         "secret-token",
		IntegrationID: 1,
		CalendarID:    "cal-1",
		Expiration:    time.Now().Add(24 * time.Hour),
	}}
	integrations := &fakeIntegrationRepo{integration: integration}
	provider := &fakeProvider{}
	producer := &fakeProducer{}

	state := sync.NewStateController(integrations, channels, &fakeRemover{})
	engine := sync.NewEngine(integrations, &fakeEventRepo{}, provider, &fakeCredentials{}, state, maxPages, 250)

	handler := NewNotificationHandler(channels, integrations, engine, producer, nil, 5*time.Second)

	app := fiber.New()
	handler.Register(app)

	return &testFixture{app: app, channels: channels, integrations: integrations, provider: provider, producer: producer}
}

func doNotify(t *testing.T, f *testFixture, headers map[string]string) int {
	t.Helper()
	req := httptest.NewRequest("POST", "/webhook/google-calendar", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

// =============================================================================
// Tests
// =============================================================================

func TestNotificationMissingChannelID(t *testing.T) {
	f := newFixture(10)
	status := doNotify(t, f, map[string]string{})
	if status != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", status, fiber.StatusBadRequest)
	}
}

func TestNotificationUnknownChannel(t *testing.T) {
	f := newFixture(10)
	status := doNotify(t, f, map[string]string{
		"X-Goog-Channel-ID":    "no-such-channel",
		"X-Goog-Channel-Token": "secret-token",
	})
	if status != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", status, fiber.StatusNotFound)
	}
	if f.provider.listCalls != 0 {
		t.Error("no provider calls expected for unknown channel")
	}
}

func TestNotificationTokenMismatch(t *testing.T) {
	f := newFixture(10)
	status := doNotify(t, f, map[string]string{
		"X-Goog-Channel-ID":    "channel-1",
		"X-Goog-Channel-Token": "wrong-token",
	})
	if status != fiber.StatusForbidden {
		t.Errorf("status = %d, want %d", status, fiber.StatusForbidden)
	}
	if f.provider.listCalls != 0 {
		t.Error("a rejected notification must not reach the provider")
	}
}

func TestNotificationEmptyTokenRejected(t *testing.T) {
	f := newFixture(10)
	status := doNotify(t, f, map[string]string{
		"X-Goog-Channel-ID": "channel-1",
	})
	if status != fiber.StatusForbidden {
		t.Errorf("status = %d, want %d", status, fiber.StatusForbidden)
	}
}

func TestNotificationHandshake(t *testing.T) {
	f := newFixture(10)
	status := doNotify(t, f, map[string]string{
		"X-Goog-Channel-ID":     "channel-1",
		"X-Goog-Channel-Token":  "secret-token",
		"X-Goog-Resource-State": "sync",
	})
	if status != fiber.StatusOK {
		t.Errorf("status = %d, want %d", status, fiber.StatusOK)
	}
	if f.provider.listCalls != 0 {
		t.Error("handshake must not trigger a sync")
	}
}

func TestNotificationTriggersSync(t *testing.T) {
	f := newFixture(10)
	status := doNotify(t, f, map[string]string{
		"X-Goog-Channel-ID":     "channel-1",
		"X-Goog-Channel-Token":  "secret-token",
		"X-Goog-Resource-State": "exists",
	})
	if status != fiber.StatusOK {
		t.Errorf("status = %d, want %d", status, fiber.StatusOK)
	}
	if f.provider.listCalls != 1 {
		t.Errorf("provider list calls = %d, want 1", f.provider.listCalls)
	}
}

func TestNotificationChannelWithoutIntegration(t *testing.T) {
	f := newFixture(10)
	f.integrations.integration = nil
	status := doNotify(t, f, map[string]string{
		"X-Goog-Channel-ID":     "channel-1",
		"X-Goog-Channel-Token":  "secret-token",
		"X-Goog-Resource-State": "exists",
	})
	if status != fiber.StatusOK {
		t.Errorf("status = %d, want %d (acknowledge, never invite retries)", status, fiber.StatusOK)
	}
	if f.provider.listCalls != 0 {
		t.Error("no provider calls expected when the integration is gone")
	}
}

func TestNotificationTransientFailure(t *testing.T) {
	f := newFixture(10)
	f.provider.listErr = &out.ProviderError{Code: out.ProviderErrTransient, Message: "upstream 503"}
	status := doNotify(t, f, map[string]string{
		"X-Goog-Channel-ID":     "channel-1",
		"X-Goog-Channel-Token":  "secret-token",
		"X-Goog-Resource-State": "exists",
	})
	if status != fiber.StatusBadGateway {
		t.Errorf("status = %d, want %d", status, fiber.StatusBadGateway)
	}
}

func TestNotificationQueuesRemainderAtPageBudget(t *testing.T) {
	f := newFixture(1)
	f.provider.page = &out.DeltaPage{NextPageToken: "page-2"}
	status := doNotify(t, f, map[string]string{
		"X-Goog-Channel-ID":     "channel-1",
		"X-Goog-Channel-Token":  "secret-token",
		"X-Goog-Resource-State": "exists",
	})
	if status != fiber.StatusOK {
		t.Errorf("status = %d, want %d", status, fiber.StatusOK)
	}
	if len(f.producer.published) != 1 {
		t.Errorf("expected 1 queued continuation job, got %d", len(f.producer.published))
	}
}
