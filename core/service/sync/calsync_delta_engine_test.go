package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"calsync_server/core/domain"
	"calsync_server/core/port/out"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// =============================================================================
// Fakes
// =============================================================================

type cursorWrite struct {
	syncToken string
	pageToken string
}

type fakeIntegrationRepo struct {
	integration *domain.CalendarIntegration

	cursorWrites    []cursorWrite
	syncEnabledSets []bool
	enabledSets     []bool
	lastReason      string
	updated         bool
}

func (f *fakeIntegrationRepo) GetByID(ctx context.Context, id int64) (*domain.CalendarIntegration, error) {
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
	f.updated = true
	return nil
}

func (f *fakeIntegrationRepo) UpdateCursor(ctx context.Context, id int64, syncToken, pageToken string) error {
	f.cursorWrites = append(f.cursorWrites, cursorWrite{syncToken, pageToken})
	return nil
}

func (f *fakeIntegrationRepo) UpdateColors(ctx context.Context, id int64, colors domain.ColorPalette) error {
	return nil
}

func (f *fakeIntegrationRepo) SetSyncEnabled(ctx context.Context, id int64, enabled bool, reason string) error {
	f.syncEnabledSets = append(f.syncEnabledSets, enabled)
	f.lastReason = reason
	return nil
}

func (f *fakeIntegrationRepo) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	f.enabledSets = append(f.enabledSets, enabled)
	return nil
}

func (f *fakeIntegrationRepo) Delete(ctx context.Context, id int64) error { return nil }

type fakeEventRepo struct {
	events  map[string]*domain.CalendarEvent
	upserts int
	deletes int
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{events: map[string]*domain.CalendarEvent{}}
}

func (f *fakeEventRepo) Upsert(ctx context.Context, event *domain.CalendarEvent) error {
	f.upserts++
	if existing, ok := f.events[event.ProviderID]; ok && existing.Revision > event.Revision {
		return nil
	}
	f.events[event.ProviderID] = event
	return nil
}

func (f *fakeEventRepo) DeleteByProviderID(ctx context.Context, integrationID int64, providerID string) error {
	f.deletes++
	delete(f.events, providerID)
	return nil
}

func (f *fakeEventRepo) GetByProviderID(ctx context.Context, integrationID int64, providerID string) (*domain.CalendarEvent, error) {
	return f.events[providerID], nil
}

func (f *fakeEventRepo) ListByIntegrationID(ctx context.Context, integrationID int64) ([]*domain.CalendarEvent, error) {
	var result []*domain.CalendarEvent
	for _, e := range f.events {
		result = append(result, e)
	}
	return result, nil
}

func (f *fakeEventRepo) DeleteByIntegrationID(ctx context.Context, integrationID int64) (int64, error) {
	n := int64(len(f.events))
	f.events = map[string]*domain.CalendarEvent{}
	return n, nil
}

// deltaResponse scripts one ListDelta reply.
type deltaResponse struct {
	page *out.DeltaPage
	err  error
}

type fakeProvider struct {
	responses []deltaResponse
	queries   []*out.DeltaQuery
}

func (f *fakeProvider) CreateWatch(ctx context.Context, token *oauth2.Token, req *out.WatchRequest) (*out.WatchResult, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) StopWatch(ctx context.Context, token *oauth2.Token, channelID, resourceID string) error {
	return nil
}

func (f *fakeProvider) ListDelta(ctx context.Context, token *oauth2.Token, q *out.DeltaQuery) (*out.DeltaPage, error) {
	f.queries = append(f.queries, q)
	if len(f.responses) == 0 {
		return &out.DeltaPage{}, nil
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r.page, r.err
}

func (f *fakeProvider) GetColors(ctx context.Context, token *oauth2.Token) (domain.ColorPalette, error) {
	return nil, errors.New("colors unavailable")
}

type fakeChannelRepo struct{}

func (f *fakeChannelRepo) Create(ctx context.Context, ch *domain.WatchChannel) error { return nil }
func (f *fakeChannelRepo) GetByChannelID(ctx context.Context, channelID string) (*domain.WatchChannel, error) {
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

type fakeRemover struct{}

func (f *fakeRemover) DeleteChannel(ctx context.Context, ch *domain.WatchChannel) error { return nil }

type fakeCredentials struct {
	err error
}

func (f *fakeCredentials) ResolveToken(ctx context.Context, userID uuid.UUID, calendarID string, clientType domain.ClientType) (*oauth2.Token, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &oauth2.Token{AccessToken: "test-token"}, nil
}

// =============================================================================
// Helpers
// =============================================================================

func newTestEngine(repo *fakeIntegrationRepo, events *fakeEventRepo, provider *fakeProvider, creds *fakeCredentials, maxPages int) *Engine {
	state := NewStateController(repo, &fakeChannelRepo{}, &fakeRemover{})
	return NewEngine(repo, events, provider, creds, state, maxPages, 250)
}

func testIntegration() *domain.CalendarIntegration {
	return &domain.CalendarIntegration{
		ID:          1,
		UserID:      uuid.New(),
		CalendarID:  "cal-1",
		ClientType:  domain.ClientTypeWeb,
		Enabled:     true,
		SyncEnabled: true,
		SyncToken:   "tok-1",
	}
}

func pageWithEvents(ids []string, nextPage, nextSync string) *out.DeltaPage {
	page := &out.DeltaPage{NextPageToken: nextPage, NextSyncToken: nextSync}
	for _, id := range ids {
		page.Events = append(page.Events, &out.ProviderEvent{
			ID:        id,
			Title:     "event " + id,
			StartTime: time.Now(),
			EndTime:   time.Now().Add(time.Hour),
			Status:    "confirmed",
			Revision:  100,
		})
	}
	return page
}

func providerErr(code string) error {
	return &out.ProviderError{Code: code, Message: code}
}

// =============================================================================
// Tests
// =============================================================================

func TestSyncSinglePage(t *testing.T) {
	repo := &fakeIntegrationRepo{integration: testIntegration()}
	events := newFakeEventRepo()
	provider := &fakeProvider{responses: []deltaResponse{
		{page: pageWithEvents([]string{"a", "b"}, "", "tok-2")},
	}}
	engine := newTestEngine(repo, events, provider, &fakeCredentials{}, 10)

	result, err := engine.Sync(context.Background(), repo.integration)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Outcome != OutcomeApplied {
		t.Errorf("outcome = %s, want %s", result.Outcome, OutcomeApplied)
	}
	if result.Applied != 2 || result.Pages != 1 || result.More {
		t.Errorf("unexpected result: %+v", result)
	}

	// Final page advances the sync token and clears the page cursor in one
	// write.
	if len(repo.cursorWrites) != 1 {
		t.Fatalf("expected 1 cursor write, got %d", len(repo.cursorWrites))
	}
	if w := repo.cursorWrites[0]; w.syncToken != "tok-2" || w.pageToken != "" {
		t.Errorf("cursor write = %+v, want {tok-2 }", w)
	}
	if !repo.updated {
		t.Error("expected sync completion to be recorded")
	}
}

func TestSyncReplayIsIdempotent(t *testing.T) {
	repo := &fakeIntegrationRepo{integration: testIntegration()}
	events := newFakeEventRepo()
	page := pageWithEvents([]string{"a", "b"}, "", "tok-2")
	provider := &fakeProvider{responses: []deltaResponse{{page: page}, {page: page}}}
	engine := newTestEngine(repo, events, provider, &fakeCredentials{}, 10)

	if _, err := engine.Sync(context.Background(), repo.integration); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if _, err := engine.Sync(context.Background(), repo.integration); err != nil {
		t.Fatalf("replayed sync failed: %v", err)
	}

	if len(events.events) != 2 {
		t.Errorf("expected 2 stored events after replay, got %d", len(events.events))
	}
}

func TestSyncPaginationPersistsPageCursor(t *testing.T) {
	repo := &fakeIntegrationRepo{integration: testIntegration()}
	events := newFakeEventRepo()
	provider := &fakeProvider{responses: []deltaResponse{
		{page: pageWithEvents([]string{"a"}, "page-2", "")},
		{page: pageWithEvents([]string{"b"}, "page-3", "")},
		{page: pageWithEvents([]string{"c"}, "", "tok-2")},
	}}
	engine := newTestEngine(repo, events, provider, &fakeCredentials{}, 10)

	result, err := engine.Sync(context.Background(), repo.integration)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Pages != 3 || result.Applied != 3 || result.More {
		t.Errorf("unexpected result: %+v", result)
	}

	// Two mid-flight writes carrying the page cursor, then the final write.
	want := []cursorWrite{
		{"tok-1", "page-2"},
		{"tok-1", "page-3"},
		{"tok-2", ""},
	}
	if len(repo.cursorWrites) != len(want) {
		t.Fatalf("cursor writes = %+v, want %+v", repo.cursorWrites, want)
	}
	for i := range want {
		if repo.cursorWrites[i] != want[i] {
			t.Errorf("cursor write %d = %+v, want %+v", i, repo.cursorWrites[i], want[i])
		}
	}

	// Later pages must carry the page token forward.
	if provider.queries[1].PageToken != "page-2" || provider.queries[2].PageToken != "page-3" {
		t.Errorf("page tokens not forwarded: %+v, %+v", provider.queries[1], provider.queries[2])
	}
}

func TestSyncPageBudgetExhausted(t *testing.T) {
	repo := &fakeIntegrationRepo{integration: testIntegration()}
	events := newFakeEventRepo()
	provider := &fakeProvider{responses: []deltaResponse{
		{page: pageWithEvents([]string{"a"}, "page-2", "")},
		{page: pageWithEvents([]string{"b"}, "page-3", "")},
	}}
	engine := newTestEngine(repo, events, provider, &fakeCredentials{}, 2)

	result, err := engine.Sync(context.Background(), repo.integration)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !result.More {
		t.Error("expected More when the page budget runs out mid-pass")
	}
	if result.Pages != 2 {
		t.Errorf("pages = %d, want 2", result.Pages)
	}
	if repo.integration.PageToken != "page-3" {
		t.Errorf("expected page cursor page-3 left for resumption, got %q", repo.integration.PageToken)
	}
	if repo.integration.SyncToken != "tok-1" {
		t.Errorf("sync token must not advance mid-pass, got %q", repo.integration.SyncToken)
	}
}

func TestSyncRequiredFallsBackToBaseline(t *testing.T) {
	repo := &fakeIntegrationRepo{integration: testIntegration()}
	events := newFakeEventRepo()
	provider := &fakeProvider{responses: []deltaResponse{
		{err: providerErr(out.ProviderErrSyncRequired)},
		{page: pageWithEvents([]string{"a"}, "", "tok-fresh")},
	}}
	engine := newTestEngine(repo, events, provider, &fakeCredentials{}, 10)

	result, err := engine.Sync(context.Background(), repo.integration)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Outcome != OutcomeApplied {
		t.Errorf("outcome = %s, want %s", result.Outcome, OutcomeApplied)
	}

	// Cursor invalidation is protocol, not a fault: both cursors cleared,
	// the pass restarted as a baseline, and sync stayed enabled.
	if len(repo.cursorWrites) < 2 {
		t.Fatalf("cursor writes = %+v", repo.cursorWrites)
	}
	if w := repo.cursorWrites[0]; w.syncToken != "" || w.pageToken != "" {
		t.Errorf("first write after invalidation = %+v, want cleared cursors", w)
	}
	if q := provider.queries[1]; q.SyncToken != "" || q.PageToken != "" {
		t.Errorf("fallback query still carries cursors: %+v", q)
	}
	if len(repo.syncEnabledSets) != 0 {
		t.Errorf("sync enablement must not change on cursor invalidation: %v", repo.syncEnabledSets)
	}
	if repo.integration.SyncToken != "tok-fresh" {
		t.Errorf("sync token = %q, want tok-fresh", repo.integration.SyncToken)
	}
}

func TestSyncRequiredTwiceFails(t *testing.T) {
	repo := &fakeIntegrationRepo{integration: testIntegration()}
	events := newFakeEventRepo()
	provider := &fakeProvider{responses: []deltaResponse{
		{err: providerErr(out.ProviderErrSyncRequired)},
		{err: providerErr(out.ProviderErrSyncRequired)},
	}}
	engine := newTestEngine(repo, events, provider, &fakeCredentials{}, 10)

	if _, err := engine.Sync(context.Background(), repo.integration); err == nil {
		t.Fatal("expected error when a baseline fetch itself demands a baseline")
	}
}

func TestSyncAuthRevokedDisables(t *testing.T) {
	repo := &fakeIntegrationRepo{integration: testIntegration()}
	events := newFakeEventRepo()
	provider := &fakeProvider{responses: []deltaResponse{
		{err: providerErr(out.ProviderErrAuthRevoked)},
	}}
	engine := newTestEngine(repo, events, provider, &fakeCredentials{}, 10)

	result, err := engine.Sync(context.Background(), repo.integration)
	if err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if result.Outcome != OutcomeDisabled || result.Reason != domain.DisableReasonNeedsReauth {
		t.Errorf("unexpected result: %+v", result)
	}
	if len(repo.syncEnabledSets) != 1 || repo.syncEnabledSets[0] {
		t.Errorf("expected one SetSyncEnabled(false), got %v", repo.syncEnabledSets)
	}
	if repo.lastReason != string(domain.DisableReasonNeedsReauth) {
		t.Errorf("reason = %q, want %q", repo.lastReason, domain.DisableReasonNeedsReauth)
	}
	if repo.updated {
		t.Error("disabled pass must not record a sync completion")
	}
}

func TestSyncAuthRevokedFromCredentials(t *testing.T) {
	repo := &fakeIntegrationRepo{integration: testIntegration()}
	events := newFakeEventRepo()
	provider := &fakeProvider{}
	creds := &fakeCredentials{err: providerErr(out.ProviderErrAuthRevoked)}
	engine := newTestEngine(repo, events, provider, creds, 10)

	result, err := engine.Sync(context.Background(), repo.integration)
	if err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if result.Outcome != OutcomeDisabled {
		t.Errorf("outcome = %s, want %s", result.Outcome, OutcomeDisabled)
	}
	if len(provider.queries) != 0 {
		t.Error("no provider calls expected when credentials are revoked")
	}
}

func TestSyncCalendarDeletedUpstream(t *testing.T) {
	repo := &fakeIntegrationRepo{integration: testIntegration()}
	events := newFakeEventRepo()
	provider := &fakeProvider{responses: []deltaResponse{
		{err: providerErr(out.ProviderErrNotFound)},
	}}
	engine := newTestEngine(repo, events, provider, &fakeCredentials{}, 10)

	result, err := engine.Sync(context.Background(), repo.integration)
	if err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if result.Outcome != OutcomeDeleted {
		t.Errorf("outcome = %s, want %s", result.Outcome, OutcomeDeleted)
	}
	if len(repo.enabledSets) != 1 || repo.enabledSets[0] {
		t.Errorf("expected one SetEnabled(false), got %v", repo.enabledSets)
	}
}

func TestSyncDisabledIntegrationShortCircuits(t *testing.T) {
	integration := testIntegration()
	integration.Enabled = false
	repo := &fakeIntegrationRepo{integration: integration}
	events := newFakeEventRepo()
	provider := &fakeProvider{}
	engine := newTestEngine(repo, events, provider, &fakeCredentials{}, 10)

	result, err := engine.Sync(context.Background(), integration)
	if err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if result.Outcome != OutcomeDeleted {
		t.Errorf("outcome = %s, want %s", result.Outcome, OutcomeDeleted)
	}
	if len(provider.queries) != 0 {
		t.Error("no provider calls expected for a deleted integration")
	}
}

func TestSyncMissingClientTypeDisables(t *testing.T) {
	integration := testIntegration()
	integration.ClientType = ""
	repo := &fakeIntegrationRepo{integration: integration}
	events := newFakeEventRepo()
	provider := &fakeProvider{}
	engine := newTestEngine(repo, events, provider, &fakeCredentials{}, 10)

	result, err := engine.Sync(context.Background(), integration)
	if err == nil {
		t.Fatal("expected error for missing client type")
	}
	if result.Outcome != OutcomeDisabled || result.Reason != domain.DisableReasonConfig {
		t.Errorf("unexpected result: %+v", result)
	}
	if repo.lastReason != string(domain.DisableReasonConfig) {
		t.Errorf("reason = %q, want %q", repo.lastReason, domain.DisableReasonConfig)
	}
}

func TestSyncTransientErrorPropagates(t *testing.T) {
	repo := &fakeIntegrationRepo{integration: testIntegration()}
	events := newFakeEventRepo()
	provider := &fakeProvider{responses: []deltaResponse{
		{err: providerErr(out.ProviderErrTransient)},
	}}
	engine := newTestEngine(repo, events, provider, &fakeCredentials{}, 10)

	_, err := engine.Sync(context.Background(), repo.integration)
	if !out.IsProviderErr(err, out.ProviderErrTransient) {
		t.Fatalf("expected transient provider error, got %v", err)
	}
	if len(repo.syncEnabledSets) != 0 {
		t.Error("transient failure must not change sync enablement")
	}
	if repo.updated {
		t.Error("failed pass must not record a sync completion")
	}
}

func TestSyncDeletedEventsApplied(t *testing.T) {
	repo := &fakeIntegrationRepo{integration: testIntegration()}
	events := newFakeEventRepo()
	events.events["gone"] = &domain.CalendarEvent{ProviderID: "gone"}
	provider := &fakeProvider{responses: []deltaResponse{
		{page: &out.DeltaPage{DeletedIDs: []string{"gone", "never-seen"}, NextSyncToken: "tok-2"}},
	}}
	engine := newTestEngine(repo, events, provider, &fakeCredentials{}, 10)

	result, err := engine.Sync(context.Background(), repo.integration)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Applied != 2 {
		t.Errorf("applied = %d, want 2 (deleting an absent event is a no-op)", result.Applied)
	}
	if _, ok := events.events["gone"]; ok {
		t.Error("expected event to be removed")
	}
}
