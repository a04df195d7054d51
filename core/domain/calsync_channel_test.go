package domain

import (
	"testing"
	"time"
)

func TestWatchChannelNeedsRenewal(t *testing.T) {
	tests := []struct {
		name       string
		expiration time.Time
		want       bool
	}{
		{"expires in 48h", time.Now().Add(48 * time.Hour), false},
		{"expires in 12h", time.Now().Add(12 * time.Hour), true},
		{"already expired", time.Now().Add(-1 * time.Hour), true},
		{"expires right at lead boundary", time.Now().Add(RenewalLead - time.Minute), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &WatchChannel{Expiration: tt.expiration}
			if got := ch.NeedsRenewal(); got != tt.want {
				t.Errorf("NeedsRenewal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWatchChannelIsActive(t *testing.T) {
	ch := &WatchChannel{Expiration: time.Now().Add(time.Hour)}
	if !ch.IsActive() {
		t.Error("expected unexpired non-superseded channel to be active")
	}

	ch.Superseded = true
	if ch.IsActive() {
		t.Error("expected superseded channel to be inactive")
	}

	ch.Superseded = false
	ch.Expiration = time.Now().Add(-time.Hour)
	if ch.IsActive() {
		t.Error("expected expired channel to be inactive")
	}
}

func TestParseClientType(t *testing.T) {
	for _, valid := range []string{"web", "mobile", "service"} {
		if _, err := ParseClientType(valid); err != nil {
			t.Errorf("ParseClientType(%q) returned error: %v", valid, err)
		}
	}

	for _, invalid := range []string{"", "desktop", "WEB"} {
		if _, err := ParseClientType(invalid); err == nil {
			t.Errorf("ParseClientType(%q) expected error, got nil", invalid)
		}
	}
}

func TestIntegrationSyncable(t *testing.T) {
	i := &CalendarIntegration{Enabled: true, SyncEnabled: true}
	if !i.Syncable() {
		t.Error("expected enabled integration to be syncable")
	}

	i.SyncEnabled = false
	if i.Syncable() {
		t.Error("expected sync-disabled integration to not be syncable")
	}

	i.SyncEnabled = true
	i.Enabled = false
	if i.Syncable() {
		t.Error("expected disabled integration to not be syncable")
	}
}

func TestIntegrationMidResync(t *testing.T) {
	i := &CalendarIntegration{}
	if i.MidResync() {
		t.Error("expected no mid-flight resync without page token")
	}
	i.PageToken = "page-2"
	if !i.MidResync() {
		t.Error("expected mid-flight resync with page token")
	}
}
