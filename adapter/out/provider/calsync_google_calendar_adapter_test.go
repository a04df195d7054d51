package provider

import (
	"errors"
	"fmt"
	"testing"

	"calsync_server/core/port/out"

	"google.golang.org/api/googleapi"
)

func TestDefaultClassifier(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "410 gone",
			err:  &googleapi.Error{Code: 410, Message: "Gone"},
			want: out.ProviderErrSyncRequired,
		},
		{
			name: "fullSyncRequired reason without 410",
			err: &googleapi.Error{Code: 400, Errors: []googleapi.ErrorItem{
				{Reason: "fullSyncRequired"},
			}},
			want: out.ProviderErrSyncRequired,
		},
		{
			name: "401 unauthorized",
			err:  &googleapi.Error{Code: 401, Message: "Invalid Credentials"},
			want: out.ProviderErrAuthRevoked,
		},
		{
			name: "403 forbidden",
			err:  &googleapi.Error{Code: 403, Message: "Forbidden"},
			want: out.ProviderErrAuthRevoked,
		},
		{
			name: "403 rate limit by message",
			err:  &googleapi.Error{Code: 403, Message: "Rate Limit Exceeded"},
			want: out.ProviderErrTransient,
		},
		{
			name: "403 rate limit by reason",
			err: &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{
				{Reason: "rateLimitExceeded"},
			}},
			want: out.ProviderErrTransient,
		},
		{
			name: "404 not found",
			err:  &googleapi.Error{Code: 404, Message: "Not Found"},
			want: out.ProviderErrNotFound,
		},
		{
			name: "429 too many requests",
			err:  &googleapi.Error{Code: 429},
			want: out.ProviderErrTransient,
		},
		{
			name: "503 unavailable",
			err:  &googleapi.Error{Code: 503},
			want: out.ProviderErrTransient,
		},
		{
			name: "wrapped api error",
			err:  fmt.Errorf("list events: %w", &googleapi.Error{Code: 401}),
			want: out.ProviderErrAuthRevoked,
		},
		{
			name: "non-api error",
			err:  errors.New("connection refused"),
			want: "",
		},
		{
			name: "unclassified api error",
			err:  &googleapi.Error{Code: 400, Message: "Bad Request"},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultClassifier(tt.err); got != tt.want {
				t.Errorf("DefaultClassifier() = %q, want %q", got, tt.want)
			}
		})
	}
}
