package idempotency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitwithintent/gwi/core"
)

func TestKeyEncoding(t *testing.T) {
	tests := []struct {
		name    string
		build   func() (Key, error)
		want    string
		wantErr bool
	}{
		{
			name:  "github webhook delivery",
			build: func() (Key, error) { return GitHubKey("550e8400-e29b-41d4-a716-446655440000") },
			want:  "github:550e8400-e29b-41d4-a716-446655440000",
		},
		{
			name:    "github delivery id must be a UUID",
			build:   func() (Key, error) { return GitHubKey("not-a-uuid") },
			wantErr: true,
		},
		{
			name:  "api client request",
			build: func() (Key, error) { return APIKey("client-7", "req-123") },
			want:  "api:client-7:req-123",
		},
		{
			name:    "api request id empty",
			build:   func() (Key, error) { return APIKey("client-7", "") },
			wantErr: true,
		},
		{
			name:  "slack trigger",
			build: func() (Key, error) { return SlackKey("T042", "trig-9") },
			want:  "slack:T042:trig-9",
		},
		{
			name: "scheduler tick normalizes to UTC",
			build: func() (Key, error) {
				loc := time.FixedZone("EST", -5*3600)
				return SchedulerKey("daily-cleanup", time.Date(2024, 12, 18, 19, 0, 0, 0, loc))
			},
			want: "scheduler:daily-cleanup:2024-12-19T00:00:00Z",
		},
		{
			name:    "non-final field may not contain colon",
			build:   func() (Key, error) { return APIKey("client:7", "req-123") },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := tt.build()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, core.IsValidation(err), "expected validation error, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, key.String())
		})
	}
}

func TestKeyRoundTrip(t *testing.T) {
	wires := []string{
		"github:550e8400-e29b-41d4-a716-446655440000",
		"api:client-7:req-123",
		"slack:T042:trig-9",
		"scheduler:daily-cleanup:2024-12-19T00:00:00Z",
	}
	for _, wire := range wires {
		key, err := ParseKey(wire)
		require.NoError(t, err, wire)
		assert.Equal(t, wire, key.String())
	}
}

func TestParseKeyRejectsMalformed(t *testing.T) {
	for _, wire := range []string{
		"",
		"github",
		"github:",
		"unknown:abc",
		"scheduler:daily:2024-12-19T00:00:00+05:00", // not UTC
	} {
		_, err := ParseKey(wire)
		assert.Error(t, err, "wire %q", wire)
	}
}

func TestSchedulerKeyCollidesOnRedelivery(t *testing.T) {
	tick := time.Date(2024, 12, 19, 0, 0, 0, 0, time.UTC)
	a, err := SchedulerKey("daily-cleanup", tick)
	require.NoError(t, err)
	b, err := SchedulerKey("daily-cleanup", tick.In(time.FixedZone("JST", 9*3600)))
	require.NoError(t, err)
	assert.Equal(t, a.String(), b.String())
}
