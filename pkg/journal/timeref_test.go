package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostkit/hostkit/pkg/types"
)

// TestParseTimeRef tests relative and absolute time reference forms
func TestParseTimeRef(t *testing.T) {
	now := time.Date(2025, 8, 26, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		ref  string
		want time.Time
	}{
		{"one hour", "1h", now.Add(-time.Hour)},
		{"twenty-four hours", "24h", now.Add(-24 * time.Hour)},
		{"seven days", "7d", now.Add(-7 * 24 * time.Hour)},
		{"minutes", "30m", now.Add(-30 * time.Minute)},
		{"weeks", "2w", now.Add(-14 * 24 * time.Hour)},
		{"wordy days", "2 days ago", now.Add(-48 * time.Hour)},
		{"wordy singular", "1 hour ago", now.Add(-time.Hour)},
		{"bare date", "2025-08-01", time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimeRef(tt.ref, now)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %v got %v", tt.want, got)
		})
	}
}

func TestParseTimeRefRFC3339(t *testing.T) {
	got, err := ParseTimeRef("2025-08-26T09:30:00Z", time.Now())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 8, 26, 9, 30, 0, 0, time.UTC), got.UTC())
}

func TestParseTimeRefInvalid(t *testing.T) {
	for _, ref := range []string{"yesterday-ish", "h1", "", "3 fortnights ago"} {
		_, err := ParseTimeRef(ref, time.Now())
		assert.Equal(t, types.ErrInvalidDuration, types.CodeOf(err), "ref %q", ref)
	}
}
