package journal

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hostkit/hostkit/pkg/types"
)

var (
	compactRe = regexp.MustCompile(`^(\d+)([smhdw])$`)
	wordyRe   = regexp.MustCompile(`^(\d+)\s+(second|minute|hour|day|week)s?\s+ago$`)
)

var unitDurations = map[string]time.Duration{
	"s": time.Second, "second": time.Second,
	"m": time.Minute, "minute": time.Minute,
	"h": time.Hour, "hour": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour,
	"w": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour,
}

// ParseTimeRef resolves a user-supplied time reference against now.
// Accepted forms: RFC 3339 timestamps, bare dates ("2025-08-01"), compact
// offsets ("1h", "24h", "7d"), and wordy offsets ("2 days ago").
func ParseTimeRef(ref string, now time.Time) (time.Time, error) {
	ref = strings.TrimSpace(ref)
	lower := strings.ToLower(ref)

	if m := compactRe.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		return now.Add(-time.Duration(n) * unitDurations[m[2]]), nil
	}
	if m := wordyRe.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		return now.Add(-time.Duration(n) * unitDurations[m[2]]), nil
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, ref); err == nil {
			return t, nil
		}
	}

	return time.Time{}, types.E(types.ErrInvalidDuration,
		"cannot parse time reference %q", ref).
		WithSuggestion("use an ISO timestamp, '24h', '7d', or '2 days ago'")
}
