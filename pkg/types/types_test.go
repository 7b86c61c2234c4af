package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestValidateProjectName tests the naming boundary rules
func TestValidateProjectName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"two chars rejected", "ab", true},
		{"three chars accepted", "abc", false},
		{"thirty-two chars accepted", "a" + repeat("b", 31), false},
		{"thirty-three chars rejected", "a" + repeat("b", 32), true},
		{"digit start rejected", "1abc", true},
		{"hyphen start rejected", "-abc", true},
		{"uppercase rejected", "Abc", true},
		{"hyphen and digits accepted", "my-app-2", false},
		{"underscore rejected", "my_app", true},
		{"empty rejected", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProjectName(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, ErrInvalidProjectName, CodeOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTaskName(t *testing.T) {
	assert.NoError(t, ValidateTaskName("nightly-backup"))
	assert.NoError(t, ValidateTaskName("a"))
	assert.Error(t, ValidateTaskName("Nightly"))
	assert.Error(t, ValidateTaskName("9pm-job"))
	assert.Error(t, ValidateTaskName(repeat("a", 51)))
}

func TestErrorCodeSurvivesWrapping(t *testing.T) {
	inner := E(ErrReleaseNotFound, "release %q missing", "20250101-000000")
	outer := fmt.Errorf("deploy: %w", inner)

	assert.Equal(t, ErrReleaseNotFound, CodeOf(outer))
	assert.True(t, IsCode(outer, ErrReleaseNotFound))

	var te *Error
	assert.True(t, errors.As(outer, &te))
}

func TestErrorSuggestion(t *testing.T) {
	err := E(ErrPortExhausted, "no ports").WithSuggestion("widen the range")
	assert.Equal(t, "widen the range", SuggestionOf(err))
	assert.Equal(t, "", SuggestionOf(errors.New("plain")))
}

func TestResourceLimitsValidate(t *testing.T) {
	high, max := 512, 256
	l := &ResourceLimits{Project: "demo", MemoryHighMB: &high, MemoryMaxMB: &max}
	assert.Equal(t, ErrInvalidSize, CodeOf(l.Validate()))

	ok := &ResourceLimits{Project: "demo", MemoryHighMB: &max, MemoryMaxMB: &high}
	assert.NoError(t, ok.Validate())

	unset := &ResourceLimits{Project: "demo", MemoryHighMB: &high}
	assert.NoError(t, unset.Validate())
}

func TestUnitName(t *testing.T) {
	assert.Equal(t, "hostkit-blog", ServiceApp.UnitName("blog", ""))
	assert.Equal(t, "hostkit-blog-worker-emails", ServiceWorker.UnitName("blog", "emails"))
	assert.Equal(t, "hostkit-blog-cron-nightly", ServiceCron.UnitName("blog", "nightly"))
	assert.Equal(t, "hostkit-blog-auth", ServiceAuth.UnitName("blog", ""))
	assert.Equal(t, "hostkit-blog-vector", ServiceVector.UnitName("blog", "ignored"))
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
