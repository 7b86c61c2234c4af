package health

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostkit/hostkit/pkg/execx"
	"github.com/hostkit/hostkit/pkg/store"
	"github.com/hostkit/hostkit/pkg/types"
)

func TestMatchPatterns(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		pattern string
	}{
		{"python import", `ModuleNotFoundError: No module named 'requests'`, "missing-module"},
		{"node import", `Error: Cannot find module 'express'`, "missing-module"},
		{"port taken", `OSError: [Errno 98] address already in use`, "address-in-use"},
		{"node port taken", `Error: listen EADDRINUSE: address already in use :::8001`, "address-in-use"},
		{"oom", `Out of memory: Killed process 1234 (python)`, "out-of-memory"},
		{"perms", `PermissionError: [Errno 13] Permission denied: '/home/shopapi/.env'`, "permission-denied"},
		{"syntax", `  File "main.py", line 3\n    invalid syntax`, "syntax-error"},
		{"missing file", `FileNotFoundError: [Errno 2] No such file or directory: 'config.yaml'`, "file-not-found"},
		{"refused", `connection refused to localhost:5432`, "connection-refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := matchPatterns(tt.text)
			require.NotEmpty(t, findings)
			names := make([]string, len(findings))
			for i, f := range findings {
				names[i] = f.Pattern
			}
			assert.Contains(t, names, tt.pattern)
		})
	}
}

func TestMatchPatternsCleanLogs(t *testing.T) {
	assert.Empty(t, matchPatterns("INFO started server on :8001\nINFO request handled in 4ms"))
	assert.Empty(t, matchPatterns(""))
}

func TestMatchPatternsEvidenceCapped(t *testing.T) {
	text := ""
	for i := 0; i < 10; i++ {
		text += "ECONNREFUSED talking to redis\n"
	}
	findings := matchPatterns(text)
	require.Len(t, findings, 1)
	assert.Len(t, findings[0].Evidence, 3)
}

func TestCrashLoopDetection(t *testing.T) {
	c, st, _ := testChecker(t)
	seedProject(t, st, "shopapi", 1)

	// Two failures: below the loop threshold.
	emitFailures(t, st, "shopapi", 2)
	assert.Nil(t, c.crashLoopFinding("shopapi"))

	emitFailures(t, st, "shopapi", 2)
	f := c.crashLoopFinding("shopapi")
	require.NotNil(t, f)
	assert.Equal(t, SeverityCritical, f.Severity)
	assert.Contains(t, f.Evidence[0], "failed deploys")
}

func emitFailures(t *testing.T, st *store.Store, project string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, st.Transaction(func(tx *sqlx.Tx) error {
			return store.AppendEventTx(tx, &types.Event{
				Project:   project,
				Category:  types.CategoryDeploy,
				EventType: "deploy.failed",
				Message:   "boom",
				Level:     types.LevelError,
				CreatedBy: "tester",
			})
		}))
	}
}

func TestStartupTestCapturesCrash(t *testing.T) {
	c, st, _ := testChecker(t)
	seedProject(t, st, "shopapi", 1)
	runner := execx.New()

	res, err := c.StartupTest(context.Background(), runner, "shopapi",
		[]string{"sh", "-c", "echo 'ModuleNotFoundError: No module named flask' >&2; exit 1"},
		"", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Output, "ModuleNotFoundError")
	require.NotEmpty(t, res.Findings)
	assert.Equal(t, "missing-module", res.Findings[0].Pattern)
}

func TestStartupTestSurvivingServerTimesOut(t *testing.T) {
	c, st, _ := testChecker(t)
	seedProject(t, st, "shopapi", 1)
	runner := execx.New()

	res, err := c.StartupTest(context.Background(), runner, "shopapi",
		[]string{"sleep", "30"}, "", 500*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.TimedOut, "outliving the timeout means startup succeeded")
}

func TestStartupTestMissingCommand(t *testing.T) {
	c, st, _ := testChecker(t)
	seedProject(t, st, "shopapi", 1)

	_, err := c.StartupTest(context.Background(), execx.New(), "shopapi", nil, "", time.Second)
	require.Error(t, err)
}
