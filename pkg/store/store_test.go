package store

import (
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostkit/hostkit/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateProject(t *testing.T, s *Store, name string, port int) {
	t.Helper()
	err := s.Transaction(func(tx *sqlx.Tx) error {
		return CreateProjectTx(tx, &types.Project{
			Name:    name,
			Runtime: types.RuntimePython,
			Port:    port,
			Status:  types.ProjectStopped,
		})
	})
	require.NoError(t, err)
}

func TestProjectCRUD(t *testing.T) {
	s := openTestStore(t)
	mustCreateProject(t, s, "blog", 8020)

	p, err := s.GetProject("blog")
	require.NoError(t, err)
	assert.Equal(t, 8020, p.Port)
	assert.Equal(t, types.ProjectStopped, p.Status)

	_, err = s.GetProject("missing")
	assert.Equal(t, types.ErrProjectNotFound, types.CodeOf(err))

	err = s.Transaction(func(tx *sqlx.Tx) error {
		return UpdateProjectStatusTx(tx, "blog", types.ProjectRunning)
	})
	require.NoError(t, err)
	p, _ = s.GetProject("blog")
	assert.Equal(t, types.ProjectRunning, p.Status)
}

func TestPortUniqueness(t *testing.T) {
	s := openTestStore(t)
	mustCreateProject(t, s, "one", 8001)

	err := s.Transaction(func(tx *sqlx.Tx) error {
		return CreateProjectTx(tx, &types.Project{
			Name: "two", Runtime: types.RuntimeNode, Port: 8001,
		})
	})
	assert.Equal(t, types.ErrProjectExists, types.CodeOf(err))
}

func TestNextFreePort(t *testing.T) {
	s := openTestStore(t)
	mustCreateProject(t, s, "one", 8001)
	mustCreateProject(t, s, "two", 8002)

	var port int
	err := s.Transaction(func(tx *sqlx.Tx) error {
		var err error
		port, err = NextFreePortTx(tx, 8001, 8003)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 8003, port)

	mustCreateProject(t, s, "three", 8003)
	err = s.Transaction(func(tx *sqlx.Tx) error {
		_, err := NextFreePortTx(tx, 8001, 8003)
		return err
	})
	assert.Equal(t, types.ErrPortExhausted, types.CodeOf(err))
}

func TestReleaseCurrentExclusivity(t *testing.T) {
	s := openTestStore(t)
	mustCreateProject(t, s, "api", 8010)

	names := []string{"20250101-000000", "20250102-000000", "20250103-000000"}
	for _, n := range names {
		err := s.Transaction(func(tx *sqlx.Tx) error {
			return CreateReleaseTx(tx, &types.Release{
				Project: "api", ReleaseName: n, ReleasePath: "/home/api/releases/" + n,
			})
		})
		require.NoError(t, err)
	}

	for _, n := range names {
		err := s.Transaction(func(tx *sqlx.Tx) error {
			return SetCurrentReleaseTx(tx, "api", n)
		})
		require.NoError(t, err)

		// Exactly one current row at all times.
		var count int
		require.NoError(t, s.db.Get(&count, `SELECT COUNT(*) FROM releases WHERE project = 'api' AND is_current = 1`))
		assert.Equal(t, 1, count)

		cur, err := s.CurrentRelease("api")
		require.NoError(t, err)
		assert.Equal(t, n, cur.ReleaseName)
	}
}

func TestPreviousRelease(t *testing.T) {
	s := openTestStore(t)
	mustCreateProject(t, s, "api", 8010)

	err := s.Transaction(func(tx *sqlx.Tx) error {
		for _, n := range []string{"20250101-000000", "20250102-000000"} {
			if err := CreateReleaseTx(tx, &types.Release{
				Project: "api", ReleaseName: n, ReleasePath: "/home/api/releases/" + n,
			}); err != nil {
				return err
			}
		}
		return SetCurrentReleaseTx(tx, "api", "20250102-000000")
	})
	require.NoError(t, err)

	prev, err := s.PreviousRelease("api")
	require.NoError(t, err)
	assert.Equal(t, "20250101-000000", prev.ReleaseName)

	// Roll back to the first: now there is nothing older.
	require.NoError(t, s.Transaction(func(tx *sqlx.Tx) error {
		return SetCurrentReleaseTx(tx, "api", "20250101-000000")
	}))
	_, err = s.PreviousRelease("api")
	assert.Equal(t, types.ErrNoPreviousRelease, types.CodeOf(err))
}

func TestCheckpointExpiry(t *testing.T) {
	s := openTestStore(t)
	mustCreateProject(t, s, "api", 8010)

	past := time.Now().Add(-time.Hour).UTC()
	err := s.Transaction(func(tx *sqlx.Tx) error {
		// Manual: no expiry, must never show up in the expired scan.
		if err := CreateCheckpointTx(tx, &types.Checkpoint{
			Project: "api", Type: types.CheckpointManual,
			DatabaseName: "api", BackupPath: "/backups/api/checkpoints/a.sql.gz",
		}); err != nil {
			return err
		}
		return CreateCheckpointTx(tx, &types.Checkpoint{
			Project: "api", Type: types.CheckpointAuto,
			DatabaseName: "api", BackupPath: "/backups/api/checkpoints/b.sql.gz",
			ExpiresAt: &past,
		})
	})
	require.NoError(t, err)

	expired, err := s.ExpiredCheckpoints(time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, types.CheckpointAuto, expired[0].Type)
}

func TestCheckpointProjectMismatch(t *testing.T) {
	s := openTestStore(t)
	mustCreateProject(t, s, "api", 8010)
	mustCreateProject(t, s, "blog", 8020)

	var id int64
	require.NoError(t, s.Transaction(func(tx *sqlx.Tx) error {
		c := &types.Checkpoint{Project: "api", Type: types.CheckpointManual,
			DatabaseName: "api", BackupPath: "/backups/api/checkpoints/a.sql.gz"}
		if err := CreateCheckpointTx(tx, c); err != nil {
			return err
		}
		id = c.ID
		return nil
	}))

	_, err := s.GetCheckpoint("blog", id)
	assert.Equal(t, types.ErrCheckpointMismatch, types.CodeOf(err))
}

func TestEventAppendOnlyMonotonic(t *testing.T) {
	s := openTestStore(t)
	mustCreateProject(t, s, "api", 8010)

	var ids []int64
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Transaction(func(tx *sqlx.Tx) error {
			ev := &types.Event{
				Project: "api", Category: types.CategoryDeploy,
				EventType: "deploy.started", Message: "same message",
			}
			if err := AppendEventTx(tx, ev); err != nil {
				return err
			}
			ids = append(ids, ev.ID)
			return nil
		}))
	}

	// Identical emissions create distinct rows with monotonic ids.
	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])

	events, err := s.QueryEvents(EventFilter{Project: "api"})
	require.NoError(t, err)
	assert.Len(t, events, 3)
	// Newest first.
	assert.Equal(t, ids[2], events[0].ID)
}

func TestQueryEventFilters(t *testing.T) {
	s := openTestStore(t)
	mustCreateProject(t, s, "api", 8010)

	require.NoError(t, s.Transaction(func(tx *sqlx.Tx) error {
		for _, e := range []*types.Event{
			{Project: "api", Category: types.CategoryDeploy, EventType: "deploy.started", Message: "a"},
			{Project: "api", Category: types.CategoryHealth, EventType: "health.degraded", Level: types.LevelWarning, Message: "b"},
			{Project: "api", Category: types.CategoryDeploy, EventType: "deploy.failed", Level: types.LevelError, Message: "c"},
		} {
			if err := AppendEventTx(tx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	deploys, err := s.QueryEvents(EventFilter{Project: "api", Category: types.CategoryDeploy})
	require.NoError(t, err)
	assert.Len(t, deploys, 2)

	errs, err := s.QueryEvents(EventFilter{Level: types.LevelError})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "deploy.failed", errs[0].EventType)

	limited, err := s.QueryEvents(EventFilter{Project: "api", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestQueryEventsOffsetWithoutLimit(t *testing.T) {
	s := openTestStore(t)
	mustCreateProject(t, s, "api", 8010)

	require.NoError(t, s.Transaction(func(tx *sqlx.Tx) error {
		for i := 0; i < 4; i++ {
			ev := &types.Event{Project: "api", Category: types.CategoryDeploy,
				EventType: "deploy.started", Message: "x"}
			if err := AppendEventTx(tx, ev); err != nil {
				return err
			}
		}
		return nil
	}))

	rest, err := s.QueryEvents(EventFilter{Project: "api", Offset: 1})
	require.NoError(t, err)
	assert.Len(t, rest, 3)

	paged, err := s.QueryEvents(EventFilter{Project: "api", Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, paged, 2)
}

func TestDeployHistoryCounting(t *testing.T) {
	s := openTestStore(t)
	mustCreateProject(t, s, "api", 8010)

	now := time.Now()
	require.NoError(t, s.Transaction(func(tx *sqlx.Tx) error {
		samples := []struct {
			outcome types.DeployOutcome
			at      time.Time
		}{
			{types.OutcomeSuccess, now.Add(-90 * time.Minute)}, // outside the hour
			{types.OutcomeSuccess, now.Add(-30 * time.Minute)},
			{types.OutcomeFailure, now.Add(-10 * time.Minute)},
			{types.OutcomeFailure, now.Add(-5 * time.Minute)},
		}
		for _, rec := range samples {
			if err := AppendDeployRecordTx(tx, "api", rec.outcome, rec.at); err != nil {
				return err
			}
		}
		return nil
	}))

	n, err := s.CountDeploysSince("api", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	f, err := s.CountFailuresSince("api", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, f)

	recent, err := s.RecentDeployRecords("api", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, types.OutcomeFailure, recent[0].Outcome)
}

func TestProjectCascadeDelete(t *testing.T) {
	s := openTestStore(t)
	mustCreateProject(t, s, "api", 8010)

	require.NoError(t, s.Transaction(func(tx *sqlx.Tx) error {
		if err := CreateReleaseTx(tx, &types.Release{
			Project: "api", ReleaseName: "20250101-000000", ReleasePath: "/home/api/releases/20250101-000000",
		}); err != nil {
			return err
		}
		return AppendDeployRecordTx(tx, "api", types.OutcomeSuccess, time.Now())
	}))

	require.NoError(t, s.Transaction(func(tx *sqlx.Tx) error {
		return DeleteProjectTx(tx, "api")
	}))

	releases, err := s.ListReleases("api", 0)
	require.NoError(t, err)
	assert.Empty(t, releases)

	n, err := s.CountDeploysSince("api", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMigrationIdempotent(t *testing.T) {
	s := openTestStore(t)
	// A second migrate pass on an up-to-date store is a no-op.
	require.NoError(t, s.migrate())
}
