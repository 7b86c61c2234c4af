// Package journal is the append-only structured record of every
// state-changing operation. Events are written in the same store
// transaction as the change they describe, so the journal never diverges
// from the metadata store.
package journal

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/hostkit/hostkit/pkg/log"
	"github.com/hostkit/hostkit/pkg/store"
	"github.com/hostkit/hostkit/pkg/types"
)

// Journal emits and queries events.
type Journal struct {
	store    *store.Store
	operator string
	logger   zerolog.Logger
}

// New creates a journal bound to the store. operator is stamped on every
// emitted row for audit attribution.
func New(s *store.Store, operator string) *Journal {
	return &Journal{
		store:    s,
		operator: operator,
		logger:   log.WithComponent("journal"),
	}
}

// Operator returns the audit identity stamped on emitted rows.
func (j *Journal) Operator() string { return j.operator }

// Emit writes one event in its own transaction. Subsystems that already
// hold a transaction use EmitTx instead.
func (j *Journal) Emit(project string, category types.EventCategory, eventType, message string, level types.EventLevel, data map[string]any) error {
	return j.store.Transaction(func(tx *sqlx.Tx) error {
		return j.EmitTx(tx, project, category, eventType, message, level, data)
	})
}

// EmitTx writes one event inside the caller's transaction.
func (j *Journal) EmitTx(tx *sqlx.Tx, project string, category types.EventCategory, eventType, message string, level types.EventLevel, data map[string]any) error {
	payload := "{}"
	if len(data) > 0 {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		payload = string(b)
	}

	ev := &types.Event{
		Project:   project,
		Category:  category,
		EventType: eventType,
		Level:     level,
		Message:   message,
		Data:      payload,
		CreatedBy: j.operator,
	}
	if err := store.AppendEventTx(tx, ev); err != nil {
		return err
	}

	j.logger.Debug().
		Str("project", project).
		Str("event", eventType).
		Str("level", string(level)).
		Msg(message)
	return nil
}

// QueryOptions mirrors the CLI filter surface. Since/Until accept ISO
// timestamps and relative forms ("1h", "7d", "2 days ago").
type QueryOptions struct {
	Project   string
	Category  types.EventCategory
	EventType string
	Level     types.EventLevel
	Since     string
	Until     string
	Limit     int
	Offset    int
}

// Query returns matching events newest first.
func (j *Journal) Query(opts QueryOptions) ([]*types.Event, error) {
	f := store.EventFilter{
		Project:   opts.Project,
		Category:  opts.Category,
		EventType: opts.EventType,
		Level:     opts.Level,
		Limit:     opts.Limit,
		Offset:    opts.Offset,
	}
	if opts.Since != "" {
		t, err := ParseTimeRef(opts.Since, time.Now())
		if err != nil {
			return nil, err
		}
		f.Since = t
	}
	if opts.Until != "" {
		t, err := ParseTimeRef(opts.Until, time.Now())
		if err != nil {
			return nil, err
		}
		f.Until = t
	}
	return j.store.QueryEvents(f)
}

// Cleanup removes journal rows older than the given number of days and
// returns how many were deleted.
func (j *Journal) Cleanup(olderThanDays int) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	n, err := j.store.CleanupEvents(cutoff)
	if err != nil {
		return 0, err
	}
	j.logger.Info().Int64("deleted", n).Int("older_than_days", olderThanDays).Msg("journal cleanup")
	return n, nil
}
