package store

import (
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hostkit/hostkit/pkg/types"
)

// AppendEventTx writes one journal row inside the caller's transaction so
// the event commits (or rolls back) with the state change it describes.
func AppendEventTx(tx *sqlx.Tx, ev *types.Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Data == "" {
		ev.Data = "{}"
	}
	if ev.Level == "" {
		ev.Level = types.LevelInfo
	}
	res, err := tx.NamedExec(`INSERT INTO events
		(project, category, event_type, level, message, data, created_at, created_by)
		VALUES (:project, :category, :event_type, :level, :message, :data, :created_at, :created_by)`, ev)
	if err != nil {
		return err
	}
	ev.ID, err = res.LastInsertId()
	return err
}

// EventFilter narrows a journal query. Zero values mean "no filter".
type EventFilter struct {
	Project   string
	Category  types.EventCategory
	EventType string
	Level     types.EventLevel
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// QueryEvents returns matching events newest first.
func (s *Store) QueryEvents(f EventFilter) ([]*types.Event, error) {
	q := `SELECT * FROM events WHERE 1=1`
	var args []any
	if f.Project != "" {
		q += ` AND project = ?`
		args = append(args, f.Project)
	}
	if f.Category != "" {
		q += ` AND category = ?`
		args = append(args, f.Category)
	}
	if f.EventType != "" {
		q += ` AND event_type = ?`
		args = append(args, f.EventType)
	}
	if f.Level != "" {
		q += ` AND level = ?`
		args = append(args, f.Level)
	}
	if !f.Since.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		q += ` AND created_at <= ?`
		args = append(args, f.Until.UTC())
	}
	q += ` ORDER BY id DESC`
	// sqlite only accepts OFFSET after a LIMIT; -1 means unlimited.
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	} else if f.Offset > 0 {
		q += ` LIMIT -1`
	}
	if f.Offset > 0 {
		q += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	var out []*types.Event
	err := s.db.Select(&out, q, args...)
	return out, err
}

// CountEventsSince counts events of one type for a project inside a
// trailing window. Used by the diagnosis engine's crash-loop detector.
func (s *Store) CountEventsSince(project, eventType string, since time.Time) (int, error) {
	var n int
	err := s.db.Get(&n, `SELECT COUNT(*) FROM events
		WHERE project = ? AND event_type = ? AND created_at >= ?`, project, eventType, since.UTC())
	return n, err
}

// CleanupEvents deletes journal rows older than the cutoff and reports how
// many were removed.
func (s *Store) CleanupEvents(olderThan time.Time) (int64, error) {
	var n int64
	err := s.Transaction(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`DELETE FROM events WHERE created_at < ?`, olderThan.UTC())
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}
