package assignlog

import (
	"context"
	"database/sql"
	"time"
)

// EnsureSchema creates the audit table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS assignment_log (
  seq INTEGER NOT NULL,
  ts DATETIME NOT NULL,
  task_id TEXT NOT NULL,
  action TEXT NOT NULL CHECK(action IN ('assigned','reordered','override-applied','override-removed')),
  previous_rank INTEGER NOT NULL,
  new_rank INTEGER NOT NULL,
  actor TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_assignment_log_ts ON assignment_log(ts, seq);
CREATE INDEX IF NOT EXISTS idx_assignment_log_task ON assignment_log(task_id);
`
	_, err := db.Exec(schema)
	return err
}

// SQLiteSink keeps a durable copy of the audit trail across restarts.
type SQLiteSink struct{ db *sql.DB }

func NewSQLiteSink(db *sql.DB) *SQLiteSink { return &SQLiteSink{db: db} }

func (s *SQLiteSink) Write(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO assignment_log (seq,ts,task_id,action,previous_rank,new_rank,actor,reason)
VALUES (?,?,?,?,?,?,?,?)`,
		e.Seq, e.Timestamp.UTC(), e.TaskID, string(e.Action), e.PreviousRank, e.NewRank, e.Actor, e.Reason)
	return err
}

// Since reads persisted entries at or after since, oldest first.
func (s *SQLiteSink) Since(ctx context.Context, since time.Time, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq,ts,task_id,action,previous_rank,new_rank,actor,reason
FROM assignment_log WHERE ts >= ? ORDER BY ts ASC, rowid ASC LIMIT ?`, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var action string
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.TaskID, &action, &e.PreviousRank, &e.NewRank, &e.Actor, &e.Reason); err != nil {
			return nil, err
		}
		e.Action = Action(action)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
