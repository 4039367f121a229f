package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/claude-batch-orchestrator/internal/domain"
)

// ErrStatusRegression rejects a backward progress-record transition
var ErrStatusRegression = errors.New("progress status may not regress")

// Ledger provides SQLite-backed persistence for per-unit progress records
// and the merged-branch dedup set
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens (creating if needed) the ledger database at path
func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close closes the database connection
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Reset clears the progress records and the merge dedup set. The dedup set
// is scoped to one batch run, so a new run starts empty.
func (l *Ledger) Reset() error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM progress`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM merge_records`); err != nil {
		return err
	}
	return tx.Commit()
}

// Init seeds one pending progress record per unit, in queue order. Existing
// records are preserved.
func (l *Ledger) Init(units []domain.Unit) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, u := range units {
		_, err := tx.Exec(`
			INSERT INTO progress (position, unit_id, path, status)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(unit_id) DO NOTHING
		`, i, u.ID, u.Path, string(domain.StatusPending))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Records returns all progress records in original queue order
func (l *Ledger) Records() ([]domain.ProgressRecord, error) {
	rows, err := l.db.Query(`
		SELECT position, unit_id, path, status, error, started_at, completed_at, execution_session_id
		FROM progress ORDER BY position
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.ProgressRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Get retrieves one progress record by unit id
func (l *Ledger) Get(unitID string) (domain.ProgressRecord, error) {
	rows, err := l.db.Query(`
		SELECT position, unit_id, path, status, error, started_at, completed_at, execution_session_id
		FROM progress WHERE unit_id = ?
	`, unitID)
	if err != nil {
		return domain.ProgressRecord{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		return domain.ProgressRecord{}, fmt.Errorf("unit %s: %w", unitID, sql.ErrNoRows)
	}
	return scanRecord(rows)
}

// NextPending returns the first pending record in queue order, or false
// when the queue is exhausted
func (l *Ledger) NextPending() (domain.ProgressRecord, bool, error) {
	rows, err := l.db.Query(`
		SELECT position, unit_id, path, status, error, started_at, completed_at, execution_session_id
		FROM progress WHERE status = ? ORDER BY position LIMIT 1
	`, string(domain.StatusPending))
	if err != nil {
		return domain.ProgressRecord{}, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return domain.ProgressRecord{}, false, rows.Err()
	}
	rec, err := scanRecord(rows)
	return rec, err == nil, err
}

// InProgress returns the record currently marked in_progress, if any
func (l *Ledger) InProgress() (domain.ProgressRecord, bool, error) {
	rows, err := l.db.Query(`
		SELECT position, unit_id, path, status, error, started_at, completed_at, execution_session_id
		FROM progress WHERE status = ? ORDER BY position LIMIT 1
	`, string(domain.StatusInProgress))
	if err != nil {
		return domain.ProgressRecord{}, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return domain.ProgressRecord{}, false, rows.Err()
	}
	rec, err := scanRecord(rows)
	return rec, err == nil, err
}

// SetStatus advances a record's status, enforcing monotonic transitions.
// Setting the current status again is a silent no-op so duplicate
// completion signals stay idempotent.
func (l *Ledger) SetStatus(unitID string, status domain.UnitStatus, errText, sessionID string) error {
	rec, err := l.Get(unitID)
	if err != nil {
		return err
	}
	if rec.Status == status {
		return nil
	}
	if !domain.IsValidTransition(rec.Status, status) {
		return fmt.Errorf("%w: unit %s %s -> %s", ErrStatusRegression, unitID, rec.Status, status)
	}

	now := time.Now().UTC()
	switch status {
	case domain.StatusInProgress:
		_, err = l.db.Exec(`
			UPDATE progress SET status = ?, started_at = ?, execution_session_id = ? WHERE unit_id = ?
		`, string(status), now, sessionID, unitID)
	case domain.StatusCompleted, domain.StatusFailed:
		_, err = l.db.Exec(`
			UPDATE progress SET status = ?, error = ?, completed_at = ? WHERE unit_id = ?
		`, string(status), errText, now, unitID)
	default:
		return fmt.Errorf("cannot set status %q", status)
	}
	return err
}

// Counts tallies records by status
func (l *Ledger) Counts() (map[domain.UnitStatus]int, error) {
	rows, err := l.db.Query(`SELECT status, COUNT(*) FROM progress GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.UnitStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.UnitStatus(status)] = n
	}
	return counts, rows.Err()
}

// Merged reports whether a branch is already in the dedup set
func (l *Ledger) Merged(branch string) (bool, error) {
	var n int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM merge_records WHERE branch = ?`, branch).Scan(&n)
	return n > 0, err
}

// RecordMerge adds a branch to the dedup set. Returns false when the
// branch was already recorded, so a branch appears in exactly one merge
// record per run even across crash-recovery restarts.
func (l *Ledger) RecordMerge(branch, commitID, runID string) (bool, error) {
	res, err := l.db.Exec(`
		INSERT INTO merge_records (branch, commit_id, run_id)
		VALUES (?, ?, ?)
		ON CONFLICT(branch) DO NOTHING
	`, branch, commitID, runID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanRecord(rows *sql.Rows) (domain.ProgressRecord, error) {
	var rec domain.ProgressRecord
	var status string
	var errText, sessionID sql.NullString
	var startedAt, completedAt sql.NullTime

	err := rows.Scan(&rec.Position, &rec.UnitID, &rec.Path, &status, &errText, &startedAt, &completedAt, &sessionID)
	if err != nil {
		return rec, err
	}

	rec.Status = domain.UnitStatus(status)
	rec.Error = errText.String
	rec.ExecutionSessionID = sessionID.String
	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}
