package feedback

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Record is one persisted user correction.
type Record struct {
	MessageID      string    `json:"message_id"`
	PreviousFolder string    `json:"previous_folder"`
	ActualFolder   string    `json:"actual_folder"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists user corrections in SQLite, implementing
// core.FeedbackSink. Corrections feed the calibrator across restarts
// and let users audit what the sorter got wrong.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore opens (and if needed creates) the feedback database.
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open feedback database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS feedback (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL,
			previous_folder TEXT NOT NULL,
			actual_folder TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create feedback table: %w", err)
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_feedback_message_id ON feedback(message_id)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create feedback index: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// RecordFeedback persists one correction.
func (s *Store) RecordFeedback(ctx context.Context, messageID, previousFolder, actualFolder string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (message_id, previous_folder, actual_folder, created_at)
		VALUES (?, ?, ?, ?)
	`, messageID, previousFolder, actualFolder, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert feedback: %w", err)
	}

	s.logger.Debug("feedback recorded",
		zap.String("previous_folder", previousFolder),
		zap.String("actual_folder", actualFolder))
	return nil
}

// Recent returns the latest n corrections, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, previous_folder, actual_folder, created_at
		FROM feedback
		ORDER BY id DESC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var createdAt string
		if err := rows.Scan(&rec.MessageID, &rec.PreviousFolder, &rec.ActualFolder, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback row: %w", err)
		}
		rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the total number of stored corrections.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feedback`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count feedback: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
