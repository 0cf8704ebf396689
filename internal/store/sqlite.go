// Package store provides storage backends for DripFlow.
//
// This file implements the SQLite-backed store for sequences, steps and
// conversation context. SQLite serves single-node deployments and tests.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/flowdesk/DripFlow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Step rows cascade from their sequence. SQLite applies this pragma per
	// connection, so it has to ride on the DSN where every connection the
	// pool opens picks it up, not on a one-off Exec.
	connDSN := dsn
	if !strings.Contains(connDSN, "_foreign_keys") {
		if strings.Contains(connDSN, "?") {
			connDSN += "&_foreign_keys=on"
		} else {
			connDSN += "?_foreign_keys=on"
		}
	}

	db, err := sql.Open("sqlite3", connDSN)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

const sqliteSequenceColumns = `id, org_id, name, shortcut, description, status, trigger_type, trigger_config, usage_count, created_at, updated_at`

// CreateSequence inserts a new sequence definition.
func (s *SQLiteStore) CreateSequence(seq models.Sequence) error {
	_, err := s.db.Exec(
		`INSERT INTO message_sequence (`+sqliteSequenceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seq.ID, seq.OrgID, seq.Name, nilIfEmpty(seq.Shortcut), seq.Description, string(seq.Status),
		seq.TriggerType, seq.TriggerConfig, seq.UsageCount, seq.CreatedAt, seq.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateSequence failed", "error", err, "id", seq.ID)
		return fmt.Errorf("failed to insert sequence %s: %w", seq.ID, err)
	}
	slog.Debug("SQLiteStore CreateSequence succeeded", "id", seq.ID, "org", seq.OrgID)
	return nil
}

// GetSequence retrieves a sequence by ID within one organization.
func (s *SQLiteStore) GetSequence(orgID, id string) (*models.Sequence, error) {
	row := s.db.QueryRow(
		`SELECT `+sqliteSequenceColumns+` FROM message_sequence WHERE id = ? AND org_id = ?`,
		id, orgID,
	)
	seq, err := scanSequence(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSequence failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get sequence %s: %w", id, err)
	}
	return &seq, nil
}

// GetSequenceByShortcut retrieves a sequence by its normalized shortcut.
func (s *SQLiteStore) GetSequenceByShortcut(orgID, shortcut string) (*models.Sequence, error) {
	row := s.db.QueryRow(
		`SELECT `+sqliteSequenceColumns+` FROM message_sequence WHERE org_id = ? AND shortcut = ?`,
		orgID, shortcut,
	)
	seq, err := scanSequence(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSequenceByShortcut failed", "error", err, "shortcut", shortcut)
		return nil, fmt.Errorf("failed to get sequence by shortcut %s: %w", shortcut, err)
	}
	return &seq, nil
}

// ListSequences retrieves all sequences for an organization, newest first.
func (s *SQLiteStore) ListSequences(orgID string) ([]models.Sequence, error) {
	rows, err := s.db.Query(
		`SELECT `+sqliteSequenceColumns+` FROM message_sequence WHERE org_id = ? ORDER BY created_at DESC`,
		orgID,
	)
	if err != nil {
		slog.Error("SQLiteStore ListSequences query failed", "error", err, "org", orgID)
		return nil, fmt.Errorf("failed to query sequences: %w", err)
	}
	defer rows.Close()

	var seqs []models.Sequence
	for rows.Next() {
		seq, err := scanSequence(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sequence row: %w", err)
		}
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sequence rows: %w", err)
	}
	slog.Debug("SQLiteStore ListSequences succeeded", "org", orgID, "count", len(seqs))
	return seqs, nil
}

// UpdateSequence rewrites a sequence's mutable attributes.
func (s *SQLiteStore) UpdateSequence(seq models.Sequence) error {
	_, err := s.db.Exec(
		`UPDATE message_sequence
		 SET name = ?, shortcut = ?, description = ?, status = ?, trigger_type = ?, trigger_config = ?, updated_at = ?
		 WHERE id = ?`,
		seq.Name, nilIfEmpty(seq.Shortcut), seq.Description, string(seq.Status),
		seq.TriggerType, seq.TriggerConfig, seq.UpdatedAt, seq.ID,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateSequence failed", "error", err, "id", seq.ID)
		return fmt.Errorf("failed to update sequence %s: %w", seq.ID, err)
	}
	return nil
}

// DeleteSequence removes a sequence; its steps cascade.
func (s *SQLiteStore) DeleteSequence(id string) error {
	_, err := s.db.Exec(`DELETE FROM message_sequence WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore DeleteSequence failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete sequence %s: %w", id, err)
	}
	slog.Debug("SQLiteStore DeleteSequence succeeded", "id", id)
	return nil
}

// SearchSequencesByShortcutPrefix serves shortcut autocomplete.
func (s *SQLiteStore) SearchSequencesByShortcutPrefix(orgID, prefix string, limit int) ([]models.Sequence, error) {
	rows, err := s.db.Query(
		`SELECT `+sqliteSequenceColumns+` FROM message_sequence
		 WHERE org_id = ? AND shortcut LIKE ? || '%' AND status IN ('active', 'draft')
		 ORDER BY usage_count DESC, shortcut ASC
		 LIMIT ?`,
		orgID, prefix, limit,
	)
	if err != nil {
		slog.Error("SQLiteStore SearchSequencesByShortcutPrefix query failed", "error", err, "org", orgID)
		return nil, fmt.Errorf("failed to search sequences: %w", err)
	}
	defer rows.Close()

	var seqs []models.Sequence
	for rows.Next() {
		seq, err := scanSequence(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sequence row: %w", err)
		}
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sequence rows: %w", err)
	}
	return seqs, nil
}

// IncrementSequenceUsage bumps the sequence's usage counter.
func (s *SQLiteStore) IncrementSequenceUsage(id string) error {
	_, err := s.db.Exec(
		`UPDATE message_sequence SET usage_count = usage_count + 1, updated_at = ? WHERE id = ?`,
		time.Now(), id,
	)
	if err != nil {
		slog.Error("SQLiteStore IncrementSequenceUsage failed", "error", err, "id", id)
		return fmt.Errorf("failed to increment usage for sequence %s: %w", id, err)
	}
	return nil
}

const sqliteStepColumns = `id, sequence_id, step_order, step_type, body, media_url, file_name, media_type, delay_minutes, delay_seconds, created_at, updated_at`

// CreateStep inserts a new step at its assigned order.
func (s *SQLiteStore) CreateStep(st models.Step) error {
	_, err := s.db.Exec(
		`INSERT INTO message_sequence_step (`+sqliteStepColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.SequenceID, st.Order, string(st.Type), st.Body, st.MediaURL,
		st.FileName, st.MediaType, st.DelayMinutes, st.DelaySeconds, st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateStep failed", "error", err, "id", st.ID, "sequenceID", st.SequenceID)
		return fmt.Errorf("failed to insert step %s: %w", st.ID, err)
	}
	return nil
}

// GetStep retrieves a single step belonging to the sequence.
func (s *SQLiteStore) GetStep(sequenceID, id string) (*models.Step, error) {
	row := s.db.QueryRow(
		`SELECT `+sqliteStepColumns+` FROM message_sequence_step WHERE id = ? AND sequence_id = ?`,
		id, sequenceID,
	)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetStep failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get step %s: %w", id, err)
	}
	return &st, nil
}

// ListSteps retrieves a sequence's steps in order.
func (s *SQLiteStore) ListSteps(sequenceID string) ([]models.Step, error) {
	rows, err := s.db.Query(
		`SELECT `+sqliteStepColumns+` FROM message_sequence_step WHERE sequence_id = ? ORDER BY step_order ASC`,
		sequenceID,
	)
	if err != nil {
		slog.Error("SQLiteStore ListSteps query failed", "error", err, "sequenceID", sequenceID)
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []models.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate step rows: %w", err)
	}
	return steps, nil
}

// UpdateStep rewrites a step's type and content.
func (s *SQLiteStore) UpdateStep(st models.Step) error {
	_, err := s.db.Exec(
		`UPDATE message_sequence_step
		 SET step_type = ?, body = ?, media_url = ?, file_name = ?, media_type = ?, delay_minutes = ?, delay_seconds = ?, updated_at = ?
		 WHERE id = ? AND sequence_id = ?`,
		string(st.Type), st.Body, st.MediaURL, st.FileName, st.MediaType,
		st.DelayMinutes, st.DelaySeconds, st.UpdatedAt, st.ID, st.SequenceID,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateStep failed", "error", err, "id", st.ID)
		return fmt.Errorf("failed to update step %s: %w", st.ID, err)
	}
	return nil
}

// DeleteStep removes a step and compacts the remaining orders.
func (s *SQLiteStore) DeleteStep(sequenceID, id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete step transaction: %w", err)
	}
	defer tx.Rollback()

	var order int
	err = tx.QueryRow(
		`SELECT step_order FROM message_sequence_step WHERE id = ? AND sequence_id = ?`,
		id, sequenceID,
	).Scan(&order)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up step %s: %w", id, err)
	}

	if _, err := tx.Exec(`DELETE FROM message_sequence_step WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete step %s: %w", id, err)
	}
	_, err = tx.Exec(
		`UPDATE message_sequence_step SET step_order = step_order - 1, updated_at = ?
		 WHERE sequence_id = ? AND step_order > ?`,
		time.Now(), sequenceID, order,
	)
	if err != nil {
		return fmt.Errorf("failed to compact step orders: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete step transaction: %w", err)
	}
	return nil
}

// ReorderSteps rewrites each step's order to its position in stepIDs.
func (s *SQLiteStore) ReorderSteps(sequenceID string, stepIDs []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin reorder transaction: %w", err)
	}
	defer tx.Rollback()

	// Shift existing orders out of the way so the rewrite never collides.
	if _, err := tx.Exec(
		`UPDATE message_sequence_step SET step_order = step_order + ? WHERE sequence_id = ?`,
		len(stepIDs), sequenceID,
	); err != nil {
		return fmt.Errorf("failed to shift step orders: %w", err)
	}

	now := time.Now()
	for i, stepID := range stepIDs {
		res, err := tx.Exec(
			`UPDATE message_sequence_step SET step_order = ?, updated_at = ? WHERE id = ? AND sequence_id = ?`,
			i, now, stepID, sequenceID,
		)
		if err != nil {
			return fmt.Errorf("failed to reorder step %s: %w", stepID, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("step %s does not belong to sequence %s", stepID, sequenceID)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reorder transaction: %w", err)
	}
	return nil
}

// SaveConversation stores or updates conversation context.
func (s *SQLiteStore) SaveConversation(conv models.Conversation) error {
	_, err := s.db.Exec(
		`INSERT INTO conversation (id, org_id, channel, contact_address, contact_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			channel = excluded.channel,
			contact_address = excluded.contact_address,
			contact_name = excluded.contact_name`,
		conv.ID, conv.OrgID, string(conv.Channel), conv.ContactAddress, conv.ContactName, conv.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveConversation failed", "error", err, "id", conv.ID)
		return fmt.Errorf("failed to save conversation %s: %w", conv.ID, err)
	}
	return nil
}

// GetConversation retrieves conversation context by ID.
func (s *SQLiteStore) GetConversation(id string) (*models.Conversation, error) {
	var conv models.Conversation
	var channel string
	err := s.db.QueryRow(
		`SELECT id, org_id, channel, contact_address, contact_name, created_at FROM conversation WHERE id = ?`,
		id,
	).Scan(&conv.ID, &conv.OrgID, &channel, &conv.ContactAddress, &conv.ContactName, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversation failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	conv.Channel = models.ChannelType(channel)
	return &conv, nil
}
