// Package store provides storage backends for DripFlow.
//
// This file implements the PostgreSQL-backed store for sequences, steps and
// conversation context.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/flowdesk/DripFlow/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}

const postgresSequenceColumns = `id, org_id, name, shortcut, description, status, trigger_type, trigger_config, usage_count, created_at, updated_at`

// CreateSequence inserts a new sequence definition.
func (s *PostgresStore) CreateSequence(seq models.Sequence) error {
	_, err := s.db.Exec(
		`INSERT INTO message_sequence (`+postgresSequenceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		seq.ID, seq.OrgID, seq.Name, nilIfEmpty(seq.Shortcut), seq.Description, string(seq.Status),
		seq.TriggerType, seq.TriggerConfig, seq.UsageCount, seq.CreatedAt, seq.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore CreateSequence failed", "error", err, "id", seq.ID)
		return fmt.Errorf("failed to insert sequence %s: %w", seq.ID, err)
	}
	slog.Debug("PostgresStore CreateSequence succeeded", "id", seq.ID, "org", seq.OrgID)
	return nil
}

// GetSequence retrieves a sequence by ID within one organization.
func (s *PostgresStore) GetSequence(orgID, id string) (*models.Sequence, error) {
	row := s.db.QueryRow(
		`SELECT `+postgresSequenceColumns+` FROM message_sequence WHERE id = $1 AND org_id = $2`,
		id, orgID,
	)
	seq, err := scanSequence(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetSequence not found", "id", id, "org", orgID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSequence failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get sequence %s: %w", id, err)
	}
	return &seq, nil
}

// GetSequenceByShortcut retrieves a sequence by its normalized shortcut.
func (s *PostgresStore) GetSequenceByShortcut(orgID, shortcut string) (*models.Sequence, error) {
	row := s.db.QueryRow(
		`SELECT `+postgresSequenceColumns+` FROM message_sequence WHERE org_id = $1 AND shortcut = $2`,
		orgID, shortcut,
	)
	seq, err := scanSequence(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSequenceByShortcut failed", "error", err, "shortcut", shortcut)
		return nil, fmt.Errorf("failed to get sequence by shortcut %s: %w", shortcut, err)
	}
	return &seq, nil
}

// ListSequences retrieves all sequences for an organization, newest first.
func (s *PostgresStore) ListSequences(orgID string) ([]models.Sequence, error) {
	rows, err := s.db.Query(
		`SELECT `+postgresSequenceColumns+` FROM message_sequence WHERE org_id = $1 ORDER BY created_at DESC`,
		orgID,
	)
	if err != nil {
		slog.Error("PostgresStore ListSequences query failed", "error", err, "org", orgID)
		return nil, fmt.Errorf("failed to query sequences: %w", err)
	}
	defer rows.Close()

	var seqs []models.Sequence
	for rows.Next() {
		seq, err := scanSequence(rows)
		if err != nil {
			slog.Error("PostgresStore ListSequences scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan sequence row: %w", err)
		}
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sequence rows: %w", err)
	}
	slog.Debug("PostgresStore ListSequences succeeded", "org", orgID, "count", len(seqs))
	return seqs, nil
}

// UpdateSequence rewrites a sequence's mutable attributes.
func (s *PostgresStore) UpdateSequence(seq models.Sequence) error {
	_, err := s.db.Exec(
		`UPDATE message_sequence
		 SET name = $1, shortcut = $2, description = $3, status = $4, trigger_type = $5, trigger_config = $6, updated_at = $7
		 WHERE id = $8`,
		seq.Name, nilIfEmpty(seq.Shortcut), seq.Description, string(seq.Status),
		seq.TriggerType, seq.TriggerConfig, seq.UpdatedAt, seq.ID,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateSequence failed", "error", err, "id", seq.ID)
		return fmt.Errorf("failed to update sequence %s: %w", seq.ID, err)
	}
	slog.Debug("PostgresStore UpdateSequence succeeded", "id", seq.ID)
	return nil
}

// DeleteSequence removes a sequence; its steps cascade.
func (s *PostgresStore) DeleteSequence(id string) error {
	_, err := s.db.Exec(`DELETE FROM message_sequence WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore DeleteSequence failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete sequence %s: %w", id, err)
	}
	slog.Debug("PostgresStore DeleteSequence succeeded", "id", id)
	return nil
}

// SearchSequencesByShortcutPrefix serves shortcut autocomplete.
func (s *PostgresStore) SearchSequencesByShortcutPrefix(orgID, prefix string, limit int) ([]models.Sequence, error) {
	rows, err := s.db.Query(
		`SELECT `+postgresSequenceColumns+` FROM message_sequence
		 WHERE org_id = $1 AND shortcut LIKE $2 || '%' AND status IN ('active', 'draft')
		 ORDER BY usage_count DESC, shortcut ASC
		 LIMIT $3`,
		orgID, prefix, limit,
	)
	if err != nil {
		slog.Error("PostgresStore SearchSequencesByShortcutPrefix query failed", "error", err, "org", orgID)
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
func (s *PostgresStore) IncrementSequenceUsage(id string) error {
	_, err := s.db.Exec(
		`UPDATE message_sequence SET usage_count = usage_count + 1, updated_at = $1 WHERE id = $2`,
		time.Now(), id,
	)
	if err != nil {
		slog.Error("PostgresStore IncrementSequenceUsage failed", "error", err, "id", id)
		return fmt.Errorf("failed to increment usage for sequence %s: %w", id, err)
	}
	return nil
}

const postgresStepColumns = `id, sequence_id, step_order, step_type, body, media_url, file_name, media_type, delay_minutes, delay_seconds, created_at, updated_at`

// CreateStep inserts a new step at its assigned order.
func (s *PostgresStore) CreateStep(st models.Step) error {
	_, err := s.db.Exec(
		`INSERT INTO message_sequence_step (`+postgresStepColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		st.ID, st.SequenceID, st.Order, string(st.Type), st.Body, st.MediaURL,
		st.FileName, st.MediaType, st.DelayMinutes, st.DelaySeconds, st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore CreateStep failed", "error", err, "id", st.ID, "sequenceID", st.SequenceID)
		return fmt.Errorf("failed to insert step %s: %w", st.ID, err)
	}
	slog.Debug("PostgresStore CreateStep succeeded", "id", st.ID, "sequenceID", st.SequenceID, "order", st.Order)
	return nil
}

// GetStep retrieves a single step belonging to the sequence.
func (s *PostgresStore) GetStep(sequenceID, id string) (*models.Step, error) {
	row := s.db.QueryRow(
		`SELECT `+postgresStepColumns+` FROM message_sequence_step WHERE id = $1 AND sequence_id = $2`,
		id, sequenceID,
	)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetStep failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get step %s: %w", id, err)
	}
	return &st, nil
}

// ListSteps retrieves a sequence's steps in order.
func (s *PostgresStore) ListSteps(sequenceID string) ([]models.Step, error) {
	rows, err := s.db.Query(
		`SELECT `+postgresStepColumns+` FROM message_sequence_step WHERE sequence_id = $1 ORDER BY step_order ASC`,
		sequenceID,
	)
	if err != nil {
		slog.Error("PostgresStore ListSteps query failed", "error", err, "sequenceID", sequenceID)
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
func (s *PostgresStore) UpdateStep(st models.Step) error {
	_, err := s.db.Exec(
		`UPDATE message_sequence_step
		 SET step_type = $1, body = $2, media_url = $3, file_name = $4, media_type = $5, delay_minutes = $6, delay_seconds = $7, updated_at = $8
		 WHERE id = $9 AND sequence_id = $10`,
		string(st.Type), st.Body, st.MediaURL, st.FileName, st.MediaType,
		st.DelayMinutes, st.DelaySeconds, st.UpdatedAt, st.ID, st.SequenceID,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateStep failed", "error", err, "id", st.ID)
		return fmt.Errorf("failed to update step %s: %w", st.ID, err)
	}
	return nil
}

// DeleteStep removes a step and compacts the remaining orders.
func (s *PostgresStore) DeleteStep(sequenceID, id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete step transaction: %w", err)
	}
	defer tx.Rollback()

	var order int
	err = tx.QueryRow(
		`SELECT step_order FROM message_sequence_step WHERE id = $1 AND sequence_id = $2`,
		id, sequenceID,
	).Scan(&order)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up step %s: %w", id, err)
	}

	if _, err := tx.Exec(`DELETE FROM message_sequence_step WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete step %s: %w", id, err)
	}
	_, err = tx.Exec(
		`UPDATE message_sequence_step SET step_order = step_order - 1, updated_at = $1
		 WHERE sequence_id = $2 AND step_order > $3`,
		time.Now(), sequenceID, order,
	)
	if err != nil {
		return fmt.Errorf("failed to compact step orders: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete step transaction: %w", err)
	}
	slog.Debug("PostgresStore DeleteStep succeeded", "id", id, "sequenceID", sequenceID)
	return nil
}

// ReorderSteps rewrites each step's order to its position in stepIDs.
func (s *PostgresStore) ReorderSteps(sequenceID string, stepIDs []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin reorder transaction: %w", err)
	}
	defer tx.Rollback()

	// Shift existing orders out of the way so the rewrite never collides.
	if _, err := tx.Exec(
		`UPDATE message_sequence_step SET step_order = step_order + $1 WHERE sequence_id = $2`,
		len(stepIDs), sequenceID,
	); err != nil {
		return fmt.Errorf("failed to shift step orders: %w", err)
	}

	now := time.Now()
	for i, stepID := range stepIDs {
		res, err := tx.Exec(
			`UPDATE message_sequence_step SET step_order = $1, updated_at = $2 WHERE id = $3 AND sequence_id = $4`,
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
	slog.Debug("PostgresStore ReorderSteps succeeded", "sequenceID", sequenceID, "count", len(stepIDs))
	return nil
}

// SaveConversation stores or updates conversation context.
func (s *PostgresStore) SaveConversation(conv models.Conversation) error {
	_, err := s.db.Exec(
		`INSERT INTO conversation (id, org_id, channel, contact_address, contact_name, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
			channel = EXCLUDED.channel,
			contact_address = EXCLUDED.contact_address,
			contact_name = EXCLUDED.contact_name`,
		conv.ID, conv.OrgID, string(conv.Channel), conv.ContactAddress, conv.ContactName, conv.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveConversation failed", "error", err, "id", conv.ID)
		return fmt.Errorf("failed to save conversation %s: %w", conv.ID, err)
	}
	return nil
}

// GetConversation retrieves conversation context by ID.
func (s *PostgresStore) GetConversation(id string) (*models.Conversation, error) {
	var conv models.Conversation
	var channel string
	err := s.db.QueryRow(
		`SELECT id, org_id, channel, contact_address, contact_name, created_at FROM conversation WHERE id = $1`,
		id,
	).Scan(&conv.ID, &conv.OrgID, &channel, &conv.ContactAddress, &conv.ContactName, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetConversation failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	conv.Channel = models.ChannelType(channel)
	return &conv, nil
}
