// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides integration/link/thread persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS integrations (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			team_id TEXT NOT NULL,
			config TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_integrations_type
			ON integrations(type);

		CREATE TABLE IF NOT EXISTS identity_links (
			id TEXT PRIMARY KEY,
			integration_id TEXT NOT NULL,
			external_user_id TEXT NOT NULL,
			external_user_name TEXT NOT NULL,
			internal_user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (integration_id) REFERENCES integrations(id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_links_integration_external
			ON identity_links(integration_id, external_user_id);

		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			integration_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			external_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_threads_integration_external
			ON threads(integration_id, channel_id, external_id);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			platform_message_id TEXT,
			role TEXT NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (thread_id) REFERENCES threads(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_thread_id
			ON messages(thread_id);

		CREATE INDEX IF NOT EXISTS idx_messages_platform_id
			ON messages(platform_message_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// CreateIntegration persists a new integration
func (s *SQLiteStore) CreateIntegration(ctx context.Context, integration *Integration) error {
	now := time.Now().UTC()
	if integration.ID == "" {
		integration.ID = uuid.New().String()
	}
	integration.CreatedAt = now
	integration.UpdatedAt = now

	cfg, err := json.Marshal(integration.Config)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO integrations (id, type, team_id, config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		integration.ID, integration.Type, integration.TeamID, string(cfg),
		integration.CreatedAt, integration.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting integration: %w", err)
	}
	return nil
}

// GetIntegration retrieves an integration by ID
func (s *SQLiteStore) GetIntegration(ctx context.Context, id string) (*Integration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, team_id, config, created_at, updated_at
		 FROM integrations WHERE id = ?`, id)
	return scanIntegration(row)
}

// ListIntegrations returns all integrations of the given type
func (s *SQLiteStore) ListIntegrations(ctx context.Context, integrationType string) ([]*Integration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, team_id, config, created_at, updated_at
		 FROM integrations WHERE type = ? ORDER BY created_at`, integrationType)
	if err != nil {
		return nil, fmt.Errorf("querying integrations: %w", err)
	}
	defer rows.Close()

	var integrations []*Integration
	for rows.Next() {
		integration, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		integrations = append(integrations, integration)
	}
	return integrations, rows.Err()
}

// UpdateIntegrationConfig replaces the stored config for an integration
func (s *SQLiteStore) UpdateIntegrationConfig(ctx context.Context, id string, cfg IntegrationConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET config = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating integration config: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteIntegration removes an integration
func (s *SQLiteStore) DeleteIntegration(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM integrations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting integration: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for shared scan helpers
type scanner interface {
	Scan(dest ...any) error
}

func scanIntegration(row scanner) (*Integration, error) {
	var integration Integration
	var cfg string
	err := row.Scan(&integration.ID, &integration.Type, &integration.TeamID,
		&cfg, &integration.CreatedAt, &integration.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning integration: %w", err)
	}
	if err := json.Unmarshal([]byte(cfg), &integration.Config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &integration, nil
}

// GetLinkByExternalID resolves an external platform user to an internal user
func (s *SQLiteStore) GetLinkByExternalID(ctx context.Context, integrationID, externalUserID string) (*IdentityLink, error) {
	var link IdentityLink
	err := s.db.QueryRowContext(ctx,
		`SELECT id, integration_id, external_user_id, external_user_name, internal_user_id, created_at
		 FROM identity_links WHERE integration_id = ? AND external_user_id = ?`,
		integrationID, externalUserID,
	).Scan(&link.ID, &link.IntegrationID, &link.ExternalUserID,
		&link.ExternalUserName, &link.InternalUserID, &link.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying identity link: %w", err)
	}
	return &link, nil
}

// CreateLink records a new identity link
func (s *SQLiteStore) CreateLink(ctx context.Context, link *IdentityLink) error {
	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	link.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identity_links (id, integration_id, external_user_id, external_user_name, internal_user_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		link.ID, link.IntegrationID, link.ExternalUserID,
		link.ExternalUserName, link.InternalUserID, link.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateLink
		}
		return fmt.Errorf("inserting identity link: %w", err)
	}
	return nil
}

// GetOrCreateThread returns the thread for (integration, channel, external id),
// creating it if it does not exist
func (s *SQLiteStore) GetOrCreateThread(ctx context.Context, integrationID, channelID, externalID string) (*Thread, error) {
	var thread Thread
	err := s.db.QueryRowContext(ctx,
		`SELECT id, integration_id, channel_id, external_id, created_at, updated_at
		 FROM threads WHERE integration_id = ? AND channel_id = ? AND external_id = ?`,
		integrationID, channelID, externalID,
	).Scan(&thread.ID, &thread.IntegrationID, &thread.ChannelID,
		&thread.ExternalID, &thread.CreatedAt, &thread.UpdatedAt)
	if err == nil {
		return &thread, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying thread: %w", err)
	}

	now := time.Now().UTC()
	thread = Thread{
		ID:            uuid.New().String(),
		IntegrationID: integrationID,
		ChannelID:     channelID,
		ExternalID:    externalID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads (id, integration_id, channel_id, external_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		thread.ID, thread.IntegrationID, thread.ChannelID,
		thread.ExternalID, thread.CreatedAt, thread.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting thread: %w", err)
	}
	return &thread, nil
}

// AppendMessage appends a message to a thread
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, platform_message_id, role, sender, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ThreadID, msg.PlatformMessageID,
		msg.Role, msg.Sender, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE threads SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), msg.ThreadID)
	if err != nil {
		return fmt.Errorf("touching thread: %w", err)
	}
	return nil
}

// ListMessages returns all messages in a thread ordered by creation time ascending
func (s *SQLiteStore) ListMessages(ctx context.Context, threadID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, platform_message_id, role, sender, content, created_at
		 FROM messages WHERE thread_id = ? ORDER BY created_at ASC, id ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.PlatformMessageID,
			&msg.Role, &msg.Sender, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// HasPlatformMessage reports whether a platform message id has already been persisted
func (s *SQLiteStore) HasPlatformMessage(ctx context.Context, platformMessageID string) (bool, error) {
	if platformMessageID == "" {
		return false, nil
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE platform_message_id = ?`, platformMessageID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("querying platform message: %w", err)
	}
	return count > 0, nil
}

// Close releases database resources
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether the error is a SQLite unique constraint failure
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
