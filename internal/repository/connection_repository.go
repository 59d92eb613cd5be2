package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/prperemyshlev/mailbox-connections/internal/domain"
	"github.com/prperemyshlev/mailbox-connections/pkg/database"
)

const connectionColumns = `
	id, user_id, provider, email,
	encrypted_access_token, encrypted_refresh_token, token_expires_at,
	imap_host, imap_port, imap_username, encrypted_imap_password, imap_password,
	encryption_iv, is_active, notes, created_at, updated_at`

// connectionRepository implements ConnectionRepository interface
type connectionRepository struct {
	db *database.Postgres
}

// NewConnectionRepository creates a new connection repository
func NewConnectionRepository(db *database.Postgres) ConnectionRepository {
	return &connectionRepository{db: db}
}

// Create creates a new connection
func (r *connectionRepository) Create(ctx context.Context, conn *domain.Connection) error {
	query := `
		INSERT INTO mailbox_connections (
			id, user_id, provider, email,
			encrypted_access_token, encrypted_refresh_token, token_expires_at,
			imap_host, imap_port, imap_username, encrypted_imap_password,
			encryption_iv, is_active, notes, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}

	now := time.Now()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now

	_, err := r.db.DB.ExecContext(ctx, query,
		conn.ID,
		conn.UserID,
		conn.Provider,
		conn.Email,
		conn.EncryptedAccessToken,
		conn.EncryptedRefreshToken,
		conn.TokenExpiresAt,
		conn.IMAPHost,
		conn.IMAPPort,
		conn.IMAPUsername,
		conn.EncryptedIMAPPassword,
		conn.EncryptionIV,
		conn.IsActive,
		conn.Notes,
		conn.CreatedAt,
		conn.UpdatedAt,
	)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return fmt.Errorf("%s connection for user %s: %w", conn.Provider, conn.UserID, ErrDuplicateConnection)
		}
		return fmt.Errorf("failed to create connection: %w", err)
	}

	return nil
}

// GetByID retrieves a connection by ID regardless of owner
func (r *connectionRepository) GetByID(ctx context.Context, id string) (*domain.Connection, error) {
	if !validID(id) {
		return nil, fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	query := `SELECT ` + connectionColumns + ` FROM mailbox_connections WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetByUserAndID retrieves a connection by ID owned by the user
func (r *connectionRepository) GetByUserAndID(ctx context.Context, userID, id string) (*domain.Connection, error) {
	if !validID(id) {
		return nil, fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	query := `SELECT ` + connectionColumns + ` FROM mailbox_connections WHERE id = $1 AND user_id = $2`
	return r.getOne(ctx, query, id, userID)
}

// GetByUserAndProvider retrieves the user's connection for a provider
func (r *connectionRepository) GetByUserAndProvider(ctx context.Context, userID string, provider domain.Provider) (*domain.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM mailbox_connections WHERE user_id = $1 AND provider = $2`
	return r.getOne(ctx, query, userID, provider)
}

// ListByUser retrieves all connections of a user, newest first
func (r *connectionRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM mailbox_connections WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.DB.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections by user id: %w", err)
	}
	defer rows.Close()

	connections := make([]*domain.Connection, 0)
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		connections = append(connections, conn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connections: %w", err)
	}

	return connections, nil
}

// Update updates a connection. The legacy plaintext password column is never written.
func (r *connectionRepository) Update(ctx context.Context, conn *domain.Connection) error {
	query := `
		UPDATE mailbox_connections
		SET email = $2,
			encrypted_access_token = $3,
			encrypted_refresh_token = $4,
			token_expires_at = $5,
			imap_host = $6,
			imap_port = $7,
			imap_username = $8,
			encrypted_imap_password = $9,
			encryption_iv = $10,
			is_active = $11,
			notes = $12,
			updated_at = $13
		WHERE id = $1
	`

	conn.UpdatedAt = time.Now()

	result, err := r.db.DB.ExecContext(ctx, query,
		conn.ID,
		conn.Email,
		conn.EncryptedAccessToken,
		conn.EncryptedRefreshToken,
		conn.TokenExpiresAt,
		conn.IMAPHost,
		conn.IMAPPort,
		conn.IMAPUsername,
		conn.EncryptedIMAPPassword,
		conn.EncryptionIV,
		conn.IsActive,
		conn.Notes,
		conn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}

	return expectOneRow(result, conn.ID)
}

// UpdateMetadata updates the user-editable fields of a connection owned by userID
func (r *connectionRepository) UpdateMetadata(ctx context.Context, userID, id string, isActive bool, notes *string) error {
	if !validID(id) {
		return fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}

	query := `
		UPDATE mailbox_connections
		SET is_active = $3,
			notes = $4,
			updated_at = $5
		WHERE id = $1 AND user_id = $2
	`

	result, err := r.db.DB.ExecContext(ctx, query, id, userID, isActive, notes, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update connection metadata: %w", err)
	}

	return expectOneRow(result, id)
}

// UpdateCredentials stores refreshed ciphertexts together with their IV and expiry
func (r *connectionRepository) UpdateCredentials(ctx context.Context, id string, bundle domain.EncryptedBundle, expiresAt *time.Time) error {
	if !validID(id) {
		return fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}

	query := `
		UPDATE mailbox_connections
		SET encrypted_access_token = $2,
			encrypted_refresh_token = $3,
			encrypted_imap_password = $4,
			encryption_iv = $5,
			token_expires_at = $6,
			updated_at = $7
		WHERE id = $1
	`

	result, err := r.db.DB.ExecContext(ctx, query,
		id,
		bundle.EncryptedAccessToken,
		bundle.EncryptedRefreshToken,
		bundle.EncryptedIMAPPassword,
		bundle.IV,
		expiresAt,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to update connection credentials: %w", err)
	}

	return expectOneRow(result, id)
}

// Delete deletes a connection owned by the user
func (r *connectionRepository) Delete(ctx context.Context, userID, id string) error {
	if !validID(id) {
		return fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}

	query := `DELETE FROM mailbox_connections WHERE id = $1 AND user_id = $2`

	result, err := r.db.DB.ExecContext(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}

	return expectOneRow(result, id)
}

func (r *connectionRepository) getOne(ctx context.Context, query string, args ...any) (*domain.Connection, error) {
	conn, err := scanConnection(r.db.DB.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("connection not found: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*domain.Connection, error) {
	conn := &domain.Connection{}
	var (
		accessToken, refreshToken, imapHost, imapUsername sql.NullString
		imapPassword, legacyPassword, iv, notes            sql.NullString
		imapPort                                           sql.NullInt64
		expiresAt                                          sql.NullTime
	)

	err := row.Scan(
		&conn.ID,
		&conn.UserID,
		&conn.Provider,
		&conn.Email,
		&accessToken,
		&refreshToken,
		&expiresAt,
		&imapHost,
		&imapPort,
		&imapUsername,
		&imapPassword,
		&legacyPassword,
		&iv,
		&conn.IsActive,
		&notes,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	conn.EncryptedAccessToken = nullString(accessToken)
	conn.EncryptedRefreshToken = nullString(refreshToken)
	conn.IMAPHost = nullString(imapHost)
	conn.IMAPUsername = nullString(imapUsername)
	conn.EncryptedIMAPPassword = nullString(imapPassword)
	conn.LegacyIMAPPassword = nullString(legacyPassword)
	conn.EncryptionIV = nullString(iv)
	conn.Notes = nullString(notes)

	if imapPort.Valid {
		port := int(imapPort.Int64)
		conn.IMAPPort = &port
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		conn.TokenExpiresAt = &t
	}

	return conn, nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func expectOneRow(result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("connection with id %s not found: %w", id, ErrNotFound)
	}

	return nil
}

// validID rejects ids PostgreSQL would fail to cast to uuid
func validID(id string) bool {
	return uuid.Validate(id) == nil
}
