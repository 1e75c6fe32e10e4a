package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// OAuthRepository defines the interface for external-identity links.
type OAuthRepository interface {
	Link(ctx context.Context, link *OAuthProvider) error
	GetByProviderID(ctx context.Context, provider, providerID string) (*OAuthProvider, error)
	ListByUser(ctx context.Context, userID string) ([]OAuthProvider, error)
	UpdateTokens(ctx context.Context, id string, link *OAuthProvider) error
	Unlink(ctx context.Context, id string) error
}

// SQLiteOAuthRepository implements OAuthRepository using SQLite.
type SQLiteOAuthRepository struct {
	db *sql.DB
}

// NewOAuthRepository creates a new SQLite-backed OAuth link repository.
func NewOAuthRepository(db *sql.DB) *SQLiteOAuthRepository {
	return &SQLiteOAuthRepository{db: db}
}

const oauthColumns = "id, user_id, provider, provider_id, access_token, refresh_token, expires_at, created_at"

// Link attaches an external identity to a user. The (provider, provider_id)
// pair is unique across all users - one external account links once.
func (r *SQLiteOAuthRepository) Link(ctx context.Context, link *OAuthProvider) error {
	if link.ID == "" {
		link.ID = "oap-" + uuid.NewString()[:8]
	}

	var expiresAt sql.NullString
	if link.ExpiresAt != nil {
		expiresAt = sql.NullString{String: formatTime(*link.ExpiresAt), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO oauth_providers (id, user_id, provider, provider_id, access_token, refresh_token, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		link.ID, link.UserID, link.Provider, link.ProviderID,
		link.AccessToken, nullString(link.RefreshToken), expiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOAuthLinkExists
		}
		return fmt.Errorf("linking oauth identity: %w", err)
	}
	return nil
}

// GetByProviderID retrieves a link by its external identity pair.
func (r *SQLiteOAuthRepository) GetByProviderID(ctx context.Context, provider, providerID string) (*OAuthProvider, error) {
	return scanOAuth(r.db.QueryRowContext(ctx,
		"SELECT "+oauthColumns+" FROM oauth_providers WHERE provider = ? AND provider_id = ?",
		provider, providerID))
}

// ListByUser returns all external identities linked to a user.
func (r *SQLiteOAuthRepository) ListByUser(ctx context.Context, userID string) ([]OAuthProvider, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+oauthColumns+" FROM oauth_providers WHERE user_id = ? ORDER BY provider ASC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("listing oauth links: %w", err)
	}
	defer rows.Close()

	var links []OAuthProvider
	for rows.Next() {
		link, err := scanOAuth(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, *link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating oauth links: %w", err)
	}

	if links == nil {
		links = []OAuthProvider{}
	}
	return links, nil
}

// UpdateTokens refreshes the stored access/refresh tokens after a provider
// token refresh.
func (r *SQLiteOAuthRepository) UpdateTokens(ctx context.Context, id string, link *OAuthProvider) error {
	var expiresAt sql.NullString
	if link.ExpiresAt != nil {
		expiresAt = sql.NullString{String: formatTime(*link.ExpiresAt), Valid: true}
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE oauth_providers SET access_token = ?, refresh_token = ?, expires_at = ? WHERE id = ?`,
		link.AccessToken, nullString(link.RefreshToken), expiresAt, id,
	)
	if err != nil {
		return fmt.Errorf("updating oauth tokens: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrOAuthLinkNotFound
	}
	return nil
}

// Unlink removes an external identity link by ID.
func (r *SQLiteOAuthRepository) Unlink(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM oauth_providers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("unlinking oauth identity: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrOAuthLinkNotFound
	}
	return nil
}

// scanOAuth scans an OAuth link from a sql.Row or sql.Rows.
func scanOAuth(s scanner) (*OAuthProvider, error) {
	var link OAuthProvider
	var refreshToken, expiresAt sql.NullString
	var createdAt string

	err := s.Scan(&link.ID, &link.UserID, &link.Provider, &link.ProviderID,
		&link.AccessToken, &refreshToken, &expiresAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOAuthLinkNotFound
		}
		return nil, fmt.Errorf("scanning oauth link: %w", err)
	}

	if refreshToken.Valid {
		link.RefreshToken = refreshToken.String
	}
	if expiresAt.Valid {
		t := parseTime(expiresAt.String)
		link.ExpiresAt = &t
	}
	link.CreatedAt = parseTime(createdAt)

	return &link, nil
}
