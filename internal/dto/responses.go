package dto

import (
	"time"

	"github.com/prperemyshlev/mailbox-connections/internal/domain"
)

// ConnectionResponse is the public view of a connection. It never carries secrets or IVs.
type ConnectionResponse struct {
	ID             string  `json:"id"`
	Provider       string  `json:"provider"`
	Email          string  `json:"email"`
	State          string  `json:"state"`
	IsActive       bool    `json:"is_active"`
	TokenExpiresAt *string `json:"token_expires_at,omitempty"`
	IMAPHost       *string `json:"imap_host,omitempty"`
	IMAPPort       *int    `json:"imap_port,omitempty"`
	IMAPUsername   *string `json:"imap_username,omitempty"`
	Notes          *string `json:"notes,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

// ConnectionListResponse wraps a list of connections
type ConnectionListResponse struct {
	Connections []ConnectionResponse `json:"connections"`
	Total       int                  `json:"total"`
}

// AuthorizationURLResponse is returned when an OAuth flow is started
type AuthorizationURLResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	Provider         string `json:"provider"`
}

// ValidationResponse reports whether stored credentials are usable
type ValidationResponse struct {
	Valid bool `json:"valid"`
}

// TestResponse reports the result of a live connection test
type TestResponse struct {
	Success bool `json:"success"`
}

// SyncResponse reports the result of a manual credential sync
type SyncResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// NewConnectionResponse converts a domain connection into its public view
func NewConnectionResponse(c *domain.Connection, now time.Time) ConnectionResponse {
	resp := ConnectionResponse{
		ID:           c.ID,
		Provider:     string(c.Provider),
		Email:        c.Email,
		State:        string(c.State(now)),
		IsActive:     c.IsActive,
		IMAPHost:     c.IMAPHost,
		IMAPPort:     c.IMAPPort,
		IMAPUsername: c.IMAPUsername,
		Notes:        c.Notes,
		CreatedAt:    c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    c.UpdatedAt.Format(time.RFC3339),
	}
	if c.TokenExpiresAt != nil {
		expires := c.TokenExpiresAt.Format(time.RFC3339)
		resp.TokenExpiresAt = &expires
	}
	return resp
}

// NewConnectionListResponse converts a list of connections
func NewConnectionListResponse(conns []*domain.Connection, now time.Time) ConnectionListResponse {
	out := ConnectionListResponse{Connections: make([]ConnectionResponse, 0, len(conns))}
	for _, c := range conns {
		out.Connections = append(out.Connections, NewConnectionResponse(c, now))
	}
	out.Total = len(out.Connections)
	return out
}
