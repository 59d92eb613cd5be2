package dto

// StartOAuthRequest represents a request to begin an OAuth authorization
type StartOAuthRequest struct {
	RedirectURI string `json:"redirect_uri" binding:"required,url"`
}

// IMAPConnectionRequest represents a request to store IMAP credentials
type IMAPConnectionRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Host     string `json:"imap_host" binding:"required"`
	Port     int    `json:"imap_port" binding:"required,min=1,max=65535"`
	Username string `json:"imap_username"`
	Password string `json:"imap_password" binding:"required"`
}

// UpdateConnectionRequest represents a partial connection update.
// Omitted fields are left unchanged; an empty notes string clears the notes.
type UpdateConnectionRequest struct {
	IsActive *bool   `json:"is_active"`
	Notes    *string `json:"notes" binding:"omitempty,max=1000"`
}

// SyncRequest optionally carries a request id to correlate the push downstream
type SyncRequest struct {
	RequestID string `json:"request_id"`
}

// SuccessResponse represents a success response
type SuccessResponse struct {
	Message string `json:"message"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}
