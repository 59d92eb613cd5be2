package transmission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prperemyshlev/mailbox-connections/internal/domain"
	"go.uber.org/zap"
)

const (
	syncPath           = "/api/credentials/sync"
	serviceKeyHeader   = "X-Service-Key"
	requestIDHeader    = "X-Request-ID"
	maxResponseBodyLen = 1024
)

// Credentials are the plaintext secrets forwarded to the Stage Updater.
// OAuth and IMAP connections populate disjoint field sets.
type Credentials struct {
	AccessToken    string     `json:"accessToken,omitempty"`
	RefreshToken   string     `json:"refreshToken,omitempty"`
	TokenExpiresAt *time.Time `json:"tokenExpiresAt,omitempty"`

	IMAPServer   string `json:"imapServer,omitempty"`
	IMAPPort     int    `json:"imapPort,omitempty"`
	IMAPUsername string `json:"imapUsername,omitempty"`
	IMAPPassword string `json:"imapPassword,omitempty"`
}

// CredentialPayload is the request body of a credential sync
type CredentialPayload struct {
	UserID       string          `json:"userId"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Provider     domain.Provider `json:"provider"`
	Email        string          `json:"email"`
	Credentials  Credentials     `json:"credentials"`
}

type SendOptions struct {
	RequestID string
}

type Config struct {
	URL        string
	ServiceKey string
	Timeout    time.Duration
}

// Client pushes decrypted credentials to the Stage Updater. It is the only component that sends
// plaintext secrets out of the process.
type Client struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		serviceKey: cfg.ServiceKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("transmission"),
	}
}

// SendCredentials POSTs the payload to {URL}/api/credentials/sync
func (c *Client) SendCredentials(ctx context.Context, payload CredentialPayload, opts SendOptions) error {
	if c.baseURL == "" {
		return fmt.Errorf("stage updater url is not configured: %w", domain.ErrConfiguration)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+syncPath, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// the header is sent even when empty so the receiver can tell a misconfigured caller apart
	req.Header[serviceKeyHeader] = []string{c.serviceKey}
	if opts.RequestID != "" {
		req.Header.Set(requestIDHeader, opts.RequestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send credentials: %v: %w", err, domain.ErrTransmission)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyLen))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("Stage updater rejected credentials",
			zap.String("connection_id", payload.ConnectionID),
			zap.String("request_id", opts.RequestID),
			zap.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("stage updater responded with status %d, body: %s: %w",
			resp.StatusCode, strings.TrimSpace(string(body)), domain.ErrTransmission)
	}

	c.logger.Debug("Credentials sent",
		zap.String("connection_id", payload.ConnectionID),
		zap.String("provider", string(payload.Provider)),
		zap.String("request_id", opts.RequestID),
		zap.Int("status", resp.StatusCode),
	)

	return nil
}
