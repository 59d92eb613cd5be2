package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prperemyshlev/mailbox-connections/internal/domain"
	"github.com/prperemyshlev/mailbox-connections/internal/encryption"
	"github.com/prperemyshlev/mailbox-connections/internal/oauth"
	"github.com/prperemyshlev/mailbox-connections/internal/repository"
	"github.com/prperemyshlev/mailbox-connections/internal/transmission"
	"github.com/prperemyshlev/mailbox-connections/internal/utils"
	"go.uber.org/zap"
)

// connectionService implements ConnectionService interface
type connectionService struct {
	repo         repository.ConnectionRepository
	queue        repository.SyncQueue
	codec        *encryption.Codec
	providers    ProviderRegistry
	states       StateStore
	sender       CredentialSender
	prober       Prober
	probeTimeout time.Duration
	metrics      *Metrics
	logger       *zap.Logger
}

// NewConnectionService creates a new connection service
func NewConnectionService(
	repo repository.ConnectionRepository,
	queue repository.SyncQueue,
	codec *encryption.Codec,
	providers ProviderRegistry,
	states StateStore,
	sender CredentialSender,
	prober Prober,
	probeTimeout time.Duration,
	metrics *Metrics,
	logger *zap.Logger,
) ConnectionService {
	return &connectionService{
		repo:         repo,
		queue:        queue,
		codec:        codec,
		providers:    providers,
		states:       states,
		sender:       sender,
		prober:       prober,
		probeTimeout: probeTimeout,
		metrics:      metrics,
		logger:       logger.Named("connections"),
	}
}

// StartOAuth returns the provider authorization URL for the user
func (s *connectionService) StartOAuth(ctx context.Context, userID string, provider domain.Provider, redirectURI string) (string, error) {
	if userID == "" || redirectURI == "" {
		return "", fmt.Errorf("user id and redirect uri are required: %w", domain.ErrInvalidInput)
	}

	p, err := s.providers.Get(provider)
	if err != nil {
		return "", err
	}

	state, err := oauth.NewState(userID, provider).Encode()
	if err != nil {
		return "", err
	}

	authURL, err := p.AuthCodeURL(state, redirectURI)
	if err != nil {
		return "", err
	}

	if err := s.states.Save(ctx, state); err != nil {
		return "", fmt.Errorf("failed to record oauth state: %w", err)
	}

	s.logger.Info("OAuth flow started", zap.String("user_id", userID), zap.String("provider", string(provider)))
	return authURL, nil
}

// HandleOAuthCallback validates the returned state and completes the flow for its owner
func (s *connectionService) HandleOAuthCallback(ctx context.Context, state, code, redirectURI string) (*domain.Connection, error) {
	if state == "" || code == "" {
		return nil, fmt.Errorf("state and code are required: %w", domain.ErrInvalidInput)
	}

	st, err := oauth.DecodeState(state)
	if err != nil {
		return nil, err
	}

	// the store holds the canonical encoding, whatever form the redirect handed back
	canonical, err := st.Encode()
	if err != nil {
		return nil, err
	}

	ok, err := s.states.Consume(ctx, canonical)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("oauth state is unknown, expired or already used: %w", domain.ErrInvalidInput)
	}

	return s.CompleteOAuth(ctx, st.UserID, st.Provider, code, redirectURI)
}

// CompleteOAuth exchanges the authorization code and stores the connection
func (s *connectionService) CompleteOAuth(ctx context.Context, userID string, provider domain.Provider, code, redirectURI string) (*domain.Connection, error) {
	if userID == "" || code == "" {
		return nil, fmt.Errorf("user id and code are required: %w", domain.ErrInvalidInput)
	}

	p, err := s.providers.Get(provider)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With(zap.String("user_id", userID), zap.String("provider", string(provider)))

	token, err := p.ExchangeCode(ctx, code, redirectURI)
	if err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, &domain.ProviderError{Provider: provider, Op: "code exchange", Err: errors.New("response contains no access token")}
	}
	if token.RefreshToken == "" {
		logger.Warn("Provider returned no refresh token, connection cannot be refreshed after expiry")
	}

	email, err := p.FetchUserEmail(ctx, token.AccessToken)
	if err != nil {
		return nil, err
	}

	encrypted, err := s.codec.EncryptBundle(domain.CredentialBundle{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt tokens: %w", err)
	}

	conn := &domain.Connection{
		UserID:         userID,
		Provider:       provider,
		Email:          utils.SanitizeEmail(email),
		TokenExpiresAt: token.ExpiresAt,
		IsActive:       true,
	}
	conn.SetEncryptedBundle(encrypted)

	saved, err := s.save(ctx, conn)
	if err != nil {
		return nil, err
	}

	logger.Info("OAuth connection stored", zap.String("connection_id", saved.ID), zap.String("email", saved.Email))
	s.enqueueSync(ctx, saved)

	return saved, nil
}

// AddIMAPConnection stores an IMAP connection with an encrypted password
func (s *connectionService) AddIMAPConnection(ctx context.Context, userID string, in IMAPConnectionInput) (*domain.Connection, error) {
	email := utils.SanitizeEmail(in.Email)
	username := in.Username
	if username == "" {
		username = email
	}

	switch {
	case userID == "":
		return nil, fmt.Errorf("user id is required: %w", domain.ErrInvalidInput)
	case !utils.ValidateEmail(email):
		return nil, fmt.Errorf("invalid email format: %w", domain.ErrInvalidInput)
	case !utils.ValidateHost(in.Host):
		return nil, fmt.Errorf("invalid imap host: %w", domain.ErrInvalidInput)
	case !utils.ValidatePort(in.Port):
		return nil, fmt.Errorf("imap port must be between 1 and 65535: %w", domain.ErrInvalidInput)
	case in.Password == "":
		return nil, fmt.Errorf("imap password is required: %w", domain.ErrInvalidInput)
	}

	encrypted, err := s.codec.EncryptBundle(domain.CredentialBundle{IMAPPassword: in.Password})
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt imap password: %w", err)
	}

	host, port := in.Host, in.Port
	conn := &domain.Connection{
		UserID:       userID,
		Provider:     domain.ProviderIMAP,
		Email:        email,
		IMAPHost:     &host,
		IMAPPort:     &port,
		IMAPUsername: &username,
		IsActive:     true,
	}
	conn.SetEncryptedBundle(encrypted)

	saved, err := s.save(ctx, conn)
	if err != nil {
		return nil, err
	}

	s.logger.Info("IMAP connection stored",
		zap.String("user_id", userID),
		zap.String("connection_id", saved.ID),
		zap.String("host", host),
	)
	s.enqueueSync(ctx, saved)

	return saved, nil
}

// save creates the connection or, when the user already has one for the provider,
// replaces its credentials in place keeping id, notes and created_at
func (s *connectionService) save(ctx context.Context, conn *domain.Connection) (*domain.Connection, error) {
	existing, err := s.repo.GetByUserAndProvider(ctx, conn.UserID, conn.Provider)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up existing connection: %w", err)
	}

	if existing == nil {
		err = s.repo.Create(ctx, conn)
		if err == nil {
			return conn, nil
		}
		if !errors.Is(err, repository.ErrDuplicateConnection) {
			return nil, fmt.Errorf("failed to create connection: %w", err)
		}
		// lost a race with a concurrent create for the same provider
		existing, err = s.repo.GetByUserAndProvider(ctx, conn.UserID, conn.Provider)
		if err != nil {
			return nil, fmt.Errorf("failed to look up existing connection: %w", err)
		}
	}

	existing.Email = conn.Email
	existing.TokenExpiresAt = conn.TokenExpiresAt
	existing.IMAPHost = conn.IMAPHost
	existing.IMAPPort = conn.IMAPPort
	existing.IMAPUsername = conn.IMAPUsername
	existing.IsActive = true
	existing.SetEncryptedBundle(conn.EncryptedBundle())

	if err := s.repo.Update(ctx, existing); err != nil {
		return nil, fmt.Errorf("failed to replace connection credentials: %w", err)
	}

	return existing, nil
}

func (s *connectionService) enqueueSync(ctx context.Context, conn *domain.Connection) {
	job := &repository.SyncJob{
		UserID:       conn.UserID,
		ConnectionID: conn.ID,
		RequestID:    RequestIDFromContext(ctx),
	}

	// the queue write must not inherit a cancelled request context
	enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.queue.Enqueue(enqueueCtx, job, time.Now()); err != nil {
		s.logger.Error("Failed to enqueue credential sync",
			zap.String("connection_id", conn.ID),
			zap.Error(err),
		)
		return
	}

	s.logger.Debug("Credential sync enqueued", zap.String("connection_id", conn.ID), zap.String("job_id", job.ID))
}

// GetConnection returns the connection if it exists and belongs to the user
func (s *connectionService) GetConnection(ctx context.Context, userID, id string) (*domain.Connection, error) {
	conn, err := s.repo.GetByUserAndID(ctx, userID, id)
	if err != nil {
		return nil, translateRepoError(err)
	}
	return conn, nil
}

// ListConnections returns the user's connections, newest first
func (s *connectionService) ListConnections(ctx context.Context, userID string) ([]*domain.Connection, error) {
	conns, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return conns, nil
}

// UpdateConnection applies the non-nil fields of upd
func (s *connectionService) UpdateConnection(ctx context.Context, userID, id string, upd ConnectionUpdate) (*domain.Connection, error) {
	conn, err := s.GetConnection(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	isActive, notes := conn.IsActive, conn.Notes
	if upd.IsActive != nil {
		isActive = *upd.IsActive
	}
	if upd.Notes != nil {
		notes = upd.Notes
		if *upd.Notes == "" {
			notes = nil
		}
	}

	// credentials may be refreshed concurrently, so only the metadata columns are written
	if err := s.repo.UpdateMetadata(ctx, userID, id, isActive, notes); err != nil {
		return nil, translateRepoError(err)
	}

	return s.GetConnection(ctx, userID, id)
}

// RemoveConnection deletes the connection after an ownership check
func (s *connectionService) RemoveConnection(ctx context.Context, userID, id string) error {
	if _, err := s.GetConnection(ctx, userID, id); err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, userID, id); err != nil {
		return translateRepoError(err)
	}

	s.logger.Info("Connection removed", zap.String("user_id", userID), zap.String("connection_id", id))
	return nil
}

// GetConnectionWithValidToken returns the connection, refreshing its token first when it
// expires within domain.TokenRefreshBuffer
func (s *connectionService) GetConnectionWithValidToken(ctx context.Context, userID, id string) (*domain.Connection, error) {
	conn, err := s.GetConnection(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if !conn.Provider.IsOAuth() || !conn.NeedsRefresh(time.Now()) {
		return conn, nil
	}

	if err := s.RefreshOAuthToken(ctx, id); err != nil {
		return nil, err
	}

	return s.GetConnection(ctx, userID, id)
}

// RefreshOAuthToken refreshes the access token when it expires within domain.TokenRefreshBuffer.
// On provider failure the stored record is left untouched.
func (s *connectionService) RefreshOAuthToken(ctx context.Context, id string) error {
	conn, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return translateRepoError(err)
	}

	logger := s.logger.With(zap.String("connection_id", id), zap.String("provider", string(conn.Provider)))

	if conn.TokenExpiresAt == nil {
		logger.Debug("Token has no expiry, skipping refresh")
		return nil
	}
	if !conn.NeedsRefresh(time.Now()) {
		return nil
	}

	p, err := s.providers.Get(conn.Provider)
	if err != nil {
		return err
	}

	current, err := s.codec.DecryptBundle(conn.EncryptedBundle())
	if err != nil {
		return fmt.Errorf("failed to decrypt stored tokens: %w", err)
	}
	if current.RefreshToken == "" {
		return fmt.Errorf("connection %s: %w", id, domain.ErrRefreshTokenMissing)
	}

	token, err := p.Refresh(ctx, current.RefreshToken)
	if err != nil {
		s.metrics.recordRefresh(ctx, string(conn.Provider), resultFailure)
		logger.Warn("Token refresh failed", zap.Error(err))
		return err
	}

	refreshToken := token.RefreshToken
	if refreshToken == "" {
		logger.Warn("Provider issued no new refresh token, keeping the existing one")
		refreshToken = current.RefreshToken
	}

	encrypted, err := s.codec.EncryptBundle(domain.CredentialBundle{
		AccessToken:  token.AccessToken,
		RefreshToken: refreshToken,
	})
	if err != nil {
		return fmt.Errorf("failed to encrypt refreshed tokens: %w", err)
	}

	if err := s.repo.UpdateCredentials(ctx, id, encrypted, token.ExpiresAt); err != nil {
		return translateRepoError(err)
	}

	s.metrics.recordRefresh(ctx, string(conn.Provider), resultSuccess)
	logger.Info("Token refreshed")
	return nil
}

// ValidateConnection reports whether the stored credentials look usable. It never fails.
func (s *connectionService) ValidateConnection(ctx context.Context, userID, id string) bool {
	conn, err := s.GetConnection(ctx, userID, id)
	if err != nil {
		s.logger.Debug("Validation could not load connection", zap.String("connection_id", id), zap.Error(err))
		return false
	}

	if conn.Provider == domain.ProviderIMAP {
		if conn.IMAPHost == nil || conn.IMAPPort == nil || conn.IMAPUsername == nil {
			return false
		}
		return s.imapPassword(conn) != ""
	}

	creds, err := s.codec.DecryptBundle(conn.EncryptedBundle())
	if err != nil {
		s.logger.Warn("Validation could not decrypt tokens", zap.String("connection_id", id), zap.Error(err))
		return false
	}
	if creds.AccessToken == "" || creds.RefreshToken == "" {
		return false
	}

	return conn.TokenExpiresAt == nil || conn.TokenExpiresAt.After(time.Now())
}

// TestConnection performs a live login for IMAP connections. OAuth connections pass when an
// access token is stored. Only ErrNotFound is returned as an error.
func (s *connectionService) TestConnection(ctx context.Context, userID, id string) (bool, error) {
	conn, err := s.GetConnection(ctx, userID, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, err
		}
		s.logger.Error("Connection test could not load connection", zap.String("connection_id", id), zap.Error(err))
		return false, nil
	}

	if conn.Provider.IsOAuth() {
		ok := conn.EncryptedAccessToken != nil
		s.metrics.recordProbe(ctx, string(conn.Provider), resultOf(ok))
		return ok, nil
	}

	password := s.imapPassword(conn)
	if password == "" || conn.IMAPHost == nil || conn.IMAPPort == nil || conn.IMAPUsername == nil {
		s.metrics.recordProbe(ctx, string(conn.Provider), resultFailure)
		return false, nil
	}

	ok, err := s.prober.Probe(ctx, *conn.IMAPHost, *conn.IMAPPort, *conn.IMAPUsername, password, s.probeTimeout)
	if err != nil {
		s.logger.Warn("IMAP probe failed", zap.String("connection_id", id), zap.Error(err))
		ok = false
	}

	s.metrics.recordProbe(ctx, string(conn.Provider), resultOf(ok))
	return ok, nil
}

// imapPassword decrypts the stored password, falling back to the legacy plaintext column
func (s *connectionService) imapPassword(conn *domain.Connection) string {
	if conn.EncryptedIMAPPassword != nil {
		creds, err := s.codec.DecryptBundle(conn.EncryptedBundle())
		if err == nil && creds.IMAPPassword != "" {
			return creds.IMAPPassword
		}
		if err != nil {
			s.logger.Warn("Could not decrypt IMAP password", zap.String("connection_id", conn.ID), zap.Error(err))
		}
	}

	if conn.LegacyIMAPPassword != nil {
		return *conn.LegacyIMAPPassword
	}
	return ""
}

// SyncCredentialsToStageUpdater pushes the connection's credentials synchronously
func (s *connectionService) SyncCredentialsToStageUpdater(ctx context.Context, userID, id, requestID string) (*domain.SyncResult, error) {
	err := s.PushCredentials(ctx, userID, id, requestID)
	s.metrics.recordSync(ctx, triggerManual, resultOf(err == nil))
	if err != nil {
		return nil, err
	}

	return &domain.SyncResult{
		Success: true,
		Message: "Credentials synced to stage updater",
	}, nil
}

// PushCredentials loads the connection with a valid token, decrypts it and sends it downstream
func (s *connectionService) PushCredentials(ctx context.Context, userID, id, requestID string) error {
	conn, err := s.GetConnectionWithValidToken(ctx, userID, id)
	if err != nil {
		return err
	}

	payload := transmission.CredentialPayload{
		UserID:       conn.UserID,
		ConnectionID: conn.ID,
		Provider:     conn.Provider,
		Email:        conn.Email,
	}

	if conn.Provider == domain.ProviderIMAP {
		payload.Credentials = transmission.Credentials{
			IMAPServer:   deref(conn.IMAPHost),
			IMAPUsername: deref(conn.IMAPUsername),
			IMAPPassword: s.imapPassword(conn),
		}
		if conn.IMAPPort != nil {
			payload.Credentials.IMAPPort = *conn.IMAPPort
		}
	} else {
		creds, err := s.codec.DecryptBundle(conn.EncryptedBundle())
		if err != nil {
			return fmt.Errorf("failed to decrypt tokens: %w", err)
		}
		payload.Credentials = transmission.Credentials{
			AccessToken:    creds.AccessToken,
			RefreshToken:   creds.RefreshToken,
			TokenExpiresAt: conn.TokenExpiresAt,
		}
	}

	if err := s.sender.SendCredentials(ctx, payload, transmission.SendOptions{RequestID: requestID}); err != nil {
		if errors.Is(err, domain.ErrTransmission) || errors.Is(err, domain.ErrConfiguration) {
			return err
		}
		return fmt.Errorf("%v: %w", err, domain.ErrTransmission)
	}

	s.logger.Info("Credentials synced",
		zap.String("connection_id", conn.ID),
		zap.String("provider", string(conn.Provider)),
		zap.String("request_id", requestID),
	)
	return nil
}

func translateRepoError(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return domain.ErrNotFound
	}
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
