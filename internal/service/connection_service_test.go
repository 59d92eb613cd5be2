package service

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/prperemyshlev/mailbox-connections/internal/domain"
	"github.com/prperemyshlev/mailbox-connections/internal/oauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const redirectURI = "https://tracker.example.com/oauth/callback"

func ptr[T any](v T) *T {
	return &v
}

func TestStartOAuth(t *testing.T) {
	f := newServiceFixture(t)

	authURL, err := f.svc.StartOAuth(context.Background(), "user-1", domain.ProviderGmail, redirectURI)
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	state := u.Query().Get("state")

	decoded, err := oauth.DecodeState(state)
	require.NoError(t, err)
	assert.Equal(t, "user-1", decoded.UserID)
	assert.Equal(t, domain.ProviderGmail, decoded.Provider)
	assert.True(t, f.states.states[state], "issued state must be recorded")
}

func TestStartOAuth_Errors(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.StartOAuth(context.Background(), "user-1", domain.ProviderYahoo, redirectURI)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = f.svc.StartOAuth(context.Background(), "user-1", domain.ProviderIMAP, redirectURI)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.StartOAuth(context.Background(), "user-1", domain.ProviderGmail, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCompleteOAuth_WithoutRefreshToken(t *testing.T) {
	f := newServiceFixture(t)
	f.tokens.respond(http.StatusOK, map[string]any{
		"access_token": "T1",
		"token_type":   "Bearer",
		"expires_in":   3600,
	})

	before := time.Now()
	conn, err := f.svc.CompleteOAuth(context.Background(), "user-1", domain.ProviderGmail, "code", redirectURI)
	require.NoError(t, err)

	assert.NotEmpty(t, conn.ID)
	assert.Equal(t, "user@gmail.com", conn.Email)
	assert.NotNil(t, conn.EncryptedAccessToken)
	assert.Nil(t, conn.EncryptedRefreshToken)
	assert.NotNil(t, conn.EncryptionIV)
	require.NotNil(t, conn.TokenExpiresAt)
	assert.WithinDuration(t, before.Add(time.Hour), *conn.TokenExpiresAt, 5*time.Second)

	assert.Equal(t, 1, f.logs.FilterMessageSnippet("no refresh token").Len())

	creds, err := f.codec.DecryptBundle(conn.EncryptedBundle())
	require.NoError(t, err)
	assert.Equal(t, "T1", creds.AccessToken)

	jobs := f.queue.snapshot()
	require.Len(t, jobs, 1)
	assert.Equal(t, conn.ID, jobs[0].job.ConnectionID)
	assert.Equal(t, "user-1", jobs[0].job.UserID)
}

func TestCompleteOAuth_ReplacesExistingConnection(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.svc.CompleteOAuth(ctx, "user-1", domain.ProviderGmail, "code-1", redirectURI)
	require.NoError(t, err)

	_, err = f.svc.UpdateConnection(ctx, "user-1", first.ID, ConnectionUpdate{Notes: ptr("work inbox")})
	require.NoError(t, err)

	f.tokens.respond(http.StatusOK, map[string]any{"access_token": "T2", "refresh_token": "R2", "expires_in": 3600})
	second, err := f.svc.CompleteOAuth(ctx, "user-1", domain.ProviderGmail, "code-2", redirectURI)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	require.NotNil(t, second.Notes)
	assert.Equal(t, "work inbox", *second.Notes)

	conns, err := f.svc.ListConnections(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, conns, 1)

	creds, err := f.codec.DecryptBundle(conns[0].EncryptedBundle())
	require.NoError(t, err)
	assert.Equal(t, "T2", creds.AccessToken)
	assert.Equal(t, "R2", creds.RefreshToken)
}

func TestCompleteOAuth_ProviderFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.tokens.respond(http.StatusBadRequest, map[string]any{"error": "invalid_grant"})

	_, err := f.svc.CompleteOAuth(context.Background(), "user-1", domain.ProviderGmail, "bad", redirectURI)
	assert.ErrorIs(t, err, domain.ErrProvider)

	conns, err := f.svc.ListConnections(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, conns)
	assert.Empty(t, f.queue.snapshot())
}

func TestCompleteOAuth_EnqueueFailureIsNotReturned(t *testing.T) {
	f := newServiceFixture(t)
	f.queue.err = errors.New("redis down")

	conn, err := f.svc.CompleteOAuth(context.Background(), "user-1", domain.ProviderGmail, "code", redirectURI)
	require.NoError(t, err)
	assert.NotEmpty(t, conn.ID)
	assert.Equal(t, 1, f.logs.FilterMessage("Failed to enqueue credential sync").Len())
}

func TestHandleOAuthCallback(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	authURL, err := f.svc.StartOAuth(ctx, "user-1", domain.ProviderOutlook, redirectURI)
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	state := u.Query().Get("state")

	conn, err := f.svc.HandleOAuthCallback(ctx, state, "code", redirectURI)
	require.NoError(t, err)
	assert.Equal(t, "user-1", conn.UserID)
	assert.Equal(t, domain.ProviderOutlook, conn.Provider)

	// replaying the callback is rejected
	_, err = f.svc.HandleOAuthCallback(ctx, state, "code", redirectURI)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestHandleOAuthCallback_URLSafeState(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// issued state whose standard encoding holds '+' and '/'
	st := oauth.State{UserID: "user-1", Provider: domain.ProviderGmail, Nonce: "???~~~"}
	issued, err := st.Encode()
	require.NoError(t, err)
	require.NoError(t, f.states.Save(ctx, issued))

	raw, err := base64.StdEncoding.DecodeString(issued)
	require.NoError(t, err)
	returned := base64.URLEncoding.EncodeToString(raw)
	require.NotEqual(t, issued, returned)

	conn, err := f.svc.HandleOAuthCallback(ctx, returned, "code", redirectURI)
	require.NoError(t, err)
	assert.Equal(t, "user-1", conn.UserID)
	assert.Empty(t, f.states.states, "the issued state is consumed")
}

func TestHandleOAuthCallback_ParallelFlows(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	stateOf := func() string {
		authURL, err := f.svc.StartOAuth(ctx, "user-1", domain.ProviderGmail, redirectURI)
		require.NoError(t, err)
		u, err := url.Parse(authURL)
		require.NoError(t, err)
		return u.Query().Get("state")
	}

	first, second := stateOf(), stateOf()
	require.NotEqual(t, first, second)

	_, err := f.svc.HandleOAuthCallback(ctx, first, "code-1", redirectURI)
	require.NoError(t, err)
	_, err = f.svc.HandleOAuthCallback(ctx, second, "code-2", redirectURI)
	require.NoError(t, err)
}

func TestHandleOAuthCallback_ForgedState(t *testing.T) {
	f := newServiceFixture(t)

	forged, err := oauth.EncodeState("victim", domain.ProviderGmail)
	require.NoError(t, err)

	_, err = f.svc.HandleOAuthCallback(context.Background(), forged, "code", redirectURI)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Zero(t, f.tokens.tokenCalls.Load())
}

func TestAddIMAPConnection(t *testing.T) {
	f := newServiceFixture(t)

	conn, err := f.svc.AddIMAPConnection(context.Background(), "user-1", IMAPConnectionInput{
		Email:    "Me@Fastmail.com",
		Host:     "imap.fastmail.com",
		Port:     993,
		Username: "me@fastmail.com",
		Password: "app-password",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.ProviderIMAP, conn.Provider)
	assert.Equal(t, "me@fastmail.com", conn.Email)
	assert.NotNil(t, conn.EncryptedIMAPPassword)
	assert.NotNil(t, conn.EncryptionIV)
	assert.Nil(t, conn.EncryptedAccessToken)
	assert.Nil(t, conn.EncryptedRefreshToken)
	assert.Nil(t, conn.TokenExpiresAt)
	assert.Zero(t, f.tokens.tokenCalls.Load())

	creds, err := f.codec.DecryptBundle(conn.EncryptedBundle())
	require.NoError(t, err)
	assert.Equal(t, "app-password", creds.IMAPPassword)

	assert.Len(t, f.queue.snapshot(), 1)
}

func TestAddIMAPConnection_InvalidInput(t *testing.T) {
	f := newServiceFixture(t)

	valid := IMAPConnectionInput{Email: "me@example.com", Host: "imap.example.com", Port: 993, Password: "pw"}
	cases := map[string]func(in *IMAPConnectionInput){
		"bad email":    func(in *IMAPConnectionInput) { in.Email = "not-an-email" },
		"no host":      func(in *IMAPConnectionInput) { in.Host = "" },
		"bad port":     func(in *IMAPConnectionInput) { in.Port = 70000 },
		"no password":  func(in *IMAPConnectionInput) { in.Password = "" },
		"host has url": func(in *IMAPConnectionInput) { in.Host = "imap://example.com" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := valid
			mutate(&in)
			_, err := f.svc.AddIMAPConnection(context.Background(), "user-1", in)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestGetConnection_Ownership(t *testing.T) {
	f := newServiceFixture(t)
	conn := f.seedOAuth(t, "owner", "a", "r", nil)

	_, err := f.svc.GetConnection(context.Background(), "someone-else", conn.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.GetConnection(context.Background(), "owner", "missing-id")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err := f.svc.GetConnection(context.Background(), "owner", conn.ID)
	require.NoError(t, err)
	assert.Equal(t, conn.ID, got.ID)
}

func TestRefreshOAuthToken_NoOpWhenNotExpiring(t *testing.T) {
	f := newServiceFixture(t)
	conn := f.seedOAuth(t, "user-1", "A0", "R0", ptr(time.Now().Add(10*time.Minute)))

	require.NoError(t, f.svc.RefreshOAuthToken(context.Background(), conn.ID))

	assert.Zero(t, f.tokens.tokenCalls.Load())
	stored, err := f.repo.GetByID(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, conn.EncryptionIV, stored.EncryptionIV)
	assert.Equal(t, conn.EncryptedAccessToken, stored.EncryptedAccessToken)
}

func TestRefreshOAuthToken_NullExpiryNeverRefreshes(t *testing.T) {
	f := newServiceFixture(t)
	conn := f.seedOAuth(t, "user-1", "A0", "R0", nil)

	require.NoError(t, f.svc.RefreshOAuthToken(context.Background(), conn.ID))
	assert.Zero(t, f.tokens.tokenCalls.Load())
}

func TestGetConnectionWithValidToken_RefreshesOnce(t *testing.T) {
	f := newServiceFixture(t)
	conn := f.seedOAuth(t, "user-1", "A0", "R0", ptr(time.Now().Add(2*time.Minute)))
	f.tokens.respond(http.StatusOK, map[string]any{
		"access_token":  "A1",
		"refresh_token": "R1",
		"expires_in":    3600,
	})

	got, err := f.svc.GetConnectionWithValidToken(context.Background(), "user-1", conn.ID)
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.tokens.tokenCalls.Load())
	assert.NotEqual(t, *conn.EncryptionIV, *got.EncryptionIV, "refresh must re-encrypt under a fresh IV")
	require.NotNil(t, got.TokenExpiresAt)
	assert.True(t, got.TokenExpiresAt.After(time.Now().Add(50*time.Minute)))

	creds, err := f.codec.DecryptBundle(got.EncryptedBundle())
	require.NoError(t, err)
	assert.Equal(t, "A1", creds.AccessToken)
	assert.Equal(t, "R1", creds.RefreshToken)

	// now valid for an hour, so a second call does not refresh again
	_, err = f.svc.GetConnectionWithValidToken(context.Background(), "user-1", conn.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.tokens.tokenCalls.Load())
}

func TestRefreshOAuthToken_KeepsExistingRefreshToken(t *testing.T) {
	f := newServiceFixture(t)
	conn := f.seedOAuth(t, "user-1", "A0", "R0", ptr(time.Now().Add(-time.Minute)))
	f.tokens.respond(http.StatusOK, map[string]any{"access_token": "A1", "expires_in": 3600})

	require.NoError(t, f.svc.RefreshOAuthToken(context.Background(), conn.ID))

	stored, err := f.repo.GetByID(context.Background(), conn.ID)
	require.NoError(t, err)
	creds, err := f.codec.DecryptBundle(stored.EncryptedBundle())
	require.NoError(t, err)
	assert.Equal(t, "A1", creds.AccessToken)
	assert.Equal(t, "R0", creds.RefreshToken)
	assert.Equal(t, 1, f.logs.FilterMessageSnippet("keeping the existing one").Len())
}

func TestRefreshOAuthToken_ProviderFailureLeavesRecord(t *testing.T) {
	f := newServiceFixture(t)
	conn := f.seedOAuth(t, "user-1", "A0", "R0", ptr(time.Now().Add(-time.Minute)))
	f.tokens.respond(http.StatusBadRequest, map[string]any{"error": "invalid_grant"})

	err := f.svc.RefreshOAuthToken(context.Background(), conn.ID)
	require.ErrorIs(t, err, domain.ErrProvider)

	stored, err := f.repo.GetByID(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, conn.EncryptionIV, stored.EncryptionIV)
	assert.Equal(t, conn.EncryptedAccessToken, stored.EncryptedAccessToken)
	assert.Equal(t, conn.TokenExpiresAt, stored.TokenExpiresAt)
}

func TestRefreshOAuthToken_MissingRefreshToken(t *testing.T) {
	f := newServiceFixture(t)
	conn := f.seedOAuth(t, "user-1", "A0", "", ptr(time.Now().Add(-time.Minute)))

	err := f.svc.RefreshOAuthToken(context.Background(), conn.ID)
	assert.ErrorIs(t, err, domain.ErrRefreshTokenMissing)
	assert.Zero(t, f.tokens.tokenCalls.Load())
}

func TestValidateConnection(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	valid := f.seedOAuth(t, "user-1", "a", "r", ptr(time.Now().Add(time.Hour)))
	assert.True(t, f.svc.ValidateConnection(ctx, "user-1", valid.ID))

	noExpiry := f.seedOAuth(t, "user-2", "a", "r", nil)
	assert.True(t, f.svc.ValidateConnection(ctx, "user-2", noExpiry.ID))

	expired := f.seedOAuth(t, "user-3", "a", "r", ptr(time.Now().Add(-time.Minute)))
	assert.False(t, f.svc.ValidateConnection(ctx, "user-3", expired.ID))

	noRefresh := f.seedOAuth(t, "user-4", "a", "", ptr(time.Now().Add(time.Hour)))
	assert.False(t, f.svc.ValidateConnection(ctx, "user-4", noRefresh.ID))

	assert.False(t, f.svc.ValidateConnection(ctx, "user-1", "missing"))
	assert.False(t, f.svc.ValidateConnection(ctx, "intruder", valid.ID))

	imap, err := f.svc.AddIMAPConnection(ctx, "user-5", IMAPConnectionInput{
		Email: "me@example.com", Host: "imap.example.com", Port: 993, Password: "pw",
	})
	require.NoError(t, err)
	assert.True(t, f.svc.ValidateConnection(ctx, "user-5", imap.ID))
}

func TestTestConnection_IMAP(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	wrong, err := f.svc.AddIMAPConnection(ctx, "user-1", IMAPConnectionInput{
		Email: "me@example.com", Host: "imap.example.com", Port: 993, Password: "wrong-password",
	})
	require.NoError(t, err)

	ok, err := f.svc.TestConnection(ctx, "user-1", wrong.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	right, err := f.svc.AddIMAPConnection(ctx, "user-2", IMAPConnectionInput{
		Email: "me@example.com", Host: "imap.example.com", Port: 993, Password: "correct-password",
	})
	require.NoError(t, err)

	ok, err = f.svc.TestConnection(ctx, "user-2", right.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, f.prober.calls)
}

func TestTestConnection_LegacyPlaintextPassword(t *testing.T) {
	f := newServiceFixture(t)

	f.repo.put(domain.Connection{
		ID:                 "legacy-1",
		UserID:             "user-1",
		Provider:           domain.ProviderIMAP,
		Email:              "old@example.com",
		IMAPHost:           ptr("imap.example.com"),
		IMAPPort:           ptr(143),
		IMAPUsername:       ptr("old@example.com"),
		LegacyIMAPPassword: ptr("correct-password"),
	})

	ok, err := f.svc.TestConnection(context.Background(), "user-1", "legacy-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, f.svc.ValidateConnection(context.Background(), "user-1", "legacy-1"))
}

func TestTestConnection_OAuthAndNotFound(t *testing.T) {
	f := newServiceFixture(t)
	conn := f.seedOAuth(t, "user-1", "a", "r", nil)

	ok, err := f.svc.TestConnection(context.Background(), "user-1", conn.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, f.prober.calls)

	_, err = f.svc.TestConnection(context.Background(), "user-1", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateAndRemoveConnection(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	conn := f.seedOAuth(t, "user-1", "a", "r", nil)

	updated, err := f.svc.UpdateConnection(ctx, "user-1", conn.ID, ConnectionUpdate{IsActive: ptr(false), Notes: ptr("paused")})
	require.NoError(t, err)
	assert.False(t, updated.IsActive)
	assert.Equal(t, "paused", *updated.Notes)

	cleared, err := f.svc.UpdateConnection(ctx, "user-1", conn.ID, ConnectionUpdate{Notes: ptr("")})
	require.NoError(t, err)
	assert.Nil(t, cleared.Notes)
	assert.False(t, cleared.IsActive)

	assert.ErrorIs(t, f.svc.RemoveConnection(ctx, "intruder", conn.ID), domain.ErrNotFound)
	require.NoError(t, f.svc.RemoveConnection(ctx, "user-1", conn.ID))

	_, err = f.svc.GetConnection(ctx, "user-1", conn.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateConnection_KeepsConcurrentlyRefreshedTokens(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	conn := f.seedOAuth(t, "user-1", "A0", "R0", ptr(time.Now().Add(-time.Minute)))
	f.tokens.respond(http.StatusOK, map[string]any{
		"access_token":  "A1",
		"refresh_token": "R1",
		"expires_in":    3600,
	})

	// a refresh lands between the update's read and its write
	refreshed := false
	f.repo.afterUserRead = func() {
		if refreshed {
			return
		}
		refreshed = true
		require.NoError(t, f.svc.RefreshOAuthToken(ctx, conn.ID))
	}

	updated, err := f.svc.UpdateConnection(ctx, "user-1", conn.ID, ConnectionUpdate{Notes: ptr("hello")})
	require.NoError(t, err)
	require.True(t, refreshed)
	assert.Equal(t, "hello", *updated.Notes)

	stored, err := f.repo.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", *stored.Notes)
	assert.True(t, stored.IsActive)

	creds, err := f.codec.DecryptBundle(stored.EncryptedBundle())
	require.NoError(t, err)
	assert.Equal(t, "A1", creds.AccessToken)
	assert.Equal(t, "R1", creds.RefreshToken)
}

func TestSyncCredentialsToStageUpdater(t *testing.T) {
	f := newServiceFixture(t)
	expires := time.Now().Add(time.Hour)
	conn := f.seedOAuth(t, "user-1", "A0", "R0", &expires)

	result, err := f.svc.SyncCredentialsToStageUpdater(context.Background(), "user-1", conn.ID, "req-9")
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.Len(t, f.sender.payloads, 1)
	payload := f.sender.payloads[0]
	assert.Equal(t, "user-1", payload.UserID)
	assert.Equal(t, conn.ID, payload.ConnectionID)
	assert.Equal(t, domain.ProviderGmail, payload.Provider)
	assert.Equal(t, "A0", payload.Credentials.AccessToken)
	assert.Equal(t, "R0", payload.Credentials.RefreshToken)
	assert.Equal(t, "req-9", f.sender.opts[0].RequestID)
}

func TestSyncCredentialsToStageUpdater_IMAPPayload(t *testing.T) {
	f := newServiceFixture(t)
	conn, err := f.svc.AddIMAPConnection(context.Background(), "user-1", IMAPConnectionInput{
		Email: "me@example.com", Host: "imap.example.com", Port: 993, Password: "pw",
	})
	require.NoError(t, err)

	_, err = f.svc.SyncCredentialsToStageUpdater(context.Background(), "user-1", conn.ID, "")
	require.NoError(t, err)

	creds := f.sender.payloads[0].Credentials
	assert.Equal(t, "imap.example.com", creds.IMAPServer)
	assert.Equal(t, 993, creds.IMAPPort)
	assert.Equal(t, "me@example.com", creds.IMAPUsername)
	assert.Equal(t, "pw", creds.IMAPPassword)
	assert.Empty(t, creds.AccessToken)
}

func TestSyncCredentialsToStageUpdater_Failure(t *testing.T) {
	f := newServiceFixture(t)
	conn := f.seedOAuth(t, "user-1", "A0", "R0", nil)
	f.sender.err = errors.New("connection refused")

	_, err := f.svc.SyncCredentialsToStageUpdater(context.Background(), "user-1", conn.ID, "")
	assert.ErrorIs(t, err, domain.ErrTransmission)

	_, err = f.svc.SyncCredentialsToStageUpdater(context.Background(), "user-2", conn.ID, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSecretsAreNeverLogged(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	conn, err := f.svc.CompleteOAuth(ctx, "user-1", domain.ProviderGmail, "code", redirectURI)
	require.NoError(t, err)
	_, err = f.svc.SyncCredentialsToStageUpdater(ctx, "user-1", conn.ID, "")
	require.NoError(t, err)

	for _, entry := range f.logs.All() {
		assert.NotContains(t, entry.Message, "T1")
		for _, field := range entry.Context {
			assert.NotEqual(t, "T1", field.String)
			assert.NotEqual(t, "R1", field.String)
		}
	}
}
