package acceptance

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prperemyshlev/mailbox-connections/internal/dto"
)

func (s *Suite) request(method, path, auth string, body any) *http.Response {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, s.BaseURL+path, reader)
	s.Require().NoError(err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	return resp
}

func (s *Suite) decode(resp *http.Response, out any) {
	defer resp.Body.Close()
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(out))
}

func (s *Suite) addIMAP(auth, email string) dto.ConnectionResponse {
	resp := s.request(http.MethodPost, "/api/v1/connections/imap", auth, dto.IMAPConnectionRequest{
		Email:    email,
		Host:     "imap.example.com",
		Port:     993,
		Password: "imap-secret-password",
	})
	s.Require().Equal(http.StatusCreated, resp.StatusCode)

	var conn dto.ConnectionResponse
	s.decode(resp, &conn)
	return conn
}

func (s *Suite) TestConnections_RequireAuthentication() {
	resp := s.request(http.MethodGet, "/api/v1/connections", "", nil)
	defer resp.Body.Close()
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *Suite) TestAddIMAP_StoresEncryptedAndPushesCredentials() {
	auth := s.token("user-imap")
	conn := s.addIMAP(auth, "Me@Example.com")

	s.NotEmpty(conn.ID)
	s.Equal("imap", conn.Provider)
	s.Equal("me@example.com", conn.Email)
	s.Equal("valid", conn.State)
	s.Require().NotNil(conn.IMAPUsername)
	s.Equal("me@example.com", *conn.IMAPUsername)

	// the password is never stored in plaintext
	var encrypted, iv string
	var legacy *string
	err := s.Postgres.DB.QueryRow(
		`SELECT encrypted_imap_password, encryption_iv, imap_password FROM mailbox_connections WHERE id = $1`, conn.ID,
	).Scan(&encrypted, &iv, &legacy)
	s.Require().NoError(err)
	s.NotContains(encrypted, "imap-secret-password")
	s.Contains(encrypted, ":")
	s.NotEmpty(iv)
	s.Nil(legacy)

	// the creation push is delivered by the sync worker
	s.Eventually(func() bool {
		payloads, _ := s.StageUpdater.received()
		return len(payloads) == 1
	}, 5*time.Second, 25*time.Millisecond)

	payloads, headers := s.StageUpdater.received()
	s.Equal("user-imap", payloads[0].UserID)
	s.Equal(conn.ID, payloads[0].ConnectionID)
	s.Equal("imap-secret-password", payloads[0].Credentials.IMAPPassword)
	s.Equal(993, payloads[0].Credentials.IMAPPort)
	s.Equal(serviceKey, headers[0].Get("X-Service-Key"))
}

func (s *Suite) TestQueuedPush_RetriesUntilStageUpdaterRecovers() {
	s.StageUpdater.setStatus(http.StatusServiceUnavailable)
	s.addIMAP(s.token("user-retry"), "retry@example.com")

	s.Eventually(func() bool {
		payloads, _ := s.StageUpdater.received()
		return len(payloads) >= 1
	}, 5*time.Second, 25*time.Millisecond)

	s.StageUpdater.setStatus(http.StatusOK)

	s.Eventually(func() bool {
		payloads, _ := s.StageUpdater.received()
		return len(payloads) >= 2
	}, 5*time.Second, 25*time.Millisecond)
}

func (s *Suite) TestAddIMAP_ReplacesExistingConnection() {
	auth := s.token("user-replace")
	first := s.addIMAP(auth, "first@example.com")
	second := s.addIMAP(auth, "second@example.com")

	s.Equal(first.ID, second.ID)
	s.Equal("second@example.com", second.Email)

	resp := s.request(http.MethodGet, "/api/v1/connections", auth, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var list dto.ConnectionListResponse
	s.decode(resp, &list)
	s.Equal(1, list.Total)
}

func (s *Suite) TestAddIMAP_ValidationErrors() {
	auth := s.token("user-invalid")

	resp := s.request(http.MethodPost, "/api/v1/connections/imap", auth, map[string]any{
		"email":         "me@example.com",
		"imap_host":     "imap://example.com",
		"imap_port":     993,
		"imap_password": "x",
	})
	defer resp.Body.Close()
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *Suite) TestConnections_AreScopedToOwner() {
	owner := s.token("user-owner")
	other := s.token("user-other")
	conn := s.addIMAP(owner, "owner@example.com")

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/connections/" + conn.ID},
		{http.MethodPost, "/api/v1/connections/" + conn.ID + "/sync"},
		{http.MethodDelete, "/api/v1/connections/" + conn.ID},
	} {
		resp := s.request(tc.method, tc.path, other, nil)
		resp.Body.Close()
		s.Equal(http.StatusNotFound, resp.StatusCode, tc.method+" "+tc.path)
	}

	resp := s.request(http.MethodGet, "/api/v1/connections", other, nil)
	var list dto.ConnectionListResponse
	s.decode(resp, &list)
	s.Zero(list.Total)

	resp = s.request(http.MethodGet, "/api/v1/connections/"+conn.ID+"/validate", other, nil)
	var validation dto.ValidationResponse
	s.decode(resp, &validation)
	s.False(validation.Valid)
}

func (s *Suite) TestUpdateValidateAndDelete() {
	auth := s.token("user-lifecycle")
	conn := s.addIMAP(auth, "life@example.com")
	path := "/api/v1/connections/" + conn.ID

	resp := s.request(http.MethodPatch, path, auth, map[string]any{"is_active": false, "notes": "work inbox"})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var updated dto.ConnectionResponse
	s.decode(resp, &updated)
	s.False(updated.IsActive)
	s.Require().NotNil(updated.Notes)
	s.Equal("work inbox", *updated.Notes)

	resp = s.request(http.MethodGet, path+"/validate", auth, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var validation dto.ValidationResponse
	s.decode(resp, &validation)
	s.True(validation.Valid)

	resp = s.request(http.MethodDelete, path, auth, nil)
	resp.Body.Close()
	s.Equal(http.StatusNoContent, resp.StatusCode)

	resp = s.request(http.MethodGet, path, auth, nil)
	resp.Body.Close()
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *Suite) TestManualSync_ForwardsRequestID() {
	auth := s.token("user-sync")
	conn := s.addIMAP(auth, "sync@example.com")

	// wait for the creation push so the manual one is distinguishable
	s.Eventually(func() bool {
		payloads, _ := s.StageUpdater.received()
		return len(payloads) == 1
	}, 5*time.Second, 25*time.Millisecond)

	req, err := http.NewRequest(http.MethodPost, s.BaseURL+"/api/v1/connections/"+conn.ID+"/sync", nil)
	s.Require().NoError(err)
	req.Header.Set("Authorization", auth)
	req.Header.Set("X-Request-ID", "req-manual-1")

	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var result dto.SyncResponse
	s.decode(resp, &result)
	s.True(result.Success)

	_, headers := s.StageUpdater.received()
	s.Require().Len(headers, 2)
	s.Equal("req-manual-1", headers[1].Get("X-Request-ID"))
}

func (s *Suite) TestManualSync_StageUpdaterFailure() {
	auth := s.token("user-sync-fail")
	conn := s.addIMAP(auth, "fail@example.com")
	s.StageUpdater.setStatus(http.StatusUnauthorized)

	resp := s.request(http.MethodPost, "/api/v1/connections/"+conn.ID+"/sync", auth, nil)
	defer resp.Body.Close()
	s.Equal(http.StatusBadGateway, resp.StatusCode)
}

func (s *Suite) TestStartOAuth_ReturnsProviderURLAndRecordsState() {
	auth := s.token("user-oauth")

	resp := s.request(http.MethodPost, "/api/v1/connections/oauth/gmail/start", auth, dto.StartOAuthRequest{
		RedirectURI: "http://localhost:3000/oauth/callback",
	})
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var out dto.AuthorizationURLResponse
	s.decode(resp, &out)
	s.True(strings.HasPrefix(out.AuthorizationURL, "https://accounts.google.com/"))

	authURL, err := url.Parse(out.AuthorizationURL)
	s.Require().NoError(err)
	s.Equal("google-test-client", authURL.Query().Get("client_id"))
	s.Equal("offline", authURL.Query().Get("access_type"))
	s.NotEmpty(authURL.Query().Get("state"))

	keys, err := s.Redis.Client.Keys(s.T().Context(), "oauth:state:*").Result()
	s.Require().NoError(err)
	s.Len(keys, 1)
}

func (s *Suite) TestStartOAuth_UnconfiguredProvider() {
	resp := s.request(http.MethodPost, "/api/v1/connections/oauth/yahoo/start", s.token("user-yahoo"), dto.StartOAuthRequest{
		RedirectURI: "http://localhost:3000/oauth/callback",
	})
	defer resp.Body.Close()
	s.Equal(http.StatusServiceUnavailable, resp.StatusCode)
}

func (s *Suite) TestStartOAuth_RateLimited() {
	auth := s.token("user-limited")
	body := dto.StartOAuthRequest{RedirectURI: "http://localhost:3000/oauth/callback"}

	for range 3 {
		resp := s.request(http.MethodPost, "/api/v1/connections/oauth/gmail/start", auth, body)
		resp.Body.Close()
		s.Require().Equal(http.StatusOK, resp.StatusCode)
	}

	resp := s.request(http.MethodPost, "/api/v1/connections/oauth/gmail/start", auth, body)
	defer resp.Body.Close()
	s.Equal(http.StatusTooManyRequests, resp.StatusCode)
	s.NotEmpty(resp.Header.Get("Retry-After"))
}

func (s *Suite) TestOAuthCallback_RejectsUnknownState() {
	resp := s.request(http.MethodGet, "/api/v1/connections/oauth/callback?state=bm90LWlzc3VlZA&code=abc", "", nil)
	defer resp.Body.Close()
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}
