package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prperemyshlev/mailbox-connections/internal/domain"
	"github.com/prperemyshlev/mailbox-connections/internal/encryption"
	"github.com/prperemyshlev/mailbox-connections/internal/oauth"
	"github.com/prperemyshlev/mailbox-connections/internal/repository"
	"github.com/prperemyshlev/mailbox-connections/internal/transmission"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// memoryConnectionRepository stores copies so callers cannot mutate stored rows
type memoryConnectionRepository struct {
	mu    sync.Mutex
	conns map[string]domain.Connection
	// afterUserRead runs after GetByUserAndID returns, to interleave writes with a caller
	afterUserRead func()
}

func newMemoryConnectionRepository() *memoryConnectionRepository {
	return &memoryConnectionRepository{conns: make(map[string]domain.Connection)}
}

func (r *memoryConnectionRepository) Create(_ context.Context, conn *domain.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.conns {
		if c.UserID == conn.UserID && c.Provider == conn.Provider {
			return repository.ErrDuplicateConnection
		}
	}
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	now := time.Now()
	conn.CreatedAt, conn.UpdatedAt = now, now
	r.conns[conn.ID] = *conn
	return nil
}

func (r *memoryConnectionRepository) get(match func(domain.Connection) bool) (*domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.conns {
		if match(c) {
			found := c
			return &found, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memoryConnectionRepository) GetByID(_ context.Context, id string) (*domain.Connection, error) {
	return r.get(func(c domain.Connection) bool { return c.ID == id })
}

func (r *memoryConnectionRepository) GetByUserAndID(_ context.Context, userID, id string) (*domain.Connection, error) {
	if r.afterUserRead != nil {
		defer r.afterUserRead()
	}
	return r.get(func(c domain.Connection) bool { return c.ID == id && c.UserID == userID })
}

func (r *memoryConnectionRepository) GetByUserAndProvider(_ context.Context, userID string, provider domain.Provider) (*domain.Connection, error) {
	return r.get(func(c domain.Connection) bool { return c.UserID == userID && c.Provider == provider })
}

func (r *memoryConnectionRepository) ListByUser(_ context.Context, userID string) ([]*domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.Connection, 0)
	for _, c := range r.conns {
		if c.UserID == userID {
			found := c
			out = append(out, &found)
		}
	}
	return out, nil
}

func (r *memoryConnectionRepository) Update(_ context.Context, conn *domain.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.conns[conn.ID]
	if !ok {
		return repository.ErrNotFound
	}
	conn.UpdatedAt = time.Now()
	// the legacy column is never written
	conn.LegacyIMAPPassword = stored.LegacyIMAPPassword
	r.conns[conn.ID] = *conn
	return nil
}

func (r *memoryConnectionRepository) UpdateCredentials(_ context.Context, id string, bundle domain.EncryptedBundle, expiresAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.conns[id]
	if !ok {
		return repository.ErrNotFound
	}
	stored.SetEncryptedBundle(bundle)
	stored.TokenExpiresAt = expiresAt
	stored.UpdatedAt = time.Now()
	r.conns[id] = stored
	return nil
}

func (r *memoryConnectionRepository) UpdateMetadata(_ context.Context, userID, id string, isActive bool, notes *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.conns[id]
	if !ok || stored.UserID != userID {
		return repository.ErrNotFound
	}
	stored.IsActive = isActive
	stored.Notes = notes
	stored.UpdatedAt = time.Now()
	r.conns[id] = stored
	return nil
}

func (r *memoryConnectionRepository) Delete(_ context.Context, userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.conns[id]
	if !ok || stored.UserID != userID {
		return repository.ErrNotFound
	}
	delete(r.conns, id)
	return nil
}

// put stores a connection as-is, for seeding records the service cannot create itself
func (r *memoryConnectionRepository) put(conn domain.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID] = conn
}

type queuedJob struct {
	job   repository.SyncJob
	dueAt time.Time
}

type memorySyncQueue struct {
	mu   sync.Mutex
	jobs []queuedJob
	err  error
}

func (q *memorySyncQueue) Enqueue(_ context.Context, job *repository.SyncJob, dueAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err != nil {
		return q.err
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	q.jobs = append(q.jobs, queuedJob{job: *job, dueAt: dueAt})
	return nil
}

func (q *memorySyncQueue) ClaimDue(_ context.Context, now time.Time, limit int64) ([]*repository.SyncJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var claimed []*repository.SyncJob
	remaining := q.jobs[:0]
	for _, j := range q.jobs {
		if !j.dueAt.After(now) && int64(len(claimed)) < limit {
			job := j.job
			claimed = append(claimed, &job)
			continue
		}
		remaining = append(remaining, j)
	}
	q.jobs = remaining
	return claimed, nil
}

func (q *memorySyncQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.jobs)), nil
}

func (q *memorySyncQueue) snapshot() []queuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queuedJob(nil), q.jobs...)
}

type memoryStateStore struct {
	mu     sync.Mutex
	states map[string]bool
}

func newMemoryStateStore() *memoryStateStore {
	return &memoryStateStore{states: make(map[string]bool)}
}

func (s *memoryStateStore) Save(_ context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state] = true
	return nil
}

func (s *memoryStateStore) Consume(_ context.Context, state string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.states[state]
	delete(s.states, state)
	return ok, nil
}

type recordingSender struct {
	mu       sync.Mutex
	payloads []transmission.CredentialPayload
	opts     []transmission.SendOptions
	err      error
}

func (s *recordingSender) SendCredentials(_ context.Context, payload transmission.CredentialPayload, opts transmission.SendOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	s.opts = append(s.opts, opts)
	return s.err
}

type stubProber struct {
	password string
	calls    int
}

func (p *stubProber) Probe(_ context.Context, _ string, _ int, _, password string, _ time.Duration) (bool, error) {
	p.calls++
	return password == p.password, nil
}

// tokenServer is a provider token + user-info endpoint whose responses tests can change
type tokenServer struct {
	*httptest.Server
	tokenCalls atomic.Int32
	mu         sync.Mutex
	response   map[string]any
	status     int
	email      string
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()

	ts := &tokenServer{
		status: http.StatusOK,
		email:  "User@Gmail.com",
		response: map[string]any{
			"access_token":  "T1",
			"refresh_token": "R1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		ts.tokenCalls.Add(1)
		ts.mu.Lock()
		defer ts.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(ts.status)
		_ = json.NewEncoder(w).Encode(ts.response)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"email": ts.email})
	})

	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) respond(status int, body map[string]any) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.status = status
	ts.response = body
}

type serviceFixture struct {
	svc     ConnectionService
	repo    *memoryConnectionRepository
	queue   *memorySyncQueue
	states  *memoryStateStore
	sender  *recordingSender
	prober  *stubProber
	codec   *encryption.Codec
	tokens  *tokenServer
	logs    *observer.ObservedLogs
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	codec := encryption.NewCodec(encryption.NewEngine(key))

	tokens := newTokenServer(t)
	endpoints := oauth.Endpoints{
		AuthURL:     tokens.URL + "/authorize",
		TokenURL:    tokens.URL + "/token",
		UserInfoURL: tokens.URL + "/userinfo",
	}
	creds := oauth.ClientCredentials{ClientID: "client-id", ClientSecret: "client-secret"}
	registry := oauth.NewRegistry(
		oauth.NewGmail(creds, oauth.WithEndpoints(endpoints)),
		oauth.NewOutlook(creds, "common", oauth.WithEndpoints(endpoints)),
		oauth.NewYahoo(oauth.ClientCredentials{}, oauth.WithEndpoints(endpoints)),
	)

	core, logs := observer.New(zapcore.DebugLevel)

	f := &serviceFixture{
		repo:   newMemoryConnectionRepository(),
		queue:  &memorySyncQueue{},
		states: newMemoryStateStore(),
		sender: &recordingSender{},
		prober: &stubProber{password: "correct-password"},
		codec:  codec,
		tokens: tokens,
		logs:   logs,
	}
	f.svc = NewConnectionService(f.repo, f.queue, codec, registry, f.states, f.sender, f.prober, time.Second, nil, zap.New(core))

	return f
}

// seedOAuth stores a Gmail connection with the given tokens and expiry
func (f *serviceFixture) seedOAuth(t *testing.T, userID, access, refresh string, expiresAt *time.Time) *domain.Connection {
	t.Helper()

	enc, err := f.codec.EncryptBundle(domain.CredentialBundle{AccessToken: access, RefreshToken: refresh})
	require.NoError(t, err)

	conn := domain.Connection{
		ID:             uuid.New().String(),
		UserID:         userID,
		Provider:       domain.ProviderGmail,
		Email:          "user@gmail.com",
		TokenExpiresAt: expiresAt,
		IsActive:       true,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	conn.SetEncryptedBundle(enc)
	f.repo.put(conn)
	return &conn
}
