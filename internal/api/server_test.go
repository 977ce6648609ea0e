package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

type stubStore struct {
	sessions map[string]*types.ExploitSession
	stats    *core.SessionStats
	statsErr error
}

func (s *stubStore) SaveSession(ctx context.Context, session *types.ExploitSession) error {
	return nil
}

func (s *stubStore) UpdateSession(ctx context.Context, session *types.ExploitSession) error {
	return nil
}

func (s *stubStore) GetSession(ctx context.Context, id string) (*types.ExploitSession, error) {
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	return session, nil
}

func (s *stubStore) ListSessions(ctx context.Context, filter core.SessionFilter) ([]*types.ExploitSession, error) {
	out := []*types.ExploitSession{}
	for _, session := range s.sessions {
		if filter.Target != "" && session.Target.Address != filter.Target {
			continue
		}
		out = append(out, session)
	}
	return out, nil
}

func (s *stubStore) SaveAttempt(ctx context.Context, attempt *types.Attempt) error { return nil }

func (s *stubStore) GetAttempts(ctx context.Context, sessionID string) ([]types.Attempt, error) {
	return nil, nil
}

func (s *stubStore) SessionStats(ctx context.Context) (*core.SessionStats, error) {
	if s.statsErr != nil {
		return nil, s.statsErr
	}
	if s.stats != nil {
		return s.stats, nil
	}
	return &core.SessionStats{ByOutcome: map[types.SessionOutcome]int{}}, nil
}

func (s *stubStore) Close() error { return nil }

type stubQueue struct {
	jobs   map[string]*types.ExploitJob
	pushed []*types.ExploitJob
}

func newStubQueue() *stubQueue {
	return &stubQueue{jobs: map[string]*types.ExploitJob{}}
}

func (q *stubQueue) Push(ctx context.Context, job *types.ExploitJob) error {
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%d", len(q.pushed)+1)
	}
	job.Status = "pending"
	q.jobs[job.ID] = job
	q.pushed = append(q.pushed, job)
	return nil
}

func (q *stubQueue) Pop(ctx context.Context, workerID string) (*types.ExploitJob, error) {
	return nil, nil
}

func (q *stubQueue) Complete(ctx context.Context, jobID string) error { return nil }

func (q *stubQueue) Fail(ctx context.Context, jobID string, reason string) error { return nil }

func (q *stubQueue) Retry(ctx context.Context, jobID string) error {
	if _, ok := q.jobs[jobID]; !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	q.jobs[jobID].Status = "pending"
	return nil
}

func (q *stubQueue) GetStatus(ctx context.Context, jobID string) (*types.ExploitJob, error) {
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	return job, nil
}

func (q *stubQueue) GetPending(ctx context.Context) ([]*types.ExploitJob, error) {
	out := []*types.ExploitJob{}
	for _, job := range q.jobs {
		if job.Status == "pending" {
			out = append(out, job)
		}
	}
	return out, nil
}

func (q *stubQueue) Processing(ctx context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

func (q *stubQueue) Close() error { return nil }

type stubPool struct {
	statuses []*types.WorkerStatus
	scaledTo []int
}

func (p *stubPool) Start(ctx context.Context, workers int) error { return nil }

func (p *stubPool) Scale(workers int) error {
	if workers < 0 {
		return fmt.Errorf("worker count must not be negative, got %d", workers)
	}
	p.scaledTo = append(p.scaledTo, workers)
	return nil
}

func (p *stubPool) Stop() error { return nil }

func (p *stubPool) Status() []*types.WorkerStatus { return p.statuses }

type stubAdapter struct {
	version string
	err     error
}

func (a *stubAdapter) Execute(ctx context.Context, command string, timeout time.Duration) (string, error) {
	return "", nil
}

func (a *stubAdapter) Interrupt(ctx context.Context) error { return nil }

func (a *stubAdapter) Version(ctx context.Context) (string, error) {
	return a.version, a.err
}

func (a *stubAdapter) Close() error { return nil }

type stubArtifacts struct {
	path string
	err  error
}

func (a *stubArtifacts) Record(attempt *types.Attempt, commands []string) (string, error) {
	return "", nil
}

func (a *stubArtifacts) MostRecent(targetAddress string) (string, error) {
	return a.path, a.err
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func newTestServer(t *testing.T, cfg config.APIConfig) *Server {
	t.Helper()
	srv, err := NewServer(cfg, testLogger(t))
	require.NoError(t, err)
	return srv
}

func perform(t *testing.T, srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(method, path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func sampleSession(id, target string, outcome types.SessionOutcome) *types.ExploitSession {
	started := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	return &types.ExploitSession{
		ID:      id,
		Target:  types.Target{Address: target},
		Service: types.ServiceFingerprint{Port: 21, Protocol: types.ProtocolTCP, Name: "vsftpd", Version: "2.3.4"},
		Outcome: outcome,
		Attempts: []types.Attempt{
			{
				ID:        id + "-a1",
				SessionID: id,
				Candidate: types.ExploitCandidate{ModuleID: "exploit/unix/ftp/vsftpd_234_backdoor", Rank: types.RankExcellent},
				Status:    types.AttemptSucceeded,
				StartedAt: started,
				RawOutput: "[*] Command shell session 1 opened\n",
			},
		},
		CandidateCount: 1,
		StartedAt:      started,
		FinishedAt:     &finished,
	}
}

func TestNewServerRejectsAuthWithoutKey(t *testing.T) {
	_, err := NewServer(config.APIConfig{EnableAuth: true}, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestHealthReportsSubsystems(t *testing.T) {
	srv := newTestServer(t, config.APIConfig{}).
		WithAdapter(&stubAdapter{version: "6.4.1-dev"}).
		WithStore(&stubStore{}).
		WithQueue(newStubQueue())

	rec := perform(t, srv, http.MethodGet, "/health", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, true, body["healthy"])

	checks := body["checks"].(map[string]interface{})
	framework := checks["framework"].(map[string]interface{})
	assert.Equal(t, "connected", framework["status"])
	assert.Equal(t, "6.4.1-dev", framework["version"])
}

func TestHealthDegradesWhenFrameworkUnreachable(t *testing.T) {
	srv := newTestServer(t, config.APIConfig{}).
		WithAdapter(&stubAdapter{err: fmt.Errorf("connection refused")})

	rec := perform(t, srv, http.MethodGet, "/health", "", nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, false, body["healthy"])
}

func TestListSessionsReturnsStoreContents(t *testing.T) {
	store := &stubStore{sessions: map[string]*types.ExploitSession{
		"s1": sampleSession("s1", "10.0.0.5", types.SessionSucceeded),
		"s2": sampleSession("s2", "10.0.0.6", types.SessionExhausted),
	}}
	srv := newTestServer(t, config.APIConfig{}).WithStore(store)

	rec := perform(t, srv, http.MethodGet, "/api/v1/sessions", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	assert.Len(t, sessions, 2)
}

func TestListSessionsFiltersByTarget(t *testing.T) {
	store := &stubStore{sessions: map[string]*types.ExploitSession{
		"s1": sampleSession("s1", "10.0.0.5", types.SessionSucceeded),
		"s2": sampleSession("s2", "10.0.0.6", types.SessionExhausted),
	}}
	srv := newTestServer(t, config.APIConfig{}).WithStore(store)

	rec := perform(t, srv, http.MethodGet, "/api/v1/sessions?target=10.0.0.6", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "s2", sessions[0]["id"])
}

func TestSessionEndpointsWithoutStore(t *testing.T) {
	srv := newTestServer(t, config.APIConfig{})

	for _, path := range []string{"/api/v1/sessions", "/api/v1/sessions/s1", "/api/v1/stats"} {
		rec := perform(t, srv, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	srv := newTestServer(t, config.APIConfig{}).WithStore(&stubStore{sessions: map[string]*types.ExploitSession{}})

	rec := perform(t, srv, http.MethodGet, "/api/v1/sessions/missing", "", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionReportSummarizesAttempts(t *testing.T) {
	store := &stubStore{sessions: map[string]*types.ExploitSession{
		"s1": sampleSession("s1", "10.0.0.5", types.SessionSucceeded),
	}}
	srv := newTestServer(t, config.APIConfig{}).WithStore(store)

	rec := perform(t, srv, http.MethodGet, "/api/v1/sessions/s1/report", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeJSON(t, rec)
	assert.Equal(t, "10.0.0.5", report["target"])
	assert.Equal(t, "succeeded", report["outcome"])

	attempts := report["attempts"].([]interface{})
	require.Len(t, attempts, 1)
	first := attempts[0].(map[string]interface{})
	assert.Equal(t, "exploit/unix/ftp/vsftpd_234_backdoor", first["module_id"])
	assert.Contains(t, first["output_summary"], "session 1 opened")
}

func TestEnqueueRequiresConfirmation(t *testing.T) {
	queue := newStubQueue()
	srv := newTestServer(t, config.APIConfig{}).WithQueue(queue)

	body := `{"target":{"address":"10.0.0.5"},"service":{"name":"vsftpd","port":21},"confirmed":false}`
	rec := perform(t, srv, http.MethodPost, "/api/v1/queue", body, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, queue.pushed, "unconfirmed job must never reach the queue")
}

func TestEnqueueAcceptsConfirmedJob(t *testing.T) {
	queue := newStubQueue()
	srv := newTestServer(t, config.APIConfig{}).WithQueue(queue)

	body := `{"target":{"address":"10.0.0.5"},"service":{"name":"vsftpd","port":21},"confirmed":true}`
	rec := perform(t, srv, http.MethodPost, "/api/v1/queue", body, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, queue.pushed, 1)
	assert.True(t, queue.pushed[0].Confirmed)

	resp := decodeJSON(t, rec)
	assert.NotEmpty(t, resp["job_id"])
}

func TestEnqueueRejectsAutomatedJobWithoutService(t *testing.T) {
	queue := newStubQueue()
	srv := newTestServer(t, config.APIConfig{}).WithQueue(queue)

	body := `{"target":{"address":"10.0.0.5"},"confirmed":true}`
	rec := perform(t, srv, http.MethodPost, "/api/v1/queue", body, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, queue.pushed)
}

func TestJobRetryAndStatus(t *testing.T) {
	queue := newStubQueue()
	require.NoError(t, queue.Push(context.Background(), &types.ExploitJob{
		Target:    types.Target{Address: "10.0.0.5"},
		Service:   types.ServiceFingerprint{Name: "vsftpd"},
		Confirmed: true,
	}))
	jobID := queue.pushed[0].ID
	srv := newTestServer(t, config.APIConfig{}).WithQueue(queue)

	rec := perform(t, srv, http.MethodGet, "/api/v1/queue/"+jobID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = perform(t, srv, http.MethodPost, "/api/v1/queue/"+jobID+"/retry", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = perform(t, srv, http.MethodPost, "/api/v1/queue/absent/retry", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthMiddlewareGatesDataEndpoints(t *testing.T) {
	cfg := config.APIConfig{EnableAuth: true, APIKey: "sekrit"}
	srv := newTestServer(t, cfg).WithStore(&stubStore{sessions: map[string]*types.ExploitSession{}})

	rec := perform(t, srv, http.MethodGet, "/api/v1/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = perform(t, srv, http.MethodGet, "/api/v1/stats", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = perform(t, srv, http.MethodGet, "/api/v1/stats", "", map[string]string{"Authorization": "Bearer sekrit"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = perform(t, srv, http.MethodGet, "/api/v1/stats?key=sekrit", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "query parameter key must work for header-less clients")

	rec = perform(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health probe stays open")

	rec = perform(t, srv, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "dashboard page stays open, it holds no data")
}

func TestScaleWorkers(t *testing.T) {
	pool := &stubPool{}
	srv := newTestServer(t, config.APIConfig{}).WithPool(pool)

	rec := perform(t, srv, http.MethodPost, "/api/v1/workers/scale", `{"workers":4}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{4}, pool.scaledTo)

	rec = perform(t, srv, http.MethodPost, "/api/v1/workers/scale", `{"workers":-1}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkersWithoutPool(t *testing.T) {
	srv := newTestServer(t, config.APIConfig{})

	rec := perform(t, srv, http.MethodGet, "/api/v1/workers", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLatestArtifactStreamsTranscript(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transcript.log")
	require.NoError(t, os.WriteFile(path, []byte("use exploit/unix/ftp/vsftpd_234_backdoor\nrun\n"), 0o644))

	srv := newTestServer(t, config.APIConfig{}).WithArtifacts(&stubArtifacts{path: path})

	rec := perform(t, srv, http.MethodGet, "/api/v1/artifacts/latest?target=10.0.0.5", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vsftpd_234_backdoor")
	assert.Equal(t, path, rec.Header().Get("X-Artifact-Path"))
}

func TestLatestArtifactNotFound(t *testing.T) {
	srv := newTestServer(t, config.APIConfig{}).WithArtifacts(&stubArtifacts{err: core.ErrNoArtifact})

	rec := perform(t, srv, http.MethodGet, "/api/v1/artifacts/latest?target=10.0.0.5", "", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLatestArtifactRequiresTarget(t *testing.T) {
	srv := newTestServer(t, config.APIConfig{}).WithArtifacts(&stubArtifacts{})

	rec := perform(t, srv, http.MethodGet, "/api/v1/artifacts/latest", "", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
