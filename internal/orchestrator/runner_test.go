package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

func newTestRunner(t *testing.T, adapter *scriptedAdapter, resolver *fakeResolver) *JobRunner {
	t.Helper()
	cfg := config.ExploitConfig{TimeoutPerAttempt: 5 * time.Second}
	return NewJobRunner(adapter, resolver, &fakeArtifacts{}, DefaultMarkers(), cfg, testLogger(t))
}

func testJob(confirmed bool) *types.ExploitJob {
	return &types.ExploitJob{
		ID:        "job-1",
		Target:    testTarget(),
		Service:   testService(),
		Confirmed: confirmed,
	}
}

func TestRunJobRefusesUnconfirmedJob(t *testing.T) {
	adapter := &scriptedAdapter{}
	resolver := &fakeResolver{candidates: candidateList("exploit/a")}
	runner := newTestRunner(t, adapter, resolver)

	_, err := runner.RunJob(context.Background(), testJob(false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")
	assert.Empty(t, adapter.commandLog())
}

func TestRunJobRunsFullSession(t *testing.T) {
	adapter := &scriptedAdapter{runQueue: []runResult{{out: failOutput}, {out: successOutput}}}
	resolver := &fakeResolver{candidates: candidateList("exploit/a", "exploit/b")}
	runner := newTestRunner(t, adapter, resolver)

	snapshot, err := runner.RunJob(context.Background(), testJob(true))
	require.NoError(t, err)

	assert.Equal(t, types.SessionSucceeded, snapshot.Outcome)
	require.Len(t, snapshot.Attempts, 2)
	assert.Equal(t, types.AttemptFailed, snapshot.Attempts[0].Status)
	assert.Equal(t, types.AttemptSucceeded, snapshot.Attempts[1].Status)
}

func TestRunJobSingleModule(t *testing.T) {
	adapter := &scriptedAdapter{runQueue: []runResult{{out: successOutput}}}
	resolver := &fakeResolver{}
	runner := newTestRunner(t, adapter, resolver)

	job := testJob(true)
	job.ModuleID = "exploit/unix/ftp/vsftpd_234_backdoor"

	snapshot, err := runner.RunJob(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, types.SessionSucceeded, snapshot.Outcome)
	require.Len(t, snapshot.Attempts, 1)
	assert.Equal(t, "exploit/unix/ftp/vsftpd_234_backdoor", snapshot.Attempts[0].Candidate.ModuleID)
	assert.Contains(t, adapter.commandLog(), "use exploit/unix/ftp/vsftpd_234_backdoor")
}

func TestRunJobOptionsOverrideConfig(t *testing.T) {
	adapter := &scriptedAdapter{runQueue: []runResult{{out: successOutput}}}
	resolver := &fakeResolver{
		candidates: candidateList("exploit/a"),
		options: map[string]map[string]types.ModuleOption{
			"exploit/a": {
				"RHOSTS": {Required: true},
				"LHOST":  {Required: true},
			},
		},
	}
	cfg := config.ExploitConfig{
		TimeoutPerAttempt: 5 * time.Second,
		ExtraOptions:      map[string]string{"LHOST": "10.0.0.2"},
	}
	runner := NewJobRunner(adapter, resolver, &fakeArtifacts{}, DefaultMarkers(), cfg, testLogger(t))

	job := testJob(true)
	job.Options = map[string]string{"LHOST": "192.168.56.1"}

	_, err := runner.RunJob(context.Background(), job)
	require.NoError(t, err)

	assert.Contains(t, adapter.commandLog(), "set LHOST 192.168.56.1")
	assert.NotContains(t, adapter.commandLog(), "set LHOST 10.0.0.2")
	assert.Equal(t, "10.0.0.2", runner.cfg.ExtraOptions["LHOST"], "job options must not leak into the runner config")
}

func TestRunJobPersistsThroughStore(t *testing.T) {
	adapter := &scriptedAdapter{runQueue: []runResult{{out: successOutput}}}
	resolver := &fakeResolver{candidates: candidateList("exploit/a")}
	store := &fakeStore{}
	metrics := &fakeTelemetry{}
	runner := newTestRunner(t, adapter, resolver).WithStore(store).WithTelemetry(metrics)

	_, err := runner.RunJob(context.Background(), testJob(true))
	require.NoError(t, err)

	assert.Equal(t, 1, store.saves)
	assert.Equal(t, 1, store.updates)
	assert.Equal(t, 1, store.attempts)
	assert.Equal(t, 1, metrics.sessions)
	assert.Equal(t, 1, metrics.attempts)
}
