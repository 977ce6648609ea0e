package artifacts

import (
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

func testStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	store, err := New(filepath.Join(t.TempDir(), "results"), log)
	require.NoError(t, err)
	return store
}

func testAttempt(module string, status types.AttemptStatus, finished time.Time) *types.Attempt {
	started := finished.Add(-30 * time.Second)
	return &types.Attempt{
		ID:            "attempt-1",
		SessionID:     "session-1",
		TargetAddress: "10.0.0.5",
		Candidate:     types.ExploitCandidate{ModuleID: module, Rank: types.RankExcellent},
		Status:        status,
		StartedAt:     started,
		FinishedAt:    &finished,
		RawOutput:     "[*] Exploit completed, but no session was created.",
		ErrorMessage:  "",
	}
}

func TestNewRequiresDirectory(t *testing.T) {
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	_, err = New("", log)
	assert.Error(t, err)
}

func TestRecordWritesTranscriptAndReplayScript(t *testing.T) {
	store := testStore(t)
	attempt := testAttempt("exploit/unix/ftp/vsftpd_234_backdoor", types.AttemptFailed, time.Now().UTC())

	commands := []string{"use exploit/unix/ftp/vsftpd_234_backdoor", "set RHOSTS 10.0.0.5", "run"}
	path, err := store.Record(attempt, commands)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "# module: exploit/unix/ftp/vsftpd_234_backdoor")
	assert.Contains(t, content, "# target: 10.0.0.5")
	assert.Contains(t, content, "# status: failed")
	assert.Contains(t, content, "# fingerprint: ")
	assert.Contains(t, content, "no session was created")

	rc, err := os.ReadFile(strings.TrimSuffix(path, ".log") + ".rc")
	require.NoError(t, err)
	assert.Equal(t, strings.Join(commands, "\n")+"\n", string(rc))
}

func TestRecordNamespacesByTargetAndModule(t *testing.T) {
	store := testStore(t)
	attempt := testAttempt("exploit/multi/http/struts2_content_type_ognl", types.AttemptSucceeded, time.Now().UTC())

	path, err := store.Record(attempt, nil)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", filepath.Base(filepath.Dir(path)))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "exploit_multi_http_struts2_content_type_ognl_"),
		"module path slashes become underscores: %s", path)
	assert.True(t, strings.HasSuffix(path, ".log"))

	// No replay script without commands.
	_, err = os.Stat(strings.TrimSuffix(path, ".log") + ".rc")
	assert.True(t, os.IsNotExist(err))
}

func TestRecordDistinguishesSameMillisecond(t *testing.T) {
	store := testStore(t)
	finished := time.Now().UTC()

	first, err := store.Record(testAttempt("exploit/one", types.AttemptFailed, finished), nil)
	require.NoError(t, err)
	second, err := store.Record(testAttempt("exploit/one", types.AttemptFailed, finished), nil)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestMostRecentPicksLatestRegardlessOfStatus(t *testing.T) {
	store := testStore(t)
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	_, err := store.Record(testAttempt("exploit/old-success", types.AttemptSucceeded, base), nil)
	require.NoError(t, err)
	_, err = store.Record(testAttempt("exploit/middle", types.AttemptTimedOut, base.Add(time.Minute)), nil)
	require.NoError(t, err)
	latest, err := store.Record(testAttempt("exploit/new-failure", types.AttemptFailed, base.Add(2*time.Minute)), nil)
	require.NoError(t, err)

	got, err := store.MostRecent("10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, latest, got, "recency is the only criterion, a newer failure wins")
}

func TestMostRecentSeparatesTargets(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC()

	attempt := testAttempt("exploit/one", types.AttemptSucceeded, now)
	attempt.TargetAddress = "10.0.0.7"
	path, err := store.Record(attempt, nil)
	require.NoError(t, err)

	got, err := store.MostRecent("10.0.0.7")
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = store.MostRecent("10.0.0.5")
	assert.ErrorIs(t, err, core.ErrNoArtifact)
}

func TestMostRecentEmptyStore(t *testing.T) {
	store := testStore(t)
	_, err := store.MostRecent("192.0.2.1")
	assert.ErrorIs(t, err, core.ErrNoArtifact)
}

func TestMostRecentIgnoresForeignFiles(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC()

	path, err := store.Record(testAttempt("exploit/one", types.AttemptFailed, now), nil)
	require.NoError(t, err)

	targetDir := filepath.Dir(path)
	require.NoError(t, os.WriteFile(filepath.Join(targetDir, "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(targetDir, "mangled_name.log"), []byte("x"), 0644))

	got, err := store.MostRecent("10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestRecordSanitizesIPv6Address(t *testing.T) {
	store := testStore(t)
	attempt := testAttempt("exploit/one", types.AttemptSucceeded, time.Now().UTC())
	attempt.TargetAddress = "fe80::1%eth0"

	path, err := store.Record(attempt, nil)
	require.NoError(t, err)
	assert.Equal(t, "fe80__1_eth0", filepath.Base(filepath.Dir(path)))
}
