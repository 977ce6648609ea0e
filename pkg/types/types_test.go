package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRankScoreOrdering(t *testing.T) {
	ranks := []ModuleRank{
		RankExcellent, RankGreat, RankGood, RankNormal, RankAverage, RankLow, RankManual,
	}
	for i := 1; i < len(ranks); i++ {
		assert.Greater(t, ranks[i-1].Score(), ranks[i].Score(),
			"%s must outrank %s", ranks[i-1], ranks[i])
	}
	assert.Less(t, ModuleRank("superb").Score(), RankManual.Score(),
		"unrecognized ranks sort below everything the framework defines")
}

func TestAttemptStatusTerminal(t *testing.T) {
	assert.False(t, AttemptPending.Terminal())
	assert.False(t, AttemptRunning.Terminal())
	assert.True(t, AttemptSucceeded.Terminal())
	assert.True(t, AttemptFailed.Terminal())
	assert.True(t, AttemptTimedOut.Terminal())
	assert.True(t, AttemptErrored.Terminal())
}

func TestSessionOutcomeTerminal(t *testing.T) {
	assert.False(t, SessionNotStarted.Terminal())
	assert.False(t, SessionInProgress.Terminal())
	assert.True(t, SessionSucceeded.Terminal())
	assert.True(t, SessionExhausted.Terminal())
	assert.True(t, SessionAborted.Terminal())
}

func TestFingerprintQuery(t *testing.T) {
	assert.Equal(t, "vsftpd 2.3.4", ServiceFingerprint{Name: "vsftpd", Version: "2.3.4"}.Query())
	assert.Equal(t, "ssh", ServiceFingerprint{Name: "ssh"}.Query())
	assert.Equal(t, "", ServiceFingerprint{}.Query())
}

func TestAttemptDuration(t *testing.T) {
	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(42 * time.Second)

	assert.Zero(t, Attempt{StartedAt: started}.Duration(), "unfinished attempts have no duration")
	assert.Equal(t, 42*time.Second, Attempt{StartedAt: started, FinishedAt: &finished}.Duration())
}
