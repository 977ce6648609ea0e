package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerConfig(t *testing.T) {
	config := LoggerConfig{
		Level:       "debug",
		Format:      "json",
		OutputPaths: []string{"stdout", "stderr"},
	}

	assert.Equal(t, "debug", config.Level)
	assert.Equal(t, "json", config.Format)
	assert.Contains(t, config.OutputPaths, "stdout")
}

func TestMSFConfigEndpoint(t *testing.T) {
	config := MSFConfig{
		Host: "192.168.1.50",
		Port: 55553,
	}

	assert.Equal(t, "192.168.1.50:55553", config.Endpoint())
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NotNil(t, config)

	assert.Equal(t, 120*time.Second, config.Exploit.TimeoutPerAttempt)
	assert.False(t, config.Exploit.ConfirmEachAttempt)
	assert.Equal(t, 0, config.Exploit.MaxCandidates)
	assert.Equal(t, 30*time.Second, config.MSF.CommandTimeout)
	assert.Equal(t, 55553, config.MSF.Port)
	assert.Equal(t, "./results", config.Artifacts.Directory)
	assert.NoError(t, config.Validate())
}

func TestValidateRejectsZeroAttemptTimeout(t *testing.T) {
	config := DefaultConfig()
	config.Exploit.TimeoutPerAttempt = 0

	err := config.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout_per_attempt")
}

func TestValidateRejectsBadPort(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"zero", 0},
		{"negative", -1},
		{"too large", 70000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			config.MSF.Port = tt.port
			assert.Error(t, config.Validate())
		})
	}
}

func TestValidateRejectsNegativeMaxCandidates(t *testing.T) {
	config := DefaultConfig()
	config.Exploit.MaxCandidates = -5
	assert.Error(t, config.Validate())
}

func TestWorkerConfig(t *testing.T) {
	config := WorkerConfig{
		Count:             4,
		QueuePollInterval: 1 * time.Second,
		MaxRetries:        3,
		RetryDelay:        5 * time.Second,
	}

	assert.Equal(t, 4, config.Count)
	assert.Equal(t, 1*time.Second, config.QueuePollInterval)
	assert.Equal(t, 3, config.MaxRetries)
}

func TestNmapConfig(t *testing.T) {
	config := NmapConfig{
		BinaryPath: "/usr/bin/nmap",
		Timeout:    30 * time.Second,
		Profiles: map[string]string{
			"default": "-sS -sV",
			"fast":    "-T4 -F",
		},
	}

	assert.Equal(t, "/usr/bin/nmap", config.BinaryPath)
	assert.Contains(t, config.Profiles, "default")
	assert.Equal(t, "-sS -sV", config.Profiles["default"])
}
