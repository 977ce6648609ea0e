package orchestrator

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Verdict is the classification of one launch's raw output.
type Verdict int

const (
	// VerdictUnknown means neither marker set matched. Callers must not
	// guess; an unknown verdict at the attempt deadline is reported as a
	// timeout so the operator inspects the transcript.
	VerdictUnknown Verdict = iota
	VerdictSucceeded
	VerdictFailed
)

// MarkerSet holds the output substrings that signal exploit success or
// failure. The exact phrasing is framework-version-dependent, so the set is
// loadable from YAML; the defaults cover current framework releases.
type MarkerSet struct {
	Success []string `yaml:"success"`
	Failure []string `yaml:"failure"`
}

func DefaultMarkers() *MarkerSet {
	return &MarkerSet{
		Success: []string{
			"meterpreter session",
			"command shell session",
			"session opened",
			"authentication successful",
		},
		Failure: []string{
			"no session was created",
			"exploit failed",
			"exploit aborted",
			"target is not vulnerable",
			"connection refused",
			"host unreachable",
			"no target selectable",
		},
	}
}

// LoadMarkers reads a marker set from a YAML file. A missing success or
// failure list falls back to the defaults, so operators can override one
// side only. An empty path yields the defaults.
func LoadMarkers(path string) (*MarkerSet, error) {
	defaults := DefaultMarkers()
	if path == "" {
		return defaults, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading marker file: %w", err)
	}

	var set MarkerSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parsing marker file %s: %w", path, err)
	}

	if len(set.Success) == 0 {
		set.Success = defaults.Success
	}
	if len(set.Failure) == 0 {
		set.Failure = defaults.Failure
	}
	return &set, nil
}

// Classify matches output against the marker sets, success first. Matching
// is case-insensitive substring search over the whole transcript.
func (m *MarkerSet) Classify(output string) Verdict {
	lowered := strings.ToLower(output)

	for _, marker := range m.Success {
		if strings.Contains(lowered, strings.ToLower(marker)) {
			return VerdictSucceeded
		}
	}
	for _, marker := range m.Failure {
		if strings.Contains(lowered, strings.ToLower(marker)) {
			return VerdictFailed
		}
	}
	return VerdictUnknown
}
