package catalog

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

var (
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// parseSearchOutput extracts exploit candidates from a framework search
// table. Malformed rows are counted and dropped, never fatal; duplicate
// module ids keep their first occurrence so listing order stays intact.
func parseSearchOutput(output string) ([]types.ExploitCandidate, int) {
	var (
		candidates []types.ExploitCandidate
		skipped    int
	)
	seen := make(map[string]bool)

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(stripANSI(raw))
		if line == "" || isDecoration(line) {
			continue
		}

		cand, ok := parseSearchRow(strings.Fields(line))
		if !ok {
			skipped++
			continue
		}
		if seen[cand.ModuleID] {
			continue
		}
		seen[cand.ModuleID] = true
		candidates = append(candidates, cand)
	}

	return candidates, skipped
}

// isDecoration recognizes the fixed furniture of framework tables: banners,
// rules, column headers, prompts and the trailing usage hint.
func isDecoration(line string) bool {
	switch {
	case strings.HasPrefix(line, "Matching Modules"):
		return true
	case strings.HasPrefix(line, "="):
		return true
	case strings.HasPrefix(line, "#"):
		return true
	case strings.HasPrefix(line, "-"):
		return true
	case strings.HasPrefix(line, "msf"):
		return true
	case strings.HasPrefix(line, "Interact with a module"):
		return true
	case strings.HasPrefix(line, "After interacting with a module"):
		return true
	case strings.HasPrefix(line, "[-]"), strings.HasPrefix(line, "[*]"),
		strings.HasPrefix(line, "[+]"), strings.HasPrefix(line, "[!]"):
		// framework status lines, not catalog rows
		return true
	}
	return false
}

// parseSearchRow parses one data row of the search table. Expected shape:
//
//	<index> <module path> [<disclosure date>] <rank> [Yes|No] <description...>
//
// The disclosure date column is blank for many modules, which shifts every
// later field left under whitespace splitting, so both shapes are accepted.
func parseSearchRow(fields []string) (types.ExploitCandidate, bool) {
	if len(fields) < 3 {
		return types.ExploitCandidate{}, false
	}

	if _, err := strconv.Atoi(fields[0]); err != nil {
		return types.ExploitCandidate{}, false
	}

	moduleID := fields[1]
	if !strings.HasPrefix(moduleID, "exploit/") {
		return types.ExploitCandidate{}, false
	}

	i := 2
	disclosure := ""
	if datePattern.MatchString(fields[i]) {
		disclosure = fields[i]
		i++
	}
	if i >= len(fields) {
		return types.ExploitCandidate{}, false
	}

	rank := types.ModuleRank(fields[i])
	if rank.Score() < 0 {
		return types.ExploitCandidate{}, false
	}
	i++

	// Check column; present on newer framework versions only.
	if i < len(fields) && (fields[i] == "Yes" || fields[i] == "No") {
		i++
	}

	return types.ExploitCandidate{
		ModuleID:       moduleID,
		Rank:           rank,
		DisclosureDate: disclosure,
		Description:    strings.Join(fields[i:], " "),
	}, true
}

// parseOptions extracts option rows from `show options` output. Module and
// payload option tables share one row shape:
//
//	<name> [<current setting>] <yes|no> <description...>
//
// Rows from unrelated sections (exploit targets, usage hints) fail the
// required-column check and are ignored.
func parseOptions(output string) map[string]types.ModuleOption {
	options := make(map[string]types.ModuleOption)

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(stripANSI(raw))
		if line == "" || isDecoration(line) {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] == "Name" {
			continue
		}

		name := fields[0]
		def := ""
		i := 1

		if !isRequiredFlag(fields[i]) {
			def = fields[i]
			i++
		}
		if i >= len(fields) || !isRequiredFlag(fields[i]) {
			continue
		}

		required := strings.EqualFold(fields[i], "yes")
		i++

		options[name] = types.ModuleOption{
			Required:    required,
			Default:     def,
			Description: strings.Join(fields[i:], " "),
		}
	}

	return options
}

func isRequiredFlag(s string) bool {
	return strings.EqualFold(s, "yes") || strings.EqualFold(s, "no")
}
