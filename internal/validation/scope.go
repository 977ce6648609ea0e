package validation

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
)

// ScopeFile is a parsed engagement scope: the addresses the client
// authorized and the ones they explicitly carved out. Exclusions always
// win over inclusions.
type ScopeFile struct {
	InScope     []ScopeEntry
	OutOfScope  []ScopeEntry
	Description string
}

type ScopeEntry struct {
	Value string
	Type  string // "hostname", "wildcard", "ip", "ip_range"
}

// LoadScopeFile parses an engagement scope file. Lines before any section
// header count as in-scope; [out-of-scope] switches sections.
func LoadScopeFile(path string) (*ScopeFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open scope file: %w", err)
	}
	defer file.Close()

	scope := &ScopeFile{
		InScope:    []ScopeEntry{},
		OutOfScope: []ScopeEntry{},
	}

	scanner := bufio.NewScanner(file)
	inScopeSection := true

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			if strings.HasPrefix(line, "# Description:") {
				scope.Description = strings.TrimSpace(strings.TrimPrefix(line, "# Description:"))
			}
			continue
		}

		switch strings.ToLower(line) {
		case "[in-scope]", "[inscope]":
			inScopeSection = true
			continue
		case "[out-of-scope]", "[outofscope]":
			inScopeSection = false
			continue
		}

		entry := parseScopeEntry(line)
		if entry == nil {
			continue
		}

		if inScopeSection {
			scope.InScope = append(scope.InScope, *entry)
		} else {
			scope.OutOfScope = append(scope.OutOfScope, *entry)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading scope file: %w", err)
	}

	return scope, nil
}

func parseScopeEntry(line string) *ScopeEntry {
	line = strings.TrimSpace(line)

	if strings.Contains(line, "/") {
		if _, _, err := net.ParseCIDR(line); err == nil {
			return &ScopeEntry{Value: line, Type: "ip_range"}
		}
		return nil
	}

	if net.ParseIP(line) != nil {
		return &ScopeEntry{Value: line, Type: "ip"}
	}

	if strings.HasPrefix(line, "*.") {
		if isHostname(strings.TrimPrefix(line, "*.")) {
			return &ScopeEntry{Value: line, Type: "wildcard"}
		}
		return nil
	}

	if isHostname(line) {
		return &ScopeEntry{Value: line, Type: "hostname"}
	}

	return nil
}

// IsInScope reports whether a target is authorized. A CIDR target must be
// wholly contained by an in-scope range and must not overlap any
// exclusion; a sweep that strays one address past the engagement boundary
// is still a breach.
func (sf *ScopeFile) IsInScope(target string) bool {
	target = normalizeScopeTarget(target)

	if _, targetNet, err := net.ParseCIDR(target); err == nil {
		return sf.rangeInScope(targetNet)
	}

	if sf.matchesAnyEntry(target, sf.OutOfScope) {
		return false
	}
	return sf.matchesAnyEntry(target, sf.InScope)
}

func (sf *ScopeFile) rangeInScope(targetNet *net.IPNet) bool {
	for _, entry := range sf.OutOfScope {
		switch entry.Type {
		case "ip":
			if ip := net.ParseIP(entry.Value); ip != nil && targetNet.Contains(ip) {
				return false
			}
		case "ip_range":
			if _, entryNet, err := net.ParseCIDR(entry.Value); err == nil && cidrsOverlap(entryNet, targetNet) {
				return false
			}
		}
	}

	for _, entry := range sf.InScope {
		if entry.Type != "ip_range" {
			continue
		}
		if _, entryNet, err := net.ParseCIDR(entry.Value); err == nil && cidrContains(entryNet, targetNet) {
			return true
		}
	}
	return false
}

func (sf *ScopeFile) matchesAnyEntry(target string, entries []ScopeEntry) bool {
	for _, entry := range entries {
		if matchesScopeEntry(target, entry) {
			return true
		}
	}
	return false
}

func matchesScopeEntry(target string, entry ScopeEntry) bool {
	entryValue := strings.ToLower(entry.Value)

	switch entry.Type {
	case "hostname":
		if target == entryValue {
			return true
		}
		return strings.HasSuffix(target, "."+entryValue)

	case "wildcard":
		suffix := strings.TrimPrefix(entryValue, "*.")
		return target == suffix || strings.HasSuffix(target, "."+suffix)

	case "ip":
		targetIP := net.ParseIP(target)
		entryIP := net.ParseIP(entry.Value)
		return targetIP != nil && targetIP.Equal(entryIP)

	case "ip_range":
		targetIP := net.ParseIP(target)
		if targetIP == nil {
			return false
		}
		_, ipNet, err := net.ParseCIDR(entry.Value)
		if err != nil {
			return false
		}
		return ipNet.Contains(targetIP)
	}

	return false
}

func normalizeScopeTarget(target string) string {
	target = strings.ToLower(strings.TrimSpace(target))
	// Bracketed IPv6 with port, then plain host:port.
	if strings.HasPrefix(target, "[") {
		if host, _, err := net.SplitHostPort(target); err == nil {
			return host
		}
		return strings.Trim(target, "[]")
	}
	if strings.Count(target, ":") == 1 {
		if host, _, err := net.SplitHostPort(target); err == nil {
			return host
		}
	}
	return target
}

func cidrContains(outer, inner *net.IPNet) bool {
	outerOnes, outerBits := outer.Mask.Size()
	innerOnes, innerBits := inner.Mask.Size()
	return outerBits == innerBits && outer.Contains(inner.IP) && outerOnes <= innerOnes
}

func cidrsOverlap(a, b *net.IPNet) bool {
	return a.Contains(b.IP) || b.Contains(a.IP)
}

// ValidateWithScope runs target validation and then enforces the
// engagement scope. An empty scope path skips the scope check.
func ValidateWithScope(target string, scopePath string) (*TargetValidationResult, error) {
	result := ValidateTarget(target)
	if !result.Valid {
		return result, nil
	}

	if scopePath == "" {
		return result, nil
	}

	scope, err := LoadScopeFile(scopePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load scope file: %w", err)
	}

	if !scope.IsInScope(result.Normalized) {
		result.Valid = false
		result.Error = fmt.Errorf("target is not in the engagement scope")
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Target %q is not authorized by scope file %q", target, scopePath))
		return result, nil
	}

	return result, nil
}

// GenerateScopeFile writes a starter scope file listing the given targets
// as in-scope.
func GenerateScopeFile(path string, targets []string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create scope file: %w", err)
	}
	defer file.Close()

	fmt.Fprintln(file, "# Salvo Engagement Scope")
	fmt.Fprintln(file, "# Description: Authorized targets for this engagement")
	fmt.Fprintln(file, "#")
	fmt.Fprintln(file, "# Format:")
	fmt.Fprintln(file, "#   - Hostnames: dc01.corp.example")
	fmt.Fprintln(file, "#   - Wildcards: *.corp.example")
	fmt.Fprintln(file, "#   - Addresses: 10.10.20.5")
	fmt.Fprintln(file, "#   - Ranges: 10.10.20.0/24")
	fmt.Fprintln(file, "#")
	fmt.Fprintln(file, "# Lines starting with # are comments")
	fmt.Fprintln(file, "")
	fmt.Fprintln(file, "[in-scope]")

	for _, target := range targets {
		fmt.Fprintln(file, target)
	}

	fmt.Fprintln(file, "")
	fmt.Fprintln(file, "[out-of-scope]")
	fmt.Fprintln(file, "# Example: 10.10.20.1")
	fmt.Fprintln(file, "")

	return nil
}
