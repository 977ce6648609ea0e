// Package validation vets operator-supplied targets before anything is
// probed. A typo in a target address must fail here, not surface later as
// traffic against somebody else's machine.
package validation

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// TargetValidationResult classifies a raw target string and carries any
// cautions the operator should see before proceeding.
type TargetValidationResult struct {
	Valid      bool
	TargetType string // "ip", "ip_range", "hostname"
	Normalized string
	Warnings   []string
	Error      error
}

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

// ValidateTarget accepts single addresses, CIDR ranges and hostnames.
// Engagements normally run against private networks; a public address is
// accepted but flagged so an out-of-scope typo gets noticed before launch.
func ValidateTarget(target string) *TargetValidationResult {
	result := &TargetValidationResult{
		Valid:    false,
		Warnings: []string{},
	}

	target = strings.TrimSpace(target)
	if target == "" {
		result.Error = fmt.Errorf("target cannot be empty")
		return result
	}

	if ip, ipNet, err := net.ParseCIDR(target); err == nil {
		result.TargetType = "ip_range"
		result.Normalized = ipNet.String()
		if !ip.Equal(ipNet.IP) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("host bits in %s ignored, sweeping %s", target, ipNet.String()))
		}
		ones, bits := ipNet.Mask.Size()
		if bits-ones > 16 {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("range spans 2^%d addresses, sweep will take a while", bits-ones))
		}
		if isPublicIP(ipNet.IP) {
			result.Warnings = append(result.Warnings, publicWarning(ipNet.String()))
		}
		result.Valid = true
		return result
	}

	if ip := net.ParseIP(target); ip != nil {
		if ip.IsUnspecified() {
			result.Error = fmt.Errorf("%s is not a probeable address", target)
			return result
		}
		if ip.IsMulticast() {
			result.Error = fmt.Errorf("multicast address %s cannot be a target", target)
			return result
		}
		if ip4 := ip.To4(); ip4 != nil && ip4.Equal(net.IPv4bcast) {
			result.Error = fmt.Errorf("broadcast address %s cannot be a target", target)
			return result
		}

		result.TargetType = "ip"
		result.Normalized = ip.String()
		if ip.IsLoopback() {
			result.Warnings = append(result.Warnings, "target is the loopback interface")
		} else if isPublicIP(ip) {
			result.Warnings = append(result.Warnings, publicWarning(ip.String()))
		}
		result.Valid = true
		return result
	}

	if isHostname(target) {
		result.TargetType = "hostname"
		result.Normalized = strings.ToLower(target)
		result.Valid = true
		return result
	}

	result.Error = fmt.Errorf("unable to parse target, expected an IP address, CIDR range or hostname")
	return result
}

func publicWarning(addr string) string {
	return fmt.Sprintf("%s is a public address, verify the engagement scope covers it", addr)
}

func isPublicIP(ip net.IP) bool {
	return !(ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified())
}

func isHostname(s string) bool {
	if len(s) > 253 {
		return false
	}
	return hostnameRegex.MatchString(s)
}
