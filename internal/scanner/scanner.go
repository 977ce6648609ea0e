// Package scanner fingerprints the services a target exposes. The nmap
// scanner is the real one; the connect scanner is the fallback for boxes
// where the nmap binary is not installed.
package scanner

import (
	"os/exec"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
)

// New picks the best available scanner. Exploit selection lives and dies
// on version detection, so nmap wins whenever its binary is present.
func New(cfg config.ScannerConfig, profile string, log *logger.Logger) core.PortScanner {
	binary := cfg.Nmap.BinaryPath
	if binary == "" {
		binary = "nmap"
	}
	if _, err := exec.LookPath(binary); err == nil {
		return NewNmapScanner(cfg, profile, log)
	}

	log.Warnw("nmap binary not found, falling back to connect scan",
		"binary", binary,
		"hint", "connect scans fingerprint far fewer versions",
	)
	return NewConnectScanner(cfg, log)
}
