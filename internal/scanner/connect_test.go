package scanner

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

func scannerTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

// listen starts a loopback listener that writes banner to every connection.
func listen(t *testing.T, banner string) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if banner != "" {
				conn.Write([]byte(banner))
			}
			go func(c net.Conn) {
				time.Sleep(2 * time.Second)
				c.Close()
			}(conn)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestConnectScanFingerprintsGreeting(t *testing.T) {
	host, port := listen(t, "220 (vsFTPd 2.3.4)\r\n")

	scanner := NewConnectScanner(config.ScannerConfig{
		ConnectTimeout: 500 * time.Millisecond,
		Ports:          strconv.Itoa(port),
	}, scannerTestLogger(t))

	services, err := scanner.Scan(context.Background(), host)
	require.NoError(t, err)
	require.Len(t, services, 1)

	assert.Equal(t, port, services[0].Port)
	assert.Equal(t, types.ProtocolTCP, services[0].Protocol)
	assert.Equal(t, "vsFTPd", services[0].Product)
	assert.Equal(t, "2.3.4", services[0].Version)
}

func TestConnectScanSkipsClosedPorts(t *testing.T) {
	host, port := listen(t, "")

	// The listener's port is open; its neighbour almost certainly is not.
	spec := strconv.Itoa(port) + "," + strconv.Itoa(port+1)
	scanner := NewConnectScanner(config.ScannerConfig{
		ConnectTimeout: 300 * time.Millisecond,
		Ports:          spec,
	}, scannerTestLogger(t))

	services, err := scanner.Scan(context.Background(), host)
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, port, services[0].Port)
}

func TestFingerprintBanner(t *testing.T) {
	tests := []struct {
		banner  string
		name    string
		product string
		version string
	}{
		{"SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.1", "ssh", "OpenSSH", "8.9p1"},
		{"SSH-2.0-dropbear", "ssh", "dropbear", ""},
		{"220 (vsFTPd 2.3.4)", "", "vsFTPd", "2.3.4"},
		{"220 ProFTPD 1.3.5 Server (Debian)", "", "ProFTPD", "1.3.5"},
		{"220 mail.example.com ESMTP Postfix (Ubuntu)", "", "", ""},
		{"", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.banner, func(t *testing.T) {
			name, product, version := fingerprintBanner(tt.banner)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.product, product)
			assert.Equal(t, tt.version, version)
		})
	}
}

func TestParsePorts(t *testing.T) {
	ports, err := parsePorts("22,80, 8000-8002")
	require.NoError(t, err)
	assert.Equal(t, []int{22, 80, 8000, 8001, 8002}, ports)

	ports, err = parsePorts("80,80,22")
	require.NoError(t, err)
	assert.Equal(t, []int{22, 80}, ports)

	_, err = parsePorts("nope")
	require.Error(t, err)

	_, err = parsePorts("100-1")
	require.Error(t, err)

	_, err = parsePorts("70000")
	require.Error(t, err)

	_, err = parsePorts(" , ")
	require.Error(t, err)
}

func TestWellKnownNameWithoutBanner(t *testing.T) {
	fp := types.ServiceFingerprint{Port: 3306, Protocol: types.ProtocolTCP, Name: wellKnownNames[3306]}
	assert.Equal(t, "mysql", fp.Name)
	assert.Equal(t, "mysql", fp.Query())
}
