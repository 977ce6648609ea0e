package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

// fakeAdapter answers framework commands from a canned response map.
type fakeAdapter struct {
	responses map[string]string
	err       error
	commands  []string
}

func (f *fakeAdapter) Execute(ctx context.Context, command string, timeout time.Duration) (string, error) {
	f.commands = append(f.commands, command)
	if f.err != nil {
		return "", f.err
	}
	return f.responses[command], nil
}

func (f *fakeAdapter) Interrupt(ctx context.Context) error { return nil }

func (f *fakeAdapter) Version(ctx context.Context) (string, error) { return "test", nil }

func (f *fakeAdapter) Close() error { return nil }

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

const searchFixture = `Matching Modules
================

   #   Name                                          Disclosure Date  Rank       Check  Description
   -   ----                                          ---------------  ----       -----  -----------
   0   exploit/multi/samba/usermap_script            2007-05-14       excellent  No     Samba "username map script" Command Execution
   1   exploit/unix/ftp/vsftpd_234_backdoor          2011-07-03       excellent  No     VSFTPD v2.3.4 Backdoor Command Execution
   2   exploit/unix/ftp/proftpd_133c_backdoor        2010-12-02       excellent  No     ProFTPD-1.3.3c Backdoor Command Execution
   3   auxiliary/scanner/ftp/ftp_version                              normal     No     FTP Version Scanner
   this line is not a catalog row at all
   4   exploit/linux/misc/netsupport_manager_agent   2011-01-01       average    No     NetSupport Manager Agent Remote Buffer Overflow


Interact with a module by name or index. For example info 4, use 4 or use exploit/linux/misc/netsupport_manager_agent
`

func TestResolveRanksAndCounts(t *testing.T) {
	adapter := &fakeAdapter{responses: map[string]string{
		"search type:exploit vsftpd 2.3.4": searchFixture,
	}}
	r := New(adapter, Config{SearchTimeout: time.Second}, testLogger(t))

	fp := types.ServiceFingerprint{Port: 21, Protocol: types.ProtocolTCP, Name: "vsftpd", Version: "2.3.4"}
	candidates, skipped, err := r.Resolve(context.Background(), fp)
	require.NoError(t, err)

	// The auxiliary row and the free-text line are malformed for our
	// purposes; both are counted, neither is fatal.
	assert.Equal(t, 2, skipped)

	require.Len(t, candidates, 4)
	assert.Equal(t, "exploit/unix/ftp/vsftpd_234_backdoor", candidates[0].ModuleID)
	assert.Equal(t, "exploit/unix/ftp/proftpd_133c_backdoor", candidates[1].ModuleID)
	assert.Equal(t, "exploit/multi/samba/usermap_script", candidates[2].ModuleID)
	assert.Equal(t, "exploit/linux/misc/netsupport_manager_agent", candidates[3].ModuleID)

	assert.Equal(t, types.RankExcellent, candidates[0].Rank)
	assert.Equal(t, "2011-07-03", candidates[0].DisclosureDate)
	assert.Equal(t, "VSFTPD v2.3.4 Backdoor Command Execution", candidates[0].Description)
}

func TestResolveEmptyResultIsNotAnError(t *testing.T) {
	adapter := &fakeAdapter{responses: map[string]string{
		"search type:exploit obscure-service 9.9": "[-] No results from search operation\n",
	}}
	r := New(adapter, Config{SearchTimeout: time.Second}, testLogger(t))

	fp := types.ServiceFingerprint{Name: "obscure-service", Version: "9.9"}
	candidates, skipped, err := r.Resolve(context.Background(), fp)
	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.Zero(t, skipped)
}

func TestResolveBlankFingerprintSkipsSearch(t *testing.T) {
	adapter := &fakeAdapter{}
	r := New(adapter, Config{SearchTimeout: time.Second}, testLogger(t))

	candidates, skipped, err := r.Resolve(context.Background(), types.ServiceFingerprint{})
	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.Zero(t, skipped)
	assert.Empty(t, adapter.commands)
}

func TestResolveCapsCandidates(t *testing.T) {
	adapter := &fakeAdapter{responses: map[string]string{
		"search type:exploit vsftpd 2.3.4": searchFixture,
	}}
	r := New(adapter, Config{SearchTimeout: time.Second, MaxCandidates: 2}, testLogger(t))

	fp := types.ServiceFingerprint{Name: "vsftpd", Version: "2.3.4"}
	candidates, _, err := r.Resolve(context.Background(), fp)
	require.NoError(t, err)

	require.Len(t, candidates, 2)
	assert.Equal(t, "exploit/unix/ftp/vsftpd_234_backdoor", candidates[0].ModuleID)
	assert.Equal(t, "exploit/unix/ftp/proftpd_133c_backdoor", candidates[1].ModuleID)
}

func TestResolvePropagatesAdapterFault(t *testing.T) {
	adapter := &fakeAdapter{err: &core.TimeoutError{Command: "search", Timeout: time.Second}}
	r := New(adapter, Config{SearchTimeout: time.Second}, testLogger(t))

	_, _, err := r.Resolve(context.Background(), types.ServiceFingerprint{Name: "vsftpd"})
	var timeoutErr *core.TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
}

func TestResolveDeduplicatesListings(t *testing.T) {
	const doubled = `   0   exploit/unix/ftp/vsftpd_234_backdoor   2011-07-03   excellent   No   VSFTPD v2.3.4 Backdoor
   1   exploit/unix/ftp/vsftpd_234_backdoor   2011-07-03   excellent   No   VSFTPD v2.3.4 Backdoor
`
	adapter := &fakeAdapter{responses: map[string]string{
		"search type:exploit vsftpd": doubled,
	}}
	r := New(adapter, Config{SearchTimeout: time.Second}, testLogger(t))

	candidates, skipped, err := r.Resolve(context.Background(), types.ServiceFingerprint{Name: "vsftpd"})
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
	assert.Zero(t, skipped)
}

func TestSortCandidatesFullRankOrder(t *testing.T) {
	shuffled := []types.ExploitCandidate{
		{ModuleID: "m-manual", Rank: types.RankManual},
		{ModuleID: "m-good", Rank: types.RankGood},
		{ModuleID: "m-excellent", Rank: types.RankExcellent},
		{ModuleID: "m-low", Rank: types.RankLow},
		{ModuleID: "m-normal", Rank: types.RankNormal},
		{ModuleID: "m-great", Rank: types.RankGreat},
		{ModuleID: "m-average", Rank: types.RankAverage},
	}

	sortCandidates(shuffled)

	want := []string{"m-excellent", "m-great", "m-good", "m-normal", "m-average", "m-low", "m-manual"}
	for i, id := range want {
		assert.Equal(t, id, shuffled[i].ModuleID, "position %d", i)
	}
}

func TestSortCandidatesIsStableOnTies(t *testing.T) {
	tied := []types.ExploitCandidate{
		{ModuleID: "first", Rank: types.RankGood, DisclosureDate: "2020-01-01"},
		{ModuleID: "second", Rank: types.RankGood, DisclosureDate: "2020-01-01"},
		{ModuleID: "third", Rank: types.RankGood, DisclosureDate: "2020-01-01"},
	}

	sortCandidates(tied)

	assert.Equal(t, "first", tied[0].ModuleID)
	assert.Equal(t, "second", tied[1].ModuleID)
	assert.Equal(t, "third", tied[2].ModuleID)
}

func TestSortCandidatesRecencyBreaksRankTies(t *testing.T) {
	candidates := []types.ExploitCandidate{
		{ModuleID: "older", Rank: types.RankGood, DisclosureDate: "2007-05-14"},
		{ModuleID: "undated", Rank: types.RankGood},
		{ModuleID: "newer", Rank: types.RankGood, DisclosureDate: "2016-03-22"},
	}

	sortCandidates(candidates)

	assert.Equal(t, "newer", candidates[0].ModuleID)
	assert.Equal(t, "older", candidates[1].ModuleID)
	assert.Equal(t, "undated", candidates[2].ModuleID)
}

const optionsFixture = `Module options (exploit/unix/ftp/vsftpd_234_backdoor):

   Name    Current Setting  Required  Description
   ----    ---------------  --------  -----------
   CHOST                    no        The local client address
   RHOSTS                   yes       The target host(s), see https://docs.metasploit.com
   RPORT   21               yes       The target port (TCP)


Payload options (cmd/unix/interact):

   Name  Current Setting  Required  Description
   ----  ---------------  --------  -----------


Exploit target:

   Id  Name
   --  ----
   0   Automatic


View the full module info with the info, or info -d command.
`

func TestDescribeParsesOptionTable(t *testing.T) {
	adapter := &fakeAdapter{responses: map[string]string{
		"use exploit/unix/ftp/vsftpd_234_backdoor": "[*] Using configured payload cmd/unix/interact\n",
		"show options":                             optionsFixture,
	}}
	r := New(adapter, Config{SearchTimeout: time.Second}, testLogger(t))

	options, err := r.Describe(context.Background(), "exploit/unix/ftp/vsftpd_234_backdoor")
	require.NoError(t, err)

	require.Len(t, options, 3)
	assert.False(t, options["CHOST"].Required)
	assert.True(t, options["RHOSTS"].Required)
	assert.Empty(t, options["RHOSTS"].Default)
	assert.True(t, options["RPORT"].Required)
	assert.Equal(t, "21", options["RPORT"].Default)
	assert.Equal(t, "The target port (TCP)", options["RPORT"].Description)
}

func TestDescribeModuleLoadFailure(t *testing.T) {
	adapter := &fakeAdapter{responses: map[string]string{
		"use exploit/does/not/exist": "[-] Failed to load module: exploit/does/not/exist\n",
	}}
	r := New(adapter, Config{SearchTimeout: time.Second}, testLogger(t))

	_, err := r.Describe(context.Background(), "exploit/does/not/exist")
	var protoErr *core.ProtocolError
	require.True(t, errors.As(err, &protoErr))
}

func TestDescribeMissingOptionTable(t *testing.T) {
	adapter := &fakeAdapter{responses: map[string]string{
		"use exploit/unix/ftp/vsftpd_234_backdoor": "",
		"show options": "",
	}}
	r := New(adapter, Config{SearchTimeout: time.Second}, testLogger(t))

	_, err := r.Describe(context.Background(), "exploit/unix/ftp/vsftpd_234_backdoor")
	var protoErr *core.ProtocolError
	require.True(t, errors.As(err, &protoErr))
	assert.Equal(t, "show options", protoErr.Command)
}

func TestParseSearchOutputStripsANSI(t *testing.T) {
	colored := "   0   \x1b[32mexploit/unix/ftp/vsftpd_234_backdoor\x1b[0m   2011-07-03   \x1b[31mexcellent\x1b[0m   No   VSFTPD backdoor\n"

	candidates, skipped := parseSearchOutput(colored)
	require.Len(t, candidates, 1)
	assert.Zero(t, skipped)
	assert.Equal(t, "exploit/unix/ftp/vsftpd_234_backdoor", candidates[0].ModuleID)
	assert.Equal(t, types.RankExcellent, candidates[0].Rank)
}

func TestParseSearchRowWithoutDisclosureDate(t *testing.T) {
	row := "   7   exploit/windows/smb/generic_smb   great   Yes   Some SMB exploit\n"

	candidates, skipped := parseSearchOutput(row)
	require.Len(t, candidates, 1)
	assert.Zero(t, skipped)
	assert.Empty(t, candidates[0].DisclosureDate)
	assert.Equal(t, types.RankGreat, candidates[0].Rank)
	assert.Equal(t, "Some SMB exploit", candidates[0].Description)
}
