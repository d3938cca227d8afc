package cli_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/dpi-conntrack/internal/cli"
)

func Test_Read_Prints_Only_Matching_Connections(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("conns.jsonc", connsFile)

	stdout := c.MustRun("read", "--conns", "conns.jsonc", "4026532000", "ftp")

	lines := strings.Split(stdout, "\n")
	require.Len(t, lines, 3)

	for _, l := range lines {
		cli.AssertContains(t, l, "helper=ftp")
		cli.AssertContains(t, l, "dport=21")
	}
}

func Test_Read_Prints_Nothing_When_No_Connection_Matches(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("conns.jsonc", connsFile)

	stdout, stderr, code := c.Run("read", "--conns", "conns.jsonc", "4026532000", "irc")
	require.Equal(t, 0, code, stderr)
	require.Empty(t, stdout)
}

func Test_Read_Pages_With_Offset_And_Limit(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("conns.jsonc", connsFile)

	all := strings.Split(c.MustRun("read", "--conns", "conns.jsonc", "7", "ftp"), "\n")
	require.Len(t, all, 3)

	stdout, stderr, code := c.Run("read", "--conns", "conns.jsonc", "--offset", "1", "--limit", "1", "7", "ftp")
	require.Equal(t, 0, code, stderr)
	require.Equal(t, all[1]+"\n", stdout)
	cli.AssertContains(t, stderr, "next offset: 2")

	stdout, stderr, code = c.Run("read", "--conns", "conns.jsonc", "--offset", "2", "--limit", "5", "7", "ftp")
	require.Equal(t, 0, code, stderr)
	require.Equal(t, all[2]+"\n", stdout)
	cli.AssertNotContains(t, stderr, "next offset")

	stdout = c.MustRun("read", "--conns", "conns.jsonc", "--offset", "1", "7", "ftp")
	require.Equal(t, strings.Join(all[1:], "\n"), stdout)
}

func Test_Read_Writes_Output_File_When_Out_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("conns.jsonc", connsFile)

	stdout := c.MustRun("read", "--conns", "conns.jsonc", "--out", "sip.txt", "net:[7]", "sip")
	require.Empty(t, stdout)

	content := c.ReadFile("sip.txt")
	require.Equal(t, 1, strings.Count(content, "\n"))
	cli.AssertContains(t, content, "ipv4 udp 17 src=10.0.0.2 dst=192.168.0.2 sport=5060 dport=5060 helper=sip")
}

func Test_Read_Fails_When_Name_Is_Invalid(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stderr := c.MustFail("read", "7", "a/b")
	cli.AssertContains(t, stderr, "invalid handle name")
}

func Test_Read_Fails_When_Arguments_Missing(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stderr := c.MustFail("read", "7")
	cli.AssertContains(t, stderr, "usage: read <ns> <name>")
}

func Test_Read_Fails_When_Connection_Is_Malformed(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("conns.jsonc", `[{"proto": "sctp", "src": "10.0.0.1:1", "dst": "10.0.0.2:2"}]`)

	stderr := c.MustFail("read", "--conns", "conns.jsonc", "7", "ftp")
	cli.AssertContains(t, stderr, "connection 0")
	cli.AssertContains(t, stderr, "sctp")
}

func Test_Shell_Runs_Script_From_Input(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	script := strings.Join([]string{
		"# comment lines are ignored",
		"ns add 5",
		"ns ls",
		"conn add 5 tcp 10.0.0.1:1000 10.0.0.2:21 ftp",
		"conn add 5 tcp 10.0.0.1:1001 10.0.0.2:21 ftp",
		"conn add 5 udp 10.0.0.1:1002 10.0.0.2:53",
		"register 5 ftp",
		"register 5 ftp",
		"read 5 ftp 0 1",
		"conn tag 5 tcp 10.0.0.1:1000 10.0.0.2:21 -",
		"read 5 ftp",
		"resize 5 64",
		"stats",
		"unregister 5 ftp",
		"unregister 5 ftp",
		"bogus",
		"quit",
		"ns rm 5",
	}, "\n")

	stdout, stderr, code := c.RunWithInput(script, "shell", "--empty")
	require.Equal(t, 0, code, stderr)

	cli.AssertContains(t, stdout, "net:[5]\n")
	cli.AssertContains(t, stdout, "error: dpi: handle already exists")
	cli.AssertContains(t, stdout, "# next=1 eof=false")
	cli.AssertContains(t, stdout, "# next=1 eof=true")
	cli.AssertContains(t, stdout, "net:[5] handles=1 live=1 conns=3 buckets=64 resizes=1")
	cli.AssertContains(t, stdout, "error: dpi: handle not found")
	cli.AssertContains(t, stdout, "error: unknown command: bogus")

	// Lines after quit are not executed.
	require.Equal(t, 1, strings.Count(stdout, "net:[5]\n"))
}

func Test_Shell_Registers_Declared_Handles(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile(".dpictl.json", `{"namespaces": {"9": ["ftp", "sip"]}}`)

	stdout, stderr, code := c.RunWithInput("ls 9\n", "shell")
	require.Equal(t, 0, code, stderr)

	cli.AssertContains(t, stdout, "-r--r----- ftp ")
	cli.AssertContains(t, stdout, "-r--r----- sip ")
	cli.AssertContains(t, stdout, " active\n")
}

func Test_Serve_Runs_Declared_Namespaces_Until_Duration_Elapses(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile(".dpictl.json", `{
		"namespaces": {"7": ["ftp"], "8": ["ftp", "sip"]},
		"conntrack_buckets": 16,
	}`)

	stdout, stderr, code := c.Run("serve", "--addr", "127.0.0.1:0", "--duration", "200ms")
	require.Equal(t, 0, code, stderr)

	cli.AssertContains(t, stdout, "listening on 127.0.0.1:")
	cli.AssertContains(t, stdout, "net:[7]: 1 handles")
	cli.AssertContains(t, stdout, "net:[8]: 2 handles")
}

func Test_Serve_Warns_When_Declared_Handle_Is_Invalid(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile(".dpictl.json", `{"namespaces": {"7": ["ok", "not/ok"]}}`)

	stdout, stderr, code := c.Run("serve", "--no-churn", "--duration", "50ms")
	require.Equal(t, 1, code)

	cli.AssertContains(t, stdout, "net:[7]: 1 handles")
	cli.AssertContains(t, stderr, "warning: some declared handles could not be set up")
}
