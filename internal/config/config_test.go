package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/dpi-conntrack/internal/config"
	"github.com/calvinalkan/dpi-conntrack/internal/logging"
	"github.com/calvinalkan/dpi-conntrack/internal/netns"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func Test_Load_Returns_Defaults_When_No_Files_Exist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg, err := config.Load(config.LoadInput{WorkDirOverride: dir, Env: map[string]string{"HOME": dir}})
	require.NoError(t, err)

	require.Equal(t, config.Default().BucketBits, cfg.BucketBits)
	require.Equal(t, 128, cfg.PageSize)
	require.Equal(t, time.Millisecond, cfg.ChurnEvery)
	require.Equal(t, dir, cfg.EffectiveCwd)
	require.Equal(t, filepath.Join(dir, ".local", "state", "dpictl", "history"), cfg.HistoryFileAbs)
	require.Empty(t, cfg.Sources.Global)
	require.Empty(t, cfg.Sources.Project)

	if diff := cmp.Diff(map[string][]string{"current": {"test"}}, cfg.Namespaces); diff != "" {
		t.Fatalf("namespaces (-want +got):\n%s", diff)
	}
}

func Test_Load_Layers_Global_Then_Project_Then_Overrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	xdg := filepath.Join(dir, "xdg")

	writeFile(t, filepath.Join(xdg, "dpictl", "config.json"), `{
		// global
		"page_size": 10,
		"max_handles": 3,
		"metrics_addr": ":9100",
	}`)
	writeFile(t, filepath.Join(dir, config.FileName), `{"page_size": 20, "log_level": "debug"}`)

	cfg, err := config.Load(config.LoadInput{
		WorkDirOverride: dir,
		Env:             map[string]string{"XDG_CONFIG_HOME": xdg},
		Overrides:       config.Overrides{LogLevel: "trace"},
	})
	require.NoError(t, err)

	require.Equal(t, 20, cfg.PageSize)
	require.Equal(t, 3, cfg.MaxHandles)
	require.Equal(t, ":9100", cfg.MetricsAddr)
	require.Equal(t, "trace", cfg.LogLevel)
	require.Equal(t, logging.TRACE, cfg.Verbosity)
	require.Equal(t, filepath.Join(xdg, "dpictl", "config.json"), cfg.Sources.Global)
	require.Equal(t, filepath.Join(dir, config.FileName), cfg.Sources.Project)
}

func Test_Load_Clears_Inherited_Value_When_Set_Explicitly_Empty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	xdg := filepath.Join(dir, "xdg")

	writeFile(t, filepath.Join(xdg, "dpictl", "config.json"), `{"metrics_addr": ":9100"}`)
	writeFile(t, filepath.Join(dir, config.FileName), `{"metrics_addr": "", "namespaces": {}}`)

	cfg, err := config.Load(config.LoadInput{WorkDirOverride: dir, Env: map[string]string{"XDG_CONFIG_HOME": xdg}})
	require.NoError(t, err)

	require.Empty(t, cfg.MetricsAddr)
	require.Empty(t, cfg.Namespaces)
}

func Test_Load_Replaces_Namespace_Declarations_From_Later_Layer(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.FileName), `{"namespaces": {"4026532000": ["ftp", "sip"]}}`)

	cfg, err := config.Load(config.LoadInput{WorkDirOverride: dir})
	require.NoError(t, err)

	want := map[string][]string{"4026532000": {"ftp", "sip"}}
	if diff := cmp.Diff(want, cfg.Namespaces); diff != "" {
		t.Fatalf("namespaces (-want +got):\n%s", diff)
	}
}

func Test_Load_Returns_Error_When_Explicit_Config_Missing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := config.Load(config.LoadInput{WorkDirOverride: dir, ConfigPath: "nope.json"})
	require.ErrorIs(t, err, config.ErrConfigFileNotFound)
}

func Test_Load_Uses_Explicit_Config_Instead_Of_Project_File(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.FileName), `{"page_size": 20}`)
	writeFile(t, filepath.Join(dir, "alt.json"), `{"page_size": 30, "history_file": "hist"}`)

	cfg, err := config.Load(config.LoadInput{WorkDirOverride: dir, ConfigPath: "alt.json"})
	require.NoError(t, err)

	require.Equal(t, 30, cfg.PageSize)
	require.Equal(t, filepath.Join(dir, "alt.json"), cfg.Sources.Project)
	require.Equal(t, filepath.Join(dir, "hist"), cfg.HistoryFileAbs)
}

func Test_Load_Rejects_Invalid_Values(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
	}{
		{"unknown field", `{"bucket_count": 3}`},
		{"bad jsonc", `{"page_size": }`},
		{"bucket bits too large", `{"bucket_bits": 40}`},
		{"negative page size", `{"page_size": -1}`},
		{"unknown log level", `{"log_level": "loud"}`},
		{"bad churn interval", `{"churn_interval": "soon"}`},
		{"bad namespace key", `{"namespaces": {"eth0": ["ftp"]}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, config.FileName), tc.content)

			_, err := config.Load(config.LoadInput{WorkDirOverride: dir})
			require.ErrorIs(t, err, config.ErrConfigInvalid)
		})
	}
}

func Test_Parse_Accepts_Comments_And_Trailing_Commas(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse([]byte(`{
		// tiny tables
		"conntrack_buckets": 8,
		"churn_target": 16,
	}`))
	require.NoError(t, err)
	require.Equal(t, 8, cfg.ConntrackBuckets)
	require.Equal(t, 16, cfg.ChurnTarget)
}

func Test_NamespaceID_Resolves_Current_And_Numeric_Keys(t *testing.T) {
	t.Parallel()

	id, err := config.NamespaceID("current", 77)
	require.NoError(t, err)
	require.Equal(t, netns.ID(77), id)

	id, err = config.NamespaceID("net:[4026532000]", 77)
	require.NoError(t, err)
	require.Equal(t, netns.ID(4026532000), id)

	_, err = config.NamespaceID("x", 77)
	require.ErrorIs(t, err, netns.ErrInvalidID)
}

func Test_Format_Omits_Resolved_Fields(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.EffectiveCwd = "/somewhere"

	out, err := config.Format(cfg)
	require.NoError(t, err)
	require.Contains(t, out, `"page_size": 128`)
	require.NotContains(t, out, "somewhere")
}
