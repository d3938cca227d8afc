package logging_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/dpi-conntrack/internal/logging"
)

func Test_ParseLevel_Maps_Names_To_Verbosity(t *testing.T) {
	t.Parallel()

	cases := map[string]int{
		"":        0,
		"info":    0,
		"error":   -1,
		"Default": logging.DEFAULT,
		"verbose": logging.VERBOSE,
		"debug":   logging.DEBUG,
		" trace ": logging.TRACE,
	}

	for in, want := range cases {
		got, err := logging.ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := logging.ParseLevel("loud")
	require.ErrorIs(t, err, logging.ErrUnknownLevel)
}

func Test_New_Filters_Messages_Above_Verbosity(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	log := logging.New(&buf, logging.VERBOSE)
	log.V(logging.DEFAULT).Info("shown-default")
	log.V(logging.VERBOSE).Info("shown-verbose")
	log.V(logging.DEBUG).Info("hidden-debug")

	out := buf.String()
	require.Contains(t, out, "shown-default")
	require.Contains(t, out, "shown-verbose")
	require.NotContains(t, out, "hidden-debug")
}

func Test_New_Prints_Only_Errors_When_Verbosity_Negative(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	log := logging.New(&buf, -1)
	log.Info("quiet")
	log.Error(nil, "loud")

	require.NotContains(t, buf.String(), "quiet")
	require.Contains(t, buf.String(), "loud")
}
