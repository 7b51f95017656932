package log

import (
	"log/slog"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func testCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
	RegisterLoggingFlags(cmd.PersistentFlags())
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return cmd
}

func Test_GetLoggerLevel(t *testing.T) {
	t.Run("defaults to warn", func(t *testing.T) {
		r := require.New(t)
		level, err := GetLoggerLevel(testCommand(t))
		r.NoError(err)
		r.Equal(slog.LevelWarn, level)
	})

	t.Run("explicit level", func(t *testing.T) {
		r := require.New(t)
		level, err := GetLoggerLevel(testCommand(t, "--loglevel", "debug"))
		r.NoError(err)
		r.Equal(slog.LevelDebug, level)
	})

	t.Run("rejects unknown level", func(t *testing.T) {
		cmd := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
		RegisterLoggingFlags(cmd.PersistentFlags())
		cmd.SetArgs([]string{"--loglevel", "loud"})
		require.Error(t, cmd.Execute())
	})

	t.Run("verbosity raises the level", func(t *testing.T) {
		r := require.New(t)
		level, err := GetLoggerLevel(testCommand(t, "-v"))
		r.NoError(err)
		r.Equal(slog.LevelInfo, level)

		level, err = GetLoggerLevel(testCommand(t, "-vv"))
		r.NoError(err)
		r.Equal(slog.LevelDebug, level)
	})
}

func Test_GetBaseLogger(t *testing.T) {
	t.Run("text and json handlers", func(t *testing.T) {
		r := require.New(t)
		for _, format := range []string{"text", "json"} {
			logger, err := GetBaseLogger(testCommand(t, "--logformat", format))
			r.NoError(err)
			r.NotNil(logger)
		}
	})

	t.Run("invalid format", func(t *testing.T) {
		_, err := GetBaseLogger(testCommand(t, "--logformat", "xml"))
		require.Error(t, err)
	})
}
