// Package log wires the logging flags onto the root command and builds the
// process-wide slog logger from them.
package log

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/microsoft/rpmoci/internal/flags/enum"
)

func RegisterLoggingFlags(flags *pflag.FlagSet) {
	enum.Var(flags, "loglevel", []string{
		"warn",
		"debug",
		"info",
		"error",
	}, "set the log level (debug, info, warn, error)")
	flags.String("logformat", "text", "set the log format (text, json)")
	flags.CountP("verbose", "v", "increase the log level (-v: info, -vv: debug)")
}

// GetBaseLogger builds the logger from the command's logging flags.
func GetBaseLogger(cmd *cobra.Command) (*slog.Logger, error) {
	logLevel, err := GetLoggerLevel(cmd)
	if err != nil {
		return nil, err
	}

	format := cmd.Flag("logformat").Value.String()
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
			Level: logLevel,
		})
	case "text":
		handler = slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
			Level: logLevel,
		})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	return slog.New(handler), nil
}

// GetLoggerLevel resolves the log level from --loglevel, raised by repeated
// --verbose flags.
func GetLoggerLevel(cmd *cobra.Command) (slog.Level, error) {
	logLevel, err := enum.Get(cmd.Flags(), "loglevel")
	if err != nil {
		return slog.LevelWarn, err
	}
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return slog.LevelWarn, fmt.Errorf("invalid log level: %s", logLevel)
	}

	verbosity, err := cmd.Flags().GetCount("verbose")
	if err != nil {
		return level, err
	}
	switch {
	case verbosity >= 2:
		level = slog.LevelDebug
	case verbosity == 1 && level > slog.LevelInfo:
		level = slog.LevelInfo
	}
	return level, nil
}
