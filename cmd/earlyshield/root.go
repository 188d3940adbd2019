package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/earlyshield/dashboard/internal/config"
)

// app carries state shared by every subcommand. cfg and logger are set by the
// root command's PersistentPreRunE.
type app struct {
	configPath string
	apiURL     string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "earlyshield",
		Short: "Role-aware dashboard sync layer for the EarlyShield campus risk backend",
		Long: `earlyshield mirrors signals, zones, stats and notifications from the
EarlyShield backend into a single consistent store. "serve" exposes that store
over HTTP and WebSocket; the other commands perform one operation and print
the result as JSON.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "path to the YAML configuration file")
	pf.StringVar(&a.apiURL, "api-url", "", "backend API root, overriding the configuration")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug | info | warn | error")

	root.AddCommand(
		newServeCmd(a),
		newSnapshotCmd(a),
		newSignalCmd(a),
		newNotificationsCmd(a),
		newRoleCmd(a),
		newUserCmd(a),
		newZoneCmd(a),
		newActivityCmd(a),
	)
	return root
}

// load reads the configuration and applies command-line overrides.
func (a *app) load(logOut io.Writer) error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.apiURL != "" {
		cfg.APIURL = a.apiURL
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg
	a.logger = newLogger(logOut, cfg.LogLevel)
	slog.SetDefault(a.logger)
	return nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to w at the requested minimum level.
func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
