package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"projwatch/internal/config"
	"projwatch/internal/logging"
	"projwatch/internal/metrics"
	"projwatch/internal/version"
	"projwatch/internal/watcher"
)

const defaultConfigFile = "projwatch.toml"

type globalFlags struct {
	configPath string
	backend    string
	logLevel   string
}

// flagKeys maps command-line flags onto settings keys.
var flagKeys = map[string]string{
	"backend":   "watcher.backend",
	"log-level": "log.level",
	"listen":    "server.listen",
	"projects":  "projects.file",
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:          "projwatch",
		Short:        "Watch project trees and report directory changes",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", defaultConfigFile, "TOML settings file (missing is fine)")
	root.PersistentFlags().StringVar(&flags.backend, "backend", "", "watch backend: fsnotify or poll")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warning or error")

	root.AddCommand(newRunCommand(flags))
	root.AddCommand(newScanCommand(flags))
	root.AddCommand(newVersionCommand())
	return root
}

// loadSettings layers flags the user actually set over file and env values.
func loadSettings(cmd *cobra.Command, flags *globalFlags) (config.Settings, error) {
	overrides := map[string]any{}
	for name, key := range flagKeys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		overrides[key] = flag.Value.String()
	}
	return config.Load(config.LoadOptions{
		Path:      flags.configPath,
		Overrides: overrides,
	})
}

func newLogger(settings config.Settings, output io.Writer) (*logging.Logger, error) {
	level, ok := logging.ParseLevel(settings.Log.Level)
	if !ok {
		return nil, fmt.Errorf("invalid log level %q", settings.Log.Level)
	}
	return logging.NewLoggerWithOutput(logging.NewLogBuffer(logging.DefaultBufferSize), level, output), nil
}

func newScanCommand(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "scan [dir...]",
		Short: "Register directories once, print the watch registry and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd, flags)
			if err != nil {
				return err
			}
			logger, err := newLogger(settings, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			backend, err := watcher.ParseBackend(settings.Watcher.Backend)
			if err != nil {
				return err
			}
			service, err := watcher.New(watcher.Options{
				Backend:      backend,
				Logger:       logger,
				Metrics:      &metrics.Registry{},
				PollInterval: settings.Watcher.PollInterval,
				Coalesce:     settings.Watcher.Coalesce,
			})
			if err != nil {
				return err
			}
			defer service.Stop()

			if len(args) == 0 {
				args = []string{"."}
			}
			for _, dir := range args {
				service.RegisterProject(dir)
			}
			return printEntries(cmd.OutOrStdout(), service.Entries(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the registry as JSON")
	return cmd
}

func printEntries(output io.Writer, entries []watcher.Entry, asJSON bool) error {
	if asJSON {
		if entries == nil {
			entries = []watcher.Entry{}
		}
		encoder := json.NewEncoder(output)
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	}
	for _, entry := range entries {
		if _, err := fmt.Fprintf(output, "%d\t%s\n", uint64(entry.Token), entry.Path); err != nil {
			return err
		}
	}
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Current().String())
			return err
		},
	}
}

func workingDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	return dir
}
