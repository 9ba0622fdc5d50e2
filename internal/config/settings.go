// Package config loads projwatch settings from built-in defaults, an optional
// TOML file, PROJWATCH_* environment variables and command-line overrides,
// in that order.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"projwatch/internal/config/tomlkeys"
)

//go:embed defaults.toml
var DefaultsTOML []byte

const EnvPrefix = "PROJWATCH_"

type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

type Settings struct {
	Watcher  WatcherSettings
	Log      LogSettings
	Server   ServerSettings
	Projects ProjectsSettings
	// Sources records where each key's value came from.
	Sources map[string]Source
}

type WatcherSettings struct {
	Backend       string
	PollInterval  time.Duration
	Coalesce      time.Duration
	DispatchQueue int
}

type LogSettings struct {
	Level string
}

type ServerSettings struct {
	Listen         string
	AllowedOrigins []string
	// Token, when set, is required as a bearer token or token query parameter.
	Token string
}

type ProjectsSettings struct {
	File           string
	ReloadDebounce time.Duration
}

// Keys lists every recognised setting.
var Keys = []string{
	"watcher.backend",
	"watcher.poll-interval",
	"watcher.coalesce",
	"watcher.dispatch-queue",
	"log.level",
	"server.listen",
	"server.allowed-origins",
	"server.token",
	"projects.file",
	"projects.reload-debounce",
}

type LoadOptions struct {
	// Path is an optional TOML file. A missing file is not an error.
	Path string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// Overrides are applied last, keyed like the TOML file.
	Overrides map[string]any
}

func Load(options LoadOptions) (Settings, error) {
	defaultsStore, err := tomlkeys.Decode(DefaultsTOML)
	if err != nil {
		return Settings{}, fmt.Errorf("decode defaults: %w", err)
	}
	values := defaultsStore.Flat()
	sources := make(map[string]Source, len(values))
	for key := range values {
		sources[key] = SourceDefault
	}

	if strings.TrimSpace(options.Path) != "" {
		payload, err := os.ReadFile(options.Path)
		if err != nil && !os.IsNotExist(err) {
			return Settings{}, fmt.Errorf("read config %s: %w", options.Path, err)
		}
		if err == nil {
			store, err := tomlkeys.Decode(payload)
			if err != nil {
				return Settings{}, fmt.Errorf("decode config %s: %w", options.Path, err)
			}
			for key, value := range store.Flat() {
				values[key] = value
				sources[key] = SourceFile
			}
		}
	}

	lookup := options.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, key := range Keys {
		if raw, ok := lookup(EnvName(key)); ok && strings.TrimSpace(raw) != "" {
			values[key] = strings.TrimSpace(raw)
			sources[key] = SourceEnv
		}
	}

	for key, value := range options.Overrides {
		normalized := tomlkeys.NormalizeKey(key)
		if normalized == "" {
			continue
		}
		values[normalized] = value
		sources[normalized] = SourceFlag
	}

	store := tomlkeys.FromRaw(values)
	settings := Settings{Sources: make(map[string]Source, len(Keys))}
	for _, key := range Keys {
		settings.Sources[key] = sources[key]
	}

	settings.Watcher.Backend = stringSetting(store, "watcher.backend")
	settings.Log.Level = stringSetting(store, "log.level")
	settings.Server.Listen = stringSetting(store, "server.listen")
	settings.Server.Token = stringSetting(store, "server.token")
	settings.Projects.File = stringSetting(store, "projects.file")

	if settings.Watcher.PollInterval, err = durationSetting(store, "watcher.poll-interval"); err != nil {
		return Settings{}, err
	}
	if settings.Watcher.Coalesce, err = durationSetting(store, "watcher.coalesce"); err != nil {
		return Settings{}, err
	}
	if settings.Projects.ReloadDebounce, err = durationSetting(store, "projects.reload-debounce"); err != nil {
		return Settings{}, err
	}
	queue, err := intSetting(store, "watcher.dispatch-queue")
	if err != nil {
		return Settings{}, err
	}
	settings.Watcher.DispatchQueue = int(queue)
	if origins, ok := store.GetStrings("server.allowed-origins"); ok {
		settings.Server.AllowedOrigins = origins
	} else if store.Has("server.allowed-origins") {
		return Settings{}, fmt.Errorf("invalid server.allowed-origins: expected a list of strings")
	}
	return settings, nil
}

// EnvName maps a settings key to its environment variable:
// watcher.poll-interval becomes PROJWATCH_WATCHER_POLL_INTERVAL.
func EnvName(key string) string {
	replacer := strings.NewReplacer(".", "_", "-", "_")
	return EnvPrefix + strings.ToUpper(replacer.Replace(tomlkeys.NormalizeKey(key)))
}

// SortedSources returns "key=source" pairs for logging.
func (settings Settings) SortedSources() []string {
	pairs := make([]string, 0, len(settings.Sources))
	for key, source := range settings.Sources {
		pairs = append(pairs, key+"="+string(source))
	}
	sort.Strings(pairs)
	return pairs
}

func stringSetting(store tomlkeys.Store, key string) string {
	value, _ := store.GetString(key)
	return strings.TrimSpace(value)
}

func durationSetting(store tomlkeys.Store, key string) (time.Duration, error) {
	value, ok := store.GetDuration(key)
	if !ok || value < 0 {
		return 0, fmt.Errorf("invalid %s: expected a non-negative duration", key)
	}
	return value, nil
}

func intSetting(store tomlkeys.Store, key string) (int64, error) {
	if value, ok := store.GetInt(key); ok {
		return value, nil
	}
	// Environment values arrive as strings.
	if text, ok := store.GetString(key); ok {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64); err == nil {
			return parsed, nil
		}
	}
	return 0, fmt.Errorf("invalid %s: expected an integer", key)
}
