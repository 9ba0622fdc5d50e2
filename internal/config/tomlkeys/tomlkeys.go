// Package tomlkeys flattens TOML documents into dotted, normalized keys so
// that tables, dotted keys, underscores and case all resolve the same way.
package tomlkeys

import (
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Store struct {
	flat map[string]any
}

func (s Store) Flat() map[string]any {
	flat := make(map[string]any, len(s.flat))
	for key, value := range s.flat {
		flat[key] = value
	}
	return flat
}

func (s Store) Has(key string) bool {
	_, ok := s.flat[NormalizeKey(key)]
	return ok
}

func Decode(data []byte) (Store, error) {
	raw := map[string]any{}
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return Store{}, err
	}
	return FromRaw(raw), nil
}

func FromRaw(raw map[string]any) Store {
	flat := make(map[string]any)
	flattenMap("", raw, flat)

	// First spelling in sorted order wins when two keys normalize alike.
	keys := make([]string, 0, len(flat))
	for key := range flat {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	normalized := make(map[string]any, len(flat))
	for _, key := range keys {
		normalizedKey := NormalizeKey(key)
		if _, exists := normalized[normalizedKey]; exists {
			continue
		}
		normalized[normalizedKey] = flat[key]
	}
	return Store{flat: normalized}
}

func (s Store) GetBool(key string) (bool, bool) {
	value, ok := s.flat[NormalizeKey(key)].(bool)
	return value, ok
}

func (s Store) GetInt(key string) (int64, bool) {
	return AsInt64(s.flat[NormalizeKey(key)])
}

func (s Store) GetString(key string) (string, bool) {
	value, ok := s.flat[NormalizeKey(key)].(string)
	return value, ok
}

// GetDuration accepts Go duration strings ("250ms") or whole milliseconds.
func (s Store) GetDuration(key string) (time.Duration, bool) {
	return AsDuration(s.flat[NormalizeKey(key)])
}

// GetStrings accepts an array of strings or a single comma-separated string.
func (s Store) GetStrings(key string) ([]string, bool) {
	return AsStrings(s.flat[NormalizeKey(key)])
}

func AsInt64(value any) (int64, bool) {
	switch typed := value.(type) {
	case int64:
		return typed, true
	case int:
		return int64(typed), true
	case float64:
		if typed == float64(int64(typed)) {
			return int64(typed), true
		}
	}
	return 0, false
}

func AsDuration(value any) (time.Duration, bool) {
	switch typed := value.(type) {
	case time.Duration:
		return typed, true
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(typed))
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	if millis, ok := AsInt64(value); ok {
		return time.Duration(millis) * time.Millisecond, true
	}
	return 0, false
}

func AsStrings(value any) ([]string, bool) {
	switch typed := value.(type) {
	case []string:
		return typed, true
	case []any:
		values := make([]string, 0, len(typed))
		for _, item := range typed {
			text, ok := item.(string)
			if !ok {
				return nil, false
			}
			values = append(values, text)
		}
		return values, true
	case string:
		values := []string{}
		for _, part := range strings.Split(typed, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				values = append(values, trimmed)
			}
		}
		return values, true
	}
	return nil, false
}

func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	parts := strings.Split(key, ".")
	for i, part := range parts {
		parts[i] = strings.ReplaceAll(strings.ToLower(part), "_", "-")
	}
	return strings.Join(parts, ".")
}

func flattenMap(prefix string, raw map[string]any, out map[string]any) {
	for key, value := range raw {
		joined := key
		if prefix != "" {
			joined = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			flattenMap(joined, nested, out)
			continue
		}
		out[joined] = value
	}
}
