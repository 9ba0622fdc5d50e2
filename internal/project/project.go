// Package project reads the list of project roots projwatch should watch and
// keeps a watcher service in step with it.
package project

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const DefaultFile = "console-projects.json"

// manifestName marks a project directory; entries may point at it instead
// of the directory itself.
const manifestName = "project.json"

type Entry struct {
	Name string `yaml:"name" json:"name"`
	Path string `yaml:"path" json:"path"`
}

// Root returns the directory the entry refers to. A path naming a
// project.json file resolves to its parent directory.
func (entry Entry) Root() string {
	path := strings.TrimSpace(entry.Path)
	if path == "" {
		return ""
	}
	if strings.EqualFold(filepath.Base(path), manifestName) {
		path = filepath.Dir(path)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return filepath.Clean(path)
}

type document struct {
	Projects []Entry `yaml:"projects"`
}

// Load decodes a projects file. JSON and YAML documents are both accepted;
// relative entry paths resolve against the file's directory.
func Load(path string) ([]Entry, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read projects file: %w", err)
	}
	entries, err := Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("decode projects file %s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range entries {
		if entries[i].Path != "" && !filepath.IsAbs(entries[i].Path) {
			entries[i].Path = filepath.Join(base, entries[i].Path)
		}
	}
	return entries, nil
}

// Decode parses a projects document. Entries without a path are dropped.
func Decode(payload []byte) ([]Entry, error) {
	var doc document
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	if err := decoder.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]Entry, 0, len(doc.Projects))
	for _, entry := range doc.Projects {
		entry.Path = strings.TrimSpace(entry.Path)
		if entry.Path == "" {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Find looks for the default projects file in dir, then in its parent.
func Find(dir string) (string, bool) {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	for _, candidate := range []string{dir, filepath.Dir(dir)} {
		path := filepath.Join(candidate, DefaultFile)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, true
		}
	}
	return "", false
}
