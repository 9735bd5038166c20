package script

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// OptionsFile is the name of the options file inside the scripts directory.
const OptionsFile = "script_options.yml"

// ErrNotFound is returned when no script file exists for a name.
var ErrNotFound = errors.New("script not found")

// validName checks that a script name is safe to use as a filename component.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return false
	}
	return true
}

// Loader reads *.lua scripts and their options from a directory.
type Loader struct {
	dir    string
	logger *slog.Logger
}

// NewLoader creates a loader rooted at dir. It ensures the directory exists.
func NewLoader(dir string, logger *slog.Logger) (*Loader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Loader{dir: dir, logger: logger}, nil
}

// Dir returns the scripts directory.
func (l *Loader) Dir() string { return l.dir }

// Names returns the names of the scripts on disk, sorted.
func (l *Loader) Names() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lua") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".lua"))
	}
	sort.Strings(names)
	return names, nil
}

// List reads every script in the directory, sorted by name.
func (l *Loader) List() ([]*Script, error) {
	names, err := l.Names()
	if err != nil {
		return nil, err
	}
	opts := l.readOptions()

	scripts := make([]*Script, 0, len(names))
	for _, name := range names {
		s, err := l.read(name, opts)
		if err != nil {
			l.logger.Warn("skip unreadable script", "script", name, "err", err)
			continue
		}
		scripts = append(scripts, s)
	}
	return scripts, nil
}

// Get reads a single script by name (file stem).
func (l *Loader) Get(name string) (*Script, error) {
	if !validName(name) {
		return nil, fmt.Errorf("invalid script name %q: %w", name, ErrNotFound)
	}
	return l.read(name, l.readOptions())
}

func (l *Loader) read(name string, opts map[string]Options) (*Script, error) {
	path := filepath.Join(l.dir, name+".lua")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("read script: %w", err)
	}
	o, ok := opts[name+".lua"]
	if !ok {
		o = opts[name]
	}
	return New(name, path, string(data), o, l.logger), nil
}

// readOptions parses the options file. Entries are keyed by script file name
// ("greeter.lua") or by bare script name. A missing file means defaults.
func (l *Loader) readOptions() map[string]Options {
	out := make(map[string]Options)
	data, err := os.ReadFile(filepath.Join(l.dir, OptionsFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("read script options", "err", err)
		}
		return out
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		l.logger.Error("parse script options, using defaults", "file", OptionsFile, "err", err)
		return make(map[string]Options)
	}
	return out
}
